package nodes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"scanflow/api/services/scanner"
	"scanflow/api/services/workflow"
)

type xmapConfig struct {
	Protocol      string `mapstructure:"protocol"`
	IPv6          *bool  `mapstructure:"ipv6"`
	IPv4          *bool  `mapstructure:"ipv4"`
	TargetPort    string `mapstructure:"targetPort"`
	TargetAddress string `mapstructure:"targetaddress"`
	Rate          int    `mapstructure:"rate"`
	MaxResults    int    `mapstructure:"maxResults"`
	MaxLen        *int   `mapstructure:"maxlen"`
	ProbeModule   string `mapstructure:"probeModule"`
	Description   string `mapstructure:"description"`
}

// xmapParams builds the scan request. protocol takes precedence over the
// legacy ipv6/ipv4 flags, which default to IPv6 only.
func xmapParams(node workflow.Node, cfg xmapConfig) map[string]any {
	var useIPv6, useIPv4 bool
	if cfg.Protocol != "" {
		useIPv6 = cfg.Protocol == "ipv6"
		useIPv4 = cfg.Protocol == "ipv4"
	} else {
		useIPv6 = cfg.IPv6 == nil || *cfg.IPv6
		useIPv4 = cfg.IPv4 != nil && *cfg.IPv4
	}

	params := map[string]any{
		"ipv6":          useIPv6,
		"ipv4":          useIPv4,
		"targetPort":    orDefault(cfg.TargetPort, "80"),
		"targetaddress": cfg.TargetAddress,
		"rate":          orDefaultInt(cfg.Rate, 1000),
		"max_results":   orDefaultInt(cfg.MaxResults, 10000),
		"maxlen":        nil,
		"probeModule":   orDefault(cfg.ProbeModule, "icmp_echo"),
		"description":   orDefault(cfg.Description, "Workflow XMap scan - "+node.ID),
	}
	if cfg.MaxLen != nil {
		params["maxlen"] = *cfg.MaxLen
	}
	return params
}

func (c *Capabilities) xmapScan(ctx context.Context, node workflow.Node, input workflow.Input, ownerID string) (*workflow.NodeOutput, error) {
	var cfg xmapConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	params := xmapParams(node, cfg)
	inputPath := payloadString(upstream(input, workflow.DefaultPort, "file"), "filePath")
	if inputPath != "" {
		params["whitelistFile"] = filepath.Base(inputPath)
	} else if strings.TrimSpace(cfg.TargetAddress) == "" {
		return nil, errors.New("xmap scan without an input file requires targetaddress")
	}

	taskID, err := c.scans.StartScan(ctx, scanner.KindXMap, params, ownerID)
	if err != nil {
		return nil, err
	}
	return &workflow.NodeOutput{
		Kind: workflow.KindJob,
		Job:  &workflow.JobHandle{ID: taskID, Kind: scanner.KindXMap},
		Payload: map[string]any{
			"taskId":   taskID,
			"fileName": fmt.Sprintf("xmap_result_%s.json", taskID),
			"fileType": "json",
			"toolType": scanner.KindXMap,
		},
	}, nil
}

type zgrab2Config struct {
	ScanMode           string `mapstructure:"scanMode"`
	Module             string `mapstructure:"module"`
	Port               string `mapstructure:"port"`
	ConfigFile         string `mapstructure:"configFile"`
	Timeout            string `mapstructure:"timeout"`
	Senders            int    `mapstructure:"senders"`
	ConnectionsPerHost int    `mapstructure:"connectionsPerHost"`
	ReadLimitPerHost   int    `mapstructure:"readLimitPerHost"`
	Description        string `mapstructure:"description"`
	AdditionalParams   string `mapstructure:"additionalParams"`
}

func zgrab2Params(node workflow.Node, cfg zgrab2Config, in *workflow.NodeOutput) (map[string]any, error) {
	inputPath := payloadString(in, "filePath")
	extra := map[string]any{}
	params := map[string]any{
		"inputFile":        filepath.Base(inputPath),
		"inputFilePath":    inputPath,
		"fileId":           payloadString(in, "fileId"),
		"description":      orDefault(cfg.Description, "Workflow ZGrab2 scan - "+node.ID),
		"additionalParams": extra,
	}

	if cfg.ScanMode == "multiple" {
		if cfg.ConfigFile == "" {
			return nil, errors.New("zgrab2 multiple scan mode requires configFile")
		}
		params["configFile"] = cfg.ConfigFile
	} else {
		params["module"] = orDefault(cfg.Module, "http")
		if cfg.Port != "" {
			params["port"] = cfg.Port
		}
	}

	if cfg.Timeout != "" {
		extra["timeout"] = cfg.Timeout
	}
	if cfg.Senders > 0 {
		extra["senders"] = cfg.Senders
	}
	if cfg.ConnectionsPerHost > 0 {
		extra["connections-per-host"] = cfg.ConnectionsPerHost
	}
	if cfg.ReadLimitPerHost > 0 {
		extra["read-limit-per-host"] = cfg.ReadLimitPerHost
	}
	for _, line := range strings.Split(cfg.AdditionalParams, "\n") {
		key, value, ok := strings.Cut(line, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if ok && key != "" && value != "" {
			extra[key] = value
		}
	}
	return params, nil
}

func (c *Capabilities) zgrab2Scan(ctx context.Context, node workflow.Node, input workflow.Input, ownerID string) (*workflow.NodeOutput, error) {
	var cfg zgrab2Config
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	in := upstream(input, workflow.DefaultPort, "file")
	if payloadString(in, "filePath") == "" {
		return nil, errors.New("zgrab2 scan node requires an input file")
	}

	params, err := zgrab2Params(node, cfg, in)
	if err != nil {
		return nil, err
	}
	taskID, err := c.scans.StartScan(ctx, scanner.KindZGrab2, params, ownerID)
	if err != nil {
		return nil, err
	}
	return &workflow.NodeOutput{
		Kind: workflow.KindJob,
		Job:  &workflow.JobHandle{ID: taskID, Kind: scanner.KindZGrab2},
		Payload: map[string]any{
			"taskId":   taskID,
			"fileName": fmt.Sprintf("zgrab2_result_%s.jsonl", taskID),
			"fileType": "jsonl",
			"toolType": scanner.KindZGrab2,
		},
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}
