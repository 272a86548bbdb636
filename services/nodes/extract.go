package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ohler55/ojg/jp"

	"scanflow/api/services/workflow"
)

type extractConfig struct {
	ExtractType     string         `mapstructure:"extractType"`
	SuccessOnly     *bool          `mapstructure:"successOnly"`
	IncludeMetadata bool           `mapstructure:"includeMetadata"`
	OutputFormat    string         `mapstructure:"outputFormat"`
	FileName        string         `mapstructure:"fileName"`
	FieldPaths      []string       `mapstructure:"fieldPaths"`
	FilterCriteria  map[string]any `mapstructure:"filterCriteria"`
}

func (cfg extractConfig) successOnly() bool {
	return cfg.SuccessOnly == nil || *cfg.SuccessOnly
}

// resultRecords loads the records of the upstream result file.
func resultRecords(input workflow.Input, keys ...string) ([]map[string]any, error) {
	in := upstream(input, keys...)
	if in == nil {
		return nil, errors.New("extract node has no input")
	}
	return readRecords(payloadString(in, "filePath"))
}

// save writes rows to a new file and returns the file output with the rows
// attached for downstream nodes.
func (c *Capabilities) save(ctx context.Context, node workflow.Node, ownerID, prefix, format string, cfg extractConfig, rows []any) (*workflow.NodeOutput, error) {
	name := cfg.FileName
	if name == "" {
		name = fmt.Sprintf("%s_extracted_%s_%d", prefix, node.ID, c.now().UnixMilli())
	}
	f, err := c.files.Save(ctx, ownerID, name, format, rows)
	if err != nil {
		return nil, fmt.Errorf("save extracted results: %w", err)
	}
	out := fileOutput(workflow.KindFile, f)
	out.Payload["count"] = len(rows)
	out.Payload["extractedData"] = rows
	return out, nil
}

func (c *Capabilities) xmapExtract(ctx context.Context, node workflow.Node, input workflow.Input, ownerID string) (*workflow.NodeOutput, error) {
	var cfg extractConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	records, err := resultRecords(input, workflow.DefaultPort, "result_file")
	if err != nil {
		return nil, err
	}
	rows, err := extractXMap(records, orDefault(cfg.ExtractType, "outersaddr"), cfg.successOnly())
	if err != nil {
		return nil, err
	}
	return c.save(ctx, node, ownerID, "xmap", orDefault(cfg.OutputFormat, "txt"), cfg, rows)
}

// extractXMap pulls addresses out of XMap result records.
func extractXMap(records []map[string]any, extractType string, successOnly bool) ([]any, error) {
	var field string
	switch extractType {
	case "outersaddr":
		field = "outersaddr"
	case "successful_addresses":
		field, successOnly = "saddr", true
	case "all_addresses":
		field, successOnly = "saddr", false
	default:
		return nil, fmt.Errorf("unsupported xmap extract type %q", extractType)
	}

	var values []string
	for _, rec := range records {
		if successOnly && !truthy(rec["success"]) {
			continue
		}
		if s, ok := rec[field].(string); ok {
			values = append(values, s)
		}
	}
	return unique(values), nil
}

func (c *Capabilities) zgrab2Extract(ctx context.Context, node workflow.Node, input workflow.Input, ownerID string) (*workflow.NodeOutput, error) {
	var cfg extractConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	records, err := resultRecords(input, workflow.DefaultPort, "result_file")
	if err != nil {
		return nil, err
	}
	rows, err := extractZGrab2(records, orDefault(cfg.ExtractType, "successful_ips"), cfg.successOnly(), cfg.IncludeMetadata)
	if err != nil {
		return nil, err
	}
	return c.save(ctx, node, ownerID, "zgrab2", orDefault(cfg.OutputFormat, "txt"), cfg, rows)
}

// extractZGrab2 pulls host IPs out of ZGrab2 records. A host is successful
// when any of its protocol results reports status success.
func extractZGrab2(records []map[string]any, extractType string, successOnly, includeMetadata bool) ([]any, error) {
	switch extractType {
	case "successful_ips":
	case "all_ips":
		successOnly = false
	default:
		return nil, fmt.Errorf("unsupported zgrab2 extract type %q", extractType)
	}

	seen := map[string]bool{}
	var rows []any
	for _, rec := range records {
		ip, _ := rec["ip"].(string)
		if ip == "" || seen[ip] {
			continue
		}
		protocols := successfulProtocols(rec)
		if successOnly && len(protocols) == 0 {
			continue
		}
		seen[ip] = true
		if includeMetadata {
			rows = append(rows, map[string]any{"ip": ip, "protocols": protocols})
		} else {
			rows = append(rows, ip)
		}
	}
	if rows == nil {
		rows = []any{}
	}
	return rows, nil
}

func successfulProtocols(rec map[string]any) []string {
	data, _ := rec["data"].(map[string]any)
	var out []string
	for name, v := range data {
		result, _ := v.(map[string]any)
		if status, _ := result["status"].(string); status == "success" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Capabilities) customExtract(ctx context.Context, node workflow.Node, input workflow.Input, ownerID string) (*workflow.NodeOutput, error) {
	var cfg extractConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.FieldPaths) == 0 {
		return nil, errors.New("custom extract node requires fieldPaths")
	}
	records, err := resultRecords(input, workflow.DefaultPort, "result_file", "file")
	if err != nil {
		return nil, err
	}
	rows, err := extractFields(records, cfg.FieldPaths, cfg.FilterCriteria)
	if err != nil {
		return nil, err
	}
	return c.save(ctx, node, ownerID, "custom", orDefault(cfg.OutputFormat, "json"), cfg, rows)
}

// extractFields evaluates JSONPath expressions against each record. Records
// must match every filter path's expected value. With a single field path
// each row is the bare value, otherwise a map keyed by path.
func extractFields(records []map[string]any, paths []string, filters map[string]any) ([]any, error) {
	exprs := make([]jp.Expr, len(paths))
	for i, p := range paths {
		expr, err := jp.ParseString(p)
		if err != nil {
			return nil, fmt.Errorf("invalid JSONPath expression %q: %w", p, err)
		}
		exprs[i] = expr
	}
	filterExprs := make(map[string]jp.Expr, len(filters))
	for p := range filters {
		expr, err := jp.ParseString(p)
		if err != nil {
			return nil, fmt.Errorf("invalid filter path %q: %w", p, err)
		}
		filterExprs[p] = expr
	}

	rows := []any{}
	for _, rec := range records {
		if !matches(rec, filterExprs, filters) {
			continue
		}
		row := make(map[string]any, len(paths))
		for i, expr := range exprs {
			if v, ok := collapse(expr.Get(rec)); ok {
				row[paths[i]] = v
			}
		}
		if len(row) == 0 {
			continue
		}
		if len(paths) == 1 {
			rows = append(rows, row[paths[0]])
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func matches(rec map[string]any, exprs map[string]jp.Expr, want map[string]any) bool {
	for p, expr := range exprs {
		got, ok := collapse(expr.Get(rec))
		if !ok || fmt.Sprint(got) != fmt.Sprint(want[p]) {
			return false
		}
	}
	return true
}

// collapse reduces JSONPath results: a single match is returned as is and
// several matches as a slice.
func collapse(results []any) (any, bool) {
	switch len(results) {
	case 0:
		return nil, false
	case 1:
		return results[0], true
	default:
		return results, true
	}
}
