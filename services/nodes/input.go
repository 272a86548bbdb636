package nodes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"

	"scanflow/api/pkg/files"
	"scanflow/api/services/workflow"
)

// decodeConfig decodes a node's loosely typed config into dst.
func decodeConfig(node workflow.Node, dst any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(node.Config); err != nil {
		return fmt.Errorf("invalid %s config: %w", node.Type, err)
	}
	return nil
}

// upstream returns the first input found under keys. Connected ports hold
// node outputs; a source node's input may carry a plain map instead.
func upstream(input workflow.Input, keys ...string) *workflow.NodeOutput {
	for _, key := range keys {
		switch v := input[key].(type) {
		case *workflow.NodeOutput:
			if v != nil {
				return v
			}
		case map[string]any:
			if payload, ok := v["payload"].(map[string]any); ok {
				kind, _ := v["type"].(string)
				return &workflow.NodeOutput{Kind: workflow.OutputKind(kind), Payload: payload}
			}
			kind, _ := v["type"].(string)
			return &workflow.NodeOutput{Kind: workflow.OutputKind(kind), Payload: v}
		}
	}
	return nil
}

func payloadString(out *workflow.NodeOutput, key string) string {
	if out == nil {
		return ""
	}
	s, _ := out.Payload[key].(string)
	return s
}

func fileOutput(kind workflow.OutputKind, f *files.File) *workflow.NodeOutput {
	return &workflow.NodeOutput{Kind: kind, Payload: map[string]any{
		"fileId":   f.ID,
		"filePath": f.Path,
		"fileName": f.Name,
		"fileType": f.Type,
	}}
}

// readRecords loads a scan result file holding either a JSON array or one
// JSON document per line.
func readRecords(path string) ([]map[string]any, error) {
	if path == "" {
		return nil, errors.New("input has no result file")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open result file: %w", err)
	}
	defer f.Close()

	var records []map[string]any
	dec := json.NewDecoder(f)
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse result file %s: %w", path, err)
		}
		switch x := v.(type) {
		case []any:
			for _, item := range x {
				if m, ok := item.(map[string]any); ok {
					records = append(records, m)
				}
			}
		case map[string]any:
			records = append(records, x)
		}
	}
	return records, nil
}

// truthy interprets the loose success flags found in scan records.
func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		switch strings.ToLower(x) {
		case "1", "true", "yes", "success":
			return true
		}
	}
	return false
}

// unique keeps the first occurrence of each non-empty string.
func unique(values []string) []any {
	seen := make(map[string]bool, len(values))
	out := make([]any, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
