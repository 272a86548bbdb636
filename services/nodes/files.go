package nodes

import (
	"context"
	"errors"
	"fmt"

	"scanflow/api/services/workflow"
)

type fileInputConfig struct {
	FileID   string `mapstructure:"fileId"`
	FileType string `mapstructure:"fileType"`
}

func (c *Capabilities) fileInput(ctx context.Context, node workflow.Node, _ workflow.Input, ownerID string) (*workflow.NodeOutput, error) {
	var cfg fileInputConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.FileID == "" {
		return nil, errors.New("file input node requires fileId")
	}

	f, err := c.files.Lookup(ctx, ownerID, cfg.FileID)
	if err != nil {
		return nil, fmt.Errorf("look up file: %w", err)
	}
	out := fileOutput(workflow.KindFile, f)
	if cfg.FileType != "" {
		out.Payload["fileType"] = cfg.FileType
	}
	return out, nil
}

type fileOutputConfig struct {
	FileName    string `mapstructure:"fileName"`
	Description string `mapstructure:"description"`
	FileType    string `mapstructure:"fileType"`
}

func (c *Capabilities) fileOutput(ctx context.Context, node workflow.Node, input workflow.Input, ownerID string) (*workflow.NodeOutput, error) {
	var cfg fileOutputConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Description == "" {
		cfg.Description = "Workflow output file"
	}

	in := upstream(input, workflow.DefaultPort, "file", "result_file")
	if in == nil {
		return nil, errors.New("file output node has no input")
	}

	// Pass an existing file through unless a different name was asked for.
	if fileID := payloadString(in, "fileId"); fileID != "" {
		if cfg.FileName == "" || cfg.FileName == payloadString(in, "fileName") {
			return &workflow.NodeOutput{Kind: workflow.KindOutput, Payload: map[string]any{
				"fileId":      fileID,
				"filePath":    payloadString(in, "filePath"),
				"fileName":    payloadString(in, "fileName"),
				"fileType":    payloadString(in, "fileType"),
				"description": cfg.Description,
			}}, nil
		}
	}

	format := cfg.FileType
	if format == "" || format == "auto" {
		format = payloadString(in, "fileType")
	}
	if format == "" {
		format = "json"
	}
	name := cfg.FileName
	if name == "" {
		name = fmt.Sprintf("workflow_output_%d", c.now().UnixMilli())
	}

	f, err := c.files.Save(ctx, ownerID, name, format, outputRows(in))
	if err != nil {
		return nil, fmt.Errorf("save output file: %w", err)
	}
	out := fileOutput(workflow.KindOutput, f)
	out.Payload["description"] = cfg.Description
	return out, nil
}

// outputRows picks the extracted rows of an upstream output if it has them,
// or the whole payload otherwise.
func outputRows(in *workflow.NodeOutput) []any {
	if rows, ok := in.Payload["extractedData"].([]any); ok {
		return rows
	}
	return []any{in.Payload}
}
