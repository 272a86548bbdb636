package nodes

import (
	"context"
	"time"

	"scanflow/api/pkg/files"
	"scanflow/api/services/workflow"
)

// Node types handled by this package.
const (
	TypeFileInput         = "file_input"
	TypeXMapScan          = "xmap_scan"
	TypeZGrab2Scan        = "zgrab2_scan"
	TypeXMapJSONExtract   = "xmap_json_extract"
	TypeZGrab2JSONExtract = "zgrab2_json_extract"
	TypeJSONCustomExtract = "json_custom_extract"
	TypeFileOutput        = "file_output"
)

// ScanService starts scan jobs on the scan-task service.
type ScanService interface {
	StartScan(ctx context.Context, kind string, params map[string]any, ownerID string) (string, error)
}

// FileStore resolves and writes the files nodes exchange.
type FileStore interface {
	Lookup(ctx context.Context, ownerID, fileID string) (*files.File, error)
	Save(ctx context.Context, ownerID, name, format string, rows []any) (*files.File, error)
}

// Capabilities holds the dependencies shared by the node implementations.
type Capabilities struct {
	scans ScanService
	files FileStore
	now   func() time.Time
}

// New creates the capability set.
func New(scans ScanService, fs FileStore) *Capabilities {
	return &Capabilities{scans: scans, files: fs, now: time.Now}
}

// Registry maps every node type to its implementation.
func (c *Capabilities) Registry() workflow.Registry {
	return workflow.Registry{
		TypeFileInput:         workflow.CapabilityFunc(c.fileInput),
		TypeXMapScan:          workflow.CapabilityFunc(c.xmapScan),
		TypeZGrab2Scan:        workflow.CapabilityFunc(c.zgrab2Scan),
		TypeXMapJSONExtract:   workflow.CapabilityFunc(c.xmapExtract),
		TypeZGrab2JSONExtract: workflow.CapabilityFunc(c.zgrab2Extract),
		TypeJSONCustomExtract: workflow.CapabilityFunc(c.customExtract),
		TypeFileOutput:        workflow.CapabilityFunc(c.fileOutput),
	}
}

// NewRegistry is shorthand for New(scans, fs).Registry().
func NewRegistry(scans ScanService, fs FileStore) workflow.Registry {
	return New(scans, fs).Registry()
}
