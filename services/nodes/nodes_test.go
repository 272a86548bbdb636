package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanflow/api/pkg/files"
	"scanflow/api/services/scanner"
	"scanflow/api/services/workflow"
)

type startedScan struct {
	kind   string
	params map[string]any
	owner  string
}

// fakeScans records scan submissions and returns sequential task ids.
type fakeScans struct {
	started []startedScan
	err     error
}

func (f *fakeScans) StartScan(_ context.Context, kind string, params map[string]any, ownerID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, startedScan{kind: kind, params: params, owner: ownerID})
	return "task-" + string(rune('0'+len(f.started))), nil
}

func newTestCapabilities(t *testing.T) (*Capabilities, *fakeScans, *files.Store) {
	t.Helper()
	store, err := files.NewStore(t.TempDir())
	require.NoError(t, err)
	scans := &fakeScans{}
	caps := New(scans, store)
	caps.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return caps, scans, store
}

// writeResult writes a scan result file and returns its path.
func writeResult(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func resultInput(path string) workflow.Input {
	return workflow.Input{workflow.DefaultPort: &workflow.NodeOutput{
		Kind:    workflow.KindJob,
		Payload: map[string]any{"filePath": path},
	}}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestRegistry_HasEveryNodeType(t *testing.T) {
	caps, _, _ := newTestCapabilities(t)

	assert.Equal(t, []string{
		TypeFileInput,
		TypeFileOutput,
		TypeJSONCustomExtract,
		TypeXMapJSONExtract,
		TypeXMapScan,
		TypeZGrab2JSONExtract,
		TypeZGrab2Scan,
	}, caps.Registry().Types())
}

func TestFileInput(t *testing.T) {
	caps, _, store := newTestCapabilities(t)
	ctx := context.Background()

	saved, err := store.Save(ctx, "u1", "targets", "txt", []any{"2001:db8::1", "2001:db8::2"})
	require.NoError(t, err)

	out, err := caps.fileInput(ctx, workflow.Node{ID: "in", Type: TypeFileInput, Config: map[string]any{"fileId": saved.ID}}, nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, workflow.KindFile, out.Kind)
	assert.Equal(t, saved.Path, out.Payload["filePath"])
	assert.Equal(t, "targets", out.Payload["fileName"])
	assert.Equal(t, "txt", out.Payload["fileType"])

	out, err = caps.fileInput(ctx, workflow.Node{ID: "in", Type: TypeFileInput, Config: map[string]any{"fileId": saved.ID, "fileType": "csv"}}, nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, "csv", out.Payload["fileType"])
}

func TestFileInput_Errors(t *testing.T) {
	caps, _, store := newTestCapabilities(t)
	ctx := context.Background()
	saved, err := store.Save(ctx, "u1", "targets", "txt", []any{"::1"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		config  map[string]any
		owner   string
		wantErr string
	}{
		{"missing fileId", map[string]any{}, "u1", "requires fileId"},
		{"unknown file", map[string]any{"fileId": "00000000-0000-0000-0000-000000000000"}, "u1", "file not found"},
		{"other owner", map[string]any{"fileId": saved.ID}, "u2", "file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := caps.fileInput(ctx, workflow.Node{ID: "in", Type: TypeFileInput, Config: tt.config}, nil, tt.owner)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestXMapParams(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name     string
		cfg      xmapConfig
		wantIPv6 bool
		wantIPv4 bool
	}{
		{"defaults to ipv6", xmapConfig{}, true, false},
		{"protocol ipv4", xmapConfig{Protocol: "ipv4"}, false, true},
		{"protocol wins over flags", xmapConfig{Protocol: "ipv6", IPv6: &no, IPv4: &yes}, true, false},
		{"legacy flags", xmapConfig{IPv6: &no, IPv4: &yes}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := xmapParams(workflow.Node{ID: "scan"}, tt.cfg)
			assert.Equal(t, tt.wantIPv6, params["ipv6"])
			assert.Equal(t, tt.wantIPv4, params["ipv4"])
		})
	}

	params := xmapParams(workflow.Node{ID: "scan"}, xmapConfig{})
	assert.Equal(t, "80", params["targetPort"])
	assert.Equal(t, 1000, params["rate"])
	assert.Equal(t, 10000, params["max_results"])
	assert.Equal(t, "icmp_echo", params["probeModule"])
	assert.Equal(t, "Workflow XMap scan - scan", params["description"])
	assert.Nil(t, params["maxlen"])
}

func TestXMapScan(t *testing.T) {
	caps, scans, _ := newTestCapabilities(t)
	ctx := context.Background()

	node := workflow.Node{ID: "scan", Type: TypeXMapScan, Config: map[string]any{"rate": "500", "targetPort": "443", "maxlen": 64}}
	out, err := caps.xmapScan(ctx, node, resultInput("/data/u1/abc/targets.txt"), "u1")
	require.NoError(t, err)

	require.Len(t, scans.started, 1)
	started := scans.started[0]
	assert.Equal(t, scanner.KindXMap, started.kind)
	assert.Equal(t, "u1", started.owner)
	assert.Equal(t, "targets.txt", started.params["whitelistFile"])
	assert.Equal(t, 500, started.params["rate"])
	assert.Equal(t, "443", started.params["targetPort"])
	assert.Equal(t, 64, started.params["maxlen"])

	assert.Equal(t, workflow.KindJob, out.Kind)
	require.NotNil(t, out.Job)
	assert.Equal(t, workflow.JobHandle{ID: "task-1", Kind: scanner.KindXMap}, *out.Job)
	assert.Equal(t, "task-1", out.Payload["taskId"])
	assert.Equal(t, "xmap_result_task-1.json", out.Payload["fileName"])
}

func TestXMapScan_RequiresTarget(t *testing.T) {
	caps, scans, _ := newTestCapabilities(t)

	_, err := caps.xmapScan(context.Background(), workflow.Node{ID: "scan", Type: TypeXMapScan}, nil, "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targetaddress")
	assert.Empty(t, scans.started)

	_, err = caps.xmapScan(context.Background(), workflow.Node{ID: "scan", Type: TypeXMapScan, Config: map[string]any{"targetaddress": "2001:db8::/120"}}, nil, "u1")
	require.NoError(t, err)
	require.Len(t, scans.started, 1)
	assert.NotContains(t, scans.started[0].params, "whitelistFile")
}

func TestXMapScan_StartError(t *testing.T) {
	caps, scans, _ := newTestCapabilities(t)
	scans.err = errors.New("scan service returned status 503")

	_, err := caps.xmapScan(context.Background(), workflow.Node{ID: "scan", Type: TypeXMapScan}, resultInput("/t.txt"), "u1")
	assert.ErrorContains(t, err, "503")
}

func TestZGrab2Params(t *testing.T) {
	in := &workflow.NodeOutput{Payload: map[string]any{"filePath": "/data/hosts.txt", "fileId": "f-1"}}

	params, err := zgrab2Params(workflow.Node{ID: "grab"}, zgrab2Config{
		Port:             "8443",
		Senders:          100,
		Timeout:          "5s",
		AdditionalParams: "max-redirects=3\n  user-agent = scanflow \nbroken\n=empty",
	}, in)
	require.NoError(t, err)
	assert.Equal(t, "hosts.txt", params["inputFile"])
	assert.Equal(t, "/data/hosts.txt", params["inputFilePath"])
	assert.Equal(t, "f-1", params["fileId"])
	assert.Equal(t, "http", params["module"])
	assert.Equal(t, "8443", params["port"])
	assert.Equal(t, map[string]any{
		"timeout":       "5s",
		"senders":       100,
		"max-redirects": "3",
		"user-agent":    "scanflow",
	}, params["additionalParams"])

	_, err = zgrab2Params(workflow.Node{ID: "grab"}, zgrab2Config{ScanMode: "multiple"}, in)
	assert.ErrorContains(t, err, "configFile")

	params, err = zgrab2Params(workflow.Node{ID: "grab"}, zgrab2Config{ScanMode: "multiple", ConfigFile: "multi.ini"}, in)
	require.NoError(t, err)
	assert.Equal(t, "multi.ini", params["configFile"])
	assert.NotContains(t, params, "module")
}

func TestZGrab2Scan(t *testing.T) {
	caps, scans, _ := newTestCapabilities(t)
	ctx := context.Background()

	_, err := caps.zgrab2Scan(ctx, workflow.Node{ID: "grab", Type: TypeZGrab2Scan}, nil, "u1")
	assert.ErrorContains(t, err, "requires an input file")

	out, err := caps.zgrab2Scan(ctx, workflow.Node{ID: "grab", Type: TypeZGrab2Scan, Config: map[string]any{"module": "tls"}}, resultInput("/data/hosts.txt"), "u1")
	require.NoError(t, err)
	require.Len(t, scans.started, 1)
	assert.Equal(t, scanner.KindZGrab2, scans.started[0].kind)
	assert.Equal(t, "tls", scans.started[0].params["module"])
	assert.Equal(t, workflow.JobHandle{ID: "task-1", Kind: scanner.KindZGrab2}, *out.Job)
	assert.Equal(t, "zgrab2_result_task-1.jsonl", out.Payload["fileName"])
}

const xmapResults = `{"saddr":"2001:db8::1","outersaddr":"2001:db8::a","success":1}
{"saddr":"2001:db8::2","outersaddr":"2001:db8::b","success":0}
{"saddr":"2001:db8::3","outersaddr":"2001:db8::a","success":true}
`

func TestExtractXMap(t *testing.T) {
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(xmapResults), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}

	tests := []struct {
		extractType string
		successOnly bool
		want        []any
	}{
		{"outersaddr", true, []any{"2001:db8::a"}},
		{"outersaddr", false, []any{"2001:db8::a", "2001:db8::b"}},
		{"successful_addresses", false, []any{"2001:db8::1", "2001:db8::3"}},
		{"all_addresses", true, []any{"2001:db8::1", "2001:db8::2", "2001:db8::3"}},
	}
	for _, tt := range tests {
		t.Run(tt.extractType, func(t *testing.T) {
			got, err := extractXMap(records, tt.extractType, tt.successOnly)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := extractXMap(records, "ports", true)
	assert.ErrorContains(t, err, "unsupported xmap extract type")
}

func TestXMapExtract_WritesFile(t *testing.T) {
	caps, _, _ := newTestCapabilities(t)
	path := writeResult(t, "xmap_result.json", xmapResults)

	node := workflow.Node{ID: "ext", Type: TypeXMapJSONExtract, Config: map[string]any{"extractType": "all_addresses"}}
	out, err := caps.xmapExtract(context.Background(), node, resultInput(path), "u1")
	require.NoError(t, err)

	assert.Equal(t, workflow.KindFile, out.Kind)
	assert.Equal(t, 3, out.Payload["count"])
	assert.Equal(t, "xmap_extracted_ext_1700000000000", out.Payload["fileName"])
	assert.Equal(t, "txt", out.Payload["fileType"])
	assert.Equal(t, []string{"2001:db8::1", "2001:db8::2", "2001:db8::3"}, readLines(t, out.Payload["filePath"].(string)))
}

func TestXMapExtract_NoResultFile(t *testing.T) {
	caps, _, _ := newTestCapabilities(t)

	_, err := caps.xmapExtract(context.Background(), workflow.Node{ID: "ext", Type: TypeXMapJSONExtract}, workflow.Input{
		workflow.DefaultPort: &workflow.NodeOutput{Payload: map[string]any{"taskId": "t-1"}},
	}, "u1")
	assert.ErrorContains(t, err, "no result file")

	_, err = caps.xmapExtract(context.Background(), workflow.Node{ID: "ext", Type: TypeXMapJSONExtract}, nil, "u1")
	assert.ErrorContains(t, err, "no input")
}

const zgrab2Results = `{"ip":"10.0.0.1","data":{"http":{"status":"success"},"tls":{"status":"success"}}}
{"ip":"10.0.0.2","data":{"http":{"status":"connection-timeout"}}}
{"ip":"10.0.0.1","data":{"http":{"status":"success"}}}
`

func TestZGrab2Extract(t *testing.T) {
	caps, _, _ := newTestCapabilities(t)
	path := writeResult(t, "zgrab2_result.jsonl", zgrab2Results)
	ctx := context.Background()

	tests := []struct {
		name   string
		config map[string]any
		want   []any
	}{
		{"successful ips", map[string]any{}, []any{"10.0.0.1"}},
		{"all ips", map[string]any{"extractType": "all_ips"}, []any{"10.0.0.1", "10.0.0.2"}},
		{"metadata", map[string]any{"includeMetadata": true, "outputFormat": "json"}, []any{
			map[string]any{"ip": "10.0.0.1", "protocols": []string{"http", "tls"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := caps.zgrab2Extract(ctx, workflow.Node{ID: "ext", Type: TypeZGrab2JSONExtract, Config: tt.config}, resultInput(path), "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Payload["extractedData"])
			assert.Equal(t, len(tt.want), out.Payload["count"])
		})
	}
}

const bannerResults = `[
  {"ip":"10.0.0.1","data":{"http":{"status":"success","result":{"response":{"status_code":200,"headers":{"server":["nginx"]}}}}}},
  {"ip":"10.0.0.2","data":{"http":{"status":"success","result":{"response":{"status_code":404}}}}},
  {"ip":"10.0.0.3","data":{"http":{"status":"io-timeout"}}}
]`

func TestExtractFields(t *testing.T) {
	var records []map[string]any
	require.NoError(t, json.Unmarshal([]byte(bannerResults), &records))

	tests := []struct {
		name    string
		paths   []string
		filters map[string]any
		want    []any
	}{
		{
			name:  "single path yields bare values",
			paths: []string{"$.ip"},
			want:  []any{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
		},
		{
			name:  "records without a match are skipped",
			paths: []string{"$.data.http.result.response.headers.server[0]"},
			want:  []any{"nginx"},
		},
		{
			name:    "filter on status code",
			paths:   []string{"$.ip", "$.data.http.status"},
			filters: map[string]any{"$.data.http.result.response.status_code": 200},
			want: []any{map[string]any{
				"$.ip":               "10.0.0.1",
				"$.data.http.status": "success",
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractFields(records, tt.paths, tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := extractFields(records, []string{"$[[[invalid"}, nil)
	assert.ErrorContains(t, err, "invalid JSONPath expression")
}

func TestCustomExtract(t *testing.T) {
	caps, _, _ := newTestCapabilities(t)
	path := writeResult(t, "banners.json", bannerResults)
	ctx := context.Background()

	_, err := caps.customExtract(ctx, workflow.Node{ID: "ext", Type: TypeJSONCustomExtract}, resultInput(path), "u1")
	assert.ErrorContains(t, err, "requires fieldPaths")

	node := workflow.Node{ID: "ext", Type: TypeJSONCustomExtract, Config: map[string]any{
		"fieldPaths": []any{"$.ip"},
		"fileName":   "ips",
	}}
	out, err := caps.customExtract(ctx, node, resultInput(path), "u1")
	require.NoError(t, err)
	assert.Equal(t, "ips", out.Payload["fileName"])
	assert.Equal(t, "json", out.Payload["fileType"])

	b, err := os.ReadFile(out.Payload["filePath"].(string))
	require.NoError(t, err)
	assert.JSONEq(t, `["10.0.0.1", "10.0.0.2", "10.0.0.3"]`, string(b))
}

func TestFileOutput_PassesThroughExistingFile(t *testing.T) {
	caps, _, _ := newTestCapabilities(t)
	input := workflow.Input{workflow.DefaultPort: &workflow.NodeOutput{Kind: workflow.KindFile, Payload: map[string]any{
		"fileId": "f-1", "filePath": "/data/f-1/hosts.txt", "fileName": "hosts", "fileType": "txt",
	}}}

	out, err := caps.fileOutput(context.Background(), workflow.Node{ID: "out", Type: TypeFileOutput}, input, "u1")
	require.NoError(t, err)
	assert.Equal(t, workflow.KindOutput, out.Kind)
	assert.Equal(t, map[string]any{
		"fileId":      "f-1",
		"filePath":    "/data/f-1/hosts.txt",
		"fileName":    "hosts",
		"fileType":    "txt",
		"description": "Workflow output file",
	}, out.Payload)
}

func TestFileOutput_SavesRows(t *testing.T) {
	caps, _, store := newTestCapabilities(t)
	ctx := context.Background()
	input := workflow.Input{workflow.DefaultPort: &workflow.NodeOutput{Kind: workflow.KindFile, Payload: map[string]any{
		"fileId":        "f-1",
		"fileName":      "hosts",
		"fileType":      "txt",
		"extractedData": []any{"10.0.0.1", "10.0.0.2"},
	}}}

	node := workflow.Node{ID: "out", Type: TypeFileOutput, Config: map[string]any{"fileName": "final", "description": "live hosts"}}
	out, err := caps.fileOutput(ctx, node, input, "u1")
	require.NoError(t, err)
	assert.Equal(t, "final", out.Payload["fileName"])
	assert.Equal(t, "txt", out.Payload["fileType"])
	assert.Equal(t, "live hosts", out.Payload["description"])

	saved, err := store.Lookup(ctx, "u1", out.Payload["fileId"].(string))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, readLines(t, saved.Path))
}

func TestFileOutput_NoInput(t *testing.T) {
	caps, _, _ := newTestCapabilities(t)

	_, err := caps.fileOutput(context.Background(), workflow.Node{ID: "out", Type: TypeFileOutput}, nil, "u1")
	assert.ErrorContains(t, err, "no input")
}

func TestPipeline_RunsThroughEngine(t *testing.T) {
	caps, _, store := newTestCapabilities(t)
	ctx := context.Background()
	targets, err := store.Save(ctx, "u1", "targets", "txt", []any{"10.0.0.1"})
	require.NoError(t, err)
	resultPath := writeResult(t, "zgrab2_result.jsonl", zgrab2Results)

	jobs := &completedJobs{location: resultPath}
	engine := workflow.NewEngine(caps.Registry(), jobs, workflow.NewMemoryStore(), workflow.EngineConfig{PollInterval: time.Millisecond, JobTimeout: time.Second})
	t.Cleanup(func() { engine.Shutdown(context.Background()) })

	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "in", Type: TypeFileInput, Config: map[string]any{"fileId": targets.ID}},
			{ID: "grab", Type: TypeZGrab2Scan},
			{ID: "ext", Type: TypeZGrab2JSONExtract},
			{ID: "out", Type: TypeFileOutput, Config: map[string]any{"fileName": "live"}},
		},
		Connections: []workflow.Connection{
			{From: "in", To: "grab"},
			{From: "grab", To: "ext"},
			{From: "ext", To: "out"},
		},
	}
	runID, err := engine.Start(ctx, def, nil, "u1", workflow.StartOptions{Name: "banner grab"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, engine.Await(waitCtx, runID))

	details, err := engine.Details(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunCompleted, details.Status, details.ErrorMessage)
	require.Len(t, details.NodeExecutions, 4)

	final := details.NodeExecutions[3].Output
	assert.Equal(t, workflow.KindOutput, final.Kind)
	assert.Equal(t, "live", final.Payload["fileName"])
	assert.Equal(t, []string{"10.0.0.1"}, readLines(t, final.Payload["filePath"].(string)))
}

// completedJobs reports every job as finished with the same result file.
type completedJobs struct {
	location string
}

func (c *completedJobs) JobStatus(context.Context, workflow.JobHandle, string) (*workflow.JobStatus, error) {
	return &workflow.JobStatus{State: workflow.JobCompleted, ResultLocation: c.location}, nil
}

func (c *completedJobs) CancelJob(context.Context, workflow.JobHandle, string) error {
	return nil
}
