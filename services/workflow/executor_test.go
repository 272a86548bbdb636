package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockJobs implements JobService with scripted job states. Jobs without a
// scripted state report running.
type mockJobs struct {
	mu       sync.Mutex
	states   map[string]*JobStatus
	polls    map[string]int
	canceled []JobHandle
	err      error
}

func newMockJobs() *mockJobs {
	return &mockJobs{states: map[string]*JobStatus{}, polls: map[string]int{}}
}

func (m *mockJobs) set(id string, status *JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = status
}

func (m *mockJobs) JobStatus(_ context.Context, handle JobHandle, _ string) (*JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls[handle.ID]++
	if m.err != nil {
		return nil, m.err
	}
	if s, ok := m.states[handle.ID]; ok {
		cp := *s
		return &cp, nil
	}
	return &JobStatus{State: JobRunning}, nil
}

func (m *mockJobs) CancelJob(_ context.Context, handle JobHandle, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, handle)
	return nil
}

func (m *mockJobs) canceledJobs() []JobHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]JobHandle{}, m.canceled...)
}

// doubler multiplies the upstream "value" by two. Source nodes read "value"
// from the workflow input.
var doubler = CapabilityFunc(func(_ context.Context, _ Node, input Input, _ string) (*NodeOutput, error) {
	var value float64
	if up, ok := input[DefaultPort].(*NodeOutput); ok {
		value, _ = up.Payload["value"].(float64)
	} else {
		value, _ = toFloat(input["value"])
	}
	return &NodeOutput{Kind: KindData, Payload: map[string]any{"value": value * 2}}, nil
})

func failing(msg string) Capability {
	return CapabilityFunc(func(context.Context, Node, Input, string) (*NodeOutput, error) {
		return nil, errors.New(msg)
	})
}

// jobStarter returns a job handle with the node id as job id.
var jobStarter = CapabilityFunc(func(_ context.Context, node Node, _ Input, _ string) (*NodeOutput, error) {
	return &NodeOutput{Job: &JobHandle{ID: "job-" + node.ID, Kind: "xmap"}, Payload: map[string]any{"taskId": "job-" + node.ID}}, nil
})

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func TestDispatcher_UnsupportedType(t *testing.T) {
	d := NewDispatcher(Registry{"double": doubler})

	_, err := d.Dispatch(context.Background(), Node{ID: "a", Type: "teleport"}, Input{}, "u1")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedNodeType)
	assert.Contains(t, err.Error(), "teleport")
}

func TestDispatcher_OutputKindDefaults(t *testing.T) {
	tests := []struct {
		name string
		cap  Capability
		want OutputKind
	}{
		{"nil output", CapabilityFunc(func(context.Context, Node, Input, string) (*NodeOutput, error) { return nil, nil }), KindData},
		{"data", doubler, KindData},
		{"job without kind", jobStarter, KindJob},
		{"explicit kind kept", CapabilityFunc(func(context.Context, Node, Input, string) (*NodeOutput, error) {
			return &NodeOutput{Kind: KindFile}, nil
		}), KindFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(Registry{"x": tt.cap})
			out, err := d.Dispatch(context.Background(), Node{ID: "a", Type: "x"}, Input{}, "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Kind)
		})
	}
}

func TestDispatcher_PropagatesCapabilityError(t *testing.T) {
	d := NewDispatcher(Registry{"bad": failing("boom")})

	_, err := d.Dispatch(context.Background(), Node{ID: "a", Type: "bad"}, Input{}, "u1")

	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}

func TestDispatcher_PassesOwner(t *testing.T) {
	var gotOwner string
	d := NewDispatcher(Registry{"who": CapabilityFunc(func(_ context.Context, _ Node, _ Input, ownerID string) (*NodeOutput, error) {
		gotOwner = ownerID
		return nil, nil
	})})

	_, err := d.Dispatch(context.Background(), Node{ID: "a", Type: "who"}, Input{}, "alice")

	require.NoError(t, err)
	assert.Equal(t, "alice", gotOwner)
}

func TestRegistry_Types(t *testing.T) {
	r := Registry{"b": doubler, "a": doubler, "c": doubler}
	assert.Equal(t, []string{"a", "b", "c"}, r.Types())
}
