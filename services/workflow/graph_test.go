package workflow

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(types ...string) *Definition {
	def := &Definition{}
	ids := []string{"A", "B", "C", "D", "E", "F"}
	for i, typ := range types {
		def.Nodes = append(def.Nodes, Node{ID: ids[i], Type: typ})
		if i > 0 {
			def.Connections = append(def.Connections, Connection{From: ids[i-1], To: ids[i]})
		}
	}
	return def
}

func diamond() *Definition {
	return &Definition{
		Nodes: []Node{{ID: "D", Type: "x"}, {ID: "B", Type: "x"}, {ID: "C", Type: "x"}, {ID: "A", Type: "x"}},
		Connections: []Connection{
			{From: "A", To: "B"},
			{From: "A", To: "C"},
			{From: "B", To: "D"},
			{From: "C", To: "D"},
		},
	}
}

func TestBuildGraph_EveryNodeIsKey(t *testing.T) {
	def := &Definition{
		Nodes:       []Node{{ID: "a", Type: "x"}, {ID: "b", Type: "x"}, {ID: "lonely", Type: "x"}},
		Connections: []Connection{{From: "a", To: "b"}},
	}

	g, err := BuildGraph(def)
	require.NoError(t, err)

	want := map[string]Adjacency{
		"a":      {Dependencies: []string{}, Dependents: []string{"b"}},
		"b":      {Dependencies: []string{"a"}, Dependents: []string{}},
		"lonely": {Dependencies: []string{}, Dependents: []string{}},
	}
	if diff := cmp.Diff(want, g.Adjacency()); diff != "" {
		t.Errorf("adjacency mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, g.Len())
}

func TestBuildGraph_Idempotent(t *testing.T) {
	def := diamond()

	g1, err := BuildGraph(def)
	require.NoError(t, err)
	g2, err := BuildGraph(def)
	require.NoError(t, err)

	if diff := cmp.Diff(g1.Adjacency(), g2.Adjacency()); diff != "" {
		t.Errorf("graphs differ (-first +second):\n%s", diff)
	}
}

func TestBuildGraph_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
		want error
	}{
		{"nil definition", nil, ErrEmptyDefinition},
		{"no nodes", &Definition{}, ErrEmptyDefinition},
		{"duplicate id", &Definition{Nodes: []Node{{ID: "a"}, {ID: "a"}}}, ErrDuplicateNode},
		{"unknown from", &Definition{
			Nodes:       []Node{{ID: "a"}},
			Connections: []Connection{{From: "ghost", To: "a"}},
		}, ErrUnknownNodeReference},
		{"unknown to", &Definition{
			Nodes:       []Node{{ID: "a"}},
			Connections: []Connection{{From: "a", To: "ghost"}},
		}, ErrUnknownNodeReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(tt.def)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsDefinitionError(err))
		})
	}
}

func TestSchedule_DependenciesFirst(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
	}{
		{"single", chain("x")},
		{"chain", chain("x", "x", "x", "x")},
		{"diamond", diamond()},
		{"reversed listing", &Definition{
			Nodes:       []Node{{ID: "C"}, {ID: "B"}, {ID: "A"}},
			Connections: []Connection{{From: "A", To: "B"}, {From: "B", To: "C"}},
		}},
		{"disconnected", &Definition{
			Nodes:       []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
			Connections: []Connection{{From: "c", To: "a"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := BuildGraph(tt.def)
			require.NoError(t, err)
			order, err := Schedule(g)
			require.NoError(t, err)

			require.Len(t, order, len(tt.def.Nodes))
			pos := make(map[string]int, len(order))
			for i, id := range order {
				_, dup := pos[id]
				require.False(t, dup, "node %s scheduled twice", id)
				pos[id] = i
			}
			for _, c := range tt.def.Connections {
				assert.Less(t, pos[c.From], pos[c.To], "%s must run before %s", c.From, c.To)
			}
		})
	}
}

func TestSchedule_Deterministic(t *testing.T) {
	g, err := BuildGraph(diamond())
	require.NoError(t, err)

	first, err := Schedule(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, first)

	for i := 0; i < 10; i++ {
		order, err := Schedule(g)
		require.NoError(t, err)
		assert.Equal(t, first, order)
	}
}

func TestSchedule_Cycle(t *testing.T) {
	def := &Definition{
		Nodes: []Node{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Connections: []Connection{
			{From: "A", To: "B"},
			{From: "B", To: "C"},
			{From: "C", To: "A"},
		},
	}
	g, err := BuildGraph(def)
	require.NoError(t, err, "cycles are only detected when scheduling")

	_, err = Schedule(g)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicDependency)

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, cycle.Path[0], cycle.Path[len(cycle.Path)-1])
	assert.Len(t, cycle.Path, 4)
}

func TestSchedule_SelfLoop(t *testing.T) {
	g, err := BuildGraph(&Definition{
		Nodes:       []Node{{ID: "A"}},
		Connections: []Connection{{From: "A", To: "A"}},
	})
	require.NoError(t, err)

	_, err = Schedule(g)

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"A", "A"}, cycle.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     *Definition
		wantErr bool
	}{
		{"valid chain", chain("x", "y"), false},
		{"nil", nil, true},
		{"missing type", &Definition{Nodes: []Node{{ID: "a"}}}, true},
		{"missing connection end", &Definition{
			Nodes:       []Node{{ID: "a", Type: "x"}},
			Connections: []Connection{{From: "a"}},
		}, true},
		{"cycle", &Definition{
			Nodes:       []Node{{ID: "a", Type: "x"}, {ID: "b", Type: "x"}},
			Connections: []Connection{{From: "a", To: "b"}, {From: "b", To: "a"}},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsDefinitionError(err), "got %v", err)
		})
	}
}

func TestConnection_InputKey(t *testing.T) {
	tests := []struct {
		conn Connection
		want string
	}{
		{Connection{From: "a", To: "b"}, DefaultPort},
		{Connection{From: "a", To: "b", ToPort: "file"}, "file"},
		{Connection{From: "a", To: "b", OutputPort: "result_file"}, "result_file"},
		{Connection{From: "a", To: "b", ToPort: "file", OutputPort: "legacy"}, "file"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.conn.InputKey())
	}
}
