package workflow

import (
	"context"
	"fmt"
	"sort"
)

// Capability implements one node type. A capability that starts a long
// external job must return a NodeOutput carrying the job handle instead of
// waiting for the job.
type Capability interface {
	Execute(ctx context.Context, node Node, input Input, ownerID string) (*NodeOutput, error)
}

// CapabilityFunc adapts a plain function to the Capability interface.
type CapabilityFunc func(ctx context.Context, node Node, input Input, ownerID string) (*NodeOutput, error)

func (f CapabilityFunc) Execute(ctx context.Context, node Node, input Input, ownerID string) (*NodeOutput, error) {
	return f(ctx, node, input, ownerID)
}

// Registry maps node type strings to their capability implementation.
type Registry map[string]Capability

// Types returns the registered node types in sorted order.
func (r Registry) Types() []string {
	types := make([]string, 0, len(r))
	for t := range r {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatcher looks up a node's capability and invokes it. It holds no
// domain logic of its own.
type Dispatcher struct {
	registry Registry
}

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(registry Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch runs node with its assembled input on behalf of ownerID.
func (d *Dispatcher) Dispatch(ctx context.Context, node Node, input Input, ownerID string) (*NodeOutput, error) {
	capability, ok := d.registry[node.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNodeType, node.Type)
	}

	out, err := capability.Execute(ctx, node, input, ownerID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &NodeOutput{Kind: KindData}
	}
	if out.Kind == "" {
		if out.Job != nil {
			out.Kind = KindJob
		} else {
			out.Kind = KindData
		}
	}
	return out, nil
}
