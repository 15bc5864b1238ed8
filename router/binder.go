package router

import (
	"context"

	"github.com/petal-labs/mcpfleet/process"
	"github.com/petal-labs/mcpfleet/tool"
)

// Binder resolves a tool name to a RUNNING instance for the session manager,
// starting the tool lazily when AutoStart is set.
type Binder struct {
	Registry  *tool.Registry
	Processes *process.Manager
	AutoStart bool
}

// Bind returns the tool's RUNNING instance.
func (b *Binder) Bind(ctx context.Context, name string) (*process.Instance, error) {
	if inst, ok := b.Processes.Instance(name); ok {
		return inst, nil
	}
	def, ok := b.Registry.Get(name)
	if !ok {
		return nil, tool.Errorf(tool.KindToolUnavailable, "tool %q is not registered", name)
	}
	if !b.AutoStart {
		return nil, tool.Errorf(tool.KindToolUnavailable, "tool %q is not running and auto start is disabled", name)
	}
	return b.Processes.Start(ctx, def)
}
