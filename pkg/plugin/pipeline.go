package plugin

import (
	"context"
	"fmt"

	"companiongw/pkg/logger"
)

// Pipeline runs the ordered set of enabled plugins over a RequestContext.
type Pipeline struct {
	registry *Registry
	order    []string
}

// NewPipeline freezes the registry's current execution order into a
// pipeline. Callers rebuild the pipeline after registry contents change.
func NewPipeline(registry *Registry) (*Pipeline, error) {
	order, err := registry.ExecutionOrder()
	if err != nil {
		return nil, err
	}
	return &Pipeline{registry: registry, order: order}, nil
}

// Order returns the frozen plugin execution order.
func (p *Pipeline) Order() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Handle runs every enabled plugin's ProcessRequest in order. If a plugin
// sets ctx.Err, traversal stops and the error is surfaced. If a plugin sets
// ctx.SkipFurtherProcessing, traversal stops and the current Response is
// returned. After the forward pass, ProcessResponse runs on every plugin
// that ran, in the same order, regardless of how the forward pass ended
// (spec §4.2: "no reordering").
func (p *Pipeline) Handle(rc *RequestContext) {
	instances := p.registry.Instances()

	var ran []string
	for _, name := range p.order {
		inst, exists := instances[name]
		if !exists {
			continue
		}

		ran = append(ran, name)
		if err := p.runRequestStage(inst, name, rc); err != nil {
			// runRequestStage already populated rc.Err.
			break
		}
		if rc.Err != nil {
			break
		}
		if rc.SkipFurtherProcessing {
			break
		}
	}

	for _, name := range ran {
		inst := instances[name]
		if err := inst.ProcessResponse(rc); err != nil {
			logger.Error("plugin response stage failed", "plugin", name, "error", err)
		}
	}
}

// runRequestStage invokes one plugin's ProcessRequest, converting a panic
// or unexpected error into a 500 processing_error without killing the
// server (spec §4.2 failure semantics).
func (p *Pipeline) runRequestStage(inst Plugin, name string, rc *RequestContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("plugin panicked", "plugin", name, "panic", r)
			rc.Fail(500, "processing_error", fmt.Sprintf("plugin %q panicked", name))
			err = rc.Err
		}
	}()

	if procErr := inst.ProcessRequest(rc); procErr != nil {
		if rc.Err == nil {
			rc.Fail(500, "processing_error", procErr.Error())
		}
		return rc.Err
	}
	return nil
}

// Rebuild recomputes the execution order from the registry's current
// contents. Call after registering or disabling plugins at runtime.
func (p *Pipeline) Rebuild() error {
	order, err := p.registry.ExecutionOrder()
	if err != nil {
		return err
	}
	p.order = order
	return nil
}

// Shutdown calls Shutdown on every loaded plugin with an individual
// bounded timeout; a timeout is logged and the plugin is left behind
// rather than blocking the rest of shutdown (spec §5).
func (p *Pipeline) Shutdown(ctx context.Context, perPluginTimeout func() context.Context) {
	instances := p.registry.Instances()
	for _, name := range p.order {
		inst, exists := instances[name]
		if !exists {
			continue
		}
		shutdownCtx := ctx
		if perPluginTimeout != nil {
			shutdownCtx = perPluginTimeout()
		}

		done := make(chan error, 1)
		go func() { done <- inst.Shutdown(shutdownCtx) }()

		select {
		case err := <-done:
			if err != nil {
				logger.Error("plugin shutdown failed", "plugin", name, "error", err)
			}
		case <-shutdownCtx.Done():
			logger.Warn("plugin shutdown timed out, leaving it behind", "plugin", name)
		}
	}
}
