package plugin

import (
	"context"
	"testing"
)

func buildPipeline(t *testing.T, specs map[string]func(rc *RequestContext) error, order []struct {
	name     string
	priority Priority
	deps     []string
}) *Pipeline {
	t.Helper()
	r := NewRegistry()
	for _, o := range order {
		_ = r.RegisterClass(o.name, newTestClass(Descriptor{
			Name:         o.name,
			Priority:     o.priority,
			Dependencies: o.deps,
			Enabled:      true,
		}, specs[o.name]))
		if _, err := r.LoadPlugin(o.name, nil); err != nil {
			t.Fatalf("LoadPlugin(%s): %v", o.name, err)
		}
	}
	p, err := NewPipeline(r)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func TestPipeline_ShortCircuitOnError(t *testing.T) {
	var called []string
	specs := map[string]func(rc *RequestContext) error{
		"a": func(rc *RequestContext) error {
			called = append(called, "a")
			rc.Fail(401, "unauthenticated", "no credentials")
			return nil
		},
		"b": func(rc *RequestContext) error {
			called = append(called, "b")
			return nil
		},
	}
	p := buildPipeline(t, specs, []struct {
		name     string
		priority Priority
		deps     []string
	}{
		{"a", PrioritySecurity, nil},
		{"b", PriorityHigh, []string{"a"}},
	})

	rc := NewRequestContext(context.Background(), ProtocolRequestReply, nil, ClientInfo{})
	p.Handle(rc)

	if len(called) != 1 || called[0] != "a" {
		t.Errorf("expected only 'a' to run, got %v", called)
	}
	if rc.Err == nil || rc.Err.StatusCode != 401 {
		t.Errorf("expected 401 error set, got %v", rc.Err)
	}
}

func TestPipeline_SkipFurtherProcessing(t *testing.T) {
	var called []string
	specs := map[string]func(rc *RequestContext) error{
		"handshake": func(rc *RequestContext) error {
			called = append(called, "handshake")
			rc.Response = map[string]string{"status": "session_established"}
			rc.SkipFurtherProcessing = true
			return nil
		},
		"routing": func(rc *RequestContext) error {
			called = append(called, "routing")
			return nil
		},
	}
	p := buildPipeline(t, specs, []struct {
		name     string
		priority Priority
		deps     []string
	}{
		{"handshake", PriorityInfrastructure, nil},
		{"routing", PriorityLow, []string{"handshake"}},
	})

	rc := NewRequestContext(context.Background(), ProtocolRequestReply, nil, ClientInfo{})
	p.Handle(rc)

	if len(called) != 1 || called[0] != "handshake" {
		t.Errorf("expected only 'handshake' to run, got %v", called)
	}
	if rc.Response == nil {
		t.Error("expected response to be set")
	}
}

func TestPipeline_PanicBecomes500(t *testing.T) {
	specs := map[string]func(rc *RequestContext) error{
		"flaky": func(rc *RequestContext) error {
			panic("boom")
		},
	}
	p := buildPipeline(t, specs, []struct {
		name     string
		priority Priority
		deps     []string
	}{
		{"flaky", PriorityMedium, nil},
	})

	rc := NewRequestContext(context.Background(), ProtocolRequestReply, nil, ClientInfo{})
	p.Handle(rc)

	if rc.Err == nil || rc.Err.StatusCode != 500 {
		t.Fatalf("expected panic recovered into 500 error, got %v", rc.Err)
	}
}

func TestPipeline_ResponsePassRunsForEveryExecutedPlugin(t *testing.T) {
	var responseCalls []string
	r := NewRegistry()

	makeClass := func(name string, deps []string) Class {
		return func(map[string]any) (Plugin, error) {
			return &responseTrackingPlugin{
				meta:  Descriptor{Name: name, Priority: PriorityMedium, Dependencies: deps, Enabled: true},
				track: &responseCalls,
			}, nil
		}
	}
	_ = r.RegisterClass("x", makeClass("x", nil))
	_ = r.RegisterClass("y", makeClass("y", []string{"x"}))
	_, _ = r.LoadPlugin("x", nil)
	_, _ = r.LoadPlugin("y", nil)

	p, err := NewPipeline(r)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	rc := NewRequestContext(context.Background(), ProtocolRequestReply, nil, ClientInfo{})
	p.Handle(rc)

	if len(responseCalls) != 2 {
		t.Errorf("expected ProcessResponse on both plugins, got %v", responseCalls)
	}
}

type responseTrackingPlugin struct {
	meta  Descriptor
	track *[]string
}

func (p *responseTrackingPlugin) Metadata() Descriptor                               { return p.meta }
func (p *responseTrackingPlugin) Initialize(context.Context, *SharedServices) error  { return nil }
func (p *responseTrackingPlugin) IsEnabled() bool                                    { return p.meta.Enabled }
func (p *responseTrackingPlugin) ProcessRequest(*RequestContext) error               { return nil }
func (p *responseTrackingPlugin) Shutdown(context.Context) error                     { return nil }
func (p *responseTrackingPlugin) ProcessResponse(*RequestContext) error {
	*p.track = append(*p.track, p.meta.Name)
	return nil
}
