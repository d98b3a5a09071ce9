package plugin

import (
	"context"
	"testing"
)

type testPlugin struct {
	BasePlugin
	meta    Descriptor
	onReq   func(rc *RequestContext) error
}

func (p *testPlugin) Metadata() Descriptor { return p.meta }
func (p *testPlugin) Initialize(context.Context, *SharedServices) error { return nil }
func (p *testPlugin) IsEnabled() bool { return p.meta.Enabled }
func (p *testPlugin) ProcessRequest(rc *RequestContext) error {
	if p.onReq != nil {
		return p.onReq(rc)
	}
	return nil
}

func newTestClass(meta Descriptor, onReq func(rc *RequestContext) error) Class {
	return func(map[string]any) (Plugin, error) {
		return &testPlugin{meta: meta, onReq: onReq}, nil
	}
}

func TestRegistry_RegisterClass_Duplicate(t *testing.T) {
	r := NewRegistry()
	class := newTestClass(Descriptor{Name: "security", Enabled: true}, nil)
	if err := r.RegisterClass("security", class); err != nil {
		t.Fatalf("first RegisterClass: %v", err)
	}
	if err := r.RegisterClass("security", class); err == nil {
		t.Fatal("expected error on duplicate class name")
	}
}

func TestRegistry_LoadPlugin_Disabled(t *testing.T) {
	r := NewRegistry()
	_ = r.RegisterClass("security", newTestClass(Descriptor{Name: "security", Enabled: false}, nil))

	inst, err := r.LoadPlugin("security", nil)
	if err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}
	if inst != nil {
		t.Error("expected nil instance for disabled plugin")
	}
}

func TestRegistry_ExecutionOrder_PriorityBands(t *testing.T) {
	r := NewRegistry()
	_ = r.RegisterClass("encryption", newTestClass(Descriptor{Name: "encryption", Priority: PriorityInfrastructure, Enabled: true}, nil))
	_ = r.RegisterClass("security", newTestClass(Descriptor{Name: "security", Priority: PrioritySecurity, Dependencies: []string{"encryption"}, Enabled: true}, nil))
	_ = r.RegisterClass("rate_limiting", newTestClass(Descriptor{Name: "rate_limiting", Priority: PriorityHigh, Dependencies: []string{"security"}, Enabled: true}, nil))
	_ = r.RegisterClass("validation", newTestClass(Descriptor{Name: "validation", Priority: PriorityMedium, Dependencies: []string{"security"}, Enabled: true}, nil))
	_ = r.RegisterClass("routing", newTestClass(Descriptor{Name: "routing", Priority: PriorityLow, Dependencies: []string{"security", "rate_limiting", "validation"}, Enabled: true}, nil))

	for _, name := range []string{"encryption", "security", "rate_limiting", "validation", "routing"} {
		if _, err := r.LoadPlugin(name, nil); err != nil {
			t.Fatalf("LoadPlugin(%s): %v", name, err)
		}
	}

	order, err := r.ExecutionOrder()
	if err != nil {
		t.Fatalf("ExecutionOrder: %v", err)
	}

	want := []string{"encryption", "security", "rate_limiting", "validation", "routing"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s (full order %v)", i, order[i], want[i], order)
		}
	}
}

func TestRegistry_ExecutionOrder_MissingDependency(t *testing.T) {
	r := NewRegistry()
	_ = r.RegisterClass("routing", newTestClass(Descriptor{
		Name:         "routing",
		Priority:     PriorityLow,
		Dependencies: []string{"security", "rate_limiting", "validation", "message_bus"},
		Enabled:      true,
	}, nil))

	if _, err := r.LoadPlugin("routing", nil); err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}

	_, err := r.ExecutionOrder()
	if err == nil {
		t.Fatal("expected dependency-missing error (scenario S6)")
	}
}

func TestRegistry_ExecutionOrder_Deterministic(t *testing.T) {
	r := NewRegistry()
	_ = r.RegisterClass("b", newTestClass(Descriptor{Name: "b", Priority: PriorityLow, Enabled: true}, nil))
	_ = r.RegisterClass("a", newTestClass(Descriptor{Name: "a", Priority: PriorityLow, Enabled: true}, nil))
	_, _ = r.LoadPlugin("b", nil)
	_, _ = r.LoadPlugin("a", nil)

	order1, err := r.ExecutionOrder()
	if err != nil {
		t.Fatalf("ExecutionOrder: %v", err)
	}
	order2, err := r.ExecutionOrder()
	if err != nil {
		t.Fatalf("ExecutionOrder: %v", err)
	}
	if order1[0] != order2[0] || order1[0] != "a" {
		t.Errorf("expected stable alphabetical tie-break within a band, got %v then %v", order1, order2)
	}
}
