package plugins

import (
	"context"
	"errors"
	"testing"
	"time"

	"companiongw/pkg/config"
	"companiongw/pkg/plugin"
)

type fakeBus struct {
	failures int
	calls    int
}

func (b *fakeBus) Publish(_ context.Context, _ string, _ []byte, _ string) error {
	b.calls++
	if b.calls <= b.failures {
		return errors.New("broker unavailable")
	}
	return nil
}

func TestRouting_PublishSucceeds(t *testing.T) {
	bus := &fakeBus{}
	r := &Routing{enabled: true, bus: bus, retry: config.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}}

	rc := plugin.NewRequestContext(context.Background(), plugin.ProtocolRequestReply, []byte(`{}`), plugin.ClientInfo{})
	rc.MessageType = "echo"

	if err := r.ProcessRequest(rc); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if rc.Err != nil {
		t.Fatalf("unexpected error: %v", rc.Err)
	}
	if rc.Response == nil {
		t.Fatal("expected response to be set")
	}
}

func TestRouting_RetriesThenSucceeds(t *testing.T) {
	bus := &fakeBus{failures: 2}
	r := &Routing{enabled: true, bus: bus, retry: config.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}}

	rc := plugin.NewRequestContext(context.Background(), plugin.ProtocolRequestReply, []byte(`{}`), plugin.ClientInfo{})
	rc.MessageType = "echo"

	if err := r.ProcessRequest(rc); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if rc.Err != nil {
		t.Fatalf("expected eventual success, got %v", rc.Err)
	}
	if bus.calls != 3 {
		t.Errorf("expected 3 publish attempts, got %d", bus.calls)
	}
}

func TestRouting_ExhaustsRetriesReports503(t *testing.T) {
	bus := &fakeBus{failures: 10}
	r := &Routing{enabled: true, bus: bus, retry: config.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}}

	rc := plugin.NewRequestContext(context.Background(), plugin.ProtocolRequestReply, []byte(`{}`), plugin.ClientInfo{})
	rc.MessageType = "echo"

	if err := r.ProcessRequest(rc); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if rc.Err == nil || rc.Err.StatusCode != 503 {
		t.Fatalf("expected 503 after exhausting retries, got %v", rc.Err)
	}
}

func TestRouting_BusUnavailable(t *testing.T) {
	r := &Routing{enabled: true, bus: nil}

	rc := plugin.NewRequestContext(context.Background(), plugin.ProtocolRequestReply, []byte(`{}`), plugin.ClientInfo{})
	if err := r.ProcessRequest(rc); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if rc.Err == nil || rc.Err.StatusCode != 503 {
		t.Fatalf("expected 503 bus_not_connected, got %v", rc.Err)
	}
}
