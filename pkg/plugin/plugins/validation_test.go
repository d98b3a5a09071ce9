package plugins

import (
	"context"
	"testing"

	"companiongw/pkg/plugin"
)

func TestValidation_UnknownMessageType(t *testing.T) {
	class := NewValidationClass([]string{"echo", "ping"})
	inst, err := class(map[string]any{})
	if err != nil {
		t.Fatalf("class: %v", err)
	}

	rc := plugin.NewRequestContext(context.Background(), plugin.ProtocolRequestReply, nil, plugin.ClientInfo{})
	rc.MessageType = "unknown_type"

	if err := inst.ProcessRequest(rc); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if rc.Err == nil || rc.Err.StatusCode != 400 {
		t.Fatalf("expected 400 unknown_message_type, got %v", rc.Err)
	}
}

func TestValidation_MissingMessageType(t *testing.T) {
	class := NewValidationClass([]string{"echo"})
	inst, _ := class(map[string]any{})

	rc := plugin.NewRequestContext(context.Background(), plugin.ProtocolRequestReply, nil, plugin.ClientInfo{})

	if err := inst.ProcessRequest(rc); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if rc.Err == nil || rc.Err.StatusCode != 400 {
		t.Fatalf("expected 400 malformed_message, got %v", rc.Err)
	}
}

func TestValidation_KnownTypePasses(t *testing.T) {
	class := NewValidationClass([]string{"echo"})
	inst, _ := class(map[string]any{})

	rc := plugin.NewRequestContext(context.Background(), plugin.ProtocolRequestReply, nil, plugin.ClientInfo{})
	rc.MessageType = "echo"

	if err := inst.ProcessRequest(rc); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if rc.Err != nil {
		t.Fatalf("unexpected error: %v", rc.Err)
	}
}
