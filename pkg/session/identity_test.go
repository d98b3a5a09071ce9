package session

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func buildHandshakeBody(t *testing.T, nonce string) []byte {
	t.Helper()
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	eph, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral: %v", err)
	}

	env := HandshakeEnvelope{
		HandshakeRequest: HandshakeRequest{
			Component:          "test-client",
			Timestamp:          time.Now().Unix(),
			IdentityBundle:     base64.StdEncoding.EncodeToString(id.PublicKey),
			EphemeralPublicKey: base64.StdEncoding.EncodeToString(eph.Public[:]),
			Nonce:              nonce,
		},
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal handshake: %v", err)
	}
	return body
}

func TestManager_Handshake_Success(t *testing.T) {
	m, err := NewManager(NewChannelMap(), time.Minute)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	clientID, respBody, ch, err := m.Handshake(buildHandshakeBody(t, "nonce-1"))
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if clientID == "" {
		t.Fatal("expected non-empty client ID")
	}
	if ch == nil || !ch.IsValid() {
		t.Fatal("expected a valid established channel")
	}
	if m.Channels().Get(clientID) != ch {
		t.Fatal("expected channel to be registered in the channel map")
	}

	var resp HandshakeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ClientID != clientID {
		t.Fatalf("response client_id mismatch: %s vs %s", resp.ClientID, clientID)
	}
}

func TestManager_Handshake_ReplayIsIdempotent(t *testing.T) {
	m, err := NewManager(NewChannelMap(), time.Minute)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	body := buildHandshakeBody(t, "nonce-replay")
	clientID1, _, ch1, err := m.Handshake(body)
	if err != nil {
		t.Fatalf("first handshake: %v", err)
	}

	clientID2, _, ch2, err := m.Handshake(body)
	if err != nil {
		t.Fatalf("replayed handshake: %v", err)
	}

	if clientID1 != clientID2 {
		t.Fatalf("expected replay to derive the same client ID, got %s vs %s", clientID1, clientID2)
	}
	if m.Channels().Get(clientID1) != ch2 {
		t.Fatal("expected replay to atomically replace the channel")
	}
	if m.Channels().Get(clientID1) == ch1 {
		t.Fatal("expected the first channel to no longer be reachable")
	}
	if m.Channels().Len() != 1 {
		t.Fatalf("expected exactly one live channel, got %d", m.Channels().Len())
	}
}

func TestManager_Handshake_MalformedBody(t *testing.T) {
	m, err := NewManager(NewChannelMap(), time.Minute)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, _, _, err := m.Handshake([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed body")
	}

	if _, _, _, err := m.Handshake([]byte(`{"handshake_request":{}}`)); err == nil {
		t.Fatal("expected error for missing required fields")
	}
}

func TestManager_Handshake_BadIdentityBundle(t *testing.T) {
	m, err := NewManager(NewChannelMap(), time.Minute)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	env := HandshakeEnvelope{
		HandshakeRequest: HandshakeRequest{
			Component:          "test-client",
			IdentityBundle:     "not-base64!!",
			EphemeralPublicKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
			Nonce:              "n",
		},
	}
	body, _ := json.Marshal(env)

	if _, _, _, err := m.Handshake(body); err == nil {
		t.Fatal("expected error for malformed identity bundle")
	}
}
