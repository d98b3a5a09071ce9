package session

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// HandshakeEnvelope is the top-level body of a handshake request (spec
// §4.7: "body {handshake_request: {...}}").
type HandshakeEnvelope struct {
	HandshakeRequest HandshakeRequest `json:"handshake_request"`
}

// HandshakeRequest carries the client's identity bundle and ephemeral
// public key for the X25519 exchange (spec §6).
type HandshakeRequest struct {
	Component          string `json:"component"`
	Timestamp          int64  `json:"timestamp,omitempty"`
	IdentityBundle     string `json:"identity_bundle"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Nonce              string `json:"nonce"`
}

// HandshakeResponse is returned to the client on successful handshake.
type HandshakeResponse struct {
	ClientID           string `json:"client_id"`
	ServerIdentity     string `json:"server_identity"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Signature          string `json:"signature"`
	ExpiresAt          int64  `json:"expires_at"`
}

// Manager performs handshakes and owns the gateway's long-term identity
// and the resulting channel map.
type Manager struct {
	identity *Identity
	channels *ChannelMap
	ttl      time.Duration
}

// NewManager creates a handshake manager with a freshly generated
// identity and the given channel lifetime.
func NewManager(channels *ChannelMap, ttl time.Duration) (*Manager, error) {
	id, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	return &Manager{identity: id, channels: channels, ttl: ttl}, nil
}

// Channels returns the manager's channel map.
func (m *Manager) Channels() *ChannelMap {
	return m.channels
}

// Handshake parses a handshake request body, performs the X25519
// exchange, establishes a session channel, and returns the response
// payload to send back to the client (spec §4.7: "delegates to identity
// manager returning (client_id, response_data, channel)").
func (m *Manager) Handshake(body []byte) (clientID string, response []byte, ch *Channel, err error) {
	var env HandshakeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, nil, fmt.Errorf("invalid_handshake_format: %w", err)
	}
	req := env.HandshakeRequest

	if req.Component == "" || req.IdentityBundle == "" || req.EphemeralPublicKey == "" {
		return "", nil, nil, fmt.Errorf("invalid_handshake_format: missing required fields")
	}

	identityBytes, err := base64.StdEncoding.DecodeString(req.IdentityBundle)
	if err != nil || len(identityBytes) != ed25519.PublicKeySize {
		return "", nil, nil, fmt.Errorf("invalid_handshake_format: malformed identity_bundle")
	}
	peerIdentity := ed25519.PublicKey(identityBytes)

	peerEphemeralBytes, err := base64.StdEncoding.DecodeString(req.EphemeralPublicKey)
	if err != nil || len(peerEphemeralBytes) != 32 {
		return "", nil, nil, fmt.Errorf("invalid_handshake_format: malformed ephemeral_public_key")
	}
	var peerEphemeral [32]byte
	copy(peerEphemeral[:], peerEphemeralBytes)

	ephemeral, err := GenerateEphemeral()
	if err != nil {
		return "", nil, nil, fmt.Errorf("handshake_processing_failed: %w", err)
	}

	clientID = deriveClientIDFromIdentity(peerIdentity, req.Nonce)

	secret, err := ephemeral.SharedSecret(peerEphemeral)
	if err != nil {
		return "", nil, nil, fmt.Errorf("handshake_processing_failed: %w", err)
	}

	aead, err := NewAEADState(secret, clientID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("handshake_processing_failed: %w", err)
	}

	now := time.Now()
	channel := &Channel{
		ClientID:      clientID,
		IdentityKey:   peerIdentity,
		EphemeralKey:  ephemeral.Public,
		AEAD:          aead,
		EstablishedAt: now,
		LastUsedAt:    now,
		ExpiresAt:     now.Add(m.ttl),
	}
	m.channels.Establish(channel)

	sig := m.identity.Sign(ephemeral.Public[:])

	resp := HandshakeResponse{
		ClientID:           clientID,
		ServerIdentity:     base64.StdEncoding.EncodeToString(m.identity.PublicKey),
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephemeral.Public[:]),
		Signature:          base64.StdEncoding.EncodeToString(sig),
		ExpiresAt:          channel.ExpiresAt.Unix(),
	}
	respBody, err := json.Marshal(resp)
	if err != nil {
		return "", nil, nil, fmt.Errorf("handshake_processing_failed: %w", err)
	}

	return clientID, respBody, channel, nil
}

// deriveClientIDFromIdentity derives a stable client ID from the peer's
// long-term identity key. Replaying the same identity bundle and nonce
// on a subsequent handshake yields the same client ID, establishing a
// new channel that atomically replaces the old one (testable property 4:
// handshake idempotence on replay).
func deriveClientIDFromIdentity(identity ed25519.PublicKey, nonce string) string {
	return DeriveClientID(base64.StdEncoding.EncodeToString(identity), nonce)
}
