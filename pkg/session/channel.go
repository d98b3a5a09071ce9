package session

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Channel is the live per-client cryptographic state established by a
// handshake (spec §3 "SessionChannel").
type Channel struct {
	ClientID      string
	IdentityKey   ed25519.PublicKey
	EphemeralKey  [32]byte
	AEAD          *AEADState
	EstablishedAt time.Time
	LastUsedAt    time.Time
	ExpiresAt     time.Time
}

// IsValid reports whether the channel has not expired and carries AEAD
// state (spec §3 invariant).
func (c *Channel) IsValid() bool {
	return c.AEAD != nil && time.Now().Before(c.ExpiresAt)
}

// Touch extends LastUsedAt to now; callers invoke this on every request
// successfully served by the channel.
func (c *Channel) Touch() {
	c.LastUsedAt = time.Now()
}

// ChannelMap is the single-writer client_id -> Channel map described in
// spec §4.7 and §5 ("one writer, the middleware; reads are safe during
// request handling because entries are immutable once established").
// Establishing a new channel for a client_id atomically replaces any
// previous one (spec §3 invariant, testable property 4).
type ChannelMap struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewChannelMap creates an empty channel map.
func NewChannelMap() *ChannelMap {
	return &ChannelMap{channels: make(map[string]*Channel)}
}

// Establish atomically replaces any existing channel for clientID. The
// previous channel, if any, is immediately unreachable via Get (spec
// testable property 4: "the first is no longer valid for incoming
// requests").
func (m *ChannelMap) Establish(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ClientID] = ch
}

// Get returns the channel for clientID, or nil if none exists.
func (m *ChannelMap) Get(clientID string) *Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[clientID]
}

// Evict removes clientID's channel explicitly (spec §3: "destroyed on
// expiry sweep or explicit eviction").
func (m *ChannelMap) Evict(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, clientID)
}

// Sweep removes every channel whose IsValid() is false and returns how
// many were removed (spec §4.7 "Periodic task removes channels whose
// is_valid() is false").
func (m *ChannelMap) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, ch := range m.channels {
		if !ch.IsValid() {
			delete(m.channels, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live channels. Used by the cleanup-completeness
// testable property (spec §8, property 8: "the channel map is empty").
func (m *ChannelMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Clear removes every channel. Called on gateway shutdown.
func (m *ChannelMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = make(map[string]*Channel)
}

// HasValidSession implements plugin.SessionResolver.
func (m *ChannelMap) HasValidSession(clientID string) bool {
	ch := m.Get(clientID)
	return ch != nil && ch.IsValid()
}

// DeriveClientID derives a stable client identifier from the remote
// address and user agent, used when a client does not supply its own
// (spec §4.7 "Channel map").
func DeriveClientID(remoteAddr, userAgent string) string {
	sum := sha256.Sum256([]byte(remoteAddr + "|" + userAgent))
	return hex.EncodeToString(sum[:16])
}
