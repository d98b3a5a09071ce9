// Package session implements the session-encrypted transport middleware:
// handshake, per-client channel map, and byte-stream-layer encrypt/decrypt
// wrapping of the request-reply adapter. See spec §4.7.
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Identity is the gateway's long-term Ed25519 keypair, used to sign the
// ephemeral public key exchanged during handshake so clients can verify
// they are talking to the genuine gateway.
type Identity struct {
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewIdentity generates a fresh Ed25519 identity keypair.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity key: %w", err)
	}
	return &Identity{PublicKey: pub, privateKey: priv}, nil
}

// Sign signs a message with the identity's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.privateKey, message)
}

// Verify checks a signature against a peer's known public key.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// EphemeralKeyPair is one side of an X25519 ephemeral key exchange.
type EphemeralKeyPair struct {
	Public  [32]byte
	private [32]byte
}

// GenerateEphemeral creates a fresh X25519 ephemeral keypair for one
// handshake.
func GenerateEphemeral() (*EphemeralKeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving ephemeral public key: %w", err)
	}

	kp := &EphemeralKeyPair{private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs the X25519 Diffie-Hellman exchange with a peer's
// ephemeral public key.
func (kp *EphemeralKeyPair) SharedSecret(peerPublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	return secret, nil
}

// deriveSessionKey expands the raw X25519 shared secret into a
// XChaCha20-Poly1305 key via HKDF-SHA256, binding in the client ID so two
// clients never derive the same key from a colliding secret.
func deriveSessionKey(sharedSecret []byte, clientID string) ([]byte, error) {
	h := hkdf.New(sha256.New, sharedSecret, nil, []byte("companiongw-session:"+clientID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	return key, nil
}

// AEADState holds a derived XChaCha20-Poly1305 key for one session.
type AEADState struct {
	key []byte
}

// NewAEADState derives the session's AEAD key from a completed X25519
// exchange.
func NewAEADState(sharedSecret []byte, clientID string) (*AEADState, error) {
	key, err := deriveSessionKey(sharedSecret, clientID)
	if err != nil {
		return nil, err
	}
	return &AEADState{key: key}, nil
}

// Encrypt seals plaintext under the session key, returning nonce||ciphertext.
func (s *AEADState) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce||ciphertext blob produced by Encrypt.
func (s *AEADState) Decrypt(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
