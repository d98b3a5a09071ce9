package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"companiongw/pkg/config"
)

// contextKey is a private type for values stored on the request context by
// Middleware, so callers downstream (plugins, handlers) can recover the
// resolved client ID without re-parsing the envelope.
type contextKey string

const clientIDContextKey contextKey = "session.client_id"

// ClientIDFromContext returns the client ID resolved by the transport
// middleware for this request, if any.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDContextKey).(string)
	return id, ok
}

// requestEnvelope is the shape of an encrypted request body (spec §6,
// "Encrypted request envelope").
type requestEnvelope struct {
	Encrypted  bool   `json:"encrypted"`
	ClientID   string `json:"client_id,omitempty"`
	Payload    string `json:"payload"`
	Encryption string `json:"encryption,omitempty"`
}

// Middleware is the session-encrypted transport wrapper described in spec
// §4.7. It must be the outermost layer on the request-reply adapter: no
// framework middleware, including CORS, may sit between it and the wire.
// It never lets a downstream handler see ciphertext and never caches
// plaintext across requests.
type Middleware struct {
	cfg     config.TransportEncryptionConfig
	manager *Manager
	logger  *slog.Logger
}

// NewMiddleware constructs the transport middleware. manager owns the
// channel map and performs handshakes.
func NewMiddleware(cfg config.TransportEncryptionConfig, manager *Manager, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{cfg: cfg, manager: manager, logger: logger}
}

// Wrap returns an http.Handler that decrypts inbound requests and encrypts
// JSON responses transparently around next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled || m.isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if r.URL.Path == m.cfg.HandshakePath {
			m.handleHandshake(w, r)
			return
		}

		m.handleEncrypted(w, r, next)
	})
}

// isPublicPath reports whether path bypasses the encryption envelope
// entirely (health checks and any operator-configured public surface).
func (m *Middleware) isPublicPath(path string) bool {
	for _, p := range m.cfg.PublicPaths {
		if p == path {
			return true
		}
	}
	return false
}

// handleHandshake services the configured handshake endpoint. Spec §4.7:
// "POST only"; any other method is rejected before the body is even read.
func (m *Middleware) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "invalid_handshake_format", "handshake requires POST")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(m.maxPayloadSize())))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_handshake_format", "unable to read request body")
		return
	}

	clientID, respBody, _, err := m.manager.Handshake(body)
	if err != nil {
		if strings.HasPrefix(err.Error(), "invalid_handshake_format") {
			writeJSONError(w, http.StatusBadRequest, "invalid_handshake_format", err.Error())
			return
		}
		m.logger.Error("handshake failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "handshake_processing_failed", "handshake could not be completed")
		return
	}

	m.logger.Info("session established", "client_id", clientID)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(respBody)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

// handleEncrypted decrypts an inbound envelope, invokes next with the
// plaintext body, and transparently encrypts the JSON response. Spec
// §4.7 failure semantics: decrypt failure -> 400 encryption_error (no
// channel eviction), expired channel -> 401, anything unexpected -> 500.
func (m *Middleware) handleEncrypted(w http.ResponseWriter, r *http.Request, next http.Handler) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, int64(m.maxPayloadSize())))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "encryption_error", "unable to read request body")
		return
	}

	var env requestEnvelope
	decodeErr := json.Unmarshal(rawBody, &env)

	if decodeErr != nil || !env.Encrypted {
		if m.cfg.RequireEncryption {
			writeJSONAuthError(w, r, "unauthenticated", "encrypted session required", "complete a handshake at "+m.cfg.HandshakePath)
			return
		}
		m.forward(w, r, rawBody, "", next)
		return
	}

	clientID := env.ClientID
	if clientID == "" {
		clientID = DeriveClientID(r.RemoteAddr, r.Header.Get("User-Agent"))
	}

	ch := m.manager.Channels().Get(clientID)
	if ch == nil || !ch.IsValid() {
		writeJSONAuthError(w, r, "session_expired", "session missing or expired", "complete a handshake at "+m.cfg.HandshakePath)
		return
	}

	cipherBytes, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "encryption_error", "payload is not valid base64")
		return
	}

	plaintext, err := ch.AEAD.Decrypt(cipherBytes)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "encryption_error", "unable to decrypt payload")
		return
	}
	ch.Touch()

	m.forward(w, r, plaintext, clientID, next)
}

// forward rewrites the request body and Content-Length to the plaintext,
// installs a response interceptor, and calls next. This is the only place
// a handler ever observes request bytes: it is always plaintext.
func (m *Middleware) forward(w http.ResponseWriter, r *http.Request, plaintext []byte, clientID string, next http.Handler) {
	r.Body = io.NopCloser(bytes.NewReader(plaintext))
	r.ContentLength = int64(len(plaintext))
	r.Header.Set("Content-Length", strconv.Itoa(len(plaintext)))

	if clientID != "" {
		r = r.WithContext(context.WithValue(r.Context(), clientIDContextKey, clientID))
	}

	var ch *Channel
	if clientID != "" {
		ch = m.manager.Channels().Get(clientID)
	}

	rec := &responseRecorder{ResponseWriter: w, header: make(http.Header), status: http.StatusOK}
	next.ServeHTTP(rec, r)
	m.flush(w, rec, ch)
}

// responseRecorder buffers the response so it can be encrypted before any
// bytes reach the wire (spec §4.7: "buffer body, encrypt if JSON, rewrite
// content-length").
type responseRecorder struct {
	http.ResponseWriter
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

// flush encrypts the buffered response if it is JSON and a channel is
// available, or emits it unmodified otherwise, rewriting Content-Length to
// match exactly what is written (testable property 5, content-length
// integrity).
func (m *Middleware) flush(w http.ResponseWriter, rec *responseRecorder, ch *Channel) {
	body := rec.body.Bytes()
	contentType := rec.header.Get("Content-Type")
	isJSON := strings.Contains(contentType, "application/json")

	out := body
	if isJSON && ch != nil && ch.IsValid() {
		sealed, err := ch.AEAD.Encrypt(body)
		if err == nil {
			envelope := requestEnvelope{
				Encrypted:  true,
				ClientID:   ch.ClientID,
				Payload:    base64.StdEncoding.EncodeToString(sealed),
				Encryption: "xchacha20poly1305",
			}
			encoded, marshalErr := json.Marshal(envelope)
			if marshalErr == nil {
				out = encoded
			}
		}
	}

	for k, vv := range rec.header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(rec.status)
	_, _ = w.Write(out)
}

func (m *Middleware) maxPayloadSize() int {
	if m.cfg.MaxPayloadSize <= 0 {
		return 4 << 20
	}
	return m.cfg.MaxPayloadSize
}

// StartSweeper launches the periodic channel-expiry sweep described in
// spec §4.7 ("periodic task removes channels whose is_valid() is false").
// It returns a cancel function that stops the sweep and returns once the
// sweep goroutine has exited.
func (m *Middleware) StartSweeper(ctx context.Context) func() {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := m.manager.Channels().Sweep()
				if removed > 0 {
					m.logger.Debug("swept expired sessions", "count", removed)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func writeJSONError(w http.ResponseWriter, status int, kind, detail string) {
	body, _ := json.Marshal(map[string]string{"error": kind, "detail": detail})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeJSONAuthError rejects an unauthenticated or expired-session request.
// It names the path that was denied so a client can tell which protected
// route it was, matching the handshake hint the original lifecycle manager
// sends alongside a 401.
func writeJSONAuthError(w http.ResponseWriter, r *http.Request, kind, detail, hint string) {
	body, _ := json.Marshal(map[string]string{
		"error":    kind,
		"detail":   detail,
		"hint":     hint,
		"endpoint": r.URL.Path,
	})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write(body)
}
