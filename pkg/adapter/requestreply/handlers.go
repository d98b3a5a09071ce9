package requestreply

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"companiongw/pkg/plugin"
)

var startTime = time.Now()

// mountEndpoints wires up the public and protected surface described in
// spec §4.4: health and the handshake path are public (the handshake path
// itself is served by the session middleware before the request ever
// reaches this mux); echo/users/admin/logs/conversation are protected
// contracts owned by downstream domain routers and are represented here
// only as pipeline entry points.
func (s *Server) mountEndpoints(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/v1/echo", s.protected("echo"))
	mux.HandleFunc("/api/v1/users", s.protected("users"))
	mux.HandleFunc("/api/v1/admin", s.protected("admin"))
	mux.HandleFunc("/api/v1/logs", s.protected("logs"))
	mux.HandleFunc("/api/v1/conversation", s.protected("conversation"))
}

// handleHealth is the public health endpoint (spec §6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"service":        "companiongw",
		"version":        versionOf(s),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(startTime).Seconds(),
	}
	writeJSON(w, http.StatusOK, body)
}

func versionOf(s *Server) string {
	if s.deps != nil && s.deps.Config != nil {
		return s.deps.Config.App.Version
	}
	return "unknown"
}

// protected returns a handler that runs body through the plugin pipeline
// tagged with messageType. With require_encryption set (the default), a
// missing or invalid session never reaches this handler: the outer
// session middleware already rejected it with 401
// before the mux was consulted (spec §4.4: "protected path without
// session -> 401 pointing to handshake").
func (s *Server) protected(messageType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed_body"})
			return
		}

		info := plugin.ClientInfo{
			RemoteAddr:    r.RemoteAddr,
			UserAgent:     r.Header.Get("User-Agent"),
			TransportName: "request_reply",
			Attributes: map[string]string{
				"authorization": r.Header.Get("Authorization"),
			},
		}

		rc := plugin.NewRequestContext(r.Context(), plugin.ProtocolRequestReply, raw, info)
		rc.MessageType = messageType

		s.deps.Gateway.Handle(rc)

		if rc.Err != nil {
			writeJSON(w, rc.Err.StatusCode, map[string]string{"error": rc.Err.Kind, "detail": rc.Err.Detail})
			return
		}
		writeJSON(w, http.StatusOK, rc.Response)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	encoded, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

func encodeResponse(v any) ([]byte, error) {
	return json.Marshal(v)
}

func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
