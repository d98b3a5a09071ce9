package bidirectional

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"companiongw/pkg/plugin"
)

// handleUpgrade accepts a new websocket connection, enforcing the
// configured connection ceiling (spec §4.5: "accept/busy-close if >=
// max_connections").
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.maxConnections > 0 && s.connectionCount() >= s.maxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := fmt.Sprintf("conn-%d", s.nextID.Add(1))
	c := &connection{id: id, conn: ws}
	c.lastFrame.Store(time.Now().UnixNano())

	s.mu.Lock()
	s.connections[id] = c
	s.mu.Unlock()

	if err := c.send(frame{Type: "welcome", Payload: mustJSON(map[string]string{"connection_id": id})}); err != nil {
		s.dropConnection(id)
		return
	}

	s.messageLoop(c, r)
}

// messageLoop strictly serializes frame handling for one connection (spec
// §5: "strict FIFO per connection"); each frame is fully processed,
// including a synchronous pass through the plugin pipeline for non-control
// types, before the next is read.
func (s *Server) messageLoop(c *connection, r *http.Request) {
	defer s.dropConnection(c.id)

	for {
		var in frame
		if err := c.conn.ReadJSON(&in); err != nil {
			return
		}
		c.lastFrame.Store(time.Now().UnixNano())

		switch in.Type {
		case "auth":
			s.handleAuth(c, in)
		case "heartbeat":
			_ = c.send(frame{Type: "heartbeat_ack"})
		default:
			s.handlePipelineFrame(c, r, in)
		}
	}
}

func (s *Server) handleAuth(c *connection, in frame) {
	_ = c.send(frame{Type: "auth_ack"})
}

func (s *Server) handlePipelineFrame(c *connection, r *http.Request, in frame) {
	info := plugin.ClientInfo{
		RemoteAddr:    r.RemoteAddr,
		UserAgent:     r.Header.Get("User-Agent"),
		TransportName: "bidirectional",
		Attributes:    map[string]string{"connection_id": c.id},
	}

	rc := plugin.NewRequestContext(r.Context(), plugin.ProtocolBidirectional, in.Payload, info)
	rc.MessageType = in.Type

	s.deps.Gateway.Handle(rc)

	if rc.Err != nil {
		_ = c.send(frame{Type: "error", Error: rc.Err.Kind, Detail: rc.Err.Detail})
		return
	}

	_ = c.send(frame{Type: "response", Payload: mustJSON(rc.Response)})
}

func (s *Server) dropConnection(id string) {
	s.mu.Lock()
	c, ok := s.connections[id]
	if ok {
		delete(s.connections, id)
	}
	s.mu.Unlock()
	if ok {
		c.close()
	}
}

// heartbeatSweepLoop closes connections idle for more than 3x the
// configured heartbeat interval (spec §4.5).
func (s *Server) heartbeatSweepLoop(ctx context.Context) {
	defer close(s.sweepDone)

	interval := s.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	threshold := 3 * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdleConnections(threshold)
		}
	}
}

func (s *Server) sweepIdleConnections(threshold time.Duration) {
	now := time.Now().UnixNano()

	s.mu.Lock()
	var stale []*connection
	for id, c := range s.connections {
		last := c.lastFrame.Load()
		if time.Duration(now-last) > threshold {
			stale = append(stale, c)
			delete(s.connections, id)
		}
	}
	s.mu.Unlock()

	for _, c := range stale {
		_ = c.send(frame{Type: "close", Detail: "idle timeout"})
		c.close()
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}
