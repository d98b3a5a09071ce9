// Package bidirectional implements the long-lived, full-duplex session
// adapter (spec §4.5), built over gorilla/websocket.
package bidirectional

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"companiongw/pkg/adapter"
	"companiongw/pkg/plugin"
)

// frame is the wire shape for every message exchanged over the socket
// (spec §4.5: "message loop (type=auth, type=heartbeat, other -> pipeline)").
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

type connection struct {
	id        string
	conn      *websocket.Conn
	sendMu    sync.Mutex
	lastFrame atomic.Int64
	closeOnce sync.Once
}

func (c *connection) send(f frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// Server is the bidirectional protocol adapter.
type Server struct {
	listenAddr        string
	maxConnections    int
	heartbeatInterval time.Duration

	deps     *adapter.Dependencies
	upgrader websocket.Upgrader
	http     *http.Server

	mu          sync.Mutex
	connections map[string]*connection
	nextID      atomic.Uint64

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// New constructs the bidirectional adapter.
func New(listenAddr string, maxConnections int, heartbeatInterval time.Duration) *Server {
	return &Server{
		listenAddr:        listenAddr,
		maxConnections:    maxConnections,
		heartbeatInterval: heartbeatInterval,
		connections:       make(map[string]*connection),
		upgrader:          websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

func (s *Server) ProtocolName() string { return "bidirectional" }

func (s *Server) Initialize(_ context.Context, deps *adapter.Dependencies) error {
	s.deps = deps
	return nil
}

// Start begins accepting connections and launches the heartbeat sweep.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	s.http = &http.Server{Addr: s.listenAddr, Handler: mux}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.stopSweep = cancel
	s.sweepDone = make(chan struct{})
	go s.heartbeatSweepLoop(sweepCtx)

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	go func() {
		_ = s.http.Serve(ln)
	}()

	return nil
}

// Stop closes every connection and stops the listener (spec §4.5:
// "shutdown sends close to all connections").
func (s *Server) Stop(ctx context.Context) error {
	if s.stopSweep != nil {
		s.stopSweep()
		<-s.sweepDone
	}

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connections = make(map[string]*connection)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.send(frame{Type: "close"})
		c.close()
	}

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) HandleRequest(ctx context.Context, payload []byte, info plugin.ClientInfo) ([]byte, error) {
	rc := plugin.NewRequestContext(ctx, plugin.ProtocolBidirectional, payload, info)
	s.deps.Gateway.Handle(rc)
	if rc.Err != nil {
		return nil, rc.Err
	}
	return json.Marshal(rc.Response)
}

func (s *Server) HealthCheck(context.Context) error {
	return nil
}

// connectionCount reports live connections, used by the accept loop to
// enforce MaxConnections and by metrics.
func (s *Server) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

