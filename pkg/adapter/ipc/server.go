// Package ipc implements the local inter-process-communication adapter
// (spec §4.6): a Unix domain socket with a loopback TCP fallback, serving
// one strictly serial REP-style request loop per connection. There is no
// named-pipe listener; on Windows the adapter always uses the TCP fallback.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"runtime"

	"companiongw/pkg/adapter"
	"companiongw/pkg/plugin"
)

// Server is the local IPC protocol adapter.
type Server struct {
	socketPath   string
	fallbackAddr string

	deps     *adapter.Dependencies
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	usedUnix bool
}

// New constructs the IPC adapter. socketPath is a Unix domain socket path
// (ignored on Windows, which always listens on fallbackAddr); fallbackAddr
// is a loopback TCP address used when the platform or path is unavailable.
func New(socketPath, fallbackAddr string) *Server {
	return &Server{socketPath: socketPath, fallbackAddr: fallbackAddr}
}

func (s *Server) ProtocolName() string { return "ipc" }

func (s *Server) Initialize(_ context.Context, deps *adapter.Dependencies) error {
	s.deps = deps
	return nil
}

// Start binds the domain socket, falling back to loopback TCP if Unix
// sockets are unavailable on this platform or the path cannot be bound
// (spec §4.6).
func (s *Server) Start(ctx context.Context) error {
	ln, usedUnix, err := s.bind()
	if err != nil {
		return err
	}
	s.listener = ln
	s.usedUnix = usedUnix

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.acceptLoop(runCtx)
	return nil
}

func (s *Server) bind() (net.Listener, bool, error) {
	if runtime.GOOS != "windows" && s.socketPath != "" {
		_ = os.Remove(s.socketPath)
		ln, err := net.Listen("unix", s.socketPath)
		if err == nil {
			return ln, true, nil
		}
	}

	if s.fallbackAddr == "" {
		return nil, false, errors.New("ipc adapter: no usable socket path or fallback address")
	}
	ln, err := net.Listen("tcp", s.fallbackAddr)
	if err != nil {
		return nil, false, err
	}
	return ln, false, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go s.serveConnection(ctx, conn)
	}
}

// serveConnection runs a strict serial request-reply loop: one message in,
// one message out, in order, for the lifetime of the connection (spec
// §4.6: "strict serial REP-style loop").
func (s *Server) serveConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return
		}

		response := s.dispatch(ctx, conn, line)
		if _, writeErr := conn.Write(append(response, '\n')); writeErr != nil {
			return
		}

		if err != nil {
			return
		}
	}
}

// dispatch decodes one request line and routes it through the pipeline.
// Malformed JSON never closes the socket; it produces a structured error
// reply so the client can retry on the same connection (spec §4.6).
func (s *Server) dispatch(ctx context.Context, conn net.Conn, line []byte) []byte {
	var req struct {
		MessageType string          `json:"message_type"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return encodeIPCError("malformed_message")
	}

	info := plugin.ClientInfo{
		RemoteAddr:    conn.RemoteAddr().String(),
		TransportName: "ipc",
	}
	rc := plugin.NewRequestContext(ctx, plugin.ProtocolIPC, req.Payload, info)
	rc.MessageType = req.MessageType

	s.deps.Gateway.Handle(rc)

	if rc.Err != nil {
		return encodeIPCError(rc.Err.Kind)
	}

	body, err := json.Marshal(struct {
		Success bool `json:"success"`
		Result  any  `json:"result"`
	}{Success: true, Result: rc.Response})
	if err != nil {
		return encodeIPCError("internal_error")
	}
	return body
}

func encodeIPCError(kind string) []byte {
	body, _ := json.Marshal(struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}{Success: false, Error: kind})
	return body
}

// Stop cancels the accept loop, closes the listener, and removes the
// socket file if one was created (spec §4.6).
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.done != nil {
		<-s.done
	}
	if s.usedUnix && s.socketPath != "" {
		_ = os.Remove(s.socketPath)
	}
	return nil
}

func (s *Server) HandleRequest(ctx context.Context, payload []byte, info plugin.ClientInfo) ([]byte, error) {
	rc := plugin.NewRequestContext(ctx, plugin.ProtocolIPC, payload, info)
	s.deps.Gateway.Handle(rc)
	if rc.Err != nil {
		return nil, rc.Err
	}
	return json.Marshal(rc.Response)
}

func (s *Server) HealthCheck(context.Context) error {
	if s.listener == nil {
		return errors.New("ipc adapter not started")
	}
	return nil
}
