// Package requestreply implements the HTTP-like request-reply protocol
// adapter (spec §4.4). The session-encrypted transport middleware is the
// outermost layer; no framework middleware, including CORS, sits between
// it and the mounted endpoints.
package requestreply

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"companiongw/pkg/adapter"
	"companiongw/pkg/plugin"
	"companiongw/pkg/session"
)

// Server is the request-reply protocol adapter.
type Server struct {
	listenAddr string
	sessionMW  *session.Middleware
	deps       *adapter.Dependencies
	httpServer *http.Server
	stopSweep  func()
	startedAt  time.Time
}

// New constructs the adapter. sessionMW must already be configured; Server
// wraps its mux with it as the outermost layer.
func New(listenAddr string, sessionMW *session.Middleware) *Server {
	return &Server{listenAddr: listenAddr, sessionMW: sessionMW}
}

func (s *Server) ProtocolName() string { return "request_reply" }

func (s *Server) Initialize(_ context.Context, deps *adapter.Dependencies) error {
	s.deps = deps
	return nil
}

// Start mounts the endpoint set and begins serving. Per spec §4.4 the
// session middleware is the only thing standing between the listener and
// the mux; h2c lets the adapter serve plaintext HTTP/2 for local/loopback
// deployments the way the teacher's gateway-svc does.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.mountEndpoints(mux)

	handler := s.sessionMW.Wrap(mux)
	h2s := &http2.Server{}

	s.httpServer = &http.Server{
		Addr:    s.listenAddr,
		Handler: h2c.NewHandler(handler, h2s),
	}

	s.startedAt = time.Now()
	s.stopSweep = s.sessionMW.StartSweeper(ctx)

	ln, err := listen(s.listenAddr)
	if err != nil {
		return fmt.Errorf("request-reply adapter: listen: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.deps != nil && s.deps.Logger != nil {
				s.deps.Logger.Error("request-reply adapter exited", "error", err)
			}
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.stopSweep != nil {
		s.stopSweep()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) HandleRequest(ctx context.Context, payload []byte, info plugin.ClientInfo) ([]byte, error) {
	rc := plugin.NewRequestContext(ctx, plugin.ProtocolRequestReply, payload, info)
	s.deps.Gateway.Handle(rc)
	if rc.Err != nil {
		return nil, rc.Err
	}
	return encodeResponse(rc.Response)
}

func (s *Server) HealthCheck(context.Context) error {
	if s.httpServer == nil {
		return errors.New("request-reply adapter not started")
	}
	return nil
}
