// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/XertroV/cgf-server/internal/core"
)

// Server accepts framed-TCP game connections and runs one session per
// connection. The listener is bound separately from serving so the caller
// can log the bound address first and tests can bind port 0.
type Server struct {
	deps *core.Deps
	ln   net.Listener
	wg   sync.WaitGroup
}

func New(deps *core.Deps) *Server {
	return &Server{deps: deps}
}

// Listen binds the game port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding game listener on %s: %w", addr, err)
	}
	s.ln = ln
	return nil
}

// Addr reports the bound address; only valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx ends, then waits for every session to
// finish. Sessions watch the same ctx, so cancellation drains promptly.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(s.deps.Cfg.Addr()); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			// Transient accept failures (fd exhaustion) shouldn't spin.
			s.deps.Log.WithError(err).Error("accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			core.NewSession(s.deps, conn).Run(ctx)
		}()
	}

	s.wg.Wait()
	return nil
}
