package epc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Server accepts connections and attaches a Session to each, covering the
// protocol's usual deployment: a host process spawns the server, reads the
// announced port from its stdout, and connects. Methods registered on the
// server are served by every session; Sessions exposes the connected peers
// so the host side can call back symmetrically.
type Server struct {
	log  *slog.Logger
	opts []Option

	onConnect    func(*Session)
	onDisconnect func(*Session)

	mu       sync.Mutex
	methods  []Method
	ln       net.Listener
	sessions map[*Session]struct{}
}

// NewServer builds a Server. The options also apply to every session it
// accepts.
func NewServer(opts ...Option) *Server {
	st := newSettings(opts)
	return &Server{
		log:          st.log,
		opts:         opts,
		onConnect:    st.onConnect,
		onDisconnect: st.onDisconnect,
		sessions:     make(map[*Session]struct{}),
	}
}

// Serve registers a method that every current and future session serves.
func (s *Server) Serve(name string, h HandlerFunc, doc string) {
	s.ServeMethod(Method{Name: name, Handler: h, Doc: doc})
}

// ServeMethod registers m on every current and future session, replacing
// any earlier registration of the same name.
func (s *Server) ServeMethod(m Method) {
	s.mu.Lock()
	replaced := false
	for i := range s.methods {
		if s.methods[i].Name == m.Name {
			s.methods[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		s.methods = append(s.methods, m)
	}
	live := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.ServeMethod(m)
	}
}

// Listen binds the server. network is "tcp" or "unix"; an empty tcp
// address means an ephemeral port on the loopback interface, the address a
// spawned server is expected to take.
func (s *Server) Listen(network, address string) error {
	if network == "tcp" && address == "" {
		address = "127.0.0.1:0"
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("epc: listen %s %s: %w", network, address, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		ln.Close()
		return errors.New("epc: server already listening")
	}
	s.ln = ln
	return nil
}

// Port returns the bound TCP port, or 0 before Listen or on a unix socket.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	if addr, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// PrintPort writes the bound port and a newline to w. The host process
// reads this line from the server's stdout to learn where to connect, so
// call it after Listen and before blocking in Run.
func (s *Server) PrintPort(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d\n", s.Port())
	return err
}

// Sessions returns the currently connected sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Run accepts connections until ctx ends, then closes the listener and all
// sessions and waits for them to drain. Listen must have been called.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("epc: server is not listening")
	}
	s.log.Info("epc server listening", slog.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)

	// Unblock Accept and tear down sessions when the context ends.
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		for _, sess := range s.Sessions() {
			sess.Close()
		}
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("epc: accept: %w", err)
			}
			sess := s.attach(gctx, conn)
			g.Go(func() error {
				<-sess.Done()
				s.detach(sess)
				return nil
			})
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) attach(ctx context.Context, conn net.Conn) *Session {
	sess := Connect(conn, s.opts...)
	s.mu.Lock()
	for _, m := range s.methods {
		sess.ServeMethod(m)
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("session attached", slog.String("sess", sess.ID()))
	if ctx.Err() != nil {
		// Lost the race with shutdown; the teardown sweep may have
		// already run, so close here.
		sess.Close()
	} else if s.onConnect != nil {
		s.onConnect(sess)
	}
	return sess
}

func (s *Server) detach(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.log.Debug("session detached", slog.String("sess", sess.ID()))
	if s.onDisconnect != nil {
		s.onDisconnect(sess)
	}
}
