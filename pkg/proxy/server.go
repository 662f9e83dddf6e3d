// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options configures a Server.
type Options struct {
	ListenAddr string
	Realm      string

	MaxHeaderBytes         int
	ReadHeaderTimeout      time.Duration
	UpstreamDialTimeout    time.Duration
	UpstreamConnectTimeout time.Duration

	// Hook decides, once per request, how to handle it. A nil Hook means
	// every request is allowed through with no auth and no chaining.
	Hook Hook

	// AcceptLimiter, if set, is waited on before every Accept, bounding
	// the rate at which new connections are admitted.
	AcceptLimiter *rate.Limiter

	Verbose bool
	Logger  zerolog.Logger

	// OnConnection, OnRequest, OnTunnelConnected and OnConnectionClosed
	// are lifecycle callbacks. Each is optional and invoked synchronously:
	// OnConnection on the accept loop's goroutine before the connection is
	// handed off, the others on the connection's handling goroutine.
	OnConnection       func(c *Connection)
	OnRequest          func(c *Connection, req *IncomingRequest)
	OnTunnelConnected  func(c *Connection)
	OnConnectionClosed func(c *Connection, stats Stats)
}

func (o *Options) setDefaults() {
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = 1 << 20
	}
	if o.UpstreamDialTimeout <= 0 {
		o.UpstreamDialTimeout = 10 * time.Second
	}
	if o.UpstreamConnectTimeout <= 0 {
		o.UpstreamConnectTimeout = 10 * time.Second
	}
	if o.Realm == "" {
		o.Realm = "forward-proxy"
	}
}

// Server is the single owner of every Connection it accepts. The zero
// value is not usable; construct with New.
type Server struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[string]*Connection
	closing  bool

	wg sync.WaitGroup
}

// New constructs a Server from opts. The listener is not bound until
// ListenAndServe or Serve is called.
func New(opts Options) *Server {
	opts.setDefaults()
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled && !opts.Verbose {
		logger = zerolog.Nop()
	}
	return &Server{
		opts:   opts,
		logger: logger.With().Str("component", "proxy").Logger(),
		conns:  make(map[string]*Connection),
	}
}

// ListenAndServe binds opts.ListenAddr and serves until Close is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections off ln until Close is called, dispatching each
// through the state machine in its own goroutine. It returns nil once the
// listener has been closed by Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		if s.opts.AcceptLimiter != nil {
			_ = s.opts.AcceptLimiter.Wait(context.Background())
		}

		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		c := newConnection(conn)
		if !s.register(c) {
			conn.Close()
			continue
		}

		s.emitConnection(c)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(c, conn)
		}()
	}
}

// Addr returns the bound listener's address, or nil if not yet listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) register(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.ID] = c
	return true
}

// unregister removes c from the registry before destroying its sockets, so
// a concurrent forced Close cannot double-free it.
func (s *Server) unregister(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()
}

// Close stops accepting new connections. If force is false, in-flight
// exchanges are allowed to finish naturally and Close waits for the
// registry to empty. If force is true, every registered connection's
// sockets are destroyed concurrently.
func (s *Server) Close(force bool) error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	if force {
		s.mu.Lock()
		victims := make([]*Connection, 0, len(s.conns))
		for _, c := range s.conns {
			victims = append(victims, c)
		}
		s.mu.Unlock()

		var g errgroup.Group
		for _, c := range victims {
			c := c
			g.Go(func() error {
				c.destroy()
				return nil
			})
		}
		_ = g.Wait()
	}

	s.wg.Wait()
	return nil
}

// handle drives one accepted connection through decode -> decide ->
// {authenticate | forward | tunnel | respond} -> closed.
func (s *Server) handle(c *Connection, rawConn net.Conn) {
	defer func() {
		s.unregister(c)
		c.setState(StateClosed)
		c.destroy()
		s.emitConnectionClosed(c, c.stats())
	}()

	c.setState(StateReading)
	if s.opts.ReadHeaderTimeout > 0 {
		rawConn.SetReadDeadline(time.Now().Add(s.opts.ReadHeaderTimeout))
	}

	req, conn, err := decodeRequest(rawConn, s.opts.MaxHeaderBytes)
	if err != nil {
		rawConn.SetReadDeadline(time.Time{})
		var de *decodeError
		if errors.As(err, &de) {
			writeSimpleResponse(rawConn, de.status, de.Error())
		} else {
			writeSimpleResponse(rawConn, http.StatusBadRequest, "bad request")
		}
		return
	}
	rawConn.SetReadDeadline(time.Time{})

	s.emitRequest(c, req)

	c.setState(StateDeciding)
	decision, err := s.decide(c, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("connection", c.ID).Msg("decision hook failed")
		if req.IsConnect() {
			writeSimpleResponse(conn, http.StatusBadGateway, "decision hook failed")
		} else {
			writeSimpleResponse(conn, http.StatusInternalServerError, "decision hook failed")
		}
		return
	}

	if err := decision.validate(!req.IsConnect()); err != nil {
		s.logger.Warn().Err(err).Str("connection", c.ID).Msg("invalid decision")
		writeSimpleResponse(conn, http.StatusBadRequest, err.Error())
		return
	}

	if decision.RequireAuth {
		c.setState(StateAuthenticating)
		writeAuthRequired(conn, s.opts.Realm)
		return
	}

	if decision.FailWith != 0 {
		c.setState(StateResponding)
		writeSimpleResponse(conn, decision.FailWith, http.StatusText(decision.FailWith))
		return
	}

	switch {
	case req.IsConnect():
		c.setState(StateTunneling)
		s.handleTunnel(c, conn, req, decision)

	case decision.CustomResponse != nil:
		c.setState(StateResponding)
		if err := writeCustomResponse(conn, decision.CustomResponse); err != nil {
			s.logger.Warn().Err(err).Str("connection", c.ID).Msg("failed to write custom response")
		}

	default:
		c.setState(StateForwarding)
		s.handleForward(c, conn, req, decision)
	}
}

// decide invokes the configured Hook, or the permissive default Decision
// when none is configured.
func (s *Server) decide(c *Connection, req *IncomingRequest) (Decision, error) {
	if s.opts.Hook == nil {
		return Decision{}, nil
	}

	username, password := "", ""
	if creds, ok := decodeProxyAuthorizationFromHeader(req.Header); ok {
		username, password = creds.Username, creds.Password
	}

	input := HookInput{
		Request:  req,
		Username: username,
		Password: password,
		Hostname: req.Host,
		Port:     req.Port,
		IsHTTP:   !req.IsConnect(),
	}

	return s.opts.Hook(context.Background(), input)
}

func (s *Server) emitConnection(c *Connection) {
	if s.opts.OnConnection != nil {
		s.opts.OnConnection(c)
	}
}

func (s *Server) emitRequest(c *Connection, req *IncomingRequest) {
	if s.opts.OnRequest != nil {
		s.opts.OnRequest(c, req)
	}
}

func (s *Server) emitTunnelConnected(c *Connection) {
	if s.opts.OnTunnelConnected != nil {
		s.opts.OnTunnelConnected(c)
	}
}

func (s *Server) emitConnectionClosed(c *Connection, stats Stats) {
	if s.opts.OnConnectionClosed != nil {
		s.opts.OnConnectionClosed(c, stats)
	}
}
