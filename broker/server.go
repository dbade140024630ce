package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arcwire/mqttbroker/auth"
	"github.com/arcwire/mqttbroker/session"
	"github.com/arcwire/mqttbroker/topics"
)

// Options configures a Server, per §6.
type Options struct {
	ListenHost string
	ListenPort int

	MaxPacketSize     int
	KeepaliveGrace    float64
	StatsPublishSecs  int
	OutboundHighwater int
	AllowAnonymous    bool

	Authenticator auth.Authenticator
	Persistence   session.Persistence
	Registerer    prometheus.Registerer
	Logger        *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = 2 * 1024 * 1024
	}
	if o.KeepaliveGrace <= 0 {
		o.KeepaliveGrace = 1.5
	}
	if o.StatsPublishSecs <= 0 {
		o.StatsPublishSecs = 10
	}
	if o.OutboundHighwater <= 0 {
		o.OutboundHighwater = 16 * 1024 * 1024
	}
	if o.Authenticator == nil {
		if o.AllowAnonymous {
			o.Authenticator = auth.AllowAll{}
		} else {
			o.Authenticator = auth.DenyAll{}
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server is the broker orchestrator: it owns the session store, the topic
// trie-backed router, the periodic task loop and a single TCP listener, per
// §6.
type Server struct {
	opts *Options
	log  *slog.Logger

	store  *session.Store
	router *Router
	stats  *Stats
	loop   *loop

	ln net.Listener

	connsMu sync.Mutex
	conns   map[*Conn]struct{}

	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// New builds a Server from opts, restoring any persisted sessions before it
// is ready to accept connections.
func New(opts *Options) (*Server, error) {
	if opts == nil {
		opts = &Options{AllowAnonymous: true}
	}
	opts.setDefaults()

	store := session.NewStore(opts.Persistence)
	if err := store.Restore(); err != nil {
		return nil, fmt.Errorf("broker: restore sessions: %w", err)
	}

	trie := topics.New()
	for _, clientID := range store.ClientIDs() {
		if sess, ok := store.Get(clientID); ok {
			for filter, qos := range sess.Subscriptions() {
				trie.Subscribe(filter, clientID, qos)
			}
		}
	}

	stats := NewStats(opts.Registerer)
	router := NewRouter(trie, store, stats)

	return &Server{
		opts:   opts,
		log:    opts.Logger,
		store:  store,
		router: router,
		stats:  stats,
		loop:   newLoop(time.Duration(opts.StatsPublishSecs) * time.Second),
		conns:  make(map[*Conn]struct{}),
		quit:   make(chan struct{}),
	}, nil
}

// ListenAndServe binds the configured TCP address and serves connections
// until ctx is cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.ListenHost, s.opts.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Info("listening", "addr", addr)

	go s.run()

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(nc)
		}()
	}
}

func (s *Server) serveConn(nc net.Conn) {
	c := NewConn(nc, "tcp", s.store, s.router, s.opts.Authenticator, s.stats, s.opts.MaxPacketSize, s.opts.OutboundHighwater)
	c.keepaliveGrace = s.opts.KeepaliveGrace

	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	c.Serve()

	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

// Shutdown stops accepting new connections, closes every live connection
// with reason Graceful, stops the periodic task loop, and waits for all
// connection goroutines to finish.
func (s *Server) Shutdown() {
	s.quitOnce.Do(func() {
		close(s.quit)
		if s.ln != nil {
			s.ln.Close()
		}
		s.loop.stop()

		s.connsMu.Lock()
		for c := range s.conns {
			c.Close(session.Graceful)
		}
		s.connsMu.Unlock()
	})
	s.wg.Wait()
}

// Stats exposes the broker's counter block, e.g. for wiring a Prometheus
// HTTP handler alongside ListenAndServe.
func (s *Server) Stats() *Stats { return s.stats }
