// Package ws streams audit events to WebSocket subscribers.
// The Server is an audit sink: every event the pipeline records is fanned
// out to connected clients whose filter matches. Slow clients lose events
// rather than slowing down mediation.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/security"
)

// Subprotocol is negotiated on upgrade.
const Subprotocol = "toolgate-audit-v1"

// Authenticator resolves the bearer credential of an upgrade request.
type Authenticator interface {
	Authenticate(header, sessionID string) (security.Context, error)
}

// Config tunes the stream.
type Config struct {
	BufferSize        int           // Per-client queue. Default 64.
	HeartbeatInterval time.Duration // Ping interval. Default 30s.
	WriteTimeout      time.Duration // Per-message write deadline. Default 10s.
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server is the audit stream hub.
type Server struct {
	cfg    Config
	auth   Authenticator
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Int64
}

var _ audit.Sink = (*Server)(nil)

type client struct {
	principal security.Context
	filter    audit.Filter
	send      chan audit.Event
	done      chan struct{}
	once      sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.done) }) }

// NewServer creates an audit stream hub.
func NewServer(cfg Config, a Authenticator, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		auth:    a,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Name implements audit.Sink.
func (s *Server) Name() string { return "websocket" }

// SendEvent implements audit.Sink. It never blocks: a client whose queue
// is full misses the event and is told so.
func (s *Server) SendEvent(ev audit.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if !c.filter.Matches(ev) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Clients returns the number of connected subscribers.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped returns how many events were skipped for slow clients.
func (s *Server) Dropped() int64 { return s.dropped.Load() }

// Close disconnects every subscriber and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on upgrade, so the token may also come
	// from the query string.
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			header = "Bearer " + token
		}
	}
	principal, err := s.auth.Authenticate(header, r.Header.Get("X-Session-ID"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	query.Del("token")
	filter, err := audit.ParseFilter(query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Only system principals may watch other users' events.
	if !principal.TrustLevel.AtLeast(security.TrustSystem) {
		filter.UserID = principal.UserID
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		principal: principal,
		filter:    filter,
		send:      make(chan audit.Event, s.cfg.BufferSize),
		done:      make(chan struct{}),
	}
	if !s.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.deregister(c)

	s.handleConnection(r.Context(), conn, c)
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) deregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, c *client) {
	// Subscribers only listen; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx = conn.CloseRead(ctx)

	s.logger.Info("audit stream subscriber connected",
		slog.String("user_id", c.principal.UserID),
	)

	if err := s.write(ctx, conn, newEnvelope(MsgSubscribed, Subscribed{Filter: c.filter})); err != nil {
		conn.Close(websocket.StatusInternalError, "write failed")
		return
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var lastDropped int64
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("audit stream subscriber disconnected",
				slog.String("user_id", c.principal.UserID),
			)
			return
		case <-c.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev := <-c.send:
			if err := s.write(ctx, conn, newEnvelope(MsgEvent, ev)); err != nil {
				s.logger.Debug("audit stream write failed",
					slog.String("user_id", c.principal.UserID),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-ticker.C:
			if d := s.dropped.Load(); d != lastDropped {
				lastDropped = d
				_ = s.write(ctx, conn, newEnvelope(MsgDropped, Dropped{Total: d}))
			}
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("user_id", c.principal.UserID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
