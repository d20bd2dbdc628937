package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// Per-connection inbound limit.
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int
	// Empty allows every origin.
	AllowedOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxConnections:    1000,
	}
}

// Verifier rejects events whose id or signature does not hold.
type Verifier func(*domain.Event) error

// liveSlack widens the live half of a REQ so events stamped slightly before
// the subscription started are not lost. Clients dedup by id.
const liveSlack = 5 * time.Second

// Server speaks NIP-01 over websockets in front of a storage backend.
type Server struct {
	backend  ports.Relay
	verify   Verifier
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	closed bool
}

func NewServer(backend ports.Relay, verify Verifier, cfg ServerConfig, logger *zap.SugaredLogger) *Server {
	s := &Server{
		backend: backend,
		verify:  verify,
		cfg:     cfg,
		logger:  logger,
		conns:   make(map[*serverConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleWebSocket(w, r)
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	full := s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &serverConn{
		server:  s,
		ws:      ws,
		remote:  r.RemoteAddr,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		subs:    make(map[string]ports.Subscription),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Infow("relay client connected", "remote", c.remote)
	go c.writeLoop()
	c.readLoop(r.Context())
	c.shutdown()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.logger.Infow("relay client disconnected", "remote", c.remote)
}

// Shutdown disconnects every client. The backend is left to its owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	for {
		if s.Connections() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type serverConn struct {
	server  *Server
	ws      *websocket.Conn
	remote  string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[string]ports.Subscription
}

func (c *serverConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for id, sub := range c.subs {
			sub.Close()
			delete(c.subs, id)
		}
		c.mu.Unlock()
		c.ws.Close()
	})
}

func (c *serverConn) readLoop(ctx context.Context) {
	cfg := c.server.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warnw("relay read failed", "remote", c.remote, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		c.handle(ctx, data)
	}
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.logger.Debugw("relay write failed", "remote", c.remote, "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.server.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *serverConn) write(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		c.server.logger.Errorw("failed to encode relay message", "label", m.Label, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *serverConn) handle(ctx context.Context, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.write(Message{Label: LabelNotice, Text: "invalid: " + err.Error()})
		return
	}
	switch msg.Label {
	case LabelEvent:
		c.handleEvent(ctx, msg.Event)
	case LabelReq:
		c.handleReq(ctx, msg.SubID, msg.Filters)
	case LabelClose:
		c.closeSub(msg.SubID)
	default:
		c.write(Message{Label: LabelNotice, Text: fmt.Sprintf("unsupported: %s", msg.Label)})
	}
}

func (c *serverConn) handleEvent(ctx context.Context, event *domain.Event) {
	if event == nil || event.ID == "" {
		c.write(Message{Label: LabelNotice, Text: "invalid: event without id"})
		return
	}
	ctx, span := tracing.TraceRelayMessage(ctx, LabelEvent, c.remote)
	defer span.End()

	reply := Message{Label: LabelOK, EventID: event.ID}
	if !c.limiter.Allow() {
		reply.Text = "rate-limited: slow down"
		c.write(reply)
		return
	}
	if c.server.verify != nil {
		if err := c.server.verify(event); err != nil {
			reply.Text = "invalid: " + err.Error()
			c.write(reply)
			return
		}
	}
	if err := c.server.backend.Publish(ctx, event); err != nil {
		c.server.logger.Warnw("failed to store event", "kind", event.Kind, "event_id", event.ID, "error", err)
		span.RecordError(err)
		reply.Text = "error: " + err.Error()
		c.write(reply)
		return
	}
	reply.OK = true
	c.write(reply)
}

func (c *serverConn) handleReq(ctx context.Context, subID string, filters []domain.Filter) {
	if subID == "" || len(subID) > 64 {
		c.write(Message{Label: LabelClosed, SubID: subID, Text: "invalid: bad subscription id"})
		return
	}
	if !c.limiter.Allow() {
		c.write(Message{Label: LabelClosed, SubID: subID, Text: "rate-limited: slow down"})
		return
	}
	if len(filters) == 0 {
		filters = []domain.Filter{{}}
	}
	c.closeSub(subID)

	ctx, span := tracing.TraceRelayMessage(ctx, LabelReq, c.remote)
	defer span.End()

	deliver := func(e *domain.Event) {
		c.write(Message{Label: LabelEvent, SubID: subID, Event: e})
	}
	sub, err := c.server.backend.Subscribe(ctx, liveFilters(filters, time.Now().Add(-liveSlack)), deliver)
	if err != nil {
		span.RecordError(err)
		c.write(Message{Label: LabelClosed, SubID: subID, Text: "error: " + err.Error()})
		return
	}
	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()

	stored, err := c.server.backend.QuerySync(ctx, filters)
	if err != nil {
		c.server.logger.Warnw("stored event query failed", "sub_id", subID, "error", err)
	}
	for _, e := range stored {
		deliver(e)
	}
	c.write(Message{Label: LabelEOSE, SubID: subID})
}

func (c *serverConn) closeSub(subID string) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// liveFilters restricts filters to events created after since and drops
// their result limits.
func liveFilters(filters []domain.Filter, since time.Time) []domain.Filter {
	ts := domain.Timestamp(since.Unix())
	out := make([]domain.Filter, len(filters))
	for i, f := range filters {
		f.Limit = 0
		if f.Since < ts {
			f.Since = ts
		}
		out[i] = f
	}
	return out
}
