package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/pkg/retry"
	"relayspaces/pkg/tracing"
	"relayspaces/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	Retry        retry.Config
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		Retry:        retry.DefaultConfig(),
	}
}

// ErrRejected is returned when a relay answers OK false.
var ErrRejected = errors.New("event rejected by relay")

// Client is a connection to one remote relay.
type Client struct {
	url    string
	cfg    ClientConfig
	ws     *websocket.Conn
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*clientSubscription
	pending map[string]chan Message
	closed  bool
	done    chan struct{}
}

var _ ports.Relay = (*Client)(nil)

// Dial connects to url, retrying per cfg.Retry.
func Dial(ctx context.Context, url string, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	ws, err := retry.RetryWithResult(ctx, cfg.Retry, func() (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		conn, _, err := dialer.DialContext(dialCtx, url, nil)
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", url, err)
	}

	c := &Client{
		url:     url,
		cfg:     cfg,
		ws:      ws,
		logger:  logger.With("relay", url),
		subs:    make(map[string]*clientSubscription),
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.keepAlive()
	c.logger.Infow("connected to relay")
	return c, nil
}

func (c *Client) URL() string { return c.url }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return domain.ErrRelayClosed
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.teardown(err)
		return fmt.Errorf("failed to write to relay %s: %w", c.url, err)
	}
	return nil
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.teardown(err)
				return
			}
		}
	}
}

func (c *Client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.Debugw("ignoring malformed relay frame", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Label {
	case LabelEvent:
		c.mu.Lock()
		sub := c.subs[msg.SubID]
		c.mu.Unlock()
		if sub != nil && msg.Event != nil {
			sub.deliver(msg.Event)
		}
	case LabelEOSE:
		c.mu.Lock()
		sub := c.subs[msg.SubID]
		c.mu.Unlock()
		if sub != nil {
			sub.markEOSE()
		}
	case LabelClosed:
		c.mu.Lock()
		sub := c.subs[msg.SubID]
		delete(c.subs, msg.SubID)
		c.mu.Unlock()
		if sub != nil {
			c.logger.Warnw("relay closed subscription", "sub_id", msg.SubID, "reason", msg.Text)
			sub.end(fmt.Errorf("subscription closed by relay: %s", msg.Text))
		}
	case LabelOK:
		c.mu.Lock()
		ch := c.pending[msg.EventID]
		delete(c.pending, msg.EventID)
		c.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
	case LabelNotice:
		c.logger.Infow("relay notice", "message", msg.Text)
	}
}

func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	subs := c.subs
	c.subs = make(map[string]*clientSubscription)
	c.pending = make(map[string]chan Message)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.end(domain.ErrRelayClosed)
	}
	c.ws.Close()
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.logger.Warnw("relay connection lost", "error", cause)
	}
}

// Publish sends the event and waits for the relay's OK.
func (c *Client) Publish(ctx context.Context, event *domain.Event) error {
	ctx, span := tracing.TraceRelayMessage(ctx, LabelEvent, c.url)
	defer span.End()

	ack := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrRelayClosed
	}
	c.pending[event.ID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, event.ID)
		c.mu.Unlock()
	}()

	if err := c.send(Message{Label: LabelEvent, Event: event}); err != nil {
		span.RecordError(err)
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return domain.ErrRelayClosed
	case reply := <-ack:
		if !reply.OK {
			return fmt.Errorf("%w: %s", ErrRejected, reply.Text)
		}
		return nil
	}
}

// clientSubscription either queues events for a callback or, when queue is
// nil, buffers them for QuerySync.
type clientSubscription struct {
	client *Client
	id     string
	queue  *deliveryQueue
	eose   chan struct{}
	ended  chan struct{}
	once   sync.Once
	eonce  sync.Once
	err    error

	bufMu sync.Mutex
	buf   []*domain.Event
}

func (s *clientSubscription) deliver(e *domain.Event) {
	if s.queue != nil {
		s.queue.push(e)
		return
	}
	s.bufMu.Lock()
	s.buf = append(s.buf, e)
	s.bufMu.Unlock()
}

func (s *clientSubscription) markEOSE() {
	s.eonce.Do(func() { close(s.eose) })
}

func (s *clientSubscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ended)
		if s.queue != nil {
			s.queue.close()
		}
	})
}

func (s *clientSubscription) Close() error {
	c := s.client
	c.mu.Lock()
	_, live := c.subs[s.id]
	delete(c.subs, s.id)
	c.mu.Unlock()
	s.end(nil)
	if !live {
		return nil
	}
	if err := c.send(Message{Label: LabelClose, SubID: s.id}); err != nil && !errors.Is(err, domain.ErrRelayClosed) {
		return err
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, filters []domain.Filter, onEvent func(*domain.Event)) (ports.Subscription, error) {
	if onEvent == nil {
		return nil, fmt.Errorf("subscribe: nil event handler")
	}
	sub, err := c.subscribe(ctx, filters, onEvent)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *Client) subscribe(ctx context.Context, filters []domain.Filter, onEvent func(*domain.Event)) (*clientSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &clientSubscription{
		client: c,
		id:     utils.GenerateSubscriptionID("sub"),
		eose:   make(chan struct{}),
		ended:  make(chan struct{}),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrRelayClosed
	}
	if onEvent != nil {
		sub.queue = newDeliveryQueue(onEvent)
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if err := c.send(Message{Label: LabelReq, SubID: sub.id, Filters: filters}); err != nil {
		sub.end(err)
		return nil, err
	}
	return sub, nil
}

// QuerySync collects stored matches until the relay signals EOSE.
func (c *Client) QuerySync(ctx context.Context, filters []domain.Filter) ([]*domain.Event, error) {
	ctx, span := tracing.TraceRelayMessage(ctx, LabelReq, c.url)
	defer span.End()

	sub, err := c.subscribe(ctx, filters, nil)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sub.ended:
		if sub.err != nil {
			return nil, sub.err
		}
		return nil, domain.ErrRelayClosed
	case <-sub.eose:
	}

	sub.bufMu.Lock()
	defer sub.bufMu.Unlock()
	return append([]*domain.Event(nil), sub.buf...), nil
}

func (c *Client) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return domain.ErrRelayClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ping()
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.teardown(nil)
	return nil
}
