package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/pkg/cache"
	"relayspaces/pkg/circuitbreaker"

	"go.uber.org/zap"
)

type PoolConfig struct {
	Client         ClientConfig
	PublishTimeout time.Duration
	Breaker        circuitbreaker.Config
	// How long a pooled subscription remembers delivered ids.
	DedupTTL time.Duration
	// Pause between attempts to restore a dropped subscription.
	ResubscribeDelay time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Client:           DefaultClientConfig(),
		PublishTimeout:   10 * time.Second,
		Breaker:          circuitbreaker.DefaultConfig(),
		DedupTTL:         10 * time.Minute,
		ResubscribeDelay: 2 * time.Second,
	}
}

// Pool fans publishes out to every relay and merges what they deliver.
// Each relay URL sits behind its own circuit breaker.
type Pool struct {
	urls     []string
	cfg      PoolConfig
	breakers *circuitbreaker.Group
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
	done    chan struct{}
}

var _ ports.Relay = (*Pool)(nil)

func NewPool(urls []string, cfg PoolConfig, logger *zap.SugaredLogger) *Pool {
	p := &Pool{
		urls:    append([]string(nil), urls...),
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*Client),
		done:    make(chan struct{}),
	}
	p.breakers = circuitbreaker.NewGroup(cfg.Breaker, func(name string, from, to circuitbreaker.State) {
		logger.Warnw("relay circuit changed", "relay", name, "from", from.String(), "to", to.String())
	})
	return p
}

func (p *Pool) URLs() []string { return append([]string(nil), p.urls...) }

// Connect dials every relay and succeeds if at least one answers.
func (p *Pool) Connect(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(p.urls))
	for i, url := range p.urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			_, errs[i] = p.client(ctx, url)
		}(i, url)
	}
	wg.Wait()
	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return errors.Join(append([]error{domain.ErrNoRelays}, errs...)...)
}

// client returns a live connection to url, dialing through its breaker.
func (p *Pool) client(ctx context.Context, url string) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.ErrRelayClosed
	}
	if c, ok := p.clients[url]; ok {
		select {
		case <-c.Done():
			delete(p.clients, url)
		default:
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	c, err := circuitbreaker.ExecuteWithResult(ctx, p.breakers.Get(url), func() (*Client, error) {
		return Dial(ctx, url, p.cfg.Client, p.logger)
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return nil, domain.ErrRelayClosed
	}
	if existing, ok := p.clients[url]; ok {
		c.Close()
		return existing, nil
	}
	p.clients[url] = c
	return c, nil
}

// Publish succeeds when at least one relay accepted the event.
func (p *Pool) Publish(ctx context.Context, event *domain.Event) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		errs     []error
	)
	for _, url := range p.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			err := p.publishTo(ctx, url, event)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", url, err))
				return
			}
			accepted++
		}(url)
	}
	wg.Wait()
	if accepted > 0 {
		if len(errs) > 0 {
			p.logger.Debugw("event reached a subset of relays",
				"event_id", event.ID, "accepted", accepted, "errors", errors.Join(errs...))
		}
		return nil
	}
	return errors.Join(append([]error{domain.ErrNoRelays}, errs...)...)
}

func (p *Pool) publishTo(ctx context.Context, url string, event *domain.Event) error {
	var rejected error
	err := p.breakers.Get(url).Execute(ctx, func() error {
		c, err := p.client(ctx, url)
		if err != nil {
			return err
		}
		pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
		err = c.Publish(pubCtx, event)
		if errors.Is(err, ErrRejected) {
			// The relay is healthy; it just did not want this event.
			rejected = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return rejected
}

func (p *Pool) QuerySync(ctx context.Context, filters []domain.Filter) ([]*domain.Event, error) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		errs []error
		seen = make(map[string]*domain.Event)
	)
	for _, url := range p.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			events, err := circuitbreaker.ExecuteWithResult(ctx, p.breakers.Get(url), func() ([]*domain.Event, error) {
				c, err := p.client(ctx, url)
				if err != nil {
					return nil, err
				}
				return c.QuerySync(ctx, filters)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", url, err))
				return
			}
			ok++
			for _, e := range events {
				seen[e.ID] = e
			}
		}(url)
	}
	wg.Wait()
	if ok == 0 {
		return nil, errors.Join(append([]error{domain.ErrNoRelays}, errs...)...)
	}

	out := make([]*domain.Event, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type poolSubscription struct {
	pool    *Pool
	filters []domain.Filter
	queue   *deliveryQueue
	seen    *cache.Cache[struct{}]
	done    chan struct{}
	once    sync.Once
}

func (s *poolSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.queue.close()
		s.seen.Stop()
	})
	return nil
}

func (s *poolSubscription) deliver(e *domain.Event) {
	if s.seen.Add(e.ID, struct{}{}) {
		s.queue.push(e)
	}
}

// Subscribe subscribes on every reachable relay; events seen on several
// relays are delivered once. A dropped relay is resubscribed until the
// subscription is closed.
func (p *Pool) Subscribe(ctx context.Context, filters []domain.Filter, onEvent func(*domain.Event)) (ports.Subscription, error) {
	sub := &poolSubscription{
		pool:    p,
		filters: filters,
		queue:   newDeliveryQueue(onEvent),
		seen:    cache.New[struct{}](p.cfg.DedupTTL),
		done:    make(chan struct{}),
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		subs = make(map[string]ports.Subscription)
		errs []error
	)
	for _, url := range p.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			s, c, err := p.subscribeTo(ctx, url, sub)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", url, err))
				return
			}
			subs[url] = s
			go sub.maintain(url, c, s)
		}(url)
	}
	wg.Wait()
	if len(subs) == 0 {
		sub.Close()
		return nil, errors.Join(append([]error{domain.ErrNoRelays}, errs...)...)
	}
	return sub, nil
}

func (p *Pool) subscribeTo(ctx context.Context, url string, sub *poolSubscription) (ports.Subscription, *Client, error) {
	c, err := p.client(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	s, err := c.Subscribe(ctx, sub.filters, sub.deliver)
	if err != nil {
		return nil, nil, err
	}
	return s, c, nil
}

// maintain holds one relay's share of the subscription and restores it
// when the connection drops.
func (s *poolSubscription) maintain(url string, c *Client, relaySub ports.Subscription) {
	for {
		select {
		case <-s.done:
			relaySub.Close()
			return
		case <-s.pool.done:
			return
		case <-c.Done():
		}

		for {
			select {
			case <-s.done:
				return
			case <-s.pool.done:
				return
			case <-time.After(s.pool.cfg.ResubscribeDelay):
			}
			next, nc, err := s.pool.subscribeTo(context.Background(), url, s)
			if err != nil {
				s.pool.logger.Debugw("resubscribe failed", "relay", url, "error", err)
				continue
			}
			s.pool.logger.Infow("resubscribed to relay", "relay", url)
			relaySub, c = next, nc
			break
		}
	}
}

// Ping succeeds if any relay answers.
func (p *Pool) Ping(ctx context.Context) error {
	var errs []error
	for _, url := range p.urls {
		c, err := p.client(ctx, url)
		if err == nil {
			err = c.Ping(ctx)
		}
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", url, err))
	}
	return errors.Join(append([]error{domain.ErrNoRelays}, errs...)...)
}

// States reports the circuit state of every relay that has been used.
func (p *Pool) States() map[string]string {
	out := make(map[string]string)
	for url, state := range p.breakers.States() {
		out[url] = state.String()
	}
	return out
}

func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	return nil
}
