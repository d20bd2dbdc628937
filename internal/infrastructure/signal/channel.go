package signal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/internal/core/services"
	"relayspaces/pkg/cache"
	"relayspaces/pkg/retry"
	"relayspaces/pkg/tracing"
	"relayspaces/pkg/utils"
)

type ChannelConfig struct {
	// Per-sender inbound limit.
	MessagesPerSecond float64
	Burst             int
	// Limiters of senders quiet for this long are forgotten.
	LimiterIdleTTL time.Duration
	// How long delivered event ids are remembered per subscription.
	DedupTTL time.Duration
	Retry    retry.Config
}

func DefaultChannelConfig() ChannelConfig {
	r := retry.DefaultConfig()
	r.NonRetryable = []error{domain.ErrInvalidEvent, domain.ErrRelayClosed}
	return ChannelConfig{
		MessagesPerSecond: 50,
		Burst:             100,
		LimiterIdleTTL:    5 * time.Minute,
		DedupTTL:          10 * time.Minute,
		Retry:             r,
	}
}

// Drop reasons reported to metrics.
const (
	DropInvalidSignature = "invalid_signature"
	DropMalformed        = "malformed"
	DropDuplicate        = "duplicate"
	DropRateLimited      = "rate_limited"
)

// Channel signs outgoing actions as nostr events and turns verified
// incoming events back into actions.
type Channel struct {
	relay   ports.Relay
	cfg     ChannelConfig
	metrics ports.OverlayMetrics
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	profile  domain.Profile
	open     bool
	limiters *cache.Cache[*rate.Limiter]
	seen     *cache.Cache[struct{}]
}

func NewChannel(relay ports.Relay, cfg ChannelConfig, metrics ports.OverlayMetrics, logger *zap.SugaredLogger) *Channel {
	if metrics == nil {
		metrics = services.NewMetricsService()
	}
	return &Channel{
		relay:   relay,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

var _ ports.Signaling = (*Channel)(nil)

// Open binds the channel to a signing identity.
func (c *Channel) Open(profile domain.Profile) error {
	pub, err := PublicKey(profile.PrivateKey)
	if err != nil {
		return fmt.Errorf("invalid profile key: %w", err)
	}
	if profile.PublicKey != "" && profile.PublicKey != pub {
		return fmt.Errorf("profile public key does not match its secret key")
	}
	profile.PublicKey = pub

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen != nil {
		c.seen.Stop()
		c.limiters.Stop()
	}
	c.profile = profile
	c.seen = cache.New[struct{}](c.cfg.DedupTTL)
	c.limiters = cache.New[*rate.Limiter](c.cfg.LimiterIdleTTL)
	c.open = true
	c.logger.Infow("signaling channel open", "peer_id", pub.Short())
	return nil
}

func (c *Channel) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

func (c *Channel) Identity() domain.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile.PublicKey
}

func (c *Channel) identity() (domain.Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.open {
		return domain.Profile{}, domain.ErrChannelNotOpen
	}
	return c.profile, nil
}

// Publish signs action and hands it to the relays, retrying transient
// failures.
func (c *Channel) Publish(ctx context.Context, action domain.Action) error {
	profile, err := c.identity()
	if err != nil {
		return err
	}
	event, err := Encode(action, profile.PublicKey)
	if err != nil {
		return err
	}
	if err := Sign(event, profile.PrivateKey); err != nil {
		return err
	}

	ctx, span := tracing.TracePublish(ctx, event.Kind, event.Tags.Value(TagSpace))
	defer span.End()

	err = retry.Retry(ctx, c.cfg.Retry, func() error {
		return c.relay.Publish(ctx, event)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to publish %s: %w", action.Kind(), err)
	}
	c.logger.Debugw("published", "kind", action.Kind(), "event_id", event.ID)
	return nil
}

func spaceTags(space domain.SpaceRef) map[string][]string {
	return map[string][]string{
		TagApp:   {AppMarker},
		TagSpace: {string(space.ID)},
		TagRoot:  {string(space.Root)},
	}
}

// SubscribeSpace delivers live space-wide actions and reserve requests
// aimed at this identity.
func (c *Channel) SubscribeSpace(ctx context.Context, space domain.SpaceRef, handler func(domain.Action)) (ports.Subscription, error) {
	profile, err := c.identity()
	if err != nil {
		return nil, err
	}
	now := domain.Now()
	reserveTags := spaceTags(space)
	reserveTags[TagTarget] = []string{string(profile.PublicKey)}
	filters := []domain.Filter{
		{Kinds: spaceKinds, Tags: spaceTags(space), Since: now},
		{Kinds: []int{KindReserve}, Tags: reserveTags, Since: now},
	}
	return c.subscribe(ctx, "space", filters, handler)
}

// SubscribePeer delivers live offer, answer and ICE events from remote.
func (c *Channel) SubscribePeer(ctx context.Context, space domain.SpaceRef, remote domain.NodeID, handler func(domain.Action)) (ports.Subscription, error) {
	profile, err := c.identity()
	if err != nil {
		return nil, err
	}
	tags := spaceTags(space)
	tags[TagTarget] = []string{string(profile.PublicKey)}
	filters := []domain.Filter{{
		Kinds:   peerKinds,
		Authors: []domain.NodeID{remote},
		Tags:    tags,
		Since:   domain.Now(),
	}}
	return c.subscribe(ctx, "peer", filters, handler)
}

func (c *Channel) subscribe(ctx context.Context, prefix string, filters []domain.Filter, handler func(domain.Action)) (ports.Subscription, error) {
	subID := utils.GenerateSubscriptionID(prefix)
	sub, err := c.relay.Subscribe(ctx, filters, func(e *domain.Event) {
		if action, ok := c.accept(subID, e); ok {
			handler(action)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return sub, nil
}

// accept runs the inbound checks shared by every subscription.
func (c *Channel) accept(subID string, e *domain.Event) (domain.Action, bool) {
	c.mu.RLock()
	seen := c.seen
	open := c.open
	c.mu.RUnlock()
	if !open {
		return nil, false
	}

	if err := Verify(e); err != nil {
		c.reject(DropInvalidSignature, e, err)
		return nil, false
	}
	if !seen.Add(subID+":"+e.ID, struct{}{}) {
		c.metrics.RecordDroppedEvent(DropDuplicate)
		return nil, false
	}
	if !c.limiter(e.PubKey).Allow() {
		c.reject(DropRateLimited, e, nil)
		return nil, false
	}
	action, err := Decode(e)
	if err != nil {
		c.reject(DropMalformed, e, err)
		return nil, false
	}
	return action, true
}

func (c *Channel) reject(reason string, e *domain.Event, err error) {
	c.metrics.RecordDroppedEvent(reason)
	c.logger.Debugw("dropped inbound event", "reason", reason, "kind", e.Kind, "peer_id", e.PubKey.Short(), "error", err)
}

// limiter returns the sender's limiter and pushes back its idle expiry.
func (c *Channel) limiter(sender domain.NodeID) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters.Get(string(sender))
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.MessagesPerSecond), c.cfg.Burst)
	}
	c.limiters.Set(string(sender), l)
	return l
}

// decodeAll verifies and decodes stored events, skipping bad ones.
func (c *Channel) decodeAll(events []*domain.Event) []domain.Action {
	out := make([]domain.Action, 0, len(events))
	for _, e := range events {
		if err := Verify(e); err != nil {
			c.reject(DropInvalidSignature, e, err)
			continue
		}
		action, err := Decode(e)
		if err != nil {
			c.reject(DropMalformed, e, err)
			continue
		}
		out = append(out, action)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Meta().CreatedAt.Before(out[j].Meta().CreatedAt)
	})
	return out
}

// FetchHistory returns the stored join, leave, confirm and drop events of
// a space, oldest first.
func (c *Channel) FetchHistory(ctx context.Context, space domain.SpaceRef) ([]domain.Action, error) {
	if _, err := c.identity(); err != nil {
		return nil, err
	}
	events, err := c.relay.QuerySync(ctx, []domain.Filter{{Kinds: historyKinds, Tags: spaceTags(space)}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	return c.decodeAll(events), nil
}

// FetchActiveSpaces lists spaces announced since the given time whose host
// has not closed them, excluding our own. Newest first.
func (c *Channel) FetchActiveSpaces(ctx context.Context, since time.Time) ([]domain.SpaceInfo, error) {
	profile, err := c.identity()
	if err != nil {
		return nil, err
	}
	tags := map[string][]string{TagApp: {AppMarker}}
	ts := domain.Timestamp(since.Unix())
	events, err := c.relay.QuerySync(ctx, []domain.Filter{
		{Kinds: []int{KindCreateSpace}, Tags: tags, Since: ts},
		{Kinds: []int{KindCloseSpace}, Tags: tags, Since: ts},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spaces: %w", err)
	}

	closed := make(map[domain.SpaceRef]struct{})
	var created []*domain.CreateSpace
	for _, action := range c.decodeAll(events) {
		switch a := action.(type) {
		case *domain.CloseSpace:
			if a.Sender == a.Space.Root {
				closed[a.Space] = struct{}{}
			}
		case *domain.CreateSpace:
			created = append(created, a)
		}
	}

	seen := make(map[domain.SpaceID]struct{})
	var out []domain.SpaceInfo
	for i := len(created) - 1; i >= 0; i-- {
		info := created[i].Info
		if _, ok := closed[info.Ref()]; ok {
			continue
		}
		if _, dup := seen[info.ID]; dup || info.Host.PublicKey == profile.PublicKey {
			continue
		}
		seen[info.ID] = struct{}{}
		out = append(out, info)
	}
	return out, nil
}

// SubscribeNewSpaces reports spaces announced by others from now on.
func (c *Channel) SubscribeNewSpaces(ctx context.Context, handler func(domain.SpaceInfo)) (ports.Subscription, error) {
	profile, err := c.identity()
	if err != nil {
		return nil, err
	}
	filters := []domain.Filter{{
		Kinds: []int{KindCreateSpace},
		Tags:  map[string][]string{TagApp: {AppMarker}},
		Since: domain.Now(),
	}}
	return c.subscribe(ctx, "spaces", filters, func(action domain.Action) {
		if cs, ok := action.(*domain.CreateSpace); ok && cs.Info.Host.PublicKey != profile.PublicKey {
			handler(cs.Info)
		}
	})
}

// Close forgets the identity. Subscriptions stay with their owners.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false
	c.seen.Stop()
	c.limiters.Stop()
	return nil
}
