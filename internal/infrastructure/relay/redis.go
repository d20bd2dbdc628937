package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
)

// NewRedisClient creates a Redis client with connection pooling and runs
// pending migrations.
func NewRedisClient(address, password string, db, poolSize int, prefix string, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if err := Migrate(ctx, client, prefix, logger); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", address,
		"db", db,
		"pool_size", poolSize,
	)
	return client, nil
}

// Redis is a relay shared by every process pointing at the same Redis:
// events live in a sorted set by created_at, live delivery goes through
// pub/sub.
type Redis struct {
	client       *redis.Client
	prefix       string
	maxPerFilter int
	logger       *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

func NewRedis(client *redis.Client, prefix string, maxPerFilter int, logger *zap.SugaredLogger) *Redis {
	return &Redis{
		client:       client,
		prefix:       prefix,
		maxPerFilter: maxPerFilter,
		logger:       logger,
		subs:         make(map[*redisSubscription]struct{}),
	}
}

var _ ports.Relay = (*Redis)(nil)

func (r *Redis) eventKey(id string) string { return fmt.Sprintf("%s:event:%s", r.prefix, id) }

func (r *Redis) slotKey(slot string) string { return fmt.Sprintf("%s:slot:%s", r.prefix, slot) }

func (r *Redis) indexKey() string { return r.prefix + ":events" }

func (r *Redis) liveChannel() string { return r.prefix + ":live" }

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Redis) Publish(ctx context.Context, event *domain.Event) error {
	if r.isClosed() {
		return domain.ErrRelayClosed
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if !event.Ephemeral() {
		stored, err := r.store(ctx, event, data)
		if err != nil {
			return err
		}
		if !stored {
			return nil
		}
	}
	if err := r.client.Publish(ctx, r.liveChannel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// store writes the event and, for replaceable kinds, evicts the slot's
// previous holder. Reports false for duplicates and outdated replacements.
func (r *Redis) store(ctx context.Context, event *domain.Event, data []byte) (bool, error) {
	score := float64(event.CreatedAt)
	if !event.Replaceable() {
		ok, err := r.client.SetNX(ctx, r.eventKey(event.ID), data, 0).Result()
		if err != nil {
			return false, fmt.Errorf("failed to store event: %w", err)
		}
		if !ok {
			return false, nil
		}
		if err := r.client.ZAdd(ctx, r.indexKey(), redis.Z{Score: score, Member: event.ID}).Err(); err != nil {
			return false, fmt.Errorf("failed to index event: %w", err)
		}
		return true, nil
	}

	slot := r.slotKey(event.ReplaceKey())
	stored := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored = false
		prevID, err := tx.Get(ctx, slot).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if prevID != "" {
			if prevID == event.ID {
				return nil
			}
			raw, err := tx.Get(ctx, r.eventKey(prevID)).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				var prev domain.Event
				if json.Unmarshal(raw, &prev) == nil && !event.Newer(&prev) {
					return nil
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prevID != "" {
				pipe.Del(ctx, r.eventKey(prevID))
				pipe.ZRem(ctx, r.indexKey(), prevID)
			}
			pipe.Set(ctx, r.eventKey(event.ID), data, 0)
			pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: score, Member: event.ID})
			pipe.Set(ctx, slot, event.ID, 0)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, slot)
	if err != nil {
		return false, fmt.Errorf("failed to store replaceable event: %w", err)
	}
	return stored, nil
}

// load reads the stored events whose created_at falls in the union of the
// filters' time windows.
func (r *Redis) load(ctx context.Context, filters []domain.Filter) ([]*domain.Event, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	since, until := filters[0].Since, filters[0].Until
	for _, f := range filters[1:] {
		if f.Since < since {
			since = f.Since
		}
		if until != 0 && (f.Until == 0 || f.Until > until) {
			until = f.Until
		}
	}
	lo, hi := "-inf", "+inf"
	if since > 0 {
		lo = strconv.FormatInt(int64(since), 10)
	}
	if until > 0 {
		hi = strconv.FormatInt(int64(until), 10)
	}

	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.eventKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	events := make([]*domain.Event, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e domain.Event
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			r.logger.Warnw("skipping corrupt stored event", "error", err)
			continue
		}
		events = append(events, &e)
	}
	return events, nil
}

func (r *Redis) QuerySync(ctx context.Context, filters []domain.Filter) ([]*domain.Event, error) {
	if r.isClosed() {
		return nil, domain.ErrRelayClosed
	}
	stored, err := r.load(ctx, filters)
	if err != nil {
		return nil, err
	}
	return selectEvents(stored, filters, r.maxPerFilter), nil
}

type redisSubscription struct {
	relay  *Redis
	pubsub *redis.PubSub
	queue  *deliveryQueue
	once   sync.Once
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.relay.mu.Lock()
		delete(s.relay.subs, s)
		s.relay.mu.Unlock()
		s.queue.close()
		err = s.pubsub.Close()
	})
	return err
}

// Subscribe listens on the live channel before reading stored events, so
// nothing published in between is lost; duplicates are filtered by the
// subscriber.
func (r *Redis) Subscribe(ctx context.Context, filters []domain.Filter, onEvent func(*domain.Event)) (ports.Subscription, error) {
	if r.isClosed() {
		return nil, domain.ErrRelayClosed
	}
	pubsub := r.client.Subscribe(ctx, r.liveChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	sub := &redisSubscription{relay: r, pubsub: pubsub, queue: newDeliveryQueue(onEvent)}

	stored, err := r.QuerySync(ctx, filters)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	sub.queue.push(stored...)

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			var e domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				r.logger.Warnw("failed to unmarshal live event", "error", err)
				continue
			}
			if domain.MatchesAny(filters, &e) {
				sub.queue.push(&e)
			}
		}
	}()
	return sub, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if r.isClosed() {
		return domain.ErrRelayClosed
	}
	return r.client.Ping(ctx).Err()
}

// Close ends every subscription and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSubscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return r.client.Close()
}
