package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

// Default publish breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker in front of Redis publishes.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a trial publish.
	Timeout time.Duration
	// Interval clears failure counts while closed; 0 never clears.
	Interval time.Duration
}

func newPublishBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker[struct{}] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("[PUBSUB] Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// RedisBroker publishes and subscribes over Redis pub/sub. Publishes go
// through a circuit breaker so that an unreachable server fails fast.
type RedisBroker struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker[struct{}]

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewRedisBroker connects to the server at url and verifies it with PING.
func NewRedisBroker(ctx context.Context, url string, cfg BreakerConfig) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("pubsub: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsub: redis ping: %w", err)
	}
	slog.Info("[PUBSUB] Connected to Redis", "addr", opts.Addr, "db", opts.DB)
	return &RedisBroker{
		client:  client,
		breaker: newPublishBreaker("redis:"+opts.Addr, cfg),
		subs:    make(map[*redis.PubSub]struct{}),
	}, nil
}

// Publish sends payload on the channel named topic.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.client.Publish(ctx, topic, payload).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("pubsub: redis circuit open: %w", err)
		}
		return fmt.Errorf("pubsub: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe uses SUBSCRIBE for plain topics and PSUBSCRIBE for patterns.
// Redis globs let * cross path separators, so pattern handlers re-check the
// topic with Match.
func (b *RedisBroker) Subscribe(ctx context.Context, pattern string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("pubsub: broker closed")
	}
	b.mu.Unlock()

	var sub *redis.PubSub
	if IsPattern(pattern) {
		sub = b.client.PSubscribe(ctx, pattern)
	} else {
		sub = b.client.Subscribe(ctx, pattern)
	}
	// Wait for the confirmation so that a publish right after Subscribe
	// returns is not missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", pattern, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range sub.Channel() {
			if !Match(pattern, msg.Channel) {
				continue
			}
			h(ctx, Message{Topic: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			sub.Close()
		})
	}, nil
}

// State returns the publish breaker state.
func (b *RedisBroker) State() gobreaker.State {
	return b.breaker.State()
}

// Close closes every subscription and the client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for sub := range subs {
		sub.Close()
	}
	b.wg.Wait()
	return b.client.Close()
}

var _ Broker = (*RedisBroker)(nil)
