package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"echo/a/plan/p1/payment_and_service", "echo/a/plan/p1/payment_and_service", true},
		{"echo/a/plan/p1/payment_and_service", "echo/a/plan/p2/payment_and_service", false},
		{"emit/a/plan/*/payment_and_service", "emit/a/plan/p9/payment_and_service", true},
		{"emit/a/plan/*/payment_and_service", "emit/a/plan/p9/x/payment_and_service", false},
		{"emit/*", "emit/a/b", false},
		{"emit/[", "emit/[", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.topic), "%s ~ %s", tt.pattern, tt.topic)
	}
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	exact := make(chan Message, 4)
	glob := make(chan Message, 4)
	_, err := b.Subscribe(ctx, "echo/x/plan/p1/payment_and_service", func(_ context.Context, m Message) { exact <- m })
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "echo/x/plan/*/payment_and_service", func(_ context.Context, m Message) { glob <- m })
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "echo/x/plan/p1/payment_and_service", []byte("one")))
	assert.Equal(t, "one", string(recv(t, exact).Payload))
	assert.Equal(t, "one", string(recv(t, glob).Payload))

	require.NoError(t, b.Publish(ctx, "echo/x/plan/p2/payment_and_service", []byte("two")))
	assert.Equal(t, "echo/x/plan/p2/payment_and_service", recv(t, glob).Topic)
	select {
	case m := <-exact:
		t.Fatalf("exact subscriber got %q", m.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBrokerUnsubscribe(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	got := make(chan Message, 1)
	unsub, err := b.Subscribe(ctx, "t", func(_ context.Context, m Message) { got <- m })
	require.NoError(t, err)
	unsub()
	require.NoError(t, b.Publish(ctx, "t", []byte("x")))
	require.NoError(t, b.Close())
	assert.Empty(t, got)
}

func TestMemoryBrokerRecoversPanics(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	got := make(chan Message, 1)
	_, _ = b.Subscribe(ctx, "t", func(context.Context, Message) { panic("boom") })
	_, _ = b.Subscribe(ctx, "t", func(_ context.Context, m Message) { got <- m })

	require.NoError(t, b.Publish(ctx, "t", []byte("x")))
	assert.Equal(t, "x", string(recv(t, got).Payload))
	require.NoError(t, b.Close())
}

func TestMemoryBrokerClosed(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), "t", nil))
	_, err := b.Subscribe(context.Background(), "t", func(context.Context, Message) {})
	assert.Error(t, err)
}

func TestMemoryBrokerCopiesPayload(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	got := make(chan Message, 1)
	_, _ = b.Subscribe(context.Background(), "t", func(_ context.Context, m Message) { got <- m })

	payload := []byte("abc")
	require.NoError(t, b.Publish(context.Background(), "t", payload))
	payload[0] = 'z'
	assert.Equal(t, "abc", string(recv(t, got).Payload))
}

func TestPublishBreakerTrips(t *testing.T) {
	cb := newPublishBreaker("test", BreakerConfig{MaxFailures: 2, Timeout: time.Hour})
	fail := func() (struct{}, error) { return struct{}{}, errors.New("conn refused") }

	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Execute(func() (struct{}, error) { return struct{}{}, nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestNewRedisBrokerBadURL(t *testing.T) {
	_, err := NewRedisBroker(context.Background(), "not-a-url://", BreakerConfig{})
	assert.Error(t, err)
}
