// Package pubsub provides the publish/subscribe link used to report
// completions: an in-process broker and a Redis-backed broker.
package pubsub

import (
	"context"
	"path"
	"strings"
)

// Message is one delivered publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives messages for a subscription.
type Handler func(ctx context.Context, msg Message)

// Broker publishes messages and fans them out to matching subscriptions.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers h for topics matching pattern. A pattern is a
	// topic or a glob in which * matches one path segment. The returned
	// function cancels the subscription.
	Subscribe(ctx context.Context, pattern string, h Handler) (func(), error)
	Close() error
}

// IsPattern reports whether s contains glob metacharacters.
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	if !IsPattern(pattern) {
		return pattern == topic
	}
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}
