package realtime

import (
	"context"
	"errors"
)

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("realtime: broker closed")

// Message is one payload received from a broker.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription delivers messages until it is closed.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Broker is a topic based pub/sub channel.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe listens on topics, or on every topic when none is given.
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Close() error
}

func topicSet(topics []string) map[string]struct{} {
	if len(topics) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return set
}

func matches(set map[string]struct{}, topic string) bool {
	if set == nil {
		return true
	}
	_, ok := set[topic]
	return ok
}
