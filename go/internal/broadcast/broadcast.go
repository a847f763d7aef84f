package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event is a server-to-client message. Implementations marshal to a JSON
// object whose "type" field equals EventType().
type Event interface {
	EventType() string
}

// Subscriber receives encoded events for the groups it joined.
// Deliver must not block; it returns false when the subscriber can no longer
// keep up, after which the hub drops it.
type Subscriber interface {
	ID() string
	Deliver(data []byte) bool
}

// Broadcaster fans events out to every subscriber of a group.
type Broadcaster interface {
	Subscribe(group string, sub Subscriber)
	Unsubscribe(group string, sub Subscriber)
	Publish(ctx context.Context, group string, event Event) error
}

// Encode marshals an event for the wire.
func Encode(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.EventType(), err)
	}
	return data, nil
}
