// Package broker fans gateway events out to any number of subscribers, with
// per-namespace ordering and resumption from the last event a subscriber saw.
//
// The gateway publishes every notification emitted by its child process into
// a namespace; HTTP clients follow that namespace as a server-sent event
// stream and reconnect with Last-Event-ID.
package broker

import (
	"context"
	"errors"
)

// ErrUnknownEventID is returned by Subscribe when lastEventID does not name an
// event retained in the namespace.
var ErrUnknownEventID = errors.New("broker: unknown event id")

// Broker publishes opaque payloads to namespaces and replays them to
// subscribers in publish order.
type Broker interface {
	// Publish appends data to namespace and returns its event ID. IDs are
	// monotonically increasing within a namespace.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe calls handler for each event in namespace until ctx is done,
	// handler returns an error, or the namespace is cleaned up (nil error).
	// An empty lastEventID starts with the next published event; otherwise
	// delivery resumes just after lastEventID.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup drops the namespace's retained events and ends its
	// subscriptions.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler receives one event. Returning an error ends the
// subscription with that error.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope is one published event.
type MessageEnvelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
