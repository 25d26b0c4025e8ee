// Package memory implements broker.Broker in process. Events are retained in a
// bounded per-namespace ring so that reconnecting subscribers can resume.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-stdio-gateway/broker"
)

// DefaultHistory is the number of events retained per namespace.
const DefaultHistory = 1024

// Broker is a single-node broker.Broker.
type Broker struct {
	history int

	mu         sync.Mutex
	namespaces map[string]*namespace
}

type event struct {
	seq  uint64
	data []byte
}

type namespace struct {
	mu      sync.Mutex
	events  []event // oldest first, seq contiguous
	last    uint64
	changed chan struct{}
	closed  bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory bounds how many events each namespace retains.
func WithHistory(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.history = n
		}
	}
}

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{history: DefaultHistory, namespaces: make(map[string]*namespace)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{changed: make(chan struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ns := b.namespace(name)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.last++
	ns.events = append(ns.events, event{seq: ns.last, data: append([]byte(nil), data...)})
	if over := len(ns.events) - b.history; over > 0 {
		ns.events = append(ns.events[:0:0], ns.events[over:]...)
	}

	close(ns.changed)
	ns.changed = make(chan struct{})

	return strconv.FormatUint(ns.last, 10), nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler broker.MessageHandler) error {
	ns := b.namespace(name)

	ns.mu.Lock()
	next := ns.last + 1
	if lastEventID != "" {
		seq, err := strconv.ParseUint(lastEventID, 10, 64)
		if err != nil || seq > ns.last || seq+1 < ns.first() {
			ns.mu.Unlock()
			return fmt.Errorf("%w: %q in namespace %q", broker.ErrUnknownEventID, lastEventID, name)
		}
		next = seq + 1
	}
	ns.mu.Unlock()

	for {
		ns.mu.Lock()
		if ns.closed {
			ns.mu.Unlock()
			return nil
		}
		if first := ns.first(); next < first {
			// The subscriber fell behind the retained window.
			ns.mu.Unlock()
			return fmt.Errorf("%w: events before %d were dropped", broker.ErrUnknownEventID, first)
		}
		batch := ns.since(next)
		wait := ns.changed
		ns.mu.Unlock()

		for _, ev := range batch {
			if err := handler(ctx, broker.MessageEnvelope{ID: strconv.FormatUint(ev.seq, 10), Data: ev.data}); err != nil {
				return err
			}
			next = ev.seq + 1
		}

		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	ns, ok := b.namespaces[name]
	delete(b.namespaces, name)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	ns.mu.Lock()
	ns.closed = true
	ns.events = nil
	close(ns.changed)
	ns.changed = make(chan struct{})
	ns.mu.Unlock()
	return nil
}

// first returns the seq of the oldest retained event, or last+1 when none are
// retained. Callers hold ns.mu.
func (ns *namespace) first() uint64 {
	if len(ns.events) == 0 {
		return ns.last + 1
	}
	return ns.events[0].seq
}

// since returns retained events with seq >= next. Callers hold ns.mu.
func (ns *namespace) since(next uint64) []event {
	if len(ns.events) == 0 || next > ns.last {
		return nil
	}
	idx := int(next - ns.events[0].seq)
	out := make([]event, len(ns.events)-idx)
	copy(out, ns.events[idx:])
	return out
}

var _ broker.Broker = (*Broker)(nil)
