// Package brokertest is a conformance suite shared by broker implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/broker"
)

// Factory returns a fresh broker for one subtest.
type Factory func(t *testing.T) broker.Broker

// Run executes the suite against brokers produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("LiveDelivery", func(t *testing.T) { testLiveDelivery(t, factory(t)) })
	t.Run("ResumeAfterEventID", func(t *testing.T) { testResume(t, factory(t)) })
	t.Run("OrderPreserved", func(t *testing.T) { testOrder(t, factory(t)) })
	t.Run("FanOut", func(t *testing.T) { testFanOut(t, factory(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testIsolation(t, factory(t)) })
	t.Run("HandlerErrorEndsSubscription", func(t *testing.T) { testHandlerError(t, factory(t)) })
	t.Run("ContextCancel", func(t *testing.T) { testCancel(t, factory(t)) })
	t.Run("UnknownEventID", func(t *testing.T) { testUnknownEventID(t, factory(t)) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, factory(t)) })
}

// collector gathers envelopes until want have arrived.
type collector struct {
	mu   sync.Mutex
	got  []broker.MessageEnvelope
	want int
	full chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, full: make(chan struct{})}
}

func (c *collector) handle(_ context.Context, env broker.MessageEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	if len(c.got) == c.want {
		close(c.full)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []broker.MessageEnvelope {
	t.Helper()
	select {
	case <-c.full:
	case <-time.After(5 * time.Second):
		c.mu.Lock()
		defer c.mu.Unlock()
		t.Fatalf("received %d of %d events", len(c.got), c.want)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.got...)
}

func namespace(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

// subscribe runs Subscribe in the background and returns its result channel.
func subscribe(ctx context.Context, b broker.Broker, ns, last string, h broker.MessageHandler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, ns, last, h) }()
	return done
}

// publishUntilSeen publishes probes until seen is closed, which proves the
// subscription is attached.
func publishUntilSeen(t *testing.T, b broker.Broker, ns string, seen <-chan struct{}) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := b.Publish(t.Context(), ns, []byte(`"probe"`)); err != nil {
			t.Fatalf("publish probe: %v", err)
		}
		select {
		case <-seen:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatalf("subscription never attached")
}

func testLiveDelivery(t *testing.T, b broker.Broker) {
	ns := namespace(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	seen := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var payloads []string
	done := subscribe(ctx, b, ns, "", func(_ context.Context, env broker.MessageEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		if string(env.Data) == `"probe"` {
			once.Do(func() { close(seen) })
			return nil
		}
		payloads = append(payloads, string(env.Data))
		if len(payloads) == 1 {
			cancel()
		}
		return nil
	})

	publishUntilSeen(t, b, ns, seen)
	id, err := b.Publish(ctx, ns, []byte(`{"method":"notifications/message"}`))
	if err != nil || id == "" {
		t.Fatalf("publish: id=%q err=%v", id, err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription did not end")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 || payloads[0] != `{"method":"notifications/message"}` {
		t.Fatalf("payloads = %v", payloads)
	}
}

func testResume(t *testing.T, b broker.Broker) {
	ns := namespace(t)
	ids := make([]string, 3)
	for i := range ids {
		id, err := b.Publish(t.Context(), ns, []byte(fmt.Sprintf(`%d`, i)))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		ids[i] = id
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	c := newCollector(2)
	subscribe(ctx, b, ns, ids[0], c.handle)

	got := c.wait(t)
	if got[0].ID != ids[1] || got[1].ID != ids[2] {
		t.Fatalf("resumed ids = %s,%s want %s,%s", got[0].ID, got[1].ID, ids[1], ids[2])
	}
	if string(got[0].Data) != "1" || string(got[1].Data) != "2" {
		t.Fatalf("resumed data = %s,%s", got[0].Data, got[1].Data)
	}
}

func testOrder(t *testing.T, b broker.Broker) {
	ns := namespace(t)
	first, err := b.Publish(t.Context(), ns, []byte(`"start"`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	const n = 20
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	c := newCollector(n)
	subscribe(ctx, b, ns, first, c.handle)

	for i := range n {
		if _, err := b.Publish(t.Context(), ns, []byte(fmt.Sprintf(`%d`, i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i, env := range c.wait(t) {
		if string(env.Data) != fmt.Sprintf(`%d`, i) {
			t.Fatalf("event %d = %s", i, env.Data)
		}
	}
}

func testFanOut(t *testing.T, b broker.Broker) {
	ns := namespace(t)
	first, err := b.Publish(t.Context(), ns, []byte(`"start"`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	a, z := newCollector(2), newCollector(2)
	subscribe(ctx, b, ns, first, a.handle)
	subscribe(ctx, b, ns, first, z.handle)

	for _, p := range []string{`"x"`, `"y"`} {
		if _, err := b.Publish(t.Context(), ns, []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for _, c := range []*collector{a, z} {
		got := c.wait(t)
		if string(got[0].Data) != `"x"` || string(got[1].Data) != `"y"` {
			t.Fatalf("subscriber got %s,%s", got[0].Data, got[1].Data)
		}
	}
}

func testIsolation(t *testing.T, b broker.Broker) {
	ns := namespace(t)
	other := ns + "-other"
	first, err := b.Publish(t.Context(), ns, []byte(`"start"`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	c := newCollector(1)
	subscribe(ctx, b, ns, first, c.handle)

	if _, err := b.Publish(t.Context(), other, []byte(`"elsewhere"`)); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	if _, err := b.Publish(t.Context(), ns, []byte(`"here"`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := c.wait(t); string(got[0].Data) != `"here"` {
		t.Fatalf("got %s from the wrong namespace", got[0].Data)
	}
}

func testHandlerError(t *testing.T, b broker.Broker) {
	ns := namespace(t)
	first, err := b.Publish(t.Context(), ns, []byte(`"start"`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(t.Context(), ns, []byte(`"boom"`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sentinel := errors.New("stop here")
	done := subscribe(t.Context(), b, ns, first, func(context.Context, broker.MessageEnvelope) error {
		return sentinel
	})
	select {
	case err := <-done:
		if !errors.Is(err, sentinel) {
			t.Fatalf("subscribe returned %v, want handler error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription did not end")
	}
}

func testCancel(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithCancel(t.Context())
	done := subscribe(ctx, b, namespace(t), "", func(context.Context, broker.MessageEnvelope) error { return nil })
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription ignored cancellation")
	}
}

func testUnknownEventID(t *testing.T, b broker.Broker) {
	ns := namespace(t)
	if _, err := b.Publish(t.Context(), ns, []byte(`"x"`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err := b.Subscribe(ctx, ns, "999999999999-0", func(context.Context, broker.MessageEnvelope) error { return nil })
	if !errors.Is(err, broker.ErrUnknownEventID) {
		t.Fatalf("got %v, want ErrUnknownEventID", err)
	}
}

func testCleanup(t *testing.T, b broker.Broker) {
	ns := namespace(t)
	id, err := b.Publish(t.Context(), ns, []byte(`"x"`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Cleanup(t.Context(), ns); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = b.Subscribe(ctx, ns, id, func(context.Context, broker.MessageEnvelope) error { return nil })
	if !errors.Is(err, broker.ErrUnknownEventID) {
		t.Fatalf("resume after cleanup: got %v, want ErrUnknownEventID", err)
	}
	if err := b.Cleanup(t.Context(), ns); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}
