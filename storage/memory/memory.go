// Package memory implements storage.Storage on a bounded LRU cache from
// github.com/hashicorp/golang-lru/v2. Expired items are dropped lazily on
// read and periodically by a janitor goroutine.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSweepInterval is how often expired items are purged.
const DefaultSweepInterval = time.Minute

// Storage is an in-process storage.Storage.
type Storage struct {
	cache *lru.Cache[string, *storage.Item]

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a store holding at most maxItems entries.
func New(maxItems int) (*Storage, error) {
	return NewWithSweep(maxItems, DefaultSweepInterval)
}

// NewWithSweep is New with a custom janitor interval.
func NewWithSweep(maxItems int, sweep time.Duration) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create LRU cache: %w", err)
	}
	s := &Storage{cache: cache, stop: make(chan struct{})}
	go s.sweepLoop(sweep)
	return s, nil
}

// Get implements storage.Storage.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	full := storage.Apply(opts...).Scope() + key
	item, ok := s.cache.Get(full)
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.cache.Remove(full)
		return nil, nil
	}
	return item, nil
}

// Set implements storage.Storage.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	item := &storage.Item{Key: key, Data: append([]byte(nil), data...), CreatedAt: time.Now()}
	if o.TTL != nil {
		exp := item.CreatedAt.Add(*o.TTL)
		item.ExpiresAt = &exp
	}
	s.cache.Add(o.Scope()+key, item)
	return nil
}

// List implements storage.Storage.
func (s *Storage) List(ctx context.Context, opts ...storage.Option) ([]*storage.Item, error) {
	o := storage.Apply(opts...)
	prefix := o.Scope()

	var items []*storage.Item
	for _, k := range s.cache.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if item, ok := s.cache.Peek(k); ok && !item.IsExpired() {
			items = append(items, item)
		}
	}
	return storage.SortNewestFirst(items, o.Limit), nil
}

// Delete implements storage.Storage.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		s.cache.Remove(o.Scope() + *o.Key)
		return nil
	}
	if o.User == "" {
		return storage.ErrInvalidOptions
	}

	prefix := o.Scope()
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Close stops the janitor and drops every item.
func (s *Storage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.cache.Purge()
	return nil
}

func (s *Storage) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Storage) sweep() {
	for _, k := range s.cache.Keys() {
		if item, ok := s.cache.Peek(k); ok && item.IsExpired() {
			s.cache.Remove(k)
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
