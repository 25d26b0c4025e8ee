// Package storage persists small blobs scoped globally or per user. The
// gateway keeps its tool call journal here so a caller can fetch the outcome
// of a call after the HTTP request that started it has returned.
package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Storage is a key/value store with optional per-user scoping and TTLs.
type Storage interface {
	// Get returns the item stored under key, or nil when it is missing or
	// expired. Errors are reserved for backend failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores a copy of data under key.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// List returns the live items of a scope, newest first. WithLimit caps the
	// result.
	List(ctx context.Context, opts ...Option) ([]*Item, error)

	// Delete removes the WithKey item, or the whole WithUser scope when no
	// key is given.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases the backend.
	Close() error
}

// Item is a stored value and its metadata.
type Item struct {
	Key       string
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the item's TTL has passed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options is the resolved set of Option values.
type Options struct {
	User  string // empty = global scope
	Key   *string
	TTL   *time.Duration
	Limit int
}

// Apply resolves opts.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Scope returns the key prefix for the options' namespace.
func (o *Options) Scope() string {
	if o.User == "" {
		return "global:"
	}
	return "user:" + o.User + ":"
}

// WithUser scopes an operation to one user.
func WithUser(userID string) Option {
	return func(o *Options) { o.User = userID }
}

// WithKey selects a single key for Delete.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL sets a time-to-live on Set.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// WithLimit caps the number of items List returns.
func WithLimit(n int) Option {
	return func(o *Options) { o.Limit = n }
}

// SortNewestFirst orders items by creation time, newest first, and applies
// limit when positive. Backends share it so List behaves the same everywhere.
func SortNewestFirst(items []*Item, limit int) []*Item {
	slices.SortStableFunc(items, func(a, b *Item) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// ErrInvalidOptions is returned for option combinations an operation does not
// accept, such as deleting the entire global scope.
var ErrInvalidOptions = errors.New("storage: invalid option combination")
