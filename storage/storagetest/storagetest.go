// Package storagetest is a conformance suite shared by storage backends.
package storagetest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/storage"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) storage.Storage

// Run executes the suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("UserIsolation", func(t *testing.T) { testUserIsolation(t, factory(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { testList(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteUserScope", func(t *testing.T) { testDeleteScope(t, factory(t)) })
}

func user(t *testing.T) string {
	return fmt.Sprintf("u%d", time.Now().UnixNano())
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	u := user(t)
	data := []byte(`{"status":"ok"}`)
	if err := s.Set(t.Context(), "call-1", data, storage.WithUser(u)); err != nil {
		t.Fatalf("set: %v", err)
	}
	data[2] = 'X' // the store must have kept its own copy

	item, err := s.Get(t.Context(), "call-1", storage.WithUser(u))
	if err != nil || item == nil {
		t.Fatalf("get: item=%v err=%v", item, err)
	}
	if string(item.Data) != `{"status":"ok"}` || item.Key != "call-1" {
		t.Fatalf("item = %s %s", item.Key, item.Data)
	}
	if item.CreatedAt.IsZero() || item.ExpiresAt != nil {
		t.Fatalf("unexpected metadata: %+v", item)
	}
}

func testGetMissing(t *testing.T, s storage.Storage) {
	item, err := s.Get(t.Context(), "nope", storage.WithUser(user(t)))
	if err != nil || item != nil {
		t.Fatalf("get missing: item=%v err=%v", item, err)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	u := user(t)
	if err := s.Set(t.Context(), "short", []byte("x"), storage.WithUser(u), storage.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("set: %v", err)
	}
	item, err := s.Get(t.Context(), "short", storage.WithUser(u))
	if err != nil || item == nil || item.ExpiresAt == nil {
		t.Fatalf("get before expiry: item=%v err=%v", item, err)
	}

	time.Sleep(1100 * time.Millisecond)
	item, err = s.Get(t.Context(), "short", storage.WithUser(u))
	if err != nil || item != nil {
		t.Fatalf("get after expiry: item=%v err=%v", item, err)
	}
}

func testUserIsolation(t *testing.T, s storage.Storage) {
	a, b := user(t)+"a", user(t)+"b"
	if err := s.Set(t.Context(), "k", []byte("A"), storage.WithUser(a)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(t.Context(), "k", []byte("G")); err != nil {
		t.Fatalf("set global: %v", err)
	}

	if item, _ := s.Get(t.Context(), "k", storage.WithUser(b)); item != nil {
		t.Fatalf("user b saw %s", item.Data)
	}
	if item, _ := s.Get(t.Context(), "k"); item == nil || string(item.Data) != "G" {
		t.Fatalf("global = %v", item)
	}
	if item, _ := s.Get(t.Context(), "k", storage.WithUser(a)); item == nil || string(item.Data) != "A" {
		t.Fatalf("user a = %v", item)
	}
}

func testList(t *testing.T, s storage.Storage) {
	u := user(t)
	for i := range 3 {
		if err := s.Set(t.Context(), fmt.Sprintf("call-%d", i), []byte(fmt.Sprint(i)), storage.WithUser(u)); err != nil {
			t.Fatalf("set: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Set(t.Context(), "other", []byte("x"), storage.WithUser(u+"-other")); err != nil {
		t.Fatalf("set: %v", err)
	}

	items, err := s.List(t.Context(), storage.WithUser(u))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []string
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	if fmt.Sprint(keys) != "[call-2 call-1 call-0]" {
		t.Fatalf("keys = %v", keys)
	}

	items, err = s.List(t.Context(), storage.WithUser(u), storage.WithLimit(1))
	if err != nil || len(items) != 1 || items[0].Key != "call-2" {
		t.Fatalf("limited list = %v, %v", items, err)
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	u := user(t)
	for _, k := range []string{"a", "b"} {
		if err := s.Set(t.Context(), k, []byte(k), storage.WithUser(u)); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := s.Delete(t.Context(), storage.WithUser(u), storage.WithKey("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if item, _ := s.Get(t.Context(), "a", storage.WithUser(u)); item != nil {
		t.Fatalf("a survived delete")
	}
	if item, _ := s.Get(t.Context(), "b", storage.WithUser(u)); item == nil {
		t.Fatalf("b was deleted too")
	}
}

func testDeleteScope(t *testing.T, s storage.Storage) {
	u := user(t)
	for _, k := range []string{"a", "b"} {
		if err := s.Set(t.Context(), k, []byte(k), storage.WithUser(u)); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := s.Set(t.Context(), "keep", []byte("g")); err != nil {
		t.Fatalf("set global: %v", err)
	}

	if err := s.Delete(t.Context(), storage.WithUser(u)); err != nil {
		t.Fatalf("delete scope: %v", err)
	}
	if items, err := s.List(t.Context(), storage.WithUser(u)); err != nil || len(items) != 0 {
		t.Fatalf("scope not empty: %v, %v", items, err)
	}
	if item, _ := s.Get(t.Context(), "keep"); item == nil {
		t.Fatalf("global item was deleted")
	}
	if err := s.Delete(t.Context()); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("deleting the global scope: got %v", err)
	}
}
