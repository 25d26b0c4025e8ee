package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/storage"
	"github.com/ggoodman/mcp-stdio-gateway/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s, err := New(100)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	for i := range 3 {
		if err := s.Set(t.Context(), fmt.Sprint(i), []byte("x")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if item, _ := s.Get(t.Context(), "0"); item != nil {
		t.Fatalf("oldest item should have been evicted")
	}
	if item, _ := s.Get(t.Context(), "2"); item == nil {
		t.Fatalf("newest item missing")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s, err := NewWithSweep(10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	if err := s.Set(t.Context(), "k", []byte("x"), storage.WithTTL(10*time.Millisecond)); err != nil {
		t.Fatalf("set: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.cache.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expired item never swept")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewRejectsZeroSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatalf("expected an error for a zero-sized cache")
	}
}
