package receipt

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueVerify(t *testing.T) {
	s, err := NewFromSeed("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, err := s.Issue("call-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if strings.Count(tok, ".") != 2 {
		t.Fatalf("not a compact JWS: %q", tok)
	}

	c, err := s.Verify(tok, time.Hour)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.CallID != "call-1" || c.Subject != "user-1" {
		t.Fatalf("claims = %+v", c)
	}
}

func TestSeedIsDeterministic(t *testing.T) {
	seed := base64.StdEncoding.EncodeToString(make([]byte, ed25519.SeedSize))
	a, err := NewFromSeed(seed)
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := NewFromSeed(seed)
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	if a.ActiveKID() != b.ActiveKID() {
		t.Fatalf("kids differ: %s vs %s", a.ActiveKID(), b.ActiveKID())
	}
	tok, err := a.Issue("call-2", "user-2")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Verify(tok, 0); err != nil {
		t.Fatalf("verify across instances: %v", err)
	}
}

func TestBadSeed(t *testing.T) {
	for _, seed := range []string{"!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := NewFromSeed(seed); err == nil {
			t.Errorf("seed %q accepted", seed)
		}
	}
}

func TestVerifyRejects(t *testing.T) {
	s, err := NewFromSeed("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	other, err := NewFromSeed("")
	if err != nil {
		t.Fatalf("new other: %v", err)
	}
	foreign, err := other.Issue("call-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.Verify(foreign, 0); !errors.Is(err, ErrInvalid) {
		t.Fatalf("foreign key: %v", err)
	}
	if _, err := s.Verify("not-a-token", 0); !errors.Is(err, ErrInvalid) {
		t.Fatalf("garbage: %v", err)
	}

	tok, err := s.Issue("call-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(tok, ".")
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte(`{"cid":"call-9","sub":"user-1","iat":0}`)) + "." + parts[2]
	if _, err := s.Verify(tampered, 0); !errors.Is(err, ErrInvalid) {
		t.Fatalf("tampered: %v", err)
	}
}

func TestExpiry(t *testing.T) {
	s, err := NewFromSeed("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	issued := time.Now()
	s.now = func() time.Time { return issued }
	tok, err := s.Issue("call-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	s.now = func() time.Time { return issued.Add(2 * time.Hour) }
	if _, err := s.Verify(tok, time.Hour); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
	if _, err := s.Verify(tok, 0); err != nil {
		t.Fatalf("no max age: %v", err)
	}
}

func TestKeyRotation(t *testing.T) {
	s := NewSigner()
	if _, err := s.Issue("call-1", "user-1"); err == nil {
		t.Fatalf("issue without key succeeded")
	}
	for _, kid := range []string{"k1", "k2"} {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("gen: %v", err)
		}
		s.AddEd25519Key(kid, priv)
	}
	if err := s.SetActive("k3"); err == nil {
		t.Fatalf("unknown kid accepted")
	}
	if err := s.SetActive("k1"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	old, err := s.Issue("call-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := s.SetActive("k2"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := s.Verify(old, 0); err != nil {
		t.Fatalf("old receipt after rotation: %v", err)
	}
}
