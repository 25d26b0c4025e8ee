// Package receipt issues and verifies compact EdDSA JWS tokens that name a
// journaled tool call and its owner.
package receipt

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

var (
	// ErrInvalid covers malformed tokens, unknown keys and bad signatures.
	ErrInvalid = errors.New("receipt: invalid")
	// ErrExpired is returned for receipts older than the permitted age.
	ErrExpired = errors.New("receipt: expired")
)

// Claims is the signed payload.
type Claims struct {
	CallID   string `json:"cid"`
	Subject  string `json:"sub"`
	IssuedAt int64  `json:"iat"`
}

// Signer holds Ed25519 keys by kid, one of which is active for signing.
type Signer struct {
	mu        sync.RWMutex
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey

	now func() time.Time
}

// NewSigner returns a Signer with no keys.
func NewSigner() *Signer {
	return &Signer{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
		now:      time.Now,
	}
}

// NewFromSeed returns a Signer whose single active key is derived from a
// base64 (std or url alphabet) Ed25519 seed. An empty seed generates a fresh
// random key.
func NewFromSeed(seed string) (*Signer, error) {
	s := NewSigner()
	var priv ed25519.PrivateKey
	if seed == "" {
		_, p, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("receipt: generate key: %w", err)
		}
		priv = p
	} else {
		raw, err := base64.StdEncoding.DecodeString(seed)
		if err != nil {
			if raw, err = base64.RawURLEncoding.DecodeString(seed); err != nil {
				return nil, fmt.Errorf("receipt: decode seed: %w", err)
			}
		}
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("receipt: seed must be %d bytes, got %d", ed25519.SeedSize, len(raw))
		}
		priv = ed25519.NewKeyFromSeed(raw)
	}
	kid := keyID(priv.Public().(ed25519.PublicKey))
	s.AddEd25519Key(kid, priv)
	if err := s.SetActive(kid); err != nil {
		return nil, err
	}
	return s, nil
}

// keyID is a JWK thumbprint of the public key.
func keyID(pub ed25519.PublicKey) string {
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "default"
	}
	return base64.RawURLEncoding.EncodeToString(tp[:8])
}

// AddEd25519Key registers a key pair under kid. The active key is unchanged.
func (s *Signer) AddEd25519Key(kid string, priv ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privKeys[kid] = priv
	s.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (s *Signer) SetActive(kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.privKeys[kid]; !ok {
		return fmt.Errorf("receipt: unknown kid %q", kid)
	}
	s.activeKid = kid
	return nil
}

// ActiveKID returns the kid used for signing.
func (s *Signer) ActiveKID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeKid
}

// Issue signs a receipt for callID owned by subject.
func (s *Signer) Issue(callID, subject string) (string, error) {
	s.mu.RLock()
	kid := s.activeKid
	priv, ok := s.privKeys[kid]
	s.mu.RUnlock()
	if !ok {
		return "", errors.New("receipt: no active key")
	}

	payload, err := json.Marshal(Claims{CallID: callID, Subject: subject, IssuedAt: s.now().Unix()})
	if err != nil {
		return "", err
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("receipt: create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("receipt: sign: %w", err)
	}
	return jws.CompactSerialize()
}

// Verify checks token and returns its claims. A positive maxAge rejects
// receipts issued longer ago than that.
func (s *Signer) Verify(token string, maxAge time.Duration) (*Claims, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: %d signatures", ErrInvalid, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID

	s.mu.RLock()
	pub, ok := s.pubKeys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid %q", ErrInvalid, kid)
	}

	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil || c.CallID == "" {
		return nil, fmt.Errorf("%w: bad payload", ErrInvalid)
	}
	if maxAge > 0 && s.now().Sub(time.Unix(c.IssuedAt, 0)) > maxAge {
		return nil, ErrExpired
	}
	return &c, nil
}
