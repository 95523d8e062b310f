// Package token owns the control plane's key material: per-org Ed25519
// signing keys, node bearer tokens, node keys and operator API keys.
package token

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// APIKeyPrefix marks operator API key secrets so they are recognizable in
// config files and support tickets.
const APIKeyPrefix = "scpk_"

// Service issues and verifies all credentials. Signing key private halves
// are sealed with AES-GCM when an encryption secret is configured.
type Service struct {
	store  store.Identity
	clock  clock.PassiveClock
	ttl    time.Duration
	secret []byte
}

// New builds the token service. encryptionSecret is a base64 32-byte key or
// empty to store private keys unsealed.
func New(st store.Identity, clk clock.PassiveClock, ttl time.Duration, encryptionSecret string) (*Service, error) {
	s := &Service{store: st, clock: clk, ttl: ttl}
	if encryptionSecret != "" {
		secret, err := base64.StdEncoding.DecodeString(encryptionSecret)
		if err != nil {
			return nil, fmt.Errorf("decoding key encryption secret: %w", err)
		}
		if len(secret) != 32 {
			return nil, fmt.Errorf("key encryption secret must be 32 bytes, got %d", len(secret))
		}
		s.secret = secret
	}
	return s, nil
}

// GenerateSigningKey creates and stores a fresh active key for the org.
func (s *Service) GenerateSigningKey(ctx context.Context, orgID string) (*v1.SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	sealed, err := s.seal(priv)
	if err != nil {
		return nil, err
	}
	k := &v1.SigningKey{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		PublicKey:  pub,
		PrivateKey: sealed,
		Active:     true,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.store.CreateSigningKey(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// EnsureSigningKey returns the org's active key, generating one on first
// use.
func (s *Service) EnsureSigningKey(ctx context.Context, orgID string) (*v1.SigningKey, error) {
	k, err := s.store.ActiveSigningKey(ctx, orgID, s.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return s.GenerateSigningKey(ctx, orgID)
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// RotateSigningKey deactivates the org's current key, if any, and generates
// a replacement. Tokens and artifacts signed by the old key stop verifying.
func (s *Service) RotateSigningKey(ctx context.Context, orgID string) (*v1.SigningKey, error) {
	current, err := s.store.ActiveSigningKey(ctx, orgID, s.clock.Now())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if current != nil {
		if err := s.store.DeactivateSigningKey(ctx, current.ID, s.clock.Now().UTC()); err != nil {
			return nil, err
		}
	}
	return s.GenerateSigningKey(ctx, orgID)
}

// signingKey loads the org's active key, mapping absence to no_signing_key.
func (s *Service) signingKey(ctx context.Context, orgID string) (*v1.SigningKey, error) {
	k, err := s.store.ActiveSigningKey(ctx, orgID, s.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, errutil.New(errutil.KindNoSigningKey, "organization %s has no usable signing key", orgID)
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// privateKey unseals and validates the stored private half.
func (s *Service) privateKey(k *v1.SigningKey) (ed25519.PrivateKey, error) {
	raw, err := s.open(k.PrivateKey)
	if err != nil {
		return nil, errutil.Wrap(errutil.KindInvalidKey, err, "unsealing signing key %s", k.ID)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errutil.New(errutil.KindInvalidKey, "signing key %s has malformed private key", k.ID)
	}
	return ed25519.PrivateKey(raw), nil
}

func (s *Service) seal(plain []byte) ([]byte, error) {
	if s.secret == nil {
		return plain, nil
	}
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *Service) open(sealed []byte) ([]byte, error) {
	if s.secret == nil {
		return sealed, nil
	}
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed key too short")
	}
	return gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
}

func (s *Service) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.secret)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// NewNodeKey returns a fresh 256-bit node key, base64url without padding.
// Nodes present it as a bearer credential; only its hash is stored.
func NewNodeKey() (string, error) {
	return randomSecret("")
}

// NewAPIKeySecret returns a fresh operator API key secret.
func NewAPIKeySecret() (string, error) {
	return randomSecret(APIKeyPrefix)
}

func randomSecret(prefix string) (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// HashSecret is the stored form of node keys and API key secrets.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
