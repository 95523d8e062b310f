package v1

import "time"

// SigningKey is an organization's Ed25519 bundle/token signing key. The ID
// doubles as the JWS kid header.
type SigningKey struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	// PublicKey is the raw 32-byte Ed25519 public key.
	PublicKey []byte `json:"public_key"`
	// PrivateKey is the raw or AES-GCM sealed private key. Never leaves
	// the store layer.
	PrivateKey    []byte     `json:"-"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Usable reports whether the key may sign and verify at instant now.
func (k *SigningKey) Usable(now time.Time) bool {
	if !k.Active || k.DeactivatedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// APIKey authenticates operator API callers. Only the SHA-256 of the secret
// is stored; the secret itself is returned exactly once at creation.
type APIKey struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Usable reports whether the key still authenticates at instant now.
func (k *APIKey) Usable(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}
