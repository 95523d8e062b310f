package token

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// Claims is the verified identity carried by a node token.
type Claims struct {
	NodeID    string
	ProjectID string
	OrgID     string
	ExpiresAt time.Time
}

type nodeClaims struct {
	ProjectID string `json:"prj"`
	OrgID     string `json:"org"`
	jwt.RegisteredClaims
}

// IssueNodeToken signs a short-lived bearer token for the node with the
// org's active key. The key id travels in the kid header so verification
// survives rotation until the old key is deactivated.
func (s *Service) IssueNodeToken(ctx context.Context, n *v1.Node, orgID string) (string, time.Time, error) {
	key, err := s.signingKey(ctx, orgID)
	if err != nil {
		return "", time.Time{}, err
	}
	priv, err := s.privateKey(key)
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.clock.Now().UTC()
	exp := now.Add(s.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, nodeClaims{
		ProjectID: n.ProjectID,
		OrgID:     orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   n.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	tok.Header["kid"] = key.ID
	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// VerifyNodeToken validates signature, lifetime and claim shape.
func (s *Service) VerifyNodeToken(ctx context.Context, raw string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &nodeClaims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errutil.New(errutil.KindInvalidClaims, "token carries no key id")
		}
		k, err := s.store.GetSigningKey(ctx, kid)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errutil.New(errutil.KindUnknownKey, "signing key %s not known", kid)
		}
		if err != nil {
			return nil, err
		}
		if !k.Usable(s.clock.Now()) {
			return nil, errutil.New(errutil.KindKeyDeactivated, "signing key %s is deactivated", kid)
		}
		return ed25519.PublicKey(k.PublicKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if kinded, ok := errutil.AsError(err); ok {
			return nil, kinded
		}
		return nil, errutil.Wrap(errutil.KindInvalidClaims, err, "invalid node token")
	}
	claims := parsed.Claims.(*nodeClaims)
	if claims.Subject == "" || claims.ProjectID == "" {
		return nil, errutil.New(errutil.KindInvalidClaims, "token missing required claims")
	}
	return &Claims{
		NodeID:    claims.Subject,
		ProjectID: claims.ProjectID,
		OrgID:     claims.OrgID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
