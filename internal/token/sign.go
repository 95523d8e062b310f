package token

import (
	"context"
	"crypto/ed25519"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// SignArtifact signs checksum||artifact with the org's active key, returning
// the signature and the signing key id recorded on the bundle.
func (s *Service) SignArtifact(ctx context.Context, orgID, checksum string, artifact []byte) ([]byte, string, error) {
	key, err := s.signingKey(ctx, orgID)
	if err != nil {
		return nil, "", err
	}
	priv, err := s.privateKey(key)
	if err != nil {
		return nil, "", err
	}
	return ed25519.Sign(priv, signingMessage(checksum, artifact)), key.ID, nil
}

// VerifyArtifact reports whether sig covers checksum||artifact under key.
func VerifyArtifact(key *v1.SigningKey, checksum string, artifact, sig []byte) bool {
	if len(key.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(key.PublicKey), signingMessage(checksum, artifact), sig)
}

// Binding the checksum into the signed message ties the signature to the
// artifact identity, not just its bytes.
func signingMessage(checksum string, artifact []byte) []byte {
	msg := make([]byte, 0, len(checksum)+len(artifact))
	msg = append(msg, checksum...)
	return append(msg, artifact...)
}
