package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/store/bolt"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

var start = time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC)

func testService(t *testing.T, encryptionSecret string) (*Service, *bolt.Store, *clocktesting.FakeClock) {
	t.Helper()
	st, err := bolt.Open(filepath.Join(t.TempDir(), "token.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	clk := clocktesting.NewFakeClock(start)
	svc, err := New(st, clk, time.Hour, encryptionSecret)
	require.NoError(t, err)
	return svc, st, clk
}

func TestNodeTokenRoundTrip(t *testing.T) {
	svc, _, _ := testService(t, "")
	ctx := context.Background()
	_, err := svc.EnsureSigningKey(ctx, "org-1")
	require.NoError(t, err)

	node := &v1.Node{ID: "n1", ProjectID: "p1"}
	raw, exp, err := svc.IssueNodeToken(ctx, node, "org-1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), exp)

	claims, err := svc.VerifyNodeToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "n1", claims.NodeID)
	assert.Equal(t, "p1", claims.ProjectID)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.True(t, claims.ExpiresAt.Equal(exp))
}

func TestNodeTokenExpires(t *testing.T) {
	svc, _, clk := testService(t, "")
	ctx := context.Background()
	_, err := svc.EnsureSigningKey(ctx, "org-1")
	require.NoError(t, err)
	raw, _, err := svc.IssueNodeToken(ctx, &v1.Node{ID: "n1", ProjectID: "p1"}, "org-1")
	require.NoError(t, err)

	clk.Step(time.Hour + time.Minute)
	_, err = svc.VerifyNodeToken(ctx, raw)
	assert.Equal(t, errutil.KindInvalidClaims, errutil.KindOf(err))
}

func TestNodeTokenRejectsGarbage(t *testing.T) {
	svc, _, _ := testService(t, "")
	_, err := svc.VerifyNodeToken(context.Background(), "not-a-token")
	assert.Equal(t, errutil.KindInvalidClaims, errutil.KindOf(err))
}

func TestNodeTokenNoSigningKey(t *testing.T) {
	svc, _, _ := testService(t, "")
	_, _, err := svc.IssueNodeToken(context.Background(), &v1.Node{ID: "n1", ProjectID: "p1"}, "org-1")
	assert.Equal(t, errutil.KindNoSigningKey, errutil.KindOf(err))
}

func TestRotateDeactivatesOldKey(t *testing.T) {
	svc, st, _ := testService(t, "")
	ctx := context.Background()
	old, err := svc.EnsureSigningKey(ctx, "org-1")
	require.NoError(t, err)
	raw, _, err := svc.IssueNodeToken(ctx, &v1.Node{ID: "n1", ProjectID: "p1"}, "org-1")
	require.NoError(t, err)

	rotated, err := svc.RotateSigningKey(ctx, "org-1")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, rotated.ID)

	active, err := st.ActiveSigningKey(ctx, "org-1", start)
	require.NoError(t, err)
	assert.Equal(t, rotated.ID, active.ID)

	// Tokens signed by the rotated-out key stop verifying.
	_, err = svc.VerifyNodeToken(ctx, raw)
	assert.Equal(t, errutil.KindKeyDeactivated, errutil.KindOf(err))

	// A fresh token under the new key verifies.
	raw2, _, err := svc.IssueNodeToken(ctx, &v1.Node{ID: "n1", ProjectID: "p1"}, "org-1")
	require.NoError(t, err)
	_, err = svc.VerifyNodeToken(ctx, raw2)
	require.NoError(t, err)
}

func TestNodeTokenUnknownKey(t *testing.T) {
	issuer, _, _ := testService(t, "")
	ctx := context.Background()
	_, err := issuer.EnsureSigningKey(ctx, "org-1")
	require.NoError(t, err)
	raw, _, err := issuer.IssueNodeToken(ctx, &v1.Node{ID: "n1", ProjectID: "p1"}, "org-1")
	require.NoError(t, err)

	// A verifier backed by a store that never saw the key.
	verifier, _, _ := testService(t, "")
	_, err = verifier.VerifyNodeToken(ctx, raw)
	assert.Equal(t, errutil.KindUnknownKey, errutil.KindOf(err))
}

func TestSealedPrivateKeys(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	svc, st, _ := testService(t, secret)
	ctx := context.Background()

	k, err := svc.GenerateSigningKey(ctx, "org-1")
	require.NoError(t, err)

	stored, err := st.GetSigningKey(ctx, k.ID)
	require.NoError(t, err)
	// Sealed form carries the GCM nonce and tag on top of the key bytes.
	assert.Greater(t, len(stored.PrivateKey), ed25519.PrivateKeySize)

	raw, _, err := svc.IssueNodeToken(ctx, &v1.Node{ID: "n1", ProjectID: "p1"}, "org-1")
	require.NoError(t, err)
	_, err = svc.VerifyNodeToken(ctx, raw)
	require.NoError(t, err)

	// A service holding the wrong secret cannot use the key.
	wrong := base64.StdEncoding.EncodeToString([]byte("ffffffffffffffffffffffffffffffff"))
	other, err := New(st, clocktesting.NewFakeClock(start), time.Hour, wrong)
	require.NoError(t, err)
	_, _, err = other.IssueNodeToken(ctx, &v1.Node{ID: "n1", ProjectID: "p1"}, "org-1")
	assert.Equal(t, errutil.KindInvalidKey, errutil.KindOf(err))
}

func TestArtifactSignature(t *testing.T) {
	svc, st, _ := testService(t, "")
	ctx := context.Background()
	_, err := svc.EnsureSigningKey(ctx, "org-1")
	require.NoError(t, err)

	artifact := []byte("tar bytes")
	sig, keyID, err := svc.SignArtifact(ctx, "org-1", "sha256:abc", artifact)
	require.NoError(t, err)

	key, err := st.GetSigningKey(ctx, keyID)
	require.NoError(t, err)
	assert.True(t, VerifyArtifact(key, "sha256:abc", artifact, sig))
	assert.False(t, VerifyArtifact(key, "sha256:abc", []byte("tampered"), sig))
	assert.False(t, VerifyArtifact(key, "sha256:other", artifact, sig))
}

func TestSecretHelpers(t *testing.T) {
	nodeKey, err := NewNodeKey()
	require.NoError(t, err)
	decoded, err := base64.RawURLEncoding.DecodeString(nodeKey)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	apiKey, err := NewAPIKeySecret()
	require.NoError(t, err)
	assert.Regexp(t, "^scpk_", apiKey)

	assert.Len(t, HashSecret(nodeKey), 64)
	assert.NotEqual(t, HashSecret(nodeKey), HashSecret(apiKey))
}

func TestNewRejectsBadEncryptionSecret(t *testing.T) {
	st, err := bolt.Open(filepath.Join(t.TempDir(), "token.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	clk := clocktesting.NewFakeClock(start)

	_, err = New(st, clk, time.Hour, "%%%not-base64%%%")
	assert.Error(t, err)
	_, err = New(st, clk, time.Hour, base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}
