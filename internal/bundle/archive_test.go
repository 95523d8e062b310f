package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func extractTar(t *testing.T, r io.Reader) map[string][]byte {
	t.Helper()
	members := map[string][]byte{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		members[hdr.Name] = data
	}
	return members
}

func TestAssembleZstd(t *testing.T) {
	source := []byte("listener \"edge\" {\n  bind \":9443\"\n}\n")
	assembledAt := time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC)
	manifest := buildManifest("b1", assembledAt, source)

	arc, err := assemble(manifest, source, CompressionZstd)
	require.NoError(t, err)
	assert.Equal(t, ".tar.zst", arc.Extension)

	sum := sha256.Sum256(arc.Data)
	assert.Equal(t, hex.EncodeToString(sum[:]), arc.Checksum)

	dec, err := zstd.NewReader(bytes.NewReader(arc.Data))
	require.NoError(t, err)
	defer dec.Close()
	members := extractTar(t, dec)
	require.Len(t, members, 2)
	assert.Equal(t, source, members[ConfigFileName])

	var unpacked v1.Manifest
	require.NoError(t, json.Unmarshal(members[ManifestFileName], &unpacked))
	assert.Equal(t, "b1", unpacked.BundleID)
	require.Len(t, unpacked.Files, 1)
	srcSum := sha256.Sum256(source)
	assert.Equal(t, ConfigFileName, unpacked.Files[0].Path)
	assert.Equal(t, hex.EncodeToString(srcSum[:]), unpacked.Files[0].Checksum)
	assert.Equal(t, int64(len(source)), unpacked.Files[0].Size)
}

func TestAssembleGzip(t *testing.T) {
	source := []byte("listener \"edge\" {}\n")
	manifest := buildManifest("b1", time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC), source)

	arc, err := assemble(manifest, source, CompressionGzip)
	require.NoError(t, err)
	assert.Equal(t, ".tar.gz", arc.Extension)

	gz, err := gzip.NewReader(bytes.NewReader(arc.Data))
	require.NoError(t, err)
	defer gz.Close()
	members := extractTar(t, gz)
	assert.Equal(t, source, members[ConfigFileName])
}

func TestAssembleUnknownCompression(t *testing.T) {
	manifest := buildManifest("b1", time.Now().UTC(), nil)
	_, err := assemble(manifest, nil, "lz4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown archive compression "lz4"`)
}

// Identical inputs at the same assembly instant must produce identical
// archives so compile retries cannot change a bundle's checksum.
func TestAssembleDeterministic(t *testing.T) {
	source := []byte("upstream \"payments\" {\n  endpoint \"10.0.0.1:8080\"\n}\n")
	assembledAt := time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC)

	first, err := assemble(buildManifest("b1", assembledAt, source), source, CompressionZstd)
	require.NoError(t, err)
	second, err := assemble(buildManifest("b1", assembledAt, source), source, CompressionZstd)
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.Data, second.Data)
}

func TestStorageKey(t *testing.T) {
	assert.Equal(t, "bundles/p1/b1.tar.zst", storageKey("p1", "b1", ".tar.zst"))
}
