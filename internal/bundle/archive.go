package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// ConfigFileName is the archive member nodes load their config from.
const ConfigFileName = "sentinel.kdl"

// ManifestFileName is the archive member describing the other members.
const ManifestFileName = "manifest.json"

// Archive codecs.
const (
	CompressionZstd = "zstd"
	CompressionGzip = "gzip"
)

// archive is an assembled artifact ready for checksum, signing and upload.
type archive struct {
	Data      []byte
	Checksum  string // hex sha256 of Data
	Manifest  *v1.Manifest
	Extension string
}

func buildManifest(bundleID string, assembledAt time.Time, source []byte) *v1.Manifest {
	sum := sha256.Sum256(source)
	return &v1.Manifest{
		BundleID:    bundleID,
		AssembledAt: assembledAt,
		Files: []v1.ManifestFile{{
			Path:     ConfigFileName,
			Checksum: hex.EncodeToString(sum[:]),
			Size:     int64(len(source)),
		}},
	}
}

// assemble materializes the config source and manifest in a scratch dir and
// packs them into a compressed tar. The scratch dir is removed on every exit
// path; only the in-memory archive leaves this function.
func assemble(manifest *v1.Manifest, source []byte, compression string) (*archive, error) {
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "sentinel-bundle-")
	if err != nil {
		return nil, errors.Wrap(err, "creating bundle scratch dir")
	}
	defer os.RemoveAll(dir)

	members := []struct {
		name string
		data []byte
	}{
		{ConfigFileName, source},
		{ManifestFileName, manifestJSON},
	}
	for _, m := range members {
		if err := os.WriteFile(filepath.Join(dir, m.name), m.data, 0o644); err != nil {
			return nil, errors.Wrapf(err, "staging %s", m.name)
		}
	}

	var buf bytes.Buffer
	comp, ext, err := newCompressor(&buf, compression)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(comp)
	for _, m := range members {
		data, err := os.ReadFile(filepath.Join(dir, m.name))
		if err != nil {
			return nil, err
		}
		hdr := &tar.Header{
			Name:    m.name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: manifest.AssembledAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, errors.Wrapf(err, "archiving %s", m.name)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, errors.Wrapf(err, "archiving %s", m.name)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := comp.Close(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(buf.Bytes())
	return &archive{
		Data:      buf.Bytes(),
		Checksum:  hex.EncodeToString(sum[:]),
		Manifest:  manifest,
		Extension: ext,
	}, nil
}

func newCompressor(w io.Writer, compression string) (io.WriteCloser, string, error) {
	switch compression {
	case CompressionGzip:
		return gzip.NewWriter(w), ".tar.gz", nil
	case CompressionZstd, "":
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, "", err
		}
		return enc, ".tar.zst", nil
	default:
		return nil, "", fmt.Errorf("unknown archive compression %q", compression)
	}
}

// storageKey is where the archive lives in the object store. Keys are
// project-scoped so per-project cleanup stays a prefix operation.
func storageKey(projectID, bundleID, extension string) string {
	return fmt.Sprintf("bundles/%s/%s%s", projectID, bundleID, extension)
}
