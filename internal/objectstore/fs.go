package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
)

// FS stores artifacts under a directory and presigns download URLs with an
// HMAC over key and expiry. The API process serves the downloads itself and
// verifies the signature with VerifyDownload.
type FS struct {
	dir     string
	baseURL string
	secret  []byte
}

// NewFS builds the filesystem store. An empty secret is replaced with a
// random one, which invalidates outstanding URLs across restarts; the TTLs
// involved are minutes, so that only matters for long-lived secrets the
// operator wants to configure anyway.
func NewFS(dir, baseURL, secret string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	return &FS{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), secret: key}, nil
}

// cleanKey rejects keys that would escape the artifact directory.
func (f *FS) cleanKey(key string) (string, error) {
	if key == "" || path.Clean("/"+key) != "/"+key {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(f.dir, filepath.FromSlash(key)), nil
}

func (f *FS) Put(_ context.Context, key string, data []byte) error {
	p, err := f.cleanKey(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (f *FS) Get(_ context.Context, key string) ([]byte, error) {
	p, err := f.cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	return data, err
}

func (f *FS) Delete(_ context.Context, key string) error {
	p, err := f.cleanKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FS) PresignDownload(_ context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := f.cleanKey(key); err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", f.sign(key, expires))
	return fmt.Sprintf("%s/artifacts/%s?%s", f.baseURL, key, q.Encode()), nil
}

// VerifyDownload checks the signature and expiry of a presigned request.
// The API's artifact handler calls this before streaming the file.
func (f *FS) VerifyDownload(key, expires, signature string, now time.Time) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed expiry")
	}
	if now.Unix() > exp {
		return fmt.Errorf("download URL expired")
	}
	want := f.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fmt.Errorf("bad download signature")
	}
	return nil
}

func (f *FS) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, f.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Downloads is the handler resolving presigned URLs. The server mounts it
// under /artifacts/ when the fs driver is active; S3 presigns natively and
// never needs it. The request path after the mount prefix is the artifact
// key.
func (f *FS) Downloads(clk clock.PassiveClock) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		q := r.URL.Query()
		if err := f.VerifyDownload(key, q.Get("expires"), q.Get("signature"), clk.Now()); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		data, err := f.Get(r.Context(), key)
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, "reading artifact", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	})
}
