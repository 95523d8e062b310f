package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"

	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// SourceFetcher resolves the config text of git-sourced bundles.
type SourceFetcher interface {
	Fetch(ctx context.Context, sourceRef string) ([]byte, error)
}

var plainClone = git.PlainCloneContext

// GitFetcher clones the repository named by a bundle source ref and reads a
// single file out of the work tree.
type GitFetcher struct {
	timeout time.Duration
}

func NewGitFetcher(timeout time.Duration) *GitFetcher {
	if timeout <= 0 {
		timeout = durations.GitFetchTimeout
	}
	return &GitFetcher{timeout: timeout}
}

// ParseSourceRef splits "url#ref:path". Ref defaults to the remote default
// branch, path to sentinel.kdl at the repository root.
func ParseSourceRef(sourceRef string) (repoURL, ref, path string) {
	repoURL = sourceRef
	if i := strings.Index(repoURL, "#"); i >= 0 {
		repoURL, ref = repoURL[:i], repoURL[i+1:]
	}
	if i := strings.Index(ref, ":"); i >= 0 {
		ref, path = ref[:i], ref[i+1:]
	}
	if path == "" {
		path = ConfigFileName
	}
	return repoURL, ref, path
}

func (g *GitFetcher) Fetch(ctx context.Context, sourceRef string) ([]byte, error) {
	repoURL, ref, path := ParseSourceRef(sourceRef)
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "sentinel-git-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	opts := &git.CloneOptions{URL: repoURL, SingleBranch: true, Depth: 1}
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
	}
	repo, err := plainClone(ctx, dir, false, opts)
	if err != nil && ref != "" {
		// Not a branch; take the full history and resolve the ref as a
		// tag or commit.
		if err := resetDir(dir); err != nil {
			return nil, err
		}
		repo, err = plainClone(ctx, dir, false, &git.CloneOptions{URL: repoURL})
		if err == nil {
			err = checkoutRevision(repo, ref)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cloning %s", repoURL)
	}

	full := filepath.Join(dir, filepath.FromSlash(path))
	if !strings.HasPrefix(full, dir+string(os.PathSeparator)) {
		return nil, fmt.Errorf("source path %q escapes the repository", path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s from %s", path, repoURL)
	}
	return data, nil
}

func checkoutRevision(repo *git.Repository, ref string) error {
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return errors.Wrapf(err, "resolving %s", ref)
	}
	tree, err := repo.Worktree()
	if err != nil {
		return err
	}
	return tree.Checkout(&git.CheckoutOptions{Hash: *hash})
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
