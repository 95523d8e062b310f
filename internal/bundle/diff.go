package bundle

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// Diff compares two bundles of the same project for an operator review:
// a line diff of the config sources plus the archive file set delta.
type Diff struct {
	BundleID  string     `json:"bundle_id"`
	AgainstID string     `json:"against_id"`
	Lines     []DiffLine `json:"lines"`
	Files     FileDiff   `json:"files"`
}

// DiffLine is one line of the config diff. Op is equal, insert or delete;
// insert and delete are relative to the against bundle.
type DiffLine struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

// FileDiff is the archive member delta derived from the two manifests.
type FileDiff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

const (
	diffOpEqual  = "equal"
	diffOpInsert = "insert"
	diffOpDelete = "delete"
)

// diffLines runs a line-level diff from previous to next.
func diffLines(previous, next string) []DiffLine {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(previous, next)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []DiffLine
	for _, d := range diffs {
		op := diffOpEqual
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = diffOpInsert
		case diffmatchpatch.DiffDelete:
			op = diffOpDelete
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out = append(out, DiffLine{Op: op, Text: line})
		}
	}
	return out
}

func fileDiff(previous, next *v1.Manifest) FileDiff {
	prev := manifestChecksums(previous)
	cur := manifestChecksums(next)

	var fd FileDiff
	for path, sum := range cur {
		prevSum, ok := prev[path]
		switch {
		case !ok:
			fd.Added = append(fd.Added, path)
		case prevSum != sum:
			fd.Changed = append(fd.Changed, path)
		}
	}
	for path := range prev {
		if _, ok := cur[path]; !ok {
			fd.Removed = append(fd.Removed, path)
		}
	}
	sort.Strings(fd.Added)
	sort.Strings(fd.Removed)
	sort.Strings(fd.Changed)
	return fd
}

func manifestChecksums(m *v1.Manifest) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m.Files))
	for _, f := range m.Files {
		out[f.Path] = f.Checksum
	}
	return out
}
