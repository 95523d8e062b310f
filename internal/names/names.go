// Package names derives URL-safe slugs and bounded identifiers from
// operator-supplied display names.
package names

import (
	"crypto/md5" //nolint:gosec // Non-crypto use
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var (
	disallowedChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	multiDash       = regexp.MustCompile("-+")
)

// Slug converts a display name into a lowercase, dash-separated identifier
// safe for use in URL paths. Inputs that survive cleanup with nothing left
// fall back to a checksum of the original, so every name yields a non-empty
// slug.
func Slug(s string) string {
	slug := strings.ToLower(s)
	slug = disallowedChars.ReplaceAllLiteralString(slug, "-")
	slug = multiDash.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return Hex(s, 12)
	}
	return Limit(slug, 63)
}

// Limit truncates s to count characters. Truncated strings get a short hash
// suffix so two long names that share a prefix stay distinct; when the
// character before the suffix is already a dash the separator is omitted.
func Limit(s string, count int) string {
	if len(s) <= count {
		return s
	}

	const hexLen int = 5
	separator := "-"

	if count <= hexLen+len(separator) {
		return s[:count]
	}

	nbCharsBeforeTrim := count - hexLen - len(separator)
	if string(s[nbCharsBeforeTrim-1]) == separator {
		separator = ""
	}
	return fmt.Sprintf("%s%s%s", s[:nbCharsBeforeTrim], separator, Hex(s, hexLen))
}

// Hex returns a hex-encoded hash of the string truncated to length.
// Warning: truncating the 32 character hash makes collisions more likely.
func Hex(s string, length int) string {
	h := md5.Sum([]byte(s)) //nolint:gosec // Non-crypto use
	d := hex.EncodeToString(h[:])
	return d[:length]
}
