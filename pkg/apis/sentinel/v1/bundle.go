package v1

import (
	"encoding/json"
	"time"
)

// BundleStatus is the compile lifecycle state of a bundle.
type BundleStatus string

const (
	// BundlePending: created, compile job not yet picked up.
	BundlePending BundleStatus = "pending"
	// BundleCompiling: a compile worker holds the claim.
	BundleCompiling BundleStatus = "compiling"
	// BundleCompiled: artifact assembled, checksummed, uploaded and
	// (when a signing key exists) signed. Distributable.
	BundleCompiled BundleStatus = "compiled"
	// BundleFailed: validation or assembly failed, see CompilerOutput.
	BundleFailed BundleStatus = "failed"
	// BundleRevoked: withdrawn from distribution. Terminal.
	BundleRevoked BundleStatus = "revoked"
	// BundleSuperseded: compiled, but a newer bundle has since compiled in
	// the same project. Still distributable for pinned and rollback use.
	BundleSuperseded BundleStatus = "superseded"
)

// Distributable reports whether nodes may stage and download this bundle.
func (s BundleStatus) Distributable() bool {
	return s == BundleCompiled || s == BundleSuperseded
}

// Deletable reports whether the bundle may be removed outright.
func (s BundleStatus) Deletable() bool {
	return s == BundlePending || s == BundleFailed
}

// SourceType tells the compiler where the KDL text comes from.
type SourceType string

const (
	// SourceAPI: the config text was inlined in the create request.
	SourceAPI SourceType = "api"
	// SourceGit: the config text is fetched from a git repository named by
	// SourceRef ("url#ref:path").
	SourceGit SourceType = "git"
)

// RiskLevel classifies a bundle by the blast radius of its config delta.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Bundle is an immutable, content-addressed compiled configuration artifact.
// Once Status reaches BundleCompiled the artifact fields never change again.
type Bundle struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"project_id"`
	Version    string       `json:"version"`
	Status     BundleStatus `json:"status"`
	SourceType SourceType   `json:"source_type"`
	SourceRef  string       `json:"source_ref,omitempty"`
	// ConfigSource is the raw KDL text the bundle was compiled from.
	ConfigSource string `json:"config_source,omitempty"`
	// Checksum is the hex SHA-256 of the compressed archive.
	Checksum  string `json:"checksum,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	// StorageKey locates the archive in the object store.
	StorageKey string `json:"storage_key,omitempty"`
	// Signature is the base64 Ed25519 signature over checksum||archive.
	Signature    string `json:"signature,omitempty"`
	SigningKeyID string `json:"signing_key_id,omitempty"`
	// CompilerOutput carries validator findings, one per line.
	CompilerOutput string    `json:"compiler_output,omitempty"`
	RiskLevel      RiskLevel `json:"risk_level,omitempty"`
	// RiskReasons are stable machine-readable tags, sorted.
	RiskReasons []string          `json:"risk_reasons,omitempty"`
	Manifest    *Manifest         `json:"manifest,omitempty"`
	SBOM        json.RawMessage   `json:"sbom,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedBy   string            `json:"created_by_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompiledAt  *time.Time        `json:"compiled_at,omitempty"`
	RevokedAt   *time.Time        `json:"revoked_at,omitempty"`
}

// Promotion records that a bundle has been blessed for an environment.
// (bundle_id, environment_id) is unique; a bundle may only be promoted to
// an environment once every lower-ordinal environment holds it.
type Promotion struct {
	ID            string    `json:"id"`
	BundleID      string    `json:"bundle_id"`
	ProjectID     string    `json:"project_id"`
	EnvironmentID string    `json:"environment_id"`
	PromotedBy    string    `json:"promoted_by_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ManifestFile is one archive member entry.
type ManifestFile struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// Manifest is the manifest.json document embedded in every bundle archive.
type Manifest struct {
	BundleID    string         `json:"bundle_id"`
	AssembledAt time.Time      `json:"assembled_at"`
	Files       []ManifestFile `json:"files"`
}
