package bundle

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// SBOMContentType is the media type the API serves SBOM documents under.
const SBOMContentType = "application/vnd.cyclonedx+json"

// The emitted document is the CycloneDX 1.5 subset supply-chain tooling
// actually reads; components are the named declarations of the config.
type sbomDocument struct {
	BOMFormat    string          `json:"bomFormat"`
	SpecVersion  string          `json:"specVersion"`
	SerialNumber string          `json:"serialNumber"`
	Version      int             `json:"version"`
	Metadata     sbomMetadata    `json:"metadata"`
	Components   []sbomComponent `json:"components"`
}

type sbomMetadata struct {
	Timestamp time.Time     `json:"timestamp"`
	Component sbomComponent `json:"component"`
}

type sbomComponent struct {
	BOMRef  string `json:"bom-ref,omitempty"`
	Type    string `json:"type"`
	Group   string `json:"group,omitempty"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

func generateSBOM(b *v1.Bundle, project *v1.Project, assembledAt time.Time, source string) (json.RawMessage, error) {
	doc := sbomDocument{
		BOMFormat:    "CycloneDX",
		SpecVersion:  "1.5",
		SerialNumber: "urn:uuid:" + uuid.NewString(),
		Version:      1,
		Metadata: sbomMetadata{
			Timestamp: assembledAt,
			Component: sbomComponent{
				Type:    "application",
				Group:   project.Slug,
				Name:    b.ID,
				Version: b.Version,
			},
		},
		Components: []sbomComponent{},
	}
	seen := map[string]bool{}
	for _, line := range splitLines(source) {
		m := declPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ref := m[1] + ":" + m[2]
		if seen[ref] {
			continue
		}
		seen[ref] = true
		doc.Components = append(doc.Components, sbomComponent{
			BOMRef: ref,
			Type:   "application",
			Group:  m[1],
			Name:   m[2],
		})
	}
	return json.Marshal(doc)
}
