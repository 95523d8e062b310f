package bundle

import (
	"regexp"
	"sort"
	"strings"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// Stable machine-readable risk reason tags. Dashboards and approval policy
// key off these, so they never change spelling.
const (
	ReasonAuthChanged      = "auth_block_changed"
	ReasonTLSChanged       = "tls_block_changed"
	ReasonRateLimitChanged = "rate_limit_changed"
	ReasonRoutesChanged    = "routes_changed_gt_10"
	ReasonUpstreamRemoved  = "upstream_removed"
)

var declPattern = regexp.MustCompile(`^(listener|route|upstream|agent)\s+"([^"]+)"`)

// scoreRisk classifies the blast radius of replacing previous with next.
// The first bundle of a project has nothing to regress and scores low.
func scoreRisk(previous, next string) (v1.RiskLevel, []string) {
	if previous == "" {
		return v1.RiskLow, nil
	}
	prev := parseConfig(previous)
	cur := parseConfig(next)

	var reasons []string
	if !equalLines(prev.blocks["auth"], cur.blocks["auth"]) {
		reasons = append(reasons, ReasonAuthChanged)
	}
	if !equalLines(prev.blocks["tls"], cur.blocks["tls"]) {
		reasons = append(reasons, ReasonTLSChanged)
	}
	if !equalLines(prev.blocks["rate_limit"], cur.blocks["rate_limit"]) {
		reasons = append(reasons, ReasonRateLimitChanged)
	}
	routeDelta := cur.declCount["route"] - prev.declCount["route"]
	if routeDelta > 10 || routeDelta < -10 {
		reasons = append(reasons, ReasonRoutesChanged)
	}
	curUpstreams := map[string]bool{}
	for _, name := range cur.declNames["upstream"] {
		curUpstreams[name] = true
	}
	for _, name := range prev.declNames["upstream"] {
		if !curUpstreams[name] {
			reasons = append(reasons, ReasonUpstreamRemoved)
			break
		}
	}
	sort.Strings(reasons)

	level := v1.RiskLow
	for _, r := range reasons {
		switch r {
		case ReasonAuthChanged, ReasonTLSChanged:
			return v1.RiskHigh, reasons
		default:
			level = v1.RiskMedium
		}
	}
	return level, reasons
}

// configShape is the coarse structure risk scoring compares: declaration
// names and counts per kind, plus the raw lines of the security-relevant
// blocks. It is deliberately not a full KDL parse.
type configShape struct {
	declNames map[string][]string
	declCount map[string]int
	blocks    map[string][]string
}

func parseConfig(source string) *configShape {
	shape := &configShape{
		declNames: map[string][]string{},
		declCount: map[string]int{},
		blocks:    map[string][]string{},
	}
	capture := ""
	depth := 0
	for _, raw := range strings.Split(source, "\n") {
		line := strings.TrimSpace(raw)
		opens := strings.Count(line, "{") - strings.Count(line, "}")
		if capture != "" {
			shape.blocks[capture] = append(shape.blocks[capture], line)
			depth += opens
			if depth <= 0 {
				capture = ""
			}
			continue
		}
		if line == "" || strings.HasPrefix(line, "//") {
			depth += opens
			continue
		}
		// Only top-level nodes are declarations; the same words inside a
		// block body are references.
		if depth == 0 {
			if m := declPattern.FindStringSubmatch(line); m != nil {
				shape.declNames[m[1]] = append(shape.declNames[m[1]], m[2])
			}
			switch head := firstToken(line); head {
			case "listener", "route", "upstream", "agent":
				shape.declCount[head]++
			case "auth", "authentication", "authorization", "tls", "rate_limit":
				key := head
				if key == "authentication" || key == "authorization" {
					key = "auth"
				}
				shape.blocks[key] = append(shape.blocks[key], line)
				if opens > 0 {
					depth = opens
					capture = key
				}
				continue
			}
		}
		depth += opens
	}
	return shape
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
