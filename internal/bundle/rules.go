package bundle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/xeipuuv/gojsonschema"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// applyRules evaluates the project's enabled validation rules against the
// config source and the manifest document. Findings become compiler output
// lines; failed reports whether any error-severity rule fired. A rule that
// cannot run (bad glob, bad schema) surfaces as a warning finding instead of
// blocking every compile in the project.
func applyRules(rules []*v1.ValidationRule, source, manifestJSON []byte) (findings []string, failed bool) {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		msg, err := checkRule(rule, source, manifestJSON)
		if err != nil {
			findings = append(findings, fmt.Sprintf("warning: rule %s (%s) unusable: %v", rule.ID, rule.Kind, err))
			continue
		}
		if msg == "" {
			continue
		}
		findings = append(findings, fmt.Sprintf("%s: rule %s (%s): %s", rule.Severity, rule.ID, rule.Kind, msg))
		if rule.Severity == v1.SeverityError {
			failed = true
		}
	}
	return findings, failed
}

// checkRule returns a non-empty message when the rule fires.
func checkRule(rule *v1.ValidationRule, source, manifestJSON []byte) (string, error) {
	switch rule.Kind {
	case v1.RuleRequiredField:
		for _, line := range splitLines(string(source)) {
			if firstToken(line) == rule.Value {
				return "", nil
			}
		}
		return fmt.Sprintf("required declaration %q not found", rule.Value), nil

	case v1.RuleForbiddenPattern:
		g, err := glob.Compile(rule.Value)
		if err != nil {
			return "", fmt.Errorf("bad glob %q: %w", rule.Value, err)
		}
		for i, raw := range strings.Split(string(source), "\n") {
			if g.Match(strings.TrimSpace(raw)) {
				return fmt.Sprintf("line %d matches forbidden pattern %q", i+1, rule.Value), nil
			}
		}
		return "", nil

	case v1.RuleAllowedPattern:
		g, err := glob.Compile(rule.Value)
		if err != nil {
			return "", fmt.Errorf("bad glob %q: %w", rule.Value, err)
		}
		for _, raw := range strings.Split(string(source), "\n") {
			if g.Match(strings.TrimSpace(raw)) {
				return "", nil
			}
		}
		return fmt.Sprintf("no line matches required pattern %q", rule.Value), nil

	case v1.RuleMaxSize:
		limit, err := strconv.ParseInt(strings.TrimSpace(rule.Value), 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad size limit %q: %w", rule.Value, err)
		}
		if int64(len(source)) > limit {
			return fmt.Sprintf("config source is %d bytes, limit is %d", len(source), limit), nil
		}
		return "", nil

	case v1.RuleJSONSchema:
		result, err := gojsonschema.Validate(
			gojsonschema.NewStringLoader(rule.Value),
			gojsonschema.NewBytesLoader(manifestJSON),
		)
		if err != nil {
			return "", fmt.Errorf("bad schema: %w", err)
		}
		if result.Valid() {
			return "", nil
		}
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return "manifest violates schema: " + strings.Join(msgs, "; "), nil

	default:
		return "", fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

// splitLines returns the trimmed non-empty lines of source.
func splitLines(source string) []string {
	var out []string
	for _, raw := range strings.Split(source, "\n") {
		if line := strings.TrimSpace(raw); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func firstToken(line string) string {
	if i := strings.IndexAny(line, " \t{"); i >= 0 {
		return line[:i]
	}
	return line
}
