package redact

import (
	"fmt"
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding describes a detected secret. The raw match is never carried;
// only a short preview survives so findings are safe to log and audit.
type Finding struct {
	RuleID      string // Gitleaks rule ID (e.g. "openai-api-key")
	Description string // human-readable rule description
	Line        int    // 1-based line number within the scanned value
	Preview     string // first few characters of the matched secret
}

// Detector scans context values for secrets. The underlying Gitleaks
// detector is built once at construction because loading the default
// ruleset (800+ patterns) is expensive.
//
// A nil or disabled Detector reports nothing as sensitive.
type Detector struct {
	detector *detect.Detector
	enabled  bool
}

// New builds a detector from the bundled Gitleaks default config.
// When allowlistPath is non-empty, patterns from that file are merged
// into the ruleset's allowlists. A disabled detector skips the ruleset
// load entirely.
func New(enabled bool, allowlistPath string) (*Detector, error) {
	if !enabled {
		return &Detector{enabled: false}, nil
	}

	allowlist, err := LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("building detector: %w", err)
	}
	applyAllowlist(&detector.Config, allowlist)

	return &Detector{detector: detector, enabled: true}, nil
}

// Scan returns findings for every secret detected in content.
// Returns nil when the detector is disabled or content is clean.
func (d *Detector) Scan(content string) []Finding {
	if d == nil || !d.enabled || content == "" {
		return nil
	}

	raw := d.detector.DetectString(content)
	if len(raw) == 0 {
		return nil
	}

	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Preview:     preview(f.Secret, 4),
		})
	}
	return findings
}

// Sensitive reports whether content contains at least one secret.
func (d *Detector) Sensitive(content string) bool {
	return len(d.Scan(content)) > 0
}

// Enabled reports whether the detector actually scans.
func (d *Detector) Enabled() bool {
	return d != nil && d.enabled
}

// applyAllowlist merges allowlist patterns into the Gitleaks config.
// Patterns are pre-validated in LoadAllowlist; a compile failure here
// means validation was bypassed.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	if allowlist == nil || (len(allowlist.Paths) == 0 && len(allowlist.Regexes) == 0) {
		return
	}

	global := &gitleaksConfig.Allowlist{
		Description: "flowd operator allowlist",
	}

	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("BUG: pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("BUG: pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)

	cfg.Allowlists = append(cfg.Allowlists, global)
}

// preview returns the first n characters of s.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
