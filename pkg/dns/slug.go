// Package dns shapes tenant slugs into valid hostname labels. A slug doubles
// as the tenant's subdomain during host-based resolution, so it follows
// RFC 1035 label rules.
package dns

import (
	"regexp"
	"strings"
)

// maxLabelLen is the RFC 1035 limit for a single hostname label.
const maxLabelLen = 63

var invalidRuns = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeLabel derives a subdomain-safe slug: lowercased, every run of
// characters outside [a-z0-9] collapsed to one hyphen, edge hyphens dropped,
// capped at 63 bytes. Inputs with no usable characters come back "default".
func SanitizeLabel(raw string) string {
	label := invalidRuns.ReplaceAllString(strings.ToLower(raw), "-")
	label = strings.Trim(label, "-")
	if len(label) > maxLabelLen {
		label = strings.TrimRight(label[:maxLabelLen], "-")
	}
	if label == "" {
		return "default"
	}
	return label
}
