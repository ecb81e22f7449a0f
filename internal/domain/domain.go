// Package domain implements dot-boundary host matching against the small
// allowlists the sentinel consults: known API destinations (policy input),
// approval messaging channels, and package registries (AV fail-open).
package domain

import "strings"

// Matches reports whether host matches any allowlist entry.
//
// Entries starting with "." match either the exact host equal to the entry
// minus its leading dot, or any host ending with the entry itself — the
// retained dot enforces a label boundary, so "evil-slack.com" never
// matches ".slack.com". Entries without a leading dot match only the exact
// host. All comparisons are case-insensitive. An empty host never matches.
func Matches(host string, allowlist []string) bool {
	if host == "" {
		return false
	}
	for _, entry := range allowlist {
		if entry == "" {
			continue
		}
		if entry[0] == '.' {
			if strings.EqualFold(host, entry[1:]) {
				return true
			}
			if len(host) >= len(entry) && strings.EqualFold(host[len(host)-len(entry):], entry) {
				return true
			}
			continue
		}
		if strings.EqualFold(host, entry) {
			return true
		}
	}
	return false
}

// KnownDomains is the built-in allowlist of destinations considered
// "known" for DLP policy purposes. Anything else is a new domain and
// subject to the security level.
var KnownDomains = []string{
	".api.anthropic.com",
	".api.openai.com",
	".api.github.com",
	".github.com",
	".amazonaws.com",
	".api.telegram.org",
	".discord.com",
	".api.slack.com",
}

// PackageRegistries lists hosts that fail open when the AV scanner is
// unavailable. A scanner outage should not break package installs from
// these sources; everything else stays fail-closed.
var PackageRegistries = []string{
	".registry.npmjs.org",
	".deb.nodesource.com",
	".deb.debian.org",
	".bun.sh",
	".github.com",
	".githubusercontent.com",
	".pypi.org",
	".files.pythonhosted.org",
	".crates.io",
	".static.crates.io",
	".rubygems.org",
}
