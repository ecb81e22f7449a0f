// Package pattern loads and evaluates the credential detection catalog.
//
// The catalog is a line-oriented file:
//
//	# comment
//	pattern.anthropic = sk-ant-[A-Za-z0-9]{20,}
//	allow.anthropic = (^|\.)api\.anthropic\.com$
//	pattern.ssh_private = -----BEGIN [A-Z ]*PRIVATE KEY-----
//	action.ssh_private = block
//
// A pattern with an allow rule permits the credential when the destination
// host matches that rule; action.<name>=block makes the pattern block
// unconditionally. A service with zero patterns refuses to start.
package pattern

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

const (
	// MaxPatterns caps the catalog size.
	MaxPatterns = 32

	maxLineLen = 512
)

// ErrNoPatterns is returned when the catalog loads empty — no credential
// catalog means the DLP service must not run.
var ErrNoPatterns = errors.New("pattern catalog is empty")

// Pattern is one credential rule, compiled at load time and immutable
// thereafter.
type Pattern struct {
	Name        string
	Body        *regexp.Regexp
	AllowDomain *regexp.Regexp // nil when no allow rule is configured
	AlwaysBlock bool
}

// Registry holds the ordered pattern catalog.
type Registry struct {
	patterns []*Pattern
}

// Load parses the catalog file at path. Unreadable file, an invalid regex,
// or an empty result are startup-fatal.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pattern catalog %s: %w", path, err)
	}
	defer f.Close()

	byName := make(map[string]*Pattern)
	order := make([]*Pattern, 0, MaxPatterns)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > maxLineLen {
			// Silently skip over-long lines.
			continue
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := splitDirective(line)
		if !ok {
			continue
		}

		switch {
		case strings.HasPrefix(key, "pattern."):
			name := strings.TrimPrefix(key, "pattern.")
			if name == "" || len(order) >= MaxPatterns {
				continue
			}
			re, err := regexp.Compile(value)
			if err != nil {
				return nil, fmt.Errorf("compile pattern.%s: %w", name, err)
			}
			p := &Pattern{Name: name, Body: re}
			byName[name] = p
			order = append(order, p)

		case strings.HasPrefix(key, "allow."):
			name := strings.TrimPrefix(key, "allow.")
			p, exists := byName[name]
			if !exists {
				slog.Warn("pattern: allow rule for unknown pattern", "name", name)
				continue
			}
			re, err := regexp.Compile(value)
			if err != nil {
				return nil, fmt.Errorf("compile allow.%s: %w", name, err)
			}
			p.AllowDomain = re

		case strings.HasPrefix(key, "action."):
			name := strings.TrimPrefix(key, "action.")
			p, exists := byName[name]
			if !exists {
				slog.Warn("pattern: action rule for unknown pattern", "name", name)
				continue
			}
			if value == "block" {
				p.AlwaysBlock = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pattern catalog %s: %w", path, err)
	}

	if len(order) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoPatterns)
	}

	slog.Info("pattern: catalog loaded", "path", path, "patterns", len(order))
	return &Registry{patterns: order}, nil
}

// Len returns the number of loaded patterns.
func (r *Registry) Len() int { return len(r.patterns) }

// Match scans body against the catalog in declaration order and returns
// the name of the first pattern that blocks. A credential destined for its
// own service (allow rule matches host) is accepted and evaluation moves
// to the next pattern.
func (r *Registry) Match(body []byte, host string) (name string, blocked bool) {
	for _, p := range r.patterns {
		if !p.Body.Match(body) {
			continue
		}
		if p.AlwaysBlock {
			return p.Name, true
		}
		if p.AllowDomain != nil && p.AllowDomain.MatchString(host) {
			continue
		}
		return p.Name, true
	}
	return "", false
}

// MatchSegments applies Match to each segment, returning on the first
// block. Used for NUL-separated tail-window runs.
func (r *Registry) MatchSegments(segments [][]byte, host string) (string, bool) {
	for _, seg := range segments {
		if name, blocked := r.Match(seg, host); blocked {
			return name, true
		}
	}
	return "", false
}

func splitDirective(line string) (key, value string, ok bool) {
	i := strings.Index(line, "=")
	if i < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(line[i+1:])
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}
