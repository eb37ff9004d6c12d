// Package redact masks secret material in log messages and notification text.
package redact

import (
	"regexp"
	"strings"
)

// secretPattern matches key/value pairs whose key suggests credential material.
var secretPattern = regexp.MustCompile(`(?i)(token|key|secret|password|credential|auth)\s*[:=]\s*['"]?([A-Za-z0-9+/=_-]{8,})['"]?`)

// Redactor replaces configured secrets and secret-like patterns with a
// four-character prefix followed by "****".
type Redactor struct {
	secrets []string
}

// New builds a Redactor for the given configured secret values. Empty values
// are ignored.
func New(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if s != "" {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

// Redact masks all occurrences of configured secrets and secret-like
// key/value pairs in s.
func (r *Redactor) Redact(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, mask(secret))
	}
	return secretPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := secretPattern.FindStringSubmatch(m)
		if len(sub) != 3 {
			return m
		}
		return strings.Replace(m, sub[2], mask(sub[2]), 1)
	})
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
