// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package redact scrubs credentials and personal data from request fields
// before they are logged or exported.
package redact

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// ParseRule compiles a configured rule. An empty replacement becomes
// "[REDACTED]".
func ParseRule(name, pattern, replacement string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("redact rule %q: %w", name, err)
	}
	if replacement == "" {
		replacement = redacted
	}
	return Rule{Name: name, Pattern: re, Replacement: replacement}, nil
}

// Redactor applies a set of redaction rules to input strings.
type Redactor struct {
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules. If enabled is false, every
// method returns its input unchanged.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, extraRules...)
	return r
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if r == nil || !r.enabled || len(r.rules) == 0 {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// RedactURI blanks the values of sensitive query parameters and then runs
// the rules over the result. Unparseable input falls back to Redact.
func (r *Redactor) RedactURI(uri string) string {
	if r == nil || !r.enabled {
		return uri
	}
	path, rawQuery, ok := strings.Cut(uri, "?")
	if !ok || rawQuery == "" {
		return r.Redact(uri)
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return r.Redact(uri)
	}
	for key := range values {
		if sensitiveParam(key) {
			for i := range values[key] {
				values[key][i] = redacted
			}
		}
	}
	// url.Values.Encode escapes the brackets of the marker.
	query := strings.ReplaceAll(values.Encode(), url.QueryEscape(redacted), redacted)
	return r.Redact(path + "?" + query)
}

// RedactMap applies redaction to selected map values.
func (r *Redactor) RedactMap(attrs map[string]string, keys ...string) {
	if r == nil || !r.enabled {
		return
	}
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			attrs[k] = r.Redact(v)
		}
	}
}

var sensitiveParams = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key", "apikey",
	"access_token", "refresh_token", "session", "sig", "signature",
}

func sensitiveParam(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range sensitiveParams {
		if lower == p {
			return true
		}
	}
	return false
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "authorization_header",
			Pattern:     regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)\S+(\s+\S+)?`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[=:]\s*['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
		{
			Name:        "userinfo",
			Pattern:     regexp.MustCompile(`(://)[^/@\s:]+:[^/@\s]+@`),
			Replacement: "${1}[REDACTED]@",
		},
	}
}
