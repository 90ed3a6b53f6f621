package logging

import (
	"log/slog"
	"regexp"
	"strings"

	"cef-viewer/internal/ingest/cef"
)

// SensitiveFields contains key fragments whose values are masked in logs.
// Matching is case-insensitive and by substring.
var SensitiveFields = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"private_key",
	"credential",
	"authorization",
	"bearer",
	"cookie",
	"session_id",
	"sessionid",
	"x-api-key",
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)
	for _, sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" || !IsSensitiveField(fieldName) {
		return value
	}
	return MaskedValue
}

// MaskAPIKey masks an API key, showing only the first and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskExtensions returns a copy of x with sensitive values masked. A value is
// sensitive when its key is, or when its <key>Label names something sensitive,
// as with cs1Label=password.
func MaskExtensions(x cef.Extensions) cef.Extensions {
	labels := make(map[string]string)
	for _, ext := range x {
		if base, ok := strings.CutSuffix(ext.Key, cef.LabelSuffix); ok && base != "" {
			labels[base] = ext.Value
		}
	}

	out := make(cef.Extensions, len(x))
	for i, ext := range x {
		out[i] = ext
		if ext.Value == "" {
			continue
		}
		if IsSensitiveField(ext.Key) || IsSensitiveField(labels[ext.Key]) {
			out[i].Value = MaskedValue
		}
	}
	return out
}

// SensitivePatterns contains regex patterns for sensitive data in raw strings.
var SensitivePatterns = []*regexp.Regexp{
	// key=value pairs with secret-looking keys, CEF or query-string style
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['"]?\s*[=:]\s*['"]?[^\s'"&]+`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	// Basic auth
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	// AWS keys
	regexp.MustCompile(`(ABIA|ACCA|AGPA|AIDA|AIPA|AKIA|ANPA|ANVA|APKA|AROA|ASCA|ASIA)[A-Z0-9]{16}`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	for _, pattern := range SensitivePatterns {
		s = pattern.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// ExtensionsValue adapts extensions for structured logging, masking
// sensitive values.
type ExtensionsValue cef.Extensions

// LogValue implements slog.LogValuer.
func (v ExtensionsValue) LogValue() slog.Value {
	masked := MaskExtensions(cef.Extensions(v))
	attrs := make([]slog.Attr, len(masked))
	for i, ext := range masked {
		attrs[i] = slog.String(ext.Key, ext.Value)
	}
	return slog.GroupValue(attrs...)
}
