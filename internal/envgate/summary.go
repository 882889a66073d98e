package envgate

import (
	"fmt"
	"strings"
)

var runModes = []string{"development", "production", "test"}

// RunMode returns the effective run mode and a warning when the configured
// value is not a standard one (it then falls back to development).
func RunMode(lookup LookupFunc) (string, string) {
	v, _ := lookup(KeyAppEnv)
	if v == "" {
		return "development", ""
	}
	if OneOf(runModes...)(v) != nil {
		return "development", fmt.Sprintf("%s=%q is not a standard value (expected %s); defaulting to development",
			KeyAppEnv, v, strings.Join(runModes, ", "))
	}
	return v, ""
}

// ProductionWarnings flags settings that are legal but suspicious in
// production: placeholder secrets, a localhost database and plain-HTTP
// service URLs.
func ProductionWarnings(lookup LookupFunc) []string {
	var warnings []string
	if secret, _ := lookup(KeyJWTSecret); strings.Contains(secret, "your_") || strings.Contains(secret, "change_") {
		warnings = append(warnings, KeyJWTSecret+" appears to be a placeholder value")
	}
	if db, _ := lookup(KeyDatabaseURL); strings.Contains(db, "localhost") {
		warnings = append(warnings, KeyDatabaseURL+" points to localhost in production")
	}
	for _, k := range []string{KeyChatURL, KeyVoiceURL} {
		if u, ok := lookup(k); ok && u != "" && !strings.HasPrefix(u, "https://") {
			warnings = append(warnings, k+" should use HTTPS in production")
		}
	}
	return warnings
}

// Summary lists the effective configuration with secrets masked, safe to log.
func Summary(lookup LookupFunc) []string {
	get := func(k string) string { v, _ := lookup(k); return v }
	mode, _ := RunMode(lookup)
	eff := Defaults(lookup, DefaultOptional())
	return []string{
		"Environment: " + mode,
		"Log Level: " + eff[KeyLogLevel],
		"Port: " + eff[KeyPort],
		"Database: " + Mask(get(KeyDatabaseURL), 10),
		"JWT Secret: " + Mask(get(KeyJWTSecret), 4),
		"Checkin Chat URL: " + orNotSet(get(KeyChatURL)),
		"Checkin Voice URL: " + orNotSet(get(KeyVoiceURL)),
	}
}

// Mask keeps the first show characters of v and hides the rest.
func Mask(v string, show int) string {
	if v == "" {
		return "<not set>"
	}
	if len(v) <= show {
		return "***"
	}
	return v[:show] + "***"
}

func orNotSet(v string) string {
	if v == "" {
		return "<not set>"
	}
	return v
}
