// Package envgate validates the configuration the fleet cannot start without.
// Every key is checked in one pass so the operator gets the complete list of
// problems instead of fixing one variable per run.
package envgate

import (
	"fmt"
	"sort"
	"strings"
)

// Well-known keys.
const (
	KeyDatabaseURL    = "DATABASE_URL"
	KeyJWTSecret      = "JWT_SECRET"
	KeyChatURL        = "CHECKIN_CHAT_URL"
	KeyVoiceURL       = "CHECKIN_VOICE_URL"
	KeyAppEnv         = "APP_ENV"
	KeyLogLevel       = "LOG_LEVEL"
	KeyPort           = "PORT"
	KeyAllowedOrigins = "ALLOWED_ORIGINS"
)

// MinSecretLength is the minimum accepted signing secret length.
const MinSecretLength = 32

// LookupFunc resolves an environment key.
type LookupFunc func(key string) (string, bool)

// Result is the outcome of one validation pass. Missing lists every offending
// key (absent or malformed) in check order; Errors holds one human-readable
// message per offending key.
type Result struct {
	OK      bool     `json:"ok"`
	Missing []string `json:"missing"`
	Errors  []string `json:"errors"`
}

// DefaultRequired returns the keys the gateway and fleet cannot run without.
func DefaultRequired() []string {
	return []string{KeyDatabaseURL, KeyJWTSecret, KeyChatURL, KeyVoiceURL}
}

// DefaultValidators returns format checks for the well-known keys. PORT is
// only checked when present since it is optional.
func DefaultValidators() map[string]Validator {
	return map[string]Validator{
		KeyDatabaseURL: SchemePrefix("postgresql://", "postgres://"),
		KeyJWTSecret:   MinLength(MinSecretLength),
		KeyChatURL:     URL(),
		KeyVoiceURL:    URL(),
		KeyPort:        Port(),
	}
}

// DefaultOptional returns optional keys with the values used when absent.
func DefaultOptional() map[string]string {
	return map[string]string{
		KeyAppEnv:         "development",
		KeyLogLevel:       "info",
		KeyPort:           "5000",
		KeyAllowedOrigins: "http://localhost:5173",
	}
}

// Validate checks every required key for presence and, when a validator is
// registered for it, for format. It never stops at the first problem.
func Validate(lookup LookupFunc, required []string, validators map[string]Validator) Result {
	res := Result{Missing: []string{}, Errors: []string{}}
	for _, key := range required {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			res.Missing = append(res.Missing, key)
			res.Errors = append(res.Errors, fmt.Sprintf("%s is not set", key))
			continue
		}
		if check, has := validators[key]; has && check != nil {
			if err := check(v); err != nil {
				res.Missing = append(res.Missing, key)
				res.Errors = append(res.Errors, fmt.Sprintf("%s has invalid format or value: %v", key, err))
			}
		}
	}
	res.OK = len(res.Missing) == 0
	return res
}

// ValidateOptional checks optional keys that are present against their
// validators. Absent optional keys are never an error.
func ValidateOptional(lookup LookupFunc, optional map[string]string, validators map[string]Validator) Result {
	keys := make([]string, 0, len(optional))
	for k := range optional {
		if v, ok := lookup(k); ok && v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return Validate(lookup, keys, validators)
}

// Defaults returns the effective optional values: the looked-up value when
// set, otherwise the default.
func Defaults(lookup LookupFunc, optional map[string]string) map[string]string {
	out := make(map[string]string, len(optional))
	for k, def := range optional {
		if v, ok := lookup(k); ok && v != "" {
			out[k] = v
			continue
		}
		out[k] = def
	}
	return out
}

// Err returns nil when the result is OK, otherwise a *ConfigError carrying
// the consolidated report.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &ConfigError{Result: r}
}

// ConfigError is the fatal boot error for a failed gate.
type ConfigError struct {
	Result Result
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("environment validation failed: %s", strings.Join(e.Result.Missing, ", "))
}

// Report renders the consolidated, operator-facing report.
func (r Result) Report() string {
	if r.OK {
		return "environment validation passed\n"
	}
	var b strings.Builder
	b.WriteString("ENVIRONMENT CONFIGURATION ERROR\n\n")
	b.WriteString("Missing or invalid required environment variables:\n")
	for _, e := range r.Errors {
		b.WriteString("  - " + e + "\n")
	}
	b.WriteString("\nRequired variables to fix:\n")
	for _, k := range r.Missing {
		b.WriteString("  - " + k + "\n")
	}
	b.WriteString("\nTo fix this:\n")
	b.WriteString("  1. Copy .env.example to .env\n")
	b.WriteString("  2. Fill in all required values\n")
	b.WriteString("  3. Restart samactl\n")
	return b.String()
}
