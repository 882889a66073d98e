package envgate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func validEnv() map[string]string {
	return map[string]string{
		KeyDatabaseURL: "postgresql://sama:pw@db.internal:5432/sama",
		KeyJWTSecret:   strings.Repeat("s", 32),
		KeyChatURL:     "https://chat.internal",
		KeyVoiceURL:    "https://voice.internal",
	}
}

func TestValidate_AllPresent(t *testing.T) {
	res := Validate(lookupMap(validEnv()), DefaultRequired(), DefaultValidators())
	assert.True(t, res.OK)
	assert.Empty(t, res.Missing)
	assert.Empty(t, res.Errors)
	assert.NoError(t, res.Err())
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	env := validEnv()
	delete(env, KeyDatabaseURL)
	env[KeyJWTSecret] = "short"
	env[KeyVoiceURL] = "not a url"

	res := Validate(lookupMap(env), DefaultRequired(), DefaultValidators())
	require.False(t, res.OK)
	assert.Equal(t, []string{KeyDatabaseURL, KeyJWTSecret, KeyVoiceURL}, res.Missing)
	require.Len(t, res.Errors, 3)
	assert.Equal(t, "DATABASE_URL is not set", res.Errors[0])
	assert.Contains(t, res.Errors[1], "JWT_SECRET has invalid format or value")
	assert.Contains(t, res.Errors[2], "CHECKIN_VOICE_URL has invalid format or value")
}

func TestValidate_EmptyValueIsMissing(t *testing.T) {
	res := Validate(lookupMap(map[string]string{"A": "  "}), []string{"A", "B"}, nil)
	assert.False(t, res.OK)
	assert.Equal(t, []string{"A", "B"}, res.Missing)
}

func TestValidate_SecretBoundary(t *testing.T) {
	env := validEnv()
	env[KeyJWTSecret] = strings.Repeat("x", 31)
	assert.False(t, Validate(lookupMap(env), DefaultRequired(), DefaultValidators()).OK)
	env[KeyJWTSecret] = strings.Repeat("x", 32)
	assert.True(t, Validate(lookupMap(env), DefaultRequired(), DefaultValidators()).OK)
}

func TestValidators(t *testing.T) {
	cases := []struct {
		name string
		v    Validator
		in   string
		ok   bool
	}{
		{"postgres scheme", SchemePrefix("postgresql://", "postgres://"), "postgres://x", true},
		{"mysql scheme", SchemePrefix("postgresql://", "postgres://"), "mysql://x", false},
		{"http url", URL(), "http://localhost:8000", true},
		{"no scheme", URL(), "localhost:8000", false},
		{"no host", URL(), "http://", false},
		{"port ok", Port(), "5000", true},
		{"port zero", Port(), "0", false},
		{"port high", Port(), "65536", false},
		{"port text", Port(), "abc", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.v(tc.in)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestErrAndReport(t *testing.T) {
	res := Validate(lookupMap(map[string]string{}), DefaultRequired(), DefaultValidators())
	err := res.Err()
	require.Error(t, err)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	report := res.Report()
	for _, k := range DefaultRequired() {
		assert.Contains(t, report, "  - "+k+"\n")
	}
	assert.Contains(t, report, "Copy .env.example to .env")
}

func TestValidateOptional_OnlyPresentKeys(t *testing.T) {
	env := map[string]string{KeyPort: "99999"}
	res := ValidateOptional(lookupMap(env), DefaultOptional(), DefaultValidators())
	assert.False(t, res.OK)
	assert.Equal(t, []string{KeyPort}, res.Missing)

	res = ValidateOptional(lookupMap(map[string]string{}), DefaultOptional(), DefaultValidators())
	assert.True(t, res.OK)
}

func TestDefaultsAndRunMode(t *testing.T) {
	eff := Defaults(lookupMap(map[string]string{KeyLogLevel: "debug"}), DefaultOptional())
	assert.Equal(t, "debug", eff[KeyLogLevel])
	assert.Equal(t, "5000", eff[KeyPort])

	mode, warn := RunMode(lookupMap(map[string]string{KeyAppEnv: "staging"}))
	assert.Equal(t, "development", mode)
	assert.Contains(t, warn, "staging")

	mode, warn = RunMode(lookupMap(map[string]string{KeyAppEnv: "production"}))
	assert.Equal(t, "production", mode)
	assert.Empty(t, warn)
}

func TestSummaryMasksSecrets(t *testing.T) {
	env := validEnv()
	lines := strings.Join(Summary(lookupMap(env)), "\n")
	assert.NotContains(t, lines, env[KeyJWTSecret])
	assert.NotContains(t, lines, "pw@db.internal")
	assert.Contains(t, lines, "JWT Secret: ssss***")
	assert.Contains(t, lines, "Port: 5000")
}

func TestProductionWarnings(t *testing.T) {
	env := map[string]string{
		KeyJWTSecret:   "your_secret_here_your_secret_here",
		KeyDatabaseURL: "postgres://localhost/sama",
		KeyChatURL:     "http://chat",
		KeyVoiceURL:    "https://voice",
	}
	w := ProductionWarnings(lookupMap(env))
	assert.Len(t, w, 3)
	assert.Empty(t, ProductionWarnings(lookupMap(validEnv())))
}
