// Package probe checks downstream and database health, once with retries
// for the CLI and periodically for the gateway's readiness report.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Retry controls CheckWithRetry. Backoff doubles after every failed attempt.
type Retry struct {
	Attempts int           `mapstructure:"attempts" json:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff" json:"backoff"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
}

func DefaultRetry() Retry {
	return Retry{Attempts: 3, Backoff: time.Second, Timeout: 5 * time.Second}
}

// Result is the outcome of checking one endpoint.
type Result struct {
	Name       string        `json:"name"`
	URL        string        `json:"url"`
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// Acceptance decides whether a response counts as healthy.
type Acceptance func(status int, body map[string]any) bool

// StatusOK accepts any 200 response.
func StatusOK(status int, _ map[string]any) bool { return status == http.StatusOK }

// ReportsHealthy accepts a 200 response whose JSON body has status "healthy".
func ReportsHealthy(status int, body map[string]any) bool {
	return status == http.StatusOK && body["status"] == "healthy"
}

// Get performs one GET with its own timeout and decodes a JSON body when
// possible. Non-JSON bodies come back under the "raw" key.
func Get(ctx context.Context, client *http.Client, url string, timeout time.Duration) (int, map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	body := map[string]any{}
	if err := json.Unmarshal(raw, &body); err != nil {
		body = map[string]any{"raw": string(raw)}
	}
	return resp.StatusCode, body, nil
}

// CheckWithRetry polls url until accept is satisfied or the attempts are
// used up, sleeping Backoff, 2*Backoff, ... between attempts.
func CheckWithRetry(ctx context.Context, client *http.Client, name, url string, r Retry, accept Acceptance) Result {
	if r.Attempts <= 0 {
		r.Attempts = 1
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultRetry().Timeout
	}
	if accept == nil {
		accept = StatusOK
	}
	res := Result{Name: name, URL: url}
	backoff := r.Backoff
	start := time.Now()
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		res.Attempts = attempt
		code, body, err := Get(ctx, client, url, r.Timeout)
		res.StatusCode = code
		switch {
		case err != nil:
			res.Error = err.Error()
		case accept(code, body):
			res.Healthy = true
			res.Error = ""
			res.Latency = time.Since(start)
			return res
		default:
			res.Error = fmt.Sprintf("unhealthy response (status %d)", code)
		}
		if attempt == r.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			res.Error = ctx.Err().Error()
			res.Latency = time.Since(start)
			return res
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	res.Latency = time.Since(start)
	return res
}
