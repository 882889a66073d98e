// Package proxy forwards gateway requests to downstream services through a
// per-downstream circuit breaker.
//
// Outcome classification: a response below 500 is a success even for client
// errors; a 5xx response, a timeout or any transport error is a failure. A
// request canceled by its caller records nothing and gives back a HalfOpen
// trial slot.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sama-wellness/orchestrator/internal/breaker"
	"github.com/sama-wellness/orchestrator/internal/metrics"
)

// DefaultTimeout bounds one downstream round trip.
const DefaultTimeout = 30 * time.Second

// forwardedHeaders are copied from the inbound request; everything else is
// dropped so hop-by-hop and gateway-only headers never leak downstream.
var forwardedHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	"Cookie",
	"User-Agent",
	"X-Request-Id",
	"X-User-Id",
	"X-User-Email",
	"X-User-Roles",
}

// hopHeaders are never copied back from downstream responses.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy owns the downstream table and the breaker set.
type Proxy struct {
	breakers *breaker.Set
	client   *http.Client
	log      *slog.Logger

	mu          sync.RWMutex
	downstreams map[string]Downstream
}

type Option func(*Proxy)

// WithClient replaces the HTTP client. Its Timeout should be zero; per
// downstream deadlines are applied through the request context.
func WithClient(c *http.Client) Option { return func(p *Proxy) { p.client = c } }

func WithLogger(l *slog.Logger) Option { return func(p *Proxy) { p.log = l } }

func New(breakers *breaker.Set, opts ...Option) *Proxy {
	p := &Proxy{
		breakers:    breakers,
		client:      &http.Client{Transport: http.DefaultTransport},
		log:         slog.Default(),
		downstreams: map[string]Downstream{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Register adds or replaces a downstream.
func (p *Proxy) Register(d Downstream) {
	p.mu.Lock()
	p.downstreams[d.Name] = d
	p.mu.Unlock()
}

func (p *Proxy) Downstream(name string) (Downstream, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.downstreams[name]
	return d, ok
}

func (p *Proxy) Breakers() *breaker.Set { return p.breakers }

// Forward sends in to the named downstream. in.URL.Path is the path on the
// downstream (already rewritten) and its query string is kept. The returned
// response may carry a 5xx status; its body must be closed by the caller.
// A rejected request returns a *breaker.OpenError without any network call.
func (p *Proxy) Forward(ctx context.Context, downstream string, in *http.Request) (*http.Response, error) {
	d, ok := p.Downstream(downstream)
	if !ok {
		return nil, &DownstreamError{Downstream: downstream, Kind: ErrUnknownDownstream, Err: errors.New("not configured")}
	}
	b := p.breakers.Get(downstream)
	trial, err := b.Allow()
	if err != nil {
		metrics.ObserveProxy(downstream, "rejected", -1)
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, d.Timeout)
	out, err := p.outbound(rctx, d, in)
	if err != nil {
		cancel()
		b.Release(trial)
		return nil, &DownstreamError{Downstream: downstream, Kind: ErrTransport, Err: err}
	}

	start := time.Now()
	resp, err := p.client.Do(out)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		cancel()
		kind := classify(ctx, rctx, err)
		if errors.Is(kind, ErrCanceled) {
			b.Release(trial)
			metrics.ObserveProxy(downstream, "canceled", -1)
		} else {
			b.Record(trial, false)
			metrics.ObserveProxy(downstream, outcomeLabel(kind), elapsed)
			p.log.Warn("downstream request failed", "downstream", downstream, "kind", kind.Error(), "trial", trial, "error", err)
		}
		return nil, &DownstreamError{Downstream: downstream, Kind: kind, Err: err}
	}

	success := resp.StatusCode < http.StatusInternalServerError
	b.Record(trial, success)
	if success {
		metrics.ObserveProxy(downstream, "success", elapsed)
	} else {
		metrics.ObserveProxy(downstream, "server_error", elapsed)
		p.log.Warn("downstream returned server error", "downstream", downstream, "status", resp.StatusCode, "trial", trial)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (p *Proxy) outbound(ctx context.Context, d Downstream, in *http.Request) (*http.Request, error) {
	u := *d.BaseURL
	u.Path = joinPath(d.BaseURL.Path, in.URL.Path)
	u.RawPath = ""
	u.RawQuery = in.URL.RawQuery

	var body io.Reader
	if in.Body != nil && in.Body != http.NoBody {
		body = in.Body
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = in.ContentLength
	for _, h := range forwardedHeaders {
		if vs := in.Header.Values(h); len(vs) > 0 {
			out.Header[http.CanonicalHeaderKey(h)] = append([]string(nil), vs...)
		}
	}
	if ip := clientIP(in); ip != "" {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	if in.Host != "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	return out, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// classify decides the failure kind of a transport error. parent is the
// caller's context, rctx the one carrying the downstream deadline.
func classify(parent, rctx context.Context, err error) error {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		return ErrCanceled
	}
	if errors.Is(rctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrUnreachable
	}
	return ErrTransport
}

func outcomeLabel(kind error) string {
	switch {
	case errors.Is(kind, ErrTimeout):
		return "timeout"
	case errors.Is(kind, ErrUnreachable):
		return "unreachable"
	default:
		return "transport"
	}
}

// CopyHeaders copies response headers minus hop-by-hop ones.
func CopyHeaders(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	if c := src.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				dst.Del(f)
			}
		}
	}
}

// Relay writes resp to w and closes its body.
func Relay(w http.ResponseWriter, resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	CopyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("relay body: %w", err)
	}
	return nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
