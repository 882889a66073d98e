package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sama-wellness/orchestrator/internal/breaker"
	"github.com/sama-wellness/orchestrator/internal/metrics"
	"github.com/sama-wellness/orchestrator/internal/probe"
	"github.com/sama-wellness/orchestrator/internal/process"
	"github.com/sama-wellness/orchestrator/internal/proxy"
)

// Fleet is the read side of the supervisor used by the debug endpoints.
type Fleet interface {
	Statuses() []process.Status
}

// Options configures the gateway router. Proxy and Routes are required;
// everything else is optional.
type Options struct {
	Proxy          *proxy.Proxy
	Routes         []proxy.Route
	Monitor        *probe.Monitor
	Fleet          Fleet
	Resources      *metrics.ResourceCollector
	AllowedOrigins []string
	Metrics        http.Handler
	Debug          bool
	Version        string
	Logger         *slog.Logger
	// ReadyTimeout bounds the live readiness check; past it the last
	// scheduled report is served. Defaults to DefaultReadyTimeout.
	ReadyTimeout time.Duration
}

const DefaultReadyTimeout = 3 * time.Second

// Router serves the gateway:
//
//	GET /health          liveness, always 200
//	GET /health/ready    database and dependency probes plus breaker states
//	GET /metrics         prometheus exposition (when enabled)
//	GET /debug/services  supervised process statuses (when enabled)
//	GET /debug/breakers  breaker snapshots (when enabled)
//	*   <route prefix>   forwarded through the circuit breaker
type Router struct {
	opts Options
	log  *slog.Logger
}

func NewRouter(o Options) *Router {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	return &Router{opts: o, log: o.Logger}
}

// Handler returns the gin engine as an http.Handler.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestLog(r.log), cors(r.opts.AllowedOrigins))
	g.GET("/health", r.handleHealth)
	g.GET("/health/ready", r.handleReady)
	if r.opts.Metrics != nil {
		g.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}
	if r.opts.Debug {
		g.GET("/debug/services", r.handleDebugServices)
		g.GET("/debug/breakers", r.handleDebugBreakers)
	}
	g.NoRoute(r.handleProxy)
	return g
}

// NewServer wraps h in an http.Server with conservative timeouts. The write
// timeout leaves room for the slowest downstream round trip.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      proxy.DefaultTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type healthResp struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

type readyResp struct {
	probe.Report
	Breakers []breaker.Snapshot `json:"breakers"`
}

type serviceResp struct {
	process.Status
	Uptime    string             `json:"uptime,omitempty"`
	Resources *metrics.Resources `json:"resources,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "api-gateway",
		Version:   r.opts.Version,
	})
}

func (r *Router) handleReady(c *gin.Context) {
	var rep probe.Report
	if r.opts.Monitor != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), r.opts.ReadyTimeout)
		rep = r.opts.Monitor.Ready(ctx)
		cancel()
	} else {
		rep = probe.Report{
			Status:    probe.StatusHealthy,
			Timestamp: time.Now().UTC(),
			Service:   "api-gateway",
			Version:   r.opts.Version,
			Checks:    probe.Checks{Database: "not_configured"},
		}
	}
	writeJSON(c, rep.HTTPStatus(), readyResp{Report: rep, Breakers: r.opts.Proxy.Breakers().Snapshot()})
}

func (r *Router) handleDebugServices(c *gin.Context) {
	if r.opts.Fleet == nil {
		writeJSON(c, http.StatusOK, []serviceResp{})
		return
	}
	now := time.Now()
	sts := r.opts.Fleet.Statuses()
	out := make([]serviceResp, 0, len(sts))
	for _, st := range sts {
		sr := serviceResp{Status: st}
		if !st.StartedAt.IsZero() && st.StoppedAt.IsZero() {
			sr.Uptime = now.Sub(st.StartedAt).Truncate(time.Second).String()
		}
		if r.opts.Resources != nil {
			if res, ok := r.opts.Resources.Get(st.Name); ok {
				sr.Resources = &res
			}
		}
		out = append(out, sr)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleDebugBreakers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.opts.Proxy.Breakers().Snapshot())
}

func (r *Router) handleProxy(c *gin.Context) {
	path := c.Request.URL.Path
	route, ok := proxy.Match(r.opts.Routes, path)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "Not Found", Message: "Route " + path + " not found"})
		return
	}

	out := c.Request.Clone(c.Request.Context())
	u := *c.Request.URL
	u.Path = route.Target(path)
	u.RawPath = ""
	out.URL = &u

	resp, err := r.opts.Proxy.Forward(c.Request.Context(), route.Downstream, out)
	if err != nil {
		f := proxy.Describe(route.Downstream, err)
		if f.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(proxy.RetryAfterSeconds(f.RetryAfter)))
		}
		writeJSON(c, f.Status, f.Body)
		return
	}
	if err := proxy.Relay(c.Writer, resp); err != nil {
		r.log.Debug("relay interrupted", "downstream", route.Downstream, "error", err)
	}
}
