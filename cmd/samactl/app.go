package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sama-wellness/orchestrator/internal/breaker"
	"github.com/sama-wellness/orchestrator/internal/config"
	"github.com/sama-wellness/orchestrator/internal/env"
	"github.com/sama-wellness/orchestrator/internal/envgate"
	"github.com/sama-wellness/orchestrator/internal/logger"
	"github.com/sama-wellness/orchestrator/internal/metrics"
	"github.com/sama-wellness/orchestrator/internal/probe"
	"github.com/sama-wellness/orchestrator/internal/proxy"
	"github.com/sama-wellness/orchestrator/internal/server"
	gwtls "github.com/sama-wellness/orchestrator/internal/tls"
)

// app bundles what every long-running command needs.
type app struct {
	cfg *config.Config
	env *env.Env
	log *slog.Logger
}

// loadRuntime reads the config file, layers env and env_files over the OS
// environment and builds the process logger.
func loadRuntime(g *GlobalFlags, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	e := env.New()
	e.FromOS()
	for _, kv := range cfg.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("env entry %q must be KEY=VALUE", kv)
		}
		e.Set(strings.TrimSpace(k), v)
	}
	for _, f := range cfg.EnvFiles {
		p := f
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.Root, p)
		}
		if err := e.LoadFile(p, false); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
	}

	level := g.LogLevel
	if level == "" {
		level = e.Get(envgate.KeyLogLevel)
	}
	if level == "" {
		level = cfg.LogLevel
	}
	log := logger.New(logger.Options{Level: level, Format: cfg.LogFormat, Color: !g.NoColor, Output: stderr})
	return &app{cfg: cfg, env: e, log: log}, nil
}

// gate runs the environment gate over required and present optional keys.
func gate(lookup envgate.LookupFunc) envgate.Result {
	vs := envgate.DefaultValidators()
	res := envgate.Validate(lookup, envgate.DefaultRequired(), vs)
	opt := envgate.ValidateOptional(lookup, envgate.DefaultOptional(), vs)
	res.Missing = append(res.Missing, opt.Missing...)
	res.Errors = append(res.Errors, opt.Errors...)
	res.OK = len(res.Missing) == 0
	return res
}

// checkEnvironment prints the gate report on failure, otherwise the masked
// summary (or production warnings) on stdout.
func (rt *app) checkEnvironment(stdout, stderr io.Writer) error {
	res := gate(rt.env.Lookup)
	if !res.OK {
		_, _ = fmt.Fprint(stderr, res.Report())
		return res.Err()
	}
	mode, warn := envgate.RunMode(rt.env.Lookup)
	if warn != "" {
		rt.log.Warn(warn)
	}
	if mode == "production" {
		for _, w := range envgate.ProductionWarnings(rt.env.Lookup) {
			rt.log.Warn("production configuration warning", "warning", w)
		}
		return nil
	}
	_, _ = fmt.Fprintln(stdout, "Configuration summary:")
	for _, line := range envgate.Summary(rt.env.Lookup) {
		_, _ = fmt.Fprintln(stdout, "  "+line)
	}
	return nil
}

func (rt *app) registerMetrics() http.Handler {
	if !rt.cfg.Gateway.Metrics {
		return nil
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		rt.log.Warn("metrics registration failed", "error", err)
		return nil
	}
	return metrics.Handler()
}

// gateway is the assembled HTTP surface.
type gateway struct {
	srv     *http.Server
	monitor *probe.Monitor
	db      io.Closer
}

// buildGateway wires breakers, proxy, readiness probes and the router.
// fleet and resources may be nil when no services are supervised. Panics on
// probe goroutines go to onPanic.
func (rt *app) buildGateway(fleet server.Fleet, resources *metrics.ResourceCollector, metricsHandler http.Handler, onPanic func(any)) (*gateway, error) {
	cfg, log := rt.cfg, rt.log
	tlsCfg, err := gwtls.Setup(cfg.Gateway.TLS)
	if err != nil {
		return nil, err
	}

	setOpts := []breaker.SetOption{breaker.OnStateChange(func(d string, from, to breaker.State) {
		metrics.RecordBreakerTransition(d, from.String(), to.String(), int(to))
		log.Warn("circuit breaker state changed", "downstream", d, "from", from.String(), "to", to.String())
	})}
	for name, p := range cfg.Overrides {
		setOpts = append(setOpts, breaker.WithOverride(name, p))
	}
	px := proxy.New(breaker.NewSet(cfg.Policy, setOpts...), proxy.WithLogger(log))

	var targets []probe.Target
	for _, dc := range cfg.Downstream {
		raw, err := config.DownstreamURL(dc, rt.env.Lookup)
		if err != nil {
			return nil, err
		}
		d, err := proxy.NewDownstream(dc.Name, raw, dc.Timeout)
		if err != nil {
			return nil, err
		}
		px.Register(d)
		targets = append(targets, probe.Target{Name: dc.Name, URL: probe.HealthURL(raw)})
	}

	g := &gateway{}
	mo := probe.MonitorOptions{Targets: targets, Timeout: cfg.Probe.Timeout, Version: version, Logger: log, OnPanic: onPanic}
	if dsn := rt.env.Get(envgate.KeyDatabaseURL); dsn != "" {
		db, err := probe.OpenDatabase(dsn)
		if err != nil {
			return nil, err
		}
		mo.DB, g.db = db, db
	}
	g.monitor = probe.NewMonitor(mo)

	eff := envgate.Defaults(rt.env.Lookup, envgate.DefaultOptional())
	origins := cfg.Gateway.AllowedOrigins
	if len(origins) == 0 {
		origins = server.SplitOrigins(eff[envgate.KeyAllowedOrigins])
	}
	listen := cfg.Gateway.Listen
	if listen == "" {
		listen = ":" + eff[envgate.KeyPort]
	}

	r := server.NewRouter(server.Options{
		Proxy:          px,
		Routes:         cfg.Routes,
		Monitor:        g.monitor,
		Fleet:          fleet,
		Resources:      resources,
		AllowedOrigins: origins,
		Metrics:        metricsHandler,
		Debug:          cfg.Gateway.Debug,
		Version:        version,
		Logger:         log,
	})
	g.srv = server.NewServer(listen, r.Handler())
	g.srv.TLSConfig = tlsCfg
	return g, nil
}

// start begins serving and scheduling probes. The serve loop runs through
// spawn; serve errors other than a clean close are passed to onErr.
func (g *gateway) start(log *slog.Logger, schedule string, spawn func(func()), onErr func(error)) {
	if schedule != "" {
		if err := g.monitor.Schedule(schedule); err != nil {
			log.Warn("probe schedule disabled", "error", err)
		}
	}
	spawn(func() {
		var err error
		if g.srv.TLSConfig != nil {
			log.Info("gateway listening", "addr", g.srv.Addr, "tls", true)
			err = g.srv.ListenAndServeTLS("", "")
		} else {
			log.Info("gateway listening", "addr", g.srv.Addr)
			err = g.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			onErr(err)
		}
	})
}
