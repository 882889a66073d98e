package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sama-wellness/orchestrator/internal/config"
	"github.com/sama-wellness/orchestrator/internal/history"
	"github.com/sama-wellness/orchestrator/internal/history/factory"
	"github.com/sama-wellness/orchestrator/internal/logger"
	"github.com/sama-wellness/orchestrator/internal/metrics"
	"github.com/sama-wellness/orchestrator/internal/pidfile"
	"github.com/sama-wellness/orchestrator/internal/probe"
	"github.com/sama-wellness/orchestrator/internal/process"
	"github.com/sama-wellness/orchestrator/internal/shutdown"
	"github.com/sama-wellness/orchestrator/internal/supervisor"
)

const resourceInterval = 5 * time.Second

func runCheckEnv(g *GlobalFlags, stdout, stderr io.Writer) error {
	rt, err := loadRuntime(g, stderr)
	if err != nil {
		return err
	}
	if err := rt.checkEnvironment(stdout, stderr); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, "environment validation passed")
	return nil
}

// selectSpecs keeps the named specs in config order. No names selects all.
func selectSpecs(specs []process.Spec, names []string) ([]process.Spec, error) {
	if len(names) == 0 {
		return specs, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []process.Spec
	for _, s := range specs {
		if want[s.Name] {
			out = append(out, s)
			delete(want, s.Name)
		}
	}
	for n := range want {
		return nil, fmt.Errorf("unknown service %q", n)
	}
	return out, nil
}

func runUp(ctx context.Context, g *GlobalFlags, f *UpFlags, names []string, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := loadRuntime(g, stderr)
	if err != nil {
		return err
	}
	if err := rt.checkEnvironment(stdout, stderr); err != nil {
		return err
	}
	specs, err := selectSpecs(rt.cfg.Specs, names)
	if err != nil {
		return err
	}
	log := rt.log

	var lock *pidfile.File
	if path := rt.cfg.Supervisor.PIDFile; path != "" {
		if lock, err = pidfile.Acquire(path); err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
	}

	sinks, err := factory.NewSinks(rt.cfg.History.DSNs)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	hist := history.NewFanout(log, sinks...)
	metricsHandler := rt.registerMetrics()

	// the coordinator needs the supervisor as its fleet; panics can only
	// surface once services run, after coord is set
	var coord *shutdown.Coordinator
	onPanic := func(v any) { coord.HandlePanic(v) }
	sup := supervisor.New(supervisor.Options{
		Env:         rt.env,
		Grace:       rt.cfg.Supervisor.Grace,
		StartDelay:  rt.cfg.Supervisor.StartDelay,
		StopTimeout: rt.cfg.Supervisor.StopTimeout,
		Console:     logger.NewConsole(stdout),
		Logger:      log,
		History:     hist,
		OnPanic:     onPanic,
	})
	coord = shutdown.New(sup, shutdown.Options{
		StopTimeout: rt.cfg.Supervisor.StopTimeout,
		Logger:      log,
		Exit:        os.Exit,
	})
	defer coord.Recover()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	resources := metrics.NewResourceCollector(resourceInterval, sup.PIDs)
	coord.Go(func() { resources.Run(ctx) })

	if f.Gateway {
		gw, err := rt.buildGateway(sup, resources, metricsHandler, onPanic)
		if err != nil {
			_ = sup.CloseHistory(context.Background())
			_ = hist.Close()
			return err
		}
		coord.OnShutdown(func(sctx context.Context) {
			gw.monitor.Stop()
			_ = gw.srv.Shutdown(sctx)
			if gw.db != nil {
				_ = gw.db.Close()
			}
		})
		gw.start(log, rt.cfg.Probe.Schedule, coord.Go, func(err error) {
			log.Error("gateway stopped", "error", err)
			coord.Trigger("gateway failed", shutdown.ExitFatal)
		})
	}
	coord.OnShutdown(func(sctx context.Context) {
		cancel()
		if err := sup.CloseHistory(sctx); err != nil {
			log.Warn("history queue not drained", "error", err)
		}
		if err := hist.Close(); err != nil {
			log.Warn("history close failed", "error", err)
		}
		if lock != nil {
			_ = lock.Release()
		}
	})
	coord.Arm()

	log.Info("starting services", "count", len(specs))
	if err := sup.StartAll(ctx, specs); err != nil {
		if coord.InProgress() {
			<-coord.Done()
			return nil
		}
		log.Error("failed to start services", "error", err)
		coord.Shutdown("startup failed", shutdown.ExitFatal)
		return err
	}

	_, _ = fmt.Fprintln(stdout, "\n=== All services started ===")
	for _, st := range sup.Statuses() {
		_, _ = fmt.Fprintf(stdout, "  - %-14s pid %d\n", st.Name, st.PID)
	}
	_, _ = fmt.Fprintln(stdout, "\nPress Ctrl+C to stop all services")

	for {
		select {
		case err := <-sup.Failures():
			log.Warn("service is no longer running and will not be restarted", "error", err)
		case <-coord.Done():
			return nil
		}
	}
}

func runGateway(g *GlobalFlags, stdout, stderr io.Writer) error {
	rt, err := loadRuntime(g, stderr)
	if err != nil {
		return err
	}
	if err := rt.checkEnvironment(stdout, stderr); err != nil {
		return err
	}
	coord := shutdown.New(supervisor.New(supervisor.Options{Logger: rt.log}), shutdown.Options{Logger: rt.log})
	defer coord.Recover()
	gw, err := rt.buildGateway(nil, nil, rt.registerMetrics(), coord.HandlePanic)
	if err != nil {
		return err
	}
	coord.OnShutdown(func(ctx context.Context) {
		gw.monitor.Stop()
		_ = gw.srv.Shutdown(ctx)
		if gw.db != nil {
			_ = gw.db.Close()
		}
	})
	coord.Arm()

	serveErr := make(chan error, 1)
	gw.start(rt.log, rt.cfg.Probe.Schedule, coord.Go, func(err error) { serveErr <- err })
	select {
	case err := <-serveErr:
		coord.Shutdown("gateway failed", shutdown.ExitFatal)
		return err
	case <-coord.Done():
		if coord.Reason() == "panic" {
			return errors.New("gateway stopped after a panic")
		}
		return nil
	}
}

func runHealthCheck(ctx context.Context, g *GlobalFlags, f *HealthCheckFlags, args []string, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var targets []probe.Target
	if f.All {
		rt, err := loadRuntime(g, io.Discard)
		if err != nil {
			return err
		}
		for _, d := range rt.cfg.Downstream {
			raw, err := config.DownstreamURL(d, rt.env.Lookup)
			if err != nil {
				return err
			}
			targets = append(targets, probe.Target{Name: d.Name, URL: probe.HealthURL(raw)})
		}
	} else {
		targets = []probe.Target{{Name: args[0], URL: args[1]}}
	}

	r := probe.Retry{Attempts: f.Attempts, Backoff: f.Backoff, Timeout: f.Timeout}
	client := &http.Client{}
	unhealthy := 0
	for _, t := range targets {
		res := probe.CheckWithRetry(ctx, client, t.Name, t.URL, r, probe.ReportsHealthy)
		if res.Healthy {
			_, _ = fmt.Fprintf(stdout, "✓ %s is healthy (%s)\n", t.Name, res.Latency.Round(time.Millisecond))
			continue
		}
		unhealthy++
		_, _ = fmt.Fprintf(stdout, "✗ %s is unhealthy after %d attempt(s): %s\n", t.Name, res.Attempts, res.Error)
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d of %d services unhealthy", unhealthy, len(targets))
	}
	_, _ = fmt.Fprintln(stdout, "all services healthy")
	return nil
}

func runStatus(f *StatusFlags, stdout io.Writer) error {
	c := NewAPIClient(f.APIUrl, f.APITimeout)
	svcs, err := c.Services()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, "SERVICES")
	for _, s := range svcs {
		line := fmt.Sprintf("  %-14s %-9s pid=%d", s.Name, s.Phase, s.PID)
		if s.Uptime != "" {
			line += " uptime=" + s.Uptime
		}
		if s.Resources != nil {
			line += fmt.Sprintf(" rss=%.1fMB cpu=%.1f%%", s.Resources.MemoryMB, s.Resources.CPUPercent)
		}
		_, _ = fmt.Fprintln(stdout, line)
	}
	brs, err := c.Breakers()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, "BREAKERS")
	for _, b := range brs {
		_, _ = fmt.Fprintf(stdout, "  %-14s %-9s failures=%d/%d\n", b.Downstream, b.State, b.Failures, b.Threshold)
	}
	return nil
}
