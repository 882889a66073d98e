package probe

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
)

// Overall readiness values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Target is a dependency checked through its health URL.
type Target struct {
	Name string
	URL  string
}

// HealthURL appends /health to a service base URL.
func HealthURL(base string) string {
	return strings.TrimRight(base, "/") + "/health"
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// OpenDatabase opens a pooled connection through the pgx stdlib driver. No
// connection is made until the first ping.
func OpenDatabase(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)
	return db, nil
}

// Checks lists the individual probe results of a Report.
type Checks struct {
	Database     string            `json:"database"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Report is the readiness document of the gateway.
type Report struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Checks    Checks    `json:"checks"`
}

// HTTPStatus is 503 only when the database is unreachable; unavailable
// dependencies degrade the report without failing it.
func (r Report) HTTPStatus() int {
	if r.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Monitor checks the database and the dependency targets.
type Monitor struct {
	db      Pinger
	targets []Target
	client  *http.Client
	timeout time.Duration
	version string
	log     *slog.Logger
	onPanic func(any)

	mu     sync.RWMutex
	latest *Report
	cron   *cron.Cron
}

type MonitorOptions struct {
	DB      Pinger
	Targets []Target
	Client  *http.Client
	Timeout time.Duration
	Version string
	Logger  *slog.Logger
	// OnPanic receives panics recovered from probe goroutines. Nil
	// re-raises them.
	OnPanic func(v any)
}

func NewMonitor(o MonitorOptions) *Monitor {
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	return &Monitor{db: o.DB, targets: o.Targets, client: o.Client, timeout: o.Timeout, version: o.Version, log: o.Logger, onPanic: o.OnPanic}
}

// Check runs every probe once, dependencies in parallel, and caches the
// report.
func (m *Monitor) Check(ctx context.Context) Report {
	rep := Report{Timestamp: time.Now().UTC(), Service: "api-gateway", Version: m.version}

	dbOK := true
	switch {
	case m.db == nil:
		rep.Checks.Database = "not_configured"
	default:
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.db.PingContext(pctx)
		cancel()
		if err != nil {
			dbOK = false
			rep.Checks.Database = "disconnected"
			m.log.Debug("database ping failed", "error", err)
		} else {
			rep.Checks.Database = "connected"
		}
	}

	degraded := false
	if len(m.targets) > 0 {
		rep.Checks.Dependencies = make(map[string]string, len(m.targets))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, t := range m.targets {
			wg.Add(1)
			go func(t Target) {
				defer wg.Done()
				healthy := m.probeTarget(ctx, t)
				state := "available"
				if !healthy {
					state = "unavailable"
				}
				mu.Lock()
				rep.Checks.Dependencies[t.Name] = state
				if !healthy {
					degraded = true
				}
				mu.Unlock()
			}(t)
		}
		wg.Wait()
	}

	switch {
	case !dbOK:
		rep.Status = StatusUnhealthy
	case degraded:
		rep.Status = StatusDegraded
	default:
		rep.Status = StatusHealthy
	}

	// A check cut short by the caller says nothing about the dependencies.
	if ctx.Err() != nil {
		return rep
	}
	m.mu.Lock()
	prev := m.latest
	m.latest = &rep
	m.mu.Unlock()
	if prev != nil && prev.Status != rep.Status {
		m.log.Warn("readiness changed", "from", prev.Status, "to", rep.Status, "dependencies", rep.Checks.Dependencies)
	}
	return rep
}

// probeTarget reports a panicking probe as unhealthy.
func (m *Monitor) probeTarget(ctx context.Context, t Target) (healthy bool) {
	defer m.recoverPanic()
	res := CheckWithRetry(ctx, m.client, t.Name, t.URL, Retry{Attempts: 1, Timeout: m.timeout}, StatusOK)
	return res.Healthy
}

func (m *Monitor) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	if m.onPanic == nil {
		panic(r)
	}
	m.onPanic(r)
}

// guardJob routes panics of scheduled checks to the panic hook.
func (m *Monitor) guardJob(j cron.Job) cron.Job {
	return cron.FuncJob(func() {
		defer m.recoverPanic()
		j.Run()
	})
}

// Ready runs a live check. When ctx ends before the probes finish, the last
// complete report is returned instead, if there is one.
func (m *Monitor) Ready(ctx context.Context) Report {
	rep := m.Check(ctx)
	if ctx.Err() == nil {
		return rep
	}
	if cached, ok := m.Latest(); ok {
		return cached
	}
	return rep
}

// Latest returns the last cached report.
func (m *Monitor) Latest() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Report{}, false
	}
	return *m.latest, true
}

// Schedule runs Check on a cron schedule such as "@every 15s" or
// "*/30 * * * * *" until Stop.
func (m *Monitor) Schedule(spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("probe schedule already running")
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(m.guardJob, cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { m.Check(context.Background()) }); err != nil {
		return fmt.Errorf("invalid probe schedule %q: %w", spec, err)
	}
	c.Start()
	m.cron = c
	m.log.Info("dependency probes scheduled", "schedule", spec, "targets", len(m.targets))
	return nil
}

// Stop halts the schedule and waits for a running check to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
