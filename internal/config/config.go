// Package config loads the samactl TOML file through viper and resolves it
// into runtime types. Every section is optional; missing sections fall back
// to the local development fleet.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sama-wellness/orchestrator/internal/breaker"
	"github.com/sama-wellness/orchestrator/internal/logger"
	"github.com/sama-wellness/orchestrator/internal/process"
	"github.com/sama-wellness/orchestrator/internal/proxy"
	gwtls "github.com/sama-wellness/orchestrator/internal/tls"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Root       string             `toml:"root" mapstructure:"root"`
	Env        []string           `toml:"env" mapstructure:"env"`
	EnvFiles   []string           `toml:"env_files" mapstructure:"env_files"`
	LogLevel   string             `toml:"log_level" mapstructure:"log_level"`
	LogFormat  string             `toml:"log_format" mapstructure:"log_format"`
	Log        *LogConfig         `toml:"log" mapstructure:"log"`
	Supervisor SupervisorConfig   `toml:"supervisor" mapstructure:"supervisor"`
	Services   []ServiceConfig    `toml:"services" mapstructure:"services"`
	Breaker    BreakerConfig      `toml:"breaker" mapstructure:"breaker"`
	Downstream []DownstreamConfig `toml:"downstreams" mapstructure:"downstreams"`
	Routes     []proxy.Route      `toml:"routes" mapstructure:"routes"`
	Gateway    GatewayConfig      `toml:"gateway" mapstructure:"gateway"`
	History    HistoryConfig      `toml:"history" mapstructure:"history"`
	Probe      ProbeConfig        `toml:"probe" mapstructure:"probe"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type SupervisorConfig struct {
	Grace       time.Duration `toml:"grace" mapstructure:"grace"`
	StartDelay  time.Duration `toml:"start_delay" mapstructure:"start_delay"`
	StopTimeout time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	PIDFile     string        `toml:"pid_file" mapstructure:"pid_file"`
}

type ServiceConfig struct {
	Name    string     `toml:"name" mapstructure:"name"`
	Command string     `toml:"command" mapstructure:"command"`
	Args    []string   `toml:"args" mapstructure:"args"`
	WorkDir string     `toml:"workdir" mapstructure:"workdir"`
	Env     []string   `toml:"env" mapstructure:"env"`
	Color   string     `toml:"color" mapstructure:"color"`
	Log     *LogConfig `toml:"log" mapstructure:"log"`
}

type BreakerConfig struct {
	Threshold int               `toml:"threshold" mapstructure:"threshold"`
	Cooldown  time.Duration     `toml:"cooldown" mapstructure:"cooldown"`
	Overrides []BreakerOverride `toml:"overrides" mapstructure:"overrides"`
}

type BreakerOverride struct {
	Downstream string        `toml:"downstream" mapstructure:"downstream"`
	Threshold  int           `toml:"threshold" mapstructure:"threshold"`
	Cooldown   time.Duration `toml:"cooldown" mapstructure:"cooldown"`
}

// DownstreamConfig names a backing service. Its base URL comes from URL or,
// when empty, from the environment variable URLEnv.
type DownstreamConfig struct {
	Name    string        `toml:"name" mapstructure:"name"`
	URL     string        `toml:"url" mapstructure:"url"`
	URLEnv  string        `toml:"url_env" mapstructure:"url_env"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type GatewayConfig struct {
	Listen         string       `toml:"listen" mapstructure:"listen"`
	AllowedOrigins []string     `toml:"allowed_origins" mapstructure:"allowed_origins"`
	Metrics        bool         `toml:"metrics" mapstructure:"metrics"`
	Debug          bool         `toml:"debug" mapstructure:"debug"`
	TLS            gwtls.Config `toml:"tls" mapstructure:"tls"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type ProbeConfig struct {
	Schedule string        `toml:"schedule" mapstructure:"schedule"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// Config is the resolved configuration.
type Config struct {
	FileConfig
	Specs     []process.Spec
	Policy    breaker.Policy
	Overrides map[string]breaker.Policy
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("supervisor.grace", "1s")
	v.SetDefault("supervisor.start_delay", "500ms")
	v.SetDefault("supervisor.stop_timeout", "5s")
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")
	v.SetDefault("gateway.metrics", true)
	v.SetDefault("gateway.debug", true)
	v.SetDefault("probe.schedule", "@every 15s")
	v.SetDefault("probe.timeout", "5s")
}

// Load reads path (TOML) and resolves it. An empty path yields the defaults.
// Scalar keys may be overridden by SAMA_* environment variables, e.g.
// SAMA_GATEWAY_LISTEN or SAMA_BREAKER_THRESHOLD.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("sama")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if path != "" && !filepath.IsAbs(fc.Root) {
		fc.Root = filepath.Join(filepath.Dir(path), fc.Root)
	}
	return resolve(fc)
}

func resolve(fc FileConfig) (*Config, error) {
	if p := fc.Supervisor.PIDFile; p != "" && !filepath.IsAbs(p) {
		fc.Supervisor.PIDFile = filepath.Join(fc.Root, p)
	}
	if d := fc.Gateway.TLS.Dir; d != "" && !filepath.IsAbs(d) {
		fc.Gateway.TLS.Dir = filepath.Join(fc.Root, d)
	}
	if len(fc.Services) == 0 {
		fc.Services = DefaultServices()
	}
	if len(fc.Downstream) == 0 {
		fc.Downstream = DefaultDownstreams()
	}
	if len(fc.Routes) == 0 {
		fc.Routes = proxy.DefaultRoutes()
	}

	cfg := &Config{
		FileConfig: fc,
		Policy:     breaker.Policy{Threshold: fc.Breaker.Threshold, Cooldown: fc.Breaker.Cooldown},
		Overrides:  map[string]breaker.Policy{},
	}
	for _, o := range fc.Breaker.Overrides {
		if o.Downstream == "" {
			return nil, fmt.Errorf("breaker override requires downstream")
		}
		p := cfg.Policy
		if o.Threshold > 0 {
			p.Threshold = o.Threshold
		}
		if o.Cooldown > 0 {
			p.Cooldown = o.Cooldown
		}
		cfg.Overrides[o.Downstream] = p
	}

	known := map[string]bool{}
	for _, d := range fc.Downstream {
		if d.Name == "" {
			return nil, fmt.Errorf("downstream requires name")
		}
		if d.URL == "" && d.URLEnv == "" {
			return nil, fmt.Errorf("downstream %s requires url or url_env", d.Name)
		}
		known[d.Name] = true
	}
	for _, r := range fc.Routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", r.Prefix)
		}
		if !known[r.Downstream] {
			return nil, fmt.Errorf("route %s references unknown downstream %s", r.Prefix, r.Downstream)
		}
	}

	seen := map[string]bool{}
	for _, sc := range fc.Services {
		if seen[sc.Name] {
			return nil, fmt.Errorf("duplicate service name %q", sc.Name)
		}
		seen[sc.Name] = true
		s := process.Spec{
			Name:    sc.Name,
			Command: sc.Command,
			Args:    sc.Args,
			WorkDir: sc.WorkDir,
			Env:     sc.Env,
			Color:   sc.Color,
			Log:     mergeLog(fc.Log, sc.Log),
		}
		if s.WorkDir != "" && !filepath.IsAbs(s.WorkDir) {
			s.WorkDir = filepath.Join(fc.Root, s.WorkDir)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		cfg.Specs = append(cfg.Specs, s)
	}
	return cfg, nil
}

// mergeLog starts from the top-level defaults and applies per-service values.
func mergeLog(global, local *LogConfig) logger.Config {
	var c logger.Config
	if global != nil {
		c = logger.Config{
			Dir:        global.Dir,
			StdoutPath: global.Stdout,
			StderrPath: global.Stderr,
			MaxSizeMB:  global.MaxSizeMB,
			MaxBackups: global.MaxBackups,
			MaxAgeDays: global.MaxAgeDays,
			Compress:   global.Compress,
		}
	}
	if local == nil {
		return c
	}
	if local.Dir != "" {
		c.Dir = local.Dir
	}
	if local.Stdout != "" {
		c.StdoutPath = local.Stdout
	}
	if local.Stderr != "" {
		c.StderrPath = local.Stderr
	}
	if local.MaxSizeMB != 0 {
		c.MaxSizeMB = local.MaxSizeMB
	}
	if local.MaxBackups != 0 {
		c.MaxBackups = local.MaxBackups
	}
	if local.MaxAgeDays != 0 {
		c.MaxAgeDays = local.MaxAgeDays
	}
	if local.Compress {
		c.Compress = true
	}
	return c
}

// DefaultServices is the local development fleet in start order: the two
// check-in services first so the gateway finds them listening.
func DefaultServices() []ServiceConfig {
	npm := "npm"
	if runtime.GOOS == "windows" {
		npm = "npm.cmd"
	}
	return []ServiceConfig{
		{
			Name:    "checkin-chat",
			Command: "python",
			Args:    []string{"-m", "uvicorn", "app.main:app", "--reload", "--port", "8000"},
			WorkDir: "checkin-chat/files",
			Env:     []string{"PORT=8000"},
			Color:   "cyan",
		},
		{
			Name:    "checkin-voice",
			Command: "python",
			Args:    []string{"api_server.py"},
			WorkDir: "checkin-voice/sama-voice-agentcode/local-voice-ai-agent",
			Env:     []string{"PORT=8001"},
			Color:   "magenta",
		},
		{Name: "backend", Command: npm, Args: []string{"run", "dev"}, WorkDir: "new_backend", Color: "green"},
		{Name: "frontend", Command: npm, Args: []string{"run", "dev"}, WorkDir: "frontend", Color: "blue"},
	}
}

// DefaultDownstreams proxies to the check-in services whose URLs the
// environment gate requires.
func DefaultDownstreams() []DownstreamConfig {
	return []DownstreamConfig{
		{Name: "checkin-chat", URLEnv: "CHECKIN_CHAT_URL", Timeout: proxy.DefaultTimeout},
		{Name: "checkin-voice", URLEnv: "CHECKIN_VOICE_URL", Timeout: proxy.DefaultTimeout},
	}
}

// DownstreamURL resolves the base URL of d using lookup for URLEnv.
func DownstreamURL(d DownstreamConfig, lookup func(string) (string, bool)) (string, error) {
	if d.URL != "" {
		return d.URL, nil
	}
	if v, ok := lookup(d.URLEnv); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("downstream %s: %s is not set", d.Name, d.URLEnv)
}
