package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	NoColor    bool
}

// UpFlags holds flags for the up command
type UpFlags struct {
	Gateway bool
}

// HealthCheckFlags holds flags for the health-check command
type HealthCheckFlags struct {
	All      bool
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		createUpCommand(globalFlags, &UpFlags{}),
		createGatewayCommand(globalFlags),
		createCheckEnvCommand(globalFlags),
		createHealthCheckCommand(globalFlags, &HealthCheckFlags{}),
		createStatusCommand(&StatusFlags{}),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "samactl",
		Short: "Run and guard the Sama Wellness service fleet",
		Long: `samactl validates the environment, starts the service fleet in order,
fronts the check-in services with a circuit-breaking gateway and stops
everything in reverse order on Ctrl+C or SIGTERM.

Examples:
  samactl check-env                  # Validate .env without starting anything
  samactl up                         # Start the fleet
  samactl up --gateway               # Start the fleet and the gateway
  samactl gateway                    # Run only the gateway
  samactl health-check --all         # Probe every downstream /health`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error (default from LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "disable colored log output")
	return root
}

func createUpCommand(globalFlags *GlobalFlags, upFlags *UpFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the service fleet",
		Long: `Validate the environment, then start every configured service in order.
Startup stops at the first service that fails to spawn or exits within its
grace window; services already started are stopped again and samactl exits 1.

Examples:
  samactl up
  samactl up --gateway
  samactl up checkin-chat checkin-voice     # Start a subset, in config order
  samactl up --config=./samactl.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(cmd.Context(), globalFlags, upFlags, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&upFlags.Gateway, "gateway", false, "also serve the API gateway in this process")
	return cmd
}

func createGatewayCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the API gateway only",
		Long: `Serve /health, /health/ready, /metrics and the proxied check-in routes
without supervising any process.

Examples:
  samactl gateway
  PORT=8080 samactl gateway`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(globalFlags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func createCheckEnvCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-env",
		Short: "Validate required environment variables",
		Long: `Load the configured .env files and check every required variable.
All problems are reported at once; the exit code is 1 when any is found.

Examples:
  samactl check-env
  APP_ENV=production samactl check-env`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckEnv(globalFlags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func createHealthCheckCommand(globalFlags *GlobalFlags, flags *HealthCheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health-check [name url]",
		Short: "Probe downstream health endpoints",
		Long: `Poll /health of one service, or of every configured downstream with --all.
A service is healthy when it answers 200 with {"status":"healthy"}.
Each probe is retried with exponential backoff.

Examples:
  samactl health-check --all
  samactl health-check checkin-chat http://localhost:8000/health
  samactl health-check --all --attempts=5 --backoff=500ms`,
		Args: func(cmd *cobra.Command, args []string) error {
			if flags.All && len(args) > 0 {
				return fmt.Errorf("--all takes no arguments")
			}
			if !flags.All && len(args) != 2 {
				return fmt.Errorf("expected <name> <url> or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthCheck(cmd.Context(), globalFlags, flags, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.All, "all", false, "check every configured downstream")
	cmd.Flags().IntVar(&flags.Attempts, "attempts", 3, "attempts per service")
	cmd.Flags().DurationVar(&flags.Backoff, "backoff", time.Second, "initial backoff between attempts, doubled each retry")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 5*time.Second, "per-attempt timeout")
	return cmd
}

func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show services and breakers of a running gateway",
		Long: `Query the debug endpoints of a running samactl gateway.

Examples:
  samactl status
  samactl status --api-url=http://remote:5000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://localhost:5000", "gateway base URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the samactl version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "samactl", version)
		},
	}
}
