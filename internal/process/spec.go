package process

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/sama-wellness/orchestrator/internal/logger"
)

// Spec describes a managed service process. It is immutable once the fleet
// is started; startup order is the order of specs in the fleet list.
type Spec struct {
	Name    string        `json:"name" mapstructure:"name"`
	Command string        `json:"command" mapstructure:"command"` // executable, or a full command line when Args is empty
	Args    []string      `json:"args" mapstructure:"args"`
	WorkDir string        `json:"work_dir" mapstructure:"work_dir"`
	Env     []string      `json:"env" mapstructure:"env"`     // KEY=VALUE overrides applied over the parent environment
	Color   string        `json:"color" mapstructure:"color"` // log tag color (name or raw ANSI sequence)
	Log     logger.Config `json:"log" mapstructure:"log"`
}

// Validate checks the fields required to spawn the process.
func (s *Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\") {
		return fmt.Errorf("service %q: name contains whitespace or path separators", name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %q requires command", name)
	}
	for i, kv := range s.Env {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("service %q: env[%d] %q must be KEY=VALUE", name, i, kv)
		}
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the spec. When Args is set the
// command is executed directly. Otherwise Command is treated as a command line:
// it is split on whitespace, or handed to the platform shell when it contains
// shell metacharacters or already starts with an explicit "sh -c".
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script verbatim, stripping one pair of surrounding quotes.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
