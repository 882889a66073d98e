package process

import (
	"runtime"
	"strings"
	"testing"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// An explicit "sh -c" prefix must not be wrapped in a second shell.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "x", Command: "sh -c 'echo hi'"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[1] != "-c" {
		t.Fatalf("expected -c as second arg, got %#v", cmd.Args)
	}
	if strings.HasPrefix(cmd.Args[2], "sh -c ") || cmd.Args[2] != "echo hi" {
		t.Fatalf("command was double-wrapped or kept quotes: %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "y", Command: "echo hi | wc -c"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_ExplicitArgsUsedVerbatim(t *testing.T) {
	s := Spec{Name: "chat", Command: "python", Args: []string{"-m", "uvicorn", "app.main:app", "--port", "8000"}}
	cmd := s.BuildCommand()
	want := []string{"python", "-m", "uvicorn", "app.main:app", "--port", "8000"}
	if strings.Join(cmd.Args, " ") != strings.Join(want, " ") {
		t.Fatalf("argv = %#v, want %#v", cmd.Args, want)
	}
}

func TestBuildCommand_SplitsPlainCommandLine(t *testing.T) {
	s := Spec{Name: "web", Command: "npm run dev"}
	cmd := s.BuildCommand()
	if len(cmd.Args) != 3 || cmd.Args[1] != "run" || cmd.Args[2] != "dev" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		errContains string
	}{
		{name: "valid", spec: Spec{Name: "checkin-chat", Command: "python"}},
		{name: "empty name", spec: Spec{Command: "python"}, errContains: "name is required"},
		{name: "whitespace name", spec: Spec{Name: "   ", Command: "python"}, errContains: "name is required"},
		{name: "path in name", spec: Spec{Name: "a/b", Command: "python"}, errContains: "path separators"},
		{name: "no command", spec: Spec{Name: "a"}, errContains: "requires command"},
		{name: "bad env", spec: Spec{Name: "a", Command: "x", Env: []string{"NOEQUALS"}}, errContains: "KEY=VALUE"},
		{name: "empty env key", spec: Spec{Name: "a", Command: "x", Env: []string{"=v"}}, errContains: "KEY=VALUE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

func TestPhase_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseStarting, PhaseRunning, true},
		{PhaseRunning, PhaseStopping, true},
		{PhaseStopping, PhaseStopped, true},
		{PhaseStarting, PhaseStopping, true},
		{PhaseStarting, PhaseFailed, true},
		{PhaseRunning, PhaseFailed, true},
		{PhaseRunning, PhaseStarting, false},
		{PhaseStopping, PhaseRunning, false},
		{PhaseStopped, PhaseFailed, false},
		{PhaseFailed, PhaseStopped, false},
		{PhaseRunning, PhaseRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
