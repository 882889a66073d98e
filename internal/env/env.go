package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to child processes: the parent's
// environment, then values loaded from .env files, then per-service overrides.
type Env struct {
	Var Var // global variables (K->V), applied over the base
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// FromList sets the base from "K=V" pairs instead of the OS environment.
func (e *Env) FromList(kvs []string) {
	e.env = parse(kvs)
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Lookup resolves k from the global variables first, then the base.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	if e.env == nil {
		e.FromOS()
	}
	v, ok := e.env[k]
	return v, ok
}

// Get returns the value of k or "" when unset.
func (e *Env) Get(k string) string {
	v, _ := e.Lookup(k)
	return v
}

// LoadFile reads a .env file into the global variables. Keys already present
// in the base environment are kept unless override is true, so an exported
// shell variable wins over the file.
func (e *Env) LoadFile(path string, override bool) error {
	m, err := ReadFile(path)
	if err != nil {
		return err
	}
	if e.env == nil {
		e.FromOS()
	}
	for k, v := range m {
		if _, inBase := e.env[k]; inBase && !override {
			continue
		}
		e.Set(k, v)
	}
	return nil
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perProc (slice of "K=V") overrides
// Returns the environment slice in "K=V" form sorted by key, with ${VAR}
// expansion performed using the composed map (simple expansion, no recursion).
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// ReadFile parses a simple .env file with KEY=VALUE lines. Lines starting with
// # are ignored, an optional "export " prefix is dropped and one pair of
// surrounding quotes is stripped from values.
func ReadFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if n := len(v); n >= 2 && ((v[0] == '"' && v[n-1] == '"') || (v[0] == '\'' && v[n-1] == '\'')) {
			v = v[1 : n-1]
		}
		if k != "" {
			m[k] = v
		}
	}
	return m, nil
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
