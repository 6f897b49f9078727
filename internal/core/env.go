package core

import (
	"fmt"
	"os"
	"strings"
)

// EnvVar is one pinned variable. Value may reference ${workspace_repo} or
// ${workspace_cache}; both are resolved before a child process starts.
type EnvVar struct {
	Name  string
	Value string
}

// DefaultBuildEnv is the environment the site build runs under.
func DefaultBuildEnv() []EnvVar {
	return []EnvVar{
		{Name: "PATH", Value: "/usr/local/bin:/usr/bin:/bin:/usr/local/games:/usr/games"},
		{Name: "HOME", Value: "${workspace_cache}"},
		{Name: "CHEF_LAB_URL", Value: "https://lab.chef.io"},
		{Name: "NODE_ENV", Value: "production"},
		{Name: "API_ENDPOINT", Value: "http://learn-chef-api-dev.wirestone.net"},
	}
}

// PinnedEnvNames lists the variable names of DefaultBuildEnv in order.
func PinnedEnvNames() []string {
	tmpl := DefaultBuildEnv()
	names := make([]string, len(tmpl))
	for i, v := range tmpl {
		names[i] = v.Name
	}
	return names
}

func isPinnedName(name string) bool {
	for _, n := range PinnedEnvNames() {
		if n == name {
			return true
		}
	}
	return false
}

// WithOverrides replaces the values of existing names. Names absent from tmpl are ignored.
func WithOverrides(tmpl []EnvVar, overrides map[string]string) []EnvVar {
	out := make([]EnvVar, len(tmpl))
	copy(out, tmpl)
	for i, v := range out {
		if o, ok := overrides[v.Name]; ok {
			out[i].Value = o
		}
	}
	return out
}

// Env is a resolved, read-only list of variables handed to child processes.
type Env struct {
	vars []EnvVar
}

// ResolveEnv expands workspace references in tmpl. Any unknown or empty
// reference is an error so no child ever sees a partially expanded value.
func ResolveEnv(tmpl []EnvVar, ws Workspace) (Env, error) {
	values := map[string]string{
		"workspace_repo":  ws.Repo,
		"workspace_cache": ws.Cache,
	}
	resolved := make([]EnvVar, 0, len(tmpl))
	seen := make(map[string]bool, len(tmpl))
	for _, v := range tmpl {
		if v.Name == "" || strings.ContainsAny(v.Name, "=\x00") {
			return Env{}, fmt.Errorf("invalid variable name %q", v.Name)
		}
		if seen[v.Name] {
			return Env{}, fmt.Errorf("duplicate variable %s", v.Name)
		}
		seen[v.Name] = true
		var missing []string
		expanded := os.Expand(v.Value, func(ref string) string {
			val, ok := values[ref]
			if !ok || val == "" {
				missing = append(missing, ref)
			}
			return val
		})
		if len(missing) > 0 {
			return Env{}, fmt.Errorf("%w: %s references %s", ErrUnresolvedVariable, v.Name, strings.Join(missing, ", "))
		}
		resolved = append(resolved, EnvVar{Name: v.Name, Value: expanded})
	}
	return Env{vars: resolved}, nil
}

// Environ returns a fresh KEY=VALUE slice suitable for exec.Cmd.Env.
func (e Env) Environ() []string {
	out := make([]string, len(e.vars))
	for i, v := range e.vars {
		out[i] = v.Name + "=" + v.Value
	}
	return out
}

func (e Env) Get(name string) (string, bool) {
	for _, v := range e.vars {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

func (e Env) Len() int { return len(e.vars) }

func (e Env) Names() []string {
	names := make([]string, len(e.vars))
	for i, v := range e.vars {
		names[i] = v.Name
	}
	return names
}
