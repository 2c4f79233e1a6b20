package mcpmgr

import (
	"time"

	"go.uber.org/zap"
)

// ServerSpec declares how a named MCP child process is launched. It is
// immutable once registered: RegisterServer stores a defensive copy, and
// ConnectServer layers ConnectOverrides on top of a copy rather than
// mutating the registry entry.
type ServerSpec struct {
	Name        string
	Command     string
	Args        []string
	Env         map[string]string
	Dir         string
	Description string
	// AutoStart marks a spec for InitializeDefaultServers to connect at
	// startup. Every baseline spec in registry.go defaults this to false;
	// callers opt a server into eager startup explicitly.
	AutoStart bool
}

func (s ServerSpec) clone() ServerSpec {
	out := s
	if len(s.Args) > 0 {
		out.Args = append([]string(nil), s.Args...)
	}
	if len(s.Env) > 0 {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	return out
}

// ConnectOverrides optionally overlays a registered ServerSpec's launch
// parameters for a single ConnectServer call, without mutating the
// registry. Env is merged key-wise over the registered spec's Env, with
// override values winning; a zero-value field of Command/Dir leaves the
// registered value untouched, and a nil Args/Env leaves the registered
// slice/map untouched.
type ConnectOverrides struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

func (s ServerSpec) withOverrides(o *ConnectOverrides) ServerSpec {
	eff := s.clone()
	if o == nil {
		return eff
	}
	if o.Command != "" {
		eff.Command = o.Command
	}
	if o.Args != nil {
		eff.Args = append([]string(nil), o.Args...)
	}
	if o.Dir != "" {
		eff.Dir = o.Dir
	}
	if len(o.Env) > 0 {
		merged := make(map[string]string, len(eff.Env)+len(o.Env))
		for k, v := range eff.Env {
			merged[k] = v
		}
		for k, v := range o.Env {
			merged[k] = v
		}
		eff.Env = merged
	}
	return eff
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// Logger receives structured lifecycle and failure events. Defaults to
	// a no-op logger when nil.
	Logger *zap.Logger
	// ChildRequestTimeout and ChildKillGrace are passed through to every
	// mcpchild.Config a connect produces. Leaving these unset lets
	// mcpchild apply its own fixed defaults (30s / 5s); an explicit value
	// here is primarily an escape hatch for tests that cannot afford to
	// wait on the production defaults.
	ChildRequestTimeout time.Duration
	ChildKillGrace      time.Duration
}

func (o *ManagerOptions) normalized() ManagerOptions {
	if o == nil {
		return ManagerOptions{}
	}
	return *o
}

func (o ManagerOptions) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}
