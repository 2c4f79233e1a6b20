package mcpchild

import (
	"time"

	"go.uber.org/zap"
)

// DefaultRequestTimeout is the fixed per-request deadline mandated for every
// MCP call, measured from the moment the request is enqueued.
const DefaultRequestTimeout = 30 * time.Second

// DefaultKillGrace is how long a child is given to exit after SIGTERM before
// Connection escalates to SIGKILL.
const DefaultKillGrace = 5 * time.Second

// ClientName and ClientVersion identify this process to every child during
// the initialize handshake.
const (
	ClientName       = "mcp-railway-service"
	ClientVersion    = "1.0.0"
	ProtocolVersion  = "2024-11-05"
	initializeMethod = "initialize"
)

// Config describes how to launch and identify one child process.
type Config struct {
	// Name identifies the owning spec; used only for logging and errors.
	Name string
	// Command is the executable name or path.
	Command string
	// Args is the ordered argument vector passed to Command.
	Args []string
	// Env is merged over the ambient process environment at spawn time,
	// per-key override.
	Env map[string]string
	// Dir is the child's working directory. Empty means the host's current
	// directory.
	Dir string

	// Logger receives structured diagnostics. A nil Logger is replaced with
	// zap.NewNop() so callers never need a nil check.
	Logger *zap.Logger

	// RequestTimeout overrides DefaultRequestTimeout. Zero means
	// DefaultRequestTimeout. Only ever overridden in tests; production
	// callers should leave this unset.
	RequestTimeout time.Duration
	// KillGrace overrides DefaultKillGrace. Zero means DefaultKillGrace.
	KillGrace time.Duration
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (c Config) killGrace() time.Duration {
	if c.KillGrace > 0 {
		return c.KillGrace
	}
	return DefaultKillGrace
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
