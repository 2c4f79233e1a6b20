package mcpmgr

import (
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/railwayhq/mcp-manager-core/pkg/mcpchild"
)

// ServerHealth is one registered server's entry in a HealthSnapshot.
type ServerHealth struct {
	Name        string
	Registered  bool
	Connected   bool
	Description string
	AutoStart   bool
}

// HealthSnapshot is the result of a HealthCheck call. ID correlates this
// particular snapshot across logs, distinct from any connection's own
// instance id.
type HealthSnapshot struct {
	ID              uuid.UUID
	Status          string // "healthy" or "degraded"
	RegisteredCount int
	ConnectedCount  int
	Servers         []ServerHealth
}

// HealthCheck reports registered/connected counts per server plus an
// overall status. Status is "degraded" if any live connection fails a
// liveness ping (tools/list); otherwise "healthy". A ping failure does not
// disconnect the connection — that remains the caller's decision.
func (m *Manager) HealthCheck() HealthSnapshot {
	m.mu.RLock()
	names := make([]string, 0, len(m.specs))
	for name := range m.specs {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]ServerHealth, 0, len(names))
	connectedCount := 0
	for _, name := range names {
		spec := m.specs[name]
		_, connected := m.connections[name]
		if connected {
			connectedCount++
		}
		servers = append(servers, ServerHealth{
			Name:        name,
			Registered:  true,
			Connected:   connected,
			Description: spec.Description,
			AutoStart:   spec.AutoStart,
		})
	}
	registeredCount := len(m.specs)
	liveConns := make(map[string]*mcpchild.Connection, len(m.connections))
	for name, conn := range m.connections {
		liveConns[name] = conn
	}
	m.mu.RUnlock()

	degraded := false
	for name, conn := range liveConns {
		if _, err := conn.ListTools(); err != nil {
			degraded = true
			m.logger.Warn("health check ping failed", zap.String("server", name), zap.Error(err))
		}
	}

	status := "healthy"
	if degraded {
		status = "degraded"
	}
	return HealthSnapshot{
		ID:              uuid.New(),
		Status:          status,
		RegisteredCount: registeredCount,
		ConnectedCount:  connectedCount,
		Servers:         servers,
	}
}
