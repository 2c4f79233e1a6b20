package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/railwayhq/mcp-manager-core/pkg/mcpchild"
)

// ConnectOutcome distinguishes a fresh connect from a no-op against an
// already-connected server; the latter is not an error.
type ConnectOutcome int

const (
	Connected ConnectOutcome = iota
	AlreadyConnected
)

func (o ConnectOutcome) String() string {
	if o == AlreadyConnected {
		return "already-connected"
	}
	return "connected"
}

// Manager is the process-wide registry of server specifications and live
// mcpchild connections. The zero value is not usable; construct one with
// NewManager. A single mutex guards both maps, matching the low-contention,
// short-critical-section access pattern every operation below uses.
type Manager struct {
	mu          sync.RWMutex
	specs       map[string]ServerSpec
	connections map[string]*mcpchild.Connection
	logger      *zap.Logger
	opts        ManagerOptions

	notifyMu       sync.Mutex
	notifyHandlers map[string][]notificationSubscription
}

// notificationSubscription pairs a method filter ("" matches every method)
// with the handler registered for it via Manager.OnNotification.
type notificationSubscription struct {
	method  string
	handler func(mcpchild.Notification)
}

// NewManager constructs a Manager pre-registered with the baseline server
// roster from registry.go. Pass nil for default options.
func NewManager(opts *ManagerOptions) *Manager {
	o := opts.normalized()
	m := &Manager{
		specs:          make(map[string]ServerSpec),
		connections:    make(map[string]*mcpchild.Connection),
		logger:         o.logger(),
		opts:           o,
		notifyHandlers: make(map[string][]notificationSubscription),
	}
	for _, spec := range defaultServerSpecs() {
		m.specs[spec.Name] = spec
	}
	return m
}

// RegisterServer inserts or overwrites a server specification. It is a pure
// registry mutation: no process is spawned and any existing connection for
// the name is left untouched; the new spec is used by the first
// ConnectServer after that connection is gone.
func (m *Manager) RegisterServer(spec ServerSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("mcpmgr: ServerSpec.Name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec.Name] = spec.clone()
	return nil
}

// GetSpec returns a copy of the registered spec for name, if any.
func (m *Manager) GetSpec(name string) (ServerSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.specs[name]
	if !ok {
		return ServerSpec{}, false
	}
	return spec.clone(), true
}

// ListServerNames returns every registered server name, sorted.
func (m *Manager) ListServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.specs))
	for name := range m.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListConnectedNames returns every server name with a live connection,
// sorted.
func (m *Manager) ListConnectedNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectServer spawns and hand-shakes the named server's child process,
// applying overrides (which may be nil) on top of its registered spec. If
// name already has a live connection, ConnectServer does not spawn a
// second process: it returns AlreadyConnected and a nil error.
func (m *Manager) ConnectServer(ctx context.Context, name string, overrides *ConnectOverrides) (ConnectOutcome, error) {
	m.mu.Lock()
	if _, ok := m.connections[name]; ok {
		m.mu.Unlock()
		return AlreadyConnected, nil
	}
	spec, ok := m.specs[name]
	if !ok {
		m.mu.Unlock()
		return Connected, &ErrUnknownServer{Name: name}
	}
	eff := spec.withOverrides(overrides)
	m.mu.Unlock()

	conn, err := mcpchild.Connect(ctx, mcpchild.Config{
		Name:           name,
		Command:        eff.Command,
		Args:           eff.Args,
		Env:            eff.Env,
		Dir:            eff.Dir,
		Logger:         m.logger,
		RequestTimeout: m.opts.ChildRequestTimeout,
		KillGrace:      m.opts.ChildKillGrace,
	})
	if err != nil {
		return Connected, &ErrConnectFailed{Name: name, Err: err}
	}
	conn.OnDisconnect(func() { m.removeConnection(name, conn) })
	conn.OnNotification(func(n mcpchild.Notification) { m.dispatchNotification(name, n) })

	m.mu.Lock()
	// A concurrent ConnectServer for the same name may have already won;
	// favor whichever connection landed in the map first and tear down
	// our own redundant half.
	if existing, ok := m.connections[name]; ok && existing != conn {
		m.mu.Unlock()
		conn.Disconnect()
		return AlreadyConnected, nil
	}
	m.connections[name] = conn
	m.mu.Unlock()
	return Connected, nil
}

// OnNotification subscribes handler to server-initiated notifications from
// the named server. An empty method subscribes to every notification from
// that server; otherwise handler only fires for notifications whose Method
// matches exactly. Subscribing before the server is ever connected is
// fine — the subscription takes effect as soon as a connection exists,
// and survives across a disconnect/reconnect cycle for the same name.
func (m *Manager) OnNotification(serverName, method string, handler func(mcpchild.Notification)) {
	if handler == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.notifyHandlers[serverName] = append(m.notifyHandlers[serverName], notificationSubscription{
		method:  method,
		handler: handler,
	})
}

func (m *Manager) dispatchNotification(serverName string, n mcpchild.Notification) {
	m.notifyMu.Lock()
	subs := append([]notificationSubscription(nil), m.notifyHandlers[serverName]...)
	m.notifyMu.Unlock()
	for _, sub := range subs {
		if sub.method == "" || sub.method == n.Method {
			sub.handler(n)
		}
	}
}

func (m *Manager) removeConnection(name string, conn *mcpchild.Connection) {
	m.mu.Lock()
	if existing, ok := m.connections[name]; ok && existing == conn {
		delete(m.connections, name)
	}
	m.mu.Unlock()
}

// DisconnectServer tears down the named server's connection. It returns an
// error if name has no live connection; otherwise it always removes name
// from the live set, even though mcpchild's Disconnect never itself fails.
func (m *Manager) DisconnectServer(name string) error {
	m.mu.Lock()
	conn, ok := m.connections[name]
	if ok {
		delete(m.connections, name)
	}
	m.mu.Unlock()
	if !ok {
		return &ErrNotConnected{Name: name}
	}
	conn.Disconnect()
	return nil
}

// DisconnectAll tears down every live connection in parallel and blocks
// until all have finished. It is idempotent: calling it with no live
// connections is a no-op.
func (m *Manager) DisconnectAll() {
	names := m.ListConnectedNames()
	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			_ = m.DisconnectServer(name)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) connection(name string) (*mcpchild.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[name]
	if !ok {
		return nil, &ErrNotConnected{Name: name}
	}
	return conn, nil
}

// CallTool invokes tool on the named server's live connection.
func (m *Manager) CallTool(name, tool string, args any) (json.RawMessage, error) {
	conn, err := m.connection(name)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(tool, args)
}

// ReadResource reads uri from the named server's live connection.
func (m *Manager) ReadResource(name, uri string) (json.RawMessage, error) {
	conn, err := m.connection(name)
	if err != nil {
		return nil, err
	}
	return conn.ReadResource(uri)
}

// Status reports the named connection's snapshot, if any.
func (m *Manager) Status(name string) (mcpchild.Status, bool) {
	conn, err := m.connection(name)
	if err != nil {
		return mcpchild.Status{Name: name}, false
	}
	return conn.Status(), true
}

// ListAllTools fans out tools/list across every live connection in
// parallel. A single server's failure is logged and substituted with an
// empty list rather than failing the aggregate.
func (m *Manager) ListAllTools() map[string]json.RawMessage {
	return m.fanOutList(func(c *mcpchild.Connection) (json.RawMessage, error) { return c.ListTools() })
}

// ListAllResources fans out resources/list across every live connection in
// parallel, with the same per-server failure substitution as ListAllTools.
func (m *Manager) ListAllResources() map[string]json.RawMessage {
	return m.fanOutList(func(c *mcpchild.Connection) (json.RawMessage, error) { return c.ListResources() })
}

func (m *Manager) fanOutList(call func(*mcpchild.Connection) (json.RawMessage, error)) map[string]json.RawMessage {
	m.mu.RLock()
	conns := make(map[string]*mcpchild.Connection, len(m.connections))
	for name, conn := range m.connections {
		conns[name] = conn
	}
	m.mu.RUnlock()

	results := make(map[string]json.RawMessage, len(conns))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, conn := range conns {
		wg.Add(1)
		go func(name string, conn *mcpchild.Connection) {
			defer wg.Done()
			list, err := call(conn)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn("aggregate list failed, substituting empty list",
					zap.String("server", name), zap.Error(err))
				results[name] = json.RawMessage("[]")
				return
			}
			results[name] = list
		}(name, conn)
	}
	wg.Wait()
	return results
}

// InitializeDefaultServers connects every registered spec with AutoStart
// set, serially and in name order, swallowing individual failures (logged
// at Warn) rather than aborting the remaining roster.
func (m *Manager) InitializeDefaultServers(ctx context.Context) {
	m.mu.RLock()
	var autostart []string
	for name, spec := range m.specs {
		if spec.AutoStart {
			autostart = append(autostart, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(autostart)

	for _, name := range autostart {
		if _, err := m.ConnectServer(ctx, name, nil); err != nil {
			m.logger.Warn("autostart connect failed", zap.String("server", name), zap.Error(err))
		}
	}
}
