package mcpchild

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type connState int32

const (
	stateSpawned connState = iota
	stateReady
	stateClosing
	stateClosed
)

type waiter struct {
	method string
	ch     chan rpcOutcome
	timer  *time.Timer
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// Status is a point-in-time snapshot of a Connection, returned by Status and
// passed through by the Manager's Status view.
type Status struct {
	Name        string
	PID         int
	Initialized bool
	Closing     bool
}

// Connection owns one spawned child process and presents a JSON-RPC 2.0
// client over its stdio, framed as one JSON object per newline. See
// package doc for the state machine and invariants.
type Connection struct {
	id     uuid.UUID
	name   string
	cfg    Config
	logger *zap.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	initialized atomic.Bool
	nextID      atomic.Int64
	state       atomic.Int32

	pendingMu sync.Mutex
	pending   map[int64]*waiter

	notifyMu       sync.Mutex
	notifyHandlers []NotificationHandler

	closeOnce      sync.Once
	disconnectedCh chan struct{}

	disconnectHandlersMu sync.Mutex
	disconnectHandlers   []func()
}

// Connect spawns the child process described by cfg and performs the MCP
// initialize handshake. ctx bounds only the time spent waiting to spawn; the
// handshake request itself is governed by cfg's request timeout, per the
// fixed per-request deadline every MCP call carries.
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcpchild: Config.Name is required")
	}
	if cfg.Command == "" {
		return nil, &ErrSpawn{Name: cfg.Name, Err: fmt.Errorf("command is empty")}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	logger := cfg.logger().With(zap.String("child", cfg.Name))

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = mergeEnv(cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ErrSpawn{Name: cfg.Name, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ErrSpawn{Name: cfg.Name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ErrSpawn{Name: cfg.Name, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ErrSpawn{Name: cfg.Name, Err: err}
	}

	c := &Connection{
		id:             uuid.New(),
		name:           cfg.Name,
		cfg:            cfg,
		cmd:            cmd,
		stdin:          stdin,
		pending:        make(map[int64]*waiter),
		disconnectedCh: make(chan struct{}),
	}
	c.logger = logger.With(zap.String("conn_id", c.id.String()))
	c.state.Store(int32(stateSpawned))

	go c.forwardStderr(stderr)
	go c.readLoop(stdout)
	go c.watchExit()

	if err := c.handshake(ctx); err != nil {
		c.teardown(err)
		return nil, err
	}

	c.state.Store(int32(stateReady))
	c.initialized.Store(true)
	logger.Info("child connected", zap.Int("pid", cmd.Process.Pid))
	return c, nil
}

func mergeEnv(overlay map[string]string) []string {
	if len(overlay) == 0 {
		return os.Environ()
	}
	base := os.Environ()
	env := make([]string, 0, len(base)+len(overlay))
	env = append(env, base...)
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

func (c *Connection) handshake(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{"tools": map[string]interface{}{}},
		ClientInfo:      clientInfo{Name: ClientName, Version: ClientVersion},
	}
	if _, err := c.request(initializeMethod, params); err != nil {
		return fmt.Errorf("mcpchild: %q: handshake initialize: %w", c.name, err)
	}
	if err := c.notify("notifications/initialized", struct{}{}); err != nil {
		return fmt.Errorf("mcpchild: %q: handshake initialized notice: %w", c.name, err)
	}
	return nil
}

// ListTools returns the child's tool descriptors, opaque to this package.
func (c *Connection) ListTools() (json.RawMessage, error) {
	return c.request("tools/list", nil)
}

// CallTool invokes a named tool with opaque arguments.
func (c *Connection) CallTool(name string, arguments interface{}) (json.RawMessage, error) {
	return c.request("tools/call", callToolParams{Name: name, Arguments: arguments})
}

// ListResources returns the child's resource descriptors, opaque to this
// package.
func (c *Connection) ListResources() (json.RawMessage, error) {
	return c.request("resources/list", nil)
}

// ReadResource reads the resource content addressed by uri.
func (c *Connection) ReadResource(uri string) (json.RawMessage, error) {
	return c.request("resources/read", readResourceParams{URI: uri})
}

// Disconnect performs a best-effort graceful shutdown and tears the
// connection down. It never fails its caller.
func (c *Connection) Disconnect() {
	if c.initialized.Load() {
		_, _ = c.request("shutdown", nil)
	}
	c.teardown(nil)
}

// Status returns a snapshot of the connection's current lifecycle state.
// It never blocks on the child and never fails.
func (c *Connection) Status() Status {
	var pid int
	if c.cmd != nil && c.cmd.Process != nil {
		pid = c.cmd.Process.Pid
	}
	st := connState(c.state.Load())
	return Status{
		Name:        c.name,
		PID:         pid,
		Initialized: c.initialized.Load(),
		Closing:     st != stateReady && st != stateSpawned,
	}
}

// OnDisconnect registers a one-shot callback invoked exactly once when the
// connection transitions to closed, however that was triggered. Registering
// after the connection has already closed invokes handler immediately.
func (c *Connection) OnDisconnect(handler func()) {
	if handler == nil {
		return
	}
	select {
	case <-c.disconnectedCh:
		handler()
		return
	default:
	}
	c.disconnectHandlersMu.Lock()
	defer c.disconnectHandlersMu.Unlock()
	select {
	case <-c.disconnectedCh:
		handler()
	default:
		c.disconnectHandlers = append(c.disconnectHandlers, handler)
	}
}

// OnNotification registers a handler for server-initiated notifications.
// Handlers run synchronously on the connection's reader goroutine and must
// not block.
func (c *Connection) OnNotification(handler NotificationHandler) {
	if handler == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notifyHandlers = append(c.notifyHandlers, handler)
}

func (c *Connection) dispatchNotification(n Notification) {
	c.notifyMu.Lock()
	handlers := append([]NotificationHandler(nil), c.notifyHandlers...)
	c.notifyMu.Unlock()
	for _, h := range handlers {
		h(n)
	}
}

func (c *Connection) request(method string, params interface{}) (json.RawMessage, error) {
	if method != initializeMethod && !c.initialized.Load() {
		return nil, &ErrNotInitialized{Name: c.name}
	}

	id := c.nextID.Add(1)
	w := &waiter{method: method, ch: make(chan rpcOutcome, 1)}
	c.pendingMu.Lock()
	c.pending[id] = w
	c.pendingMu.Unlock()

	w.timer = time.AfterFunc(c.cfg.requestTimeout(), func() {
		c.resolveWith(id, func(method string) rpcOutcome {
			return rpcOutcome{err: &ErrTimeout{Name: c.name, Method: method}}
		})
	})

	idCopy := id
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: &idCopy, Method: method, Params: params})
	if err != nil {
		c.discardPending(id)
		return nil, fmt.Errorf("mcpchild: %q: encode %s: %w", c.name, method, err)
	}
	if err := c.writeLine(payload); err != nil {
		c.discardPending(id)
		return nil, &ErrTransport{Name: c.name, Err: err}
	}

	out := <-w.ch
	return out.result, out.err
}

func (c *Connection) notify(method string, params interface{}) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("mcpchild: %q: encode %s: %w", c.name, method, err)
	}
	if err := c.writeLine(payload); err != nil {
		return &ErrTransport{Name: c.name, Err: err}
	}
	return nil
}

func (c *Connection) writeLine(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if connState(c.state.Load()) == stateClosing || connState(c.state.Load()) == stateClosed {
		return fmt.Errorf("connection closed")
	}
	line := append(payload, '\n')
	if _, err := c.stdin.Write(line); err != nil {
		go c.teardown(err)
		return err
	}
	return nil
}

func (c *Connection) discardPending(id int64) {
	c.pendingMu.Lock()
	w, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok && w.timer != nil {
		w.timer.Stop()
	}
}

// resolveWith is the single place a pending waiter is ever terminated,
// whether by a matching response, its timeout firing, or connection
// teardown. Whichever caller wins the delete races the other two into a
// silent no-op, which is exactly the guarantee the invariants require.
func (c *Connection) resolveWith(id int64, build func(method string) rpcOutcome) bool {
	c.pendingMu.Lock()
	w, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- build(w.method)
	return true
}

func (c *Connection) readLoop(r io.Reader) {
	framer := &lineFramer{}
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, line := range framer.Feed(chunk[:n]) {
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				c.handleLine(line)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) handleLine(line []byte) {
	var env rpcEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.logger.Debug("discarding malformed stdout line", zap.ByteString("line", line), zap.Error(err))
		return
	}
	switch {
	case env.ID != nil:
		// ID-match against the pending table is the discriminator, not
		// whether method also happens to be set: a line carrying both an
		// id that matches an outstanding waiter and a method is still the
		// response to that waiter and must resolve it immediately, rather
		// than starving it until the timeout fires.
		c.handleResponse(*env.ID, env)
	case env.Method != "":
		c.dispatchNotification(Notification{Method: env.Method, Params: env.Params})
	default:
		c.logger.Debug("discarding line with neither id nor method")
	}
}

func (c *Connection) handleResponse(id int64, env rpcEnvelope) {
	resolved := c.resolveWith(id, func(method string) rpcOutcome {
		if env.Error != nil {
			return rpcOutcome{err: &ProtocolError{
				Name:    c.name,
				Method:  method,
				Code:    env.Error.Code,
				Message: env.Error.Message,
				Data:    env.Error.Data,
			}}
		}
		return rpcOutcome{result: env.Result}
	})
	if !resolved {
		if env.Method != "" {
			// Carries an id we have no waiter for, plus a method: a
			// server-initiated request, unsupported in this core.
			c.logger.Debug("discarding unsupported server-initiated request", zap.String("method", env.Method))
		} else {
			c.logger.Debug("discarding response for unknown or expired id", zap.Int64("id", id))
		}
	}
}

func (c *Connection) forwardStderr(stderr io.Reader) {
	framer := &lineFramer{}
	chunk := make([]byte, 4096)
	for {
		n, err := stderr.Read(chunk)
		if n > 0 {
			for _, line := range framer.Feed(chunk[:n]) {
				if len(line) == 0 {
					continue
				}
				c.logger.Debug("child stderr", zap.ByteString("line", line))
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) watchExit() {
	err := c.cmd.Wait()
	c.teardown(err)
}

// teardown performs the [closing] transition exactly once regardless of
// which trigger (child exit, write failure, or an explicit Disconnect)
// invoked it: mark un-initialized, SIGTERM the process if still live,
// schedule a forced SIGKILL, fail every pending waiter, clear pending, and
// emit the disconnected signal exactly once.
func (c *Connection) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosing))
		c.initialized.Store(false)

		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
		}
		grace := c.cfg.killGrace()
		proc := c.cmd.Process
		time.AfterFunc(grace, func() {
			if proc != nil {
				_ = proc.Kill()
			}
		})

		c.pendingMu.Lock()
		ids := make([]int64, 0, len(c.pending))
		for id := range c.pending {
			ids = append(ids, id)
		}
		c.pendingMu.Unlock()
		for _, id := range ids {
			c.resolveWith(id, func(method string) rpcOutcome {
				return rpcOutcome{err: &ErrTransport{Name: c.name, Err: cause}}
			})
		}

		c.state.Store(int32(stateClosed))
		close(c.disconnectedCh)

		c.disconnectHandlersMu.Lock()
		handlers := append([]func(){}, c.disconnectHandlers...)
		c.disconnectHandlers = nil
		c.disconnectHandlersMu.Unlock()
		for _, h := range handlers {
			h()
		}

		if cause != nil {
			c.logger.Warn("child connection closed", zap.Error(cause))
		} else {
			c.logger.Info("child connection closed")
		}
	})
}
