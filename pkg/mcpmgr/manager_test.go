package mcpmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railwayhq/mcp-manager-core/pkg/mcpchild"
)

// TestMain lets this test binary re-exec itself as a fake MCP child, the
// same self-exec helper-process pattern package mcpchild's tests use, so
// Manager's connection lifecycle can be exercised without a real MCP
// server binary.
func TestMain(m *testing.M) {
	if os.Getenv("MCPMGR_HELPER_PROCESS") == "1" {
		runHelperChild()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperChild() {
	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			handleHelperLine(line)
		}
		if err != nil {
			return
		}
	}
}

func handleHelperLine(line string) {
	var req struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return
	}
	switch req.Method {
	case "initialize":
		writeHelperResult(req.ID, map[string]any{"protocolVersion": "2024-11-05"})
	case "notifications/initialized":
	case "tools/list":
		writeHelperResult(req.ID, []map[string]any{{"name": "echo"}})
	case "resources/list":
		writeHelperResult(req.ID, []map[string]any{{"uri": "file:///a.txt"}})
	case "resources/read":
		writeHelperResult(req.ID, map[string]any{"text": "hello"})
	case "tools/call":
		writeHelperNotification("notifications/tools/list_changed", map[string]any{"trigger": "tools/call"})
		writeHelperResult(req.ID, map[string]any{"ok": true})
	case "shutdown":
		writeHelperResult(req.ID, map[string]any{})
	}
}

func writeHelperNotification(method string, params any) {
	payload, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
	fmt.Fprintf(os.Stdout, "%s\n", payload)
}

func writeHelperResult(id *int64, result any) {
	if id == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": *id, "result": result})
	fmt.Fprintf(os.Stdout, "%s\n", payload)
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(&ManagerOptions{
		ChildRequestTimeout: 300 * time.Millisecond,
		ChildKillGrace:      100 * time.Millisecond,
	})
}

func helperSpec(name string) ServerSpec {
	return ServerSpec{
		Name:    name,
		Command: os.Args[0],
		Env:     map[string]string{"MCPMGR_HELPER_PROCESS": "1"},
	}
}

func TestRegisterServerOverwriteIsIdempotent(t *testing.T) {
	m := testManager(t)
	spec := ServerSpec{Name: "custom", Command: "echo", Description: "first"}
	require.NoError(t, m.RegisterServer(spec))

	spec.Description = "second"
	require.NoError(t, m.RegisterServer(spec))

	got, ok := m.GetSpec("custom")
	require.True(t, ok)
	assert.Equal(t, "second", got.Description)
}

func TestRegisterServerRequiresName(t *testing.T) {
	m := testManager(t)
	err := m.RegisterServer(ServerSpec{Command: "echo"})
	assert.Error(t, err)
}

func TestConnectServerUnknownSpec(t *testing.T) {
	m := testManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.ConnectServer(ctx, "does-not-exist", nil)
	require.Error(t, err)
	var unknown *ErrUnknownServer
	assert.ErrorAs(t, err, &unknown)
}

func TestConnectServerAlreadyConnectedSentinel(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterServer(helperSpec("fake")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := m.ConnectServer(ctx, "fake", nil)
	require.NoError(t, err)
	assert.Equal(t, Connected, outcome)
	defer m.DisconnectAll()

	statusBefore, ok := m.Status("fake")
	require.True(t, ok)

	outcome, err = m.ConnectServer(ctx, "fake", nil)
	require.NoError(t, err)
	assert.Equal(t, AlreadyConnected, outcome)

	statusAfter, ok := m.Status("fake")
	require.True(t, ok)
	assert.Equal(t, statusBefore.PID, statusAfter.PID, "already-connected must not spawn a second process")
}

func TestDisconnectServerNotConnectedReturnsError(t *testing.T) {
	m := testManager(t)
	err := m.DisconnectServer("never-connected")
	require.Error(t, err)
	var notConnected *ErrNotConnected
	assert.ErrorAs(t, err, &notConnected)
}

func TestDisconnectServerThenCallToolFails(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterServer(helperSpec("fake")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.ConnectServer(ctx, "fake", nil)
	require.NoError(t, err)

	require.NoError(t, m.DisconnectServer("fake"))

	_, err = m.CallTool("fake", "anything", nil)
	require.Error(t, err)
	var notConnected *ErrNotConnected
	assert.ErrorAs(t, err, &notConnected)
}

func TestListAllToolsOmitsNeverConnectedServers(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterServer(helperSpec("good")))
	require.NoError(t, m.RegisterServer(ServerSpec{
		Name:    "bad",
		Command: "/nonexistent/binary/does-not-exist",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.ConnectServer(ctx, "good", nil)
	require.NoError(t, err)
	defer m.DisconnectAll()

	// "bad" is registered but was never connected, so it's simply absent
	// from the aggregate rather than substituted — only a connected
	// server's runtime failure gets the empty-list substitution.
	tools := m.ListAllTools()
	require.Contains(t, tools, "good")
	assert.NotContains(t, tools, "bad")

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(tools["good"], &decoded))
	assert.Len(t, decoded, 1)
}

func TestDisconnectAllIsIdempotent(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterServer(helperSpec("a")))
	require.NoError(t, m.RegisterServer(helperSpec("b")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.ConnectServer(ctx, "a", nil)
	require.NoError(t, err)
	_, err = m.ConnectServer(ctx, "b", nil)
	require.NoError(t, err)

	m.DisconnectAll()
	assert.Empty(t, m.ListConnectedNames())

	// Calling it again with nothing connected must not panic or block.
	m.DisconnectAll()
}

func TestHealthCheckReportsConnectedCounts(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterServer(helperSpec("fake")))

	snap := m.HealthCheck()
	assert.Equal(t, "healthy", snap.Status)
	assert.Equal(t, 0, snap.ConnectedCount)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.ConnectServer(ctx, "fake", nil)
	require.NoError(t, err)
	defer m.DisconnectAll()

	snap = m.HealthCheck()
	assert.Equal(t, "healthy", snap.Status)
	assert.Equal(t, 1, snap.ConnectedCount)
}

func TestInitializeDefaultServersOnlyConnectsAutoStart(t *testing.T) {
	m := testManager(t)
	spec := helperSpec("autostarted")
	spec.AutoStart = true
	require.NoError(t, m.RegisterServer(spec))
	require.NoError(t, m.RegisterServer(helperSpec("manual")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.InitializeDefaultServers(ctx)
	defer m.DisconnectAll()

	connected := m.ListConnectedNames()
	assert.Contains(t, connected, "autostarted")
	assert.NotContains(t, connected, "manual")
}

func TestOnNotificationFansOutByServerAndMethod(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterServer(helperSpec("fake")))
	require.NoError(t, m.RegisterServer(helperSpec("other")))

	var gotFiltered, gotWildcard, gotOther int
	var mu sync.Mutex
	done := make(chan struct{}, 1)

	m.OnNotification("fake", "notifications/tools/list_changed", func(n mcpchild.Notification) {
		mu.Lock()
		gotFiltered++
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})
	m.OnNotification("fake", "", func(n mcpchild.Notification) {
		mu.Lock()
		gotWildcard++
		mu.Unlock()
	})
	m.OnNotification("fake", "notifications/some/other_event", func(n mcpchild.Notification) {
		mu.Lock()
		gotOther++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.ConnectServer(ctx, "fake", nil)
	require.NoError(t, err)
	defer m.DisconnectAll()

	_, err = m.CallTool("fake", "anything", nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification fan-out")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, gotFiltered)
	assert.Equal(t, 1, gotWildcard)
	assert.Equal(t, 0, gotOther, "non-matching method filter must not fire")
}

func TestConnectOverridesMergeEnvWithoutMutatingRegistry(t *testing.T) {
	m := testManager(t)
	spec := helperSpec("fake")
	spec.Env = map[string]string{"MCPMGR_HELPER_PROCESS": "1", "BASE": "base"}
	require.NoError(t, m.RegisterServer(spec))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.ConnectServer(ctx, "fake", &ConnectOverrides{
		Env: map[string]string{"OVERLAY": "overlay"},
	})
	require.NoError(t, err)
	defer m.DisconnectAll()

	got, ok := m.GetSpec("fake")
	require.True(t, ok)
	assert.Equal(t, "base", got.Env["BASE"])
	assert.NotContains(t, got.Env, "OVERLAY", "ConnectOverrides must not mutate the registry")
}
