// Package mcpchild owns a single spawned child process and speaks the
// Model Context Protocol to it as a JSON-RPC 2.0 client framed as one JSON
// object per newline-terminated line over the child's stdin/stdout.
//
// # Core entry points
//
//   - Connection is the long-lived client for one running child. Construct
//     it with Connect, which spawns the process and performs the MCP
//     initialize handshake before returning.
//   - Config declares how the child is launched: command, argument vector,
//     environment overlay, working directory, and the request timeout /
//     kill-grace overrides used by tests.
//
// Once connected, callers may invoke ListTools, CallTool, ListResources, and
// ReadResource concurrently; each call returns exactly once with either the
// decoded result or a typed failure (ErrNotInitialized, ErrTimeout,
// ErrTransport, or *ProtocolError). Disconnect performs a best-effort
// graceful shutdown and never fails its caller. OnDisconnect registers a
// one-shot callback fired exactly once when the connection transitions to
// closed, whether that was triggered by the child exiting, a transport
// error, or an explicit Disconnect call. OnNotification registers a handler
// for server-initiated notifications (messages with a method but no id).
package mcpchild
