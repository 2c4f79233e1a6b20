package mcpchild

import "fmt"

// ErrNotInitialized is returned when a caller invokes an MCP verb on a
// connection whose handshake has not completed.
type ErrNotInitialized struct {
	Name string
}

func (e *ErrNotInitialized) Error() string {
	return fmt.Sprintf("mcpchild: %q is not initialized", e.Name)
}

// ErrTimeout is returned when a request receives no response within the
// per-request deadline.
type ErrTimeout struct {
	Name   string
	Method string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("mcpchild: %q: request %q timed out", e.Name, e.Method)
}

// ErrTransport is returned when the write to the child's stdin fails, or the
// connection has transitioned to closing before a response could arrive.
type ErrTransport struct {
	Name string
	Err  error
}

func (e *ErrTransport) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcpchild: %q: transport error: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("mcpchild: %q: connection closed", e.Name)
}

func (e *ErrTransport) Unwrap() error { return e.Err }

// ErrSpawn is returned when the OS refuses to start the child, or one of its
// three standard pipes could not be established.
type ErrSpawn struct {
	Name string
	Err  error
}

func (e *ErrSpawn) Error() string {
	return fmt.Sprintf("mcpchild: %q: spawn failed: %v", e.Name, e.Err)
}

func (e *ErrSpawn) Unwrap() error { return e.Err }

// ProtocolError is returned when the child replies to a request with a
// JSON-RPC error object, carrying the remote code and message verbatim.
type ProtocolError struct {
	Name    string
	Method  string
	Code    int
	Message string
	Data    []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcpchild: %q: %s: remote error %d: %s", e.Name, e.Method, e.Code, e.Message)
}
