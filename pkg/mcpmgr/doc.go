// Package mcpmgr is the process-wide registry and façade an HTTP adapter
// calls to reach every MCP child process it manages. It layers a named
// registry of server specifications, live connection lifecycle (connect,
// disconnect, disconnect-all), fan-out across connections (listAllTools,
// listAllResources), and health snapshots on top of package mcpchild's
// per-process JSON-RPC client.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, which pre-registers a baseline roster of server
//     specifications (see registry.go); call RegisterServer to add more.
//   - ServerSpec declares how a named child is launched: command, argument
//     vector, environment overlay, working directory, description, and
//     whether InitializeDefaultServers should autostart it.
//   - ConnectOverrides lets a single ConnectServer call overlay launch
//     parameters (command, args, env, cwd) onto a registered spec without
//     mutating the registry; env is merged key-wise with overrides winning.
//
// ConnectServer returns a sentinel ConnectOutcome rather than an error when
// the name is already connected, matching the non-error "already connected"
// case in the component design. DisconnectServer always removes the name
// from the live set, even if the underlying graceful shutdown failed.
// ListAllTools and ListAllResources never fail the aggregate: a single
// server's failure is logged and substituted with an empty list.
package mcpmgr
