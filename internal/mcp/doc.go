// Package mcp implements the MCP (Model Context Protocol) client core:
// pluggable byte-stream transports, a JSON-RPC 2.0 codec with request
// correlation, the connection negotiation state machine, and the public
// client façade used by the rest of arrowhead.
//
// MCP is JSON-RPC 2.0 over a duplex transport. Four transports are
// provided: stdio (this process's pipes), a spawned subprocess's stdio,
// TCP, and WebSocket. Framing is newline-delimited JSON for the stream
// transports and one JSON object per frame for WebSocket.
//
// This implementation covers the client/host side only — arrowhead does
// not act as an MCP server. Tool discovery runs after the handshake and
// populates the tool registry; loadable plugins observe connection and
// tool-call events through the plugin manager.
package mcp
