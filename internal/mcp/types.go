// Package mcp exposes the RPC endpoints as Model Context Protocol tools
// over a framed JSON-RPC stdio transport, so agent runtimes can mount the
// persistence service without speaking its HTTP surface.
package mcp

import "fmt"

// Request is one JSON-RPC 2.0 frame from the client. A nil ID marks a
// notification, which gets no response frame.
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id,omitempty"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response is the reply frame.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It doubles as a Go error so handlers
// can return protocol errors directly.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// JSON-RPC error codes the server emits.
const (
	codeParse          = -32700
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeInternal       = -32603
)

func errInvalidParams(format string, args ...interface{}) *Error {
	return &Error{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func errMethodNotFound(method string) *Error {
	return &Error{Code: codeMethodNotFound, Message: "method not found: " + method}
}

// InitializeParams is what the client sends with its initialize request.
type InitializeParams struct {
	ProtocolVersion string            `json:"protocolVersion"`
	ClientInfo      map[string]string `json:"clientInfo,omitempty"`
}

// InitializeResult answers the handshake.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      map[string]string      `json:"serverInfo"`
}

// ToolDefinition describes one tool for tools/list.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ListToolsResult is the tools/list payload.
type ListToolsResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// CallParams carries one tools/call invocation.
type CallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// CallResult wraps a tool outcome. Endpoint faults ride in the content with
// IsError set; only protocol-level problems become JSON-RPC errors.
type CallResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextContent is the single content shape the server emits.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
