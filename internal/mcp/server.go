package mcp

import (
	"context"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/rpc"
)

const protocolVersion = "2024-11-05"

// Dispatcher runs named endpoints. The RPC server satisfies it; the stdio
// surface is a second front door onto the same handler table.
type Dispatcher interface {
	Call(ctx context.Context, name string, body []byte) (interface{}, error)
	Names() []string
}

// Config assembles a Server.
type Config struct {
	Dispatch Dispatcher
	Token    string
	Name     string
	Version  string
	Logger   *zap.Logger
}

// Server answers MCP JSON-RPC requests by dispatching tools/call frames
// into the endpoint table. The entity token is injected into every call;
// clients never see or supply it.
type Server struct {
	dispatch Dispatcher
	token    string
	name     string
	version  string
	logger   *zap.Logger
	tools    []ToolDefinition
}

// NewServer builds the tool surface and warns about any advertised tool the
// dispatcher cannot serve.
func NewServer(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "pps"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		dispatch: cfg.Dispatch,
		token:    cfg.Token,
		name:     cfg.Name,
		version:  cfg.Version,
		logger:   cfg.Logger.Named("mcp"),
		tools:    ToolSchemas(),
	}

	known := make(map[string]bool)
	for _, name := range cfg.Dispatch.Names() {
		known[name] = true
	}
	for _, tool := range s.tools {
		if !known[tool.Name] {
			s.logger.Warn("Advertised tool has no endpoint", zap.String("tool", tool.Name))
		}
	}
	return s
}

// HandleRequest answers one frame. A nil response means the frame was a
// notification and nothing should be written back.
func (s *Server) HandleRequest(ctx context.Context, req Request) *Response {
	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "initialize":
		result = s.initialize(req)
	case "tools/list":
		result = ListToolsResult{Tools: s.tools}
	case "tools/call":
		result, err = s.callTool(ctx, req)
	case "ping":
		result = map[string]string{"status": "ok"}
	case "initialized", "notifications/initialized", "notifications/cancelled":
		return nil
	default:
		if req.ID == nil {
			// Unknown notification; ignore per JSON-RPC.
			s.logger.Debug("Ignoring notification", zap.String("method", req.Method))
			return nil
		}
		err = errMethodNotFound(req.Method)
	}

	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		s.logger.Warn("Request failed", zap.String("method", req.Method), zap.Error(err))
		if rpcErr, isRPC := err.(*Error); isRPC {
			resp.Error = rpcErr
		} else {
			resp.Error = &Error{Code: codeInternal, Message: err.Error()}
		}
		return resp
	}
	resp.Result = result
	return resp
}

func (s *Server) initialize(req Request) InitializeResult {
	var params InitializeParams
	if req.Params != nil {
		if data, err := jsonx.Marshal(req.Params); err == nil {
			_ = jsonx.Unmarshal(data, &params)
		}
	}
	s.logger.Info("Client connected",
		zap.String("protocol", params.ProtocolVersion),
		zap.Any("client", params.ClientInfo))

	return InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]interface{}{
			"tools": map[string]bool{"listChanged": false},
		},
		ServerInfo: map[string]string{"name": s.name, "version": s.version},
	}
}

func (s *Server) callTool(ctx context.Context, req Request) (interface{}, error) {
	if req.Params == nil {
		return nil, errInvalidParams("missing call parameters")
	}
	var params CallParams
	data, err := jsonx.Marshal(req.Params)
	if err != nil {
		return nil, errInvalidParams("unreadable call parameters")
	}
	if err := jsonx.Unmarshal(data, &params); err != nil {
		return nil, errInvalidParams("invalid call parameters: %v", err)
	}
	if params.Name == "" {
		return nil, errInvalidParams("missing tool name")
	}

	args := params.Arguments
	if args == nil {
		args = make(map[string]interface{})
	}
	args["token"] = s.token
	body, err := jsonx.Marshal(args)
	if err != nil {
		return nil, errInvalidParams("unencodable arguments: %v", err)
	}

	payload, callErr := s.dispatch.Call(ctx, params.Name, body)
	if callErr != nil {
		// Endpoint faults are tool results, not protocol errors; the
		// client sees the same envelope the HTTP surface would send.
		return CallResult{
			Content: []TextContent{{Type: "text", Text: renderJSON(rpc.Failure(callErr))}},
			IsError: true,
		}, nil
	}
	return CallResult{
		Content: []TextContent{{Type: "text", Text: renderJSON(payload)}},
	}, nil
}

func renderJSON(v interface{}) string {
	out, err := jsonx.MarshalToString(v)
	if err != nil {
		return `{"success":false,"error_kind":"unclassified"}`
	}
	return out
}
