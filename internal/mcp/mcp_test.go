package mcp

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/rpc"
)

func newTestServer(t *testing.T, d *fakeDispatcher) *Server {
	t.Helper()
	if d.names == nil {
		d.names = ToolNames()
	}
	return NewServer(Config{
		Dispatch: d,
		Token:    "tok-entity-123",
		Logger:   zaptest.NewLogger(t),
	})
}

func TestToolNamesMatchEndpoints(t *testing.T) {
	endpoints := rpc.NewServer(rpc.Deps{}, zaptest.NewLogger(t))
	assert.ElementsMatch(t, endpoints.Names(), ToolNames(),
		"advertised tools and RPC endpoints must stay one to one")
}

func TestInitializeHandshake(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	resp := s.HandleRequest(context.Background(), Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "initialize",
		Params: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"clientInfo":      map[string]interface{}{"name": "editor"},
		},
	})

	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	init, isInit := resp.Result.(InitializeResult)
	require.True(t, isInit, "unexpected initialize result shape")
	assert.Equal(t, protocolVersion, init.ProtocolVersion)
	assert.Equal(t, "pps", init.ServerInfo["name"])

	note := s.HandleRequest(context.Background(), Request{
		JSONRPC: "2.0", Method: "notifications/initialized",
	})
	assert.Nil(t, note, "notifications must not produce a response frame")
}

func TestListToolsReturnsSchemas(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	resp := s.HandleRequest(context.Background(), Request{JSONRPC: "2.0", ID: 2, Method: "tools/list"})

	require.NotNil(t, resp)
	list, isList := resp.Result.(ListToolsResult)
	require.True(t, isList)
	assert.Len(t, list.Tools, len(ToolNames()))
	for _, tool := range list.Tools {
		assert.NotEmpty(t, tool.Description, "tool %s has no description", tool.Name)
		assert.NotContains(t, tool.InputSchema["properties"], "token",
			"tool %s must not advertise the token", tool.Name)
	}
}

func TestToolCallInjectsToken(t *testing.T) {
	d := &fakeDispatcher{payload: map[string]interface{}{"success": true, "healthy": true}}
	s := newTestServer(t, d)

	resp := s.HandleRequest(context.Background(), Request{
		JSONRPC: "2.0",
		ID:      3,
		Method:  "tools/call",
		Params: map[string]interface{}{
			"name":      "pps_health",
			"arguments": map[string]interface{}{},
		},
	})

	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Equal(t, "pps_health", d.lastName)
	assert.Contains(t, string(d.lastBody), "tok-entity-123", "token was not injected")

	result, isCall := resp.Result.(CallResult)
	require.True(t, isCall)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Contains(t, result.Content[0].Text, `"healthy":true`)
	assert.False(t, result.IsError)
}

func TestToolCallFaultBecomesResult(t *testing.T) {
	d := &fakeDispatcher{err: faults.Newf(faults.InvalidInput, "rpc.delete_edge", "uuid must not be empty")}
	s := newTestServer(t, d)

	resp := s.HandleRequest(context.Background(), Request{
		JSONRPC: "2.0",
		ID:      4,
		Method:  "tools/call",
		Params:  map[string]interface{}{"name": "delete_edge"},
	})

	require.NotNil(t, resp)
	assert.Nil(t, resp.Error, "endpoint faults are tool results, not protocol errors")
	result, isCall := resp.Result.(CallResult)
	require.True(t, isCall)
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "invalid_input")
	assert.Contains(t, result.Content[0].Text, `"success":false`)
}

func TestToolCallValidatesParams(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	resp := s.HandleRequest(context.Background(), Request{JSONRPC: "2.0", ID: 5, Method: "tools/call"})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = s.HandleRequest(context.Background(), Request{
		JSONRPC: "2.0", ID: 6, Method: "tools/call",
		Params: map[string]interface{}{"arguments": map[string]interface{}{}},
	})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	resp := s.HandleRequest(context.Background(), Request{JSONRPC: "2.0", ID: 7, Method: "resources/list"})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)

	note := s.HandleRequest(context.Background(), Request{JSONRPC: "2.0", Method: "resources/updated"})
	assert.Nil(t, note, "unknown notifications are ignored")
}

func TestStdioServeRoundTrip(t *testing.T) {
	d := &fakeDispatcher{payload: map[string]interface{}{"success": true}}
	s := newTestServer(t, d)

	frames := []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
	}
	in := strings.NewReader(strings.Join(frames, "\n") + "\n")
	var out bytes.Buffer
	tr := &StdioTransport{reader: in, writer: &out, logger: zaptest.NewLogger(t)}

	err := tr.Serve(context.Background(), s)
	require.NoError(t, err, "EOF should end the stream cleanly")

	dec := jsonx.NewDecoder(&out)
	var responses []Response
	for {
		var resp Response
		if decodeErr := dec.Decode(&resp); decodeErr != nil {
			require.ErrorIs(t, decodeErr, io.EOF)
			break
		}
		responses = append(responses, resp)
	}

	require.Len(t, responses, 2, "the notification must not be answered")
	assert.Equal(t, int64(1), responses[0].ID)
	assert.Nil(t, responses[0].Error)
	assert.Equal(t, int64(2), responses[1].ID)
}

// --- fakes ---

type fakeDispatcher struct {
	names    []string
	lastName string
	lastBody []byte
	payload  interface{}
	err      error
}

func (f *fakeDispatcher) Call(_ context.Context, name string, body []byte) (interface{}, error) {
	f.lastName = name
	f.lastBody = body
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func (f *fakeDispatcher) Names() []string { return f.names }
