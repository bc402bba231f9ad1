package mcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/jsonx"
)

// StdioTransport reads one JSON-RPC frame per Decode from stdin and writes
// newline-delimited responses to stdout. Logs must never touch stdout in
// this mode; the daemon routes them to file when the transport is active.
type StdioTransport struct {
	reader io.Reader
	writer io.Writer
	logger *zap.Logger
}

// NewStdioTransport wires the transport to the process streams.
func NewStdioTransport(logger *zap.Logger) *StdioTransport {
	return &StdioTransport{
		reader: bufio.NewReader(os.Stdin),
		writer: os.Stdout,
		logger: logger.Named("stdio"),
	}
}

// Serve decodes frames until EOF or ctx cancellation. A malformed frame
// terminates the stream with a parse-error response: the decoder cannot
// resynchronize after a syntax error, and retrying it would spin.
func (t *StdioTransport) Serve(ctx context.Context, server *Server) error {
	dec := jsonx.NewDecoder(t.reader)
	enc := jsonx.NewEncoder(t.writer)

	t.logger.Info("Tool transport listening on stdio")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Tool transport stopping")
			return ctx.Err()
		default:
		}

		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				t.logger.Info("Client closed the stream")
				return nil
			}
			t.logger.Error("Frame decode failed", zap.Error(err))
			_ = enc.Encode(Response{
				JSONRPC: "2.0",
				Error:   &Error{Code: codeParse, Message: "parse error"},
			})
			return err
		}

		resp := server.HandleRequest(ctx, req)
		if resp == nil {
			continue
		}
		if err := enc.Encode(*resp); err != nil {
			t.logger.Error("Frame encode failed", zap.Error(err))
			return err
		}
	}
}
