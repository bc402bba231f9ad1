// Package llm wraps the local chat-completion endpoint used for
// summarization, graph extraction, and curation judgments.
package llm

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
)

// Client talks to an Ollama-compatible /api/chat endpoint.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// New returns a Client against baseURL using model for every call.
func New(baseURL, model string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("llm"),
	}
}

// Request is one chat completion. JSONMode asks the model to emit a bare
// JSON document; pair it with ExtractJSON on the result.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	JSONMode    bool
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Invoke runs one completion and returns the assistant text with any
// thinking tags stripped.
func (c *Client) Invoke(ctx context.Context, req Request) (string, error) {
	body := chatRequest{
		Model:  c.model,
		Stream: false,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSONMode {
		body.Format = "json"
	}
	if req.Temperature > 0 {
		body.Options = map[string]interface{}{"temperature": req.Temperature}
	}

	raw, err := jsonx.Marshal(body)
	if err != nil {
		return "", faults.New(faults.InvalidInput, "llm", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return "", faults.Wrap("llm", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", faults.Wrap("llm", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", faults.Newf(faults.FromHTTPStatus(resp.StatusCode), "llm",
			"chat endpoint returned %d: %s", resp.StatusCode, faults.SanitizeText(string(msg)))
	}

	var out chatResponse
	if err := jsonx.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", faults.Wrap("llm", err)
	}

	c.logger.Debug("completion finished",
		zap.String("model", c.model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("chars", len(out.Message.Content)))

	return StripThinking(out.Message.Content), nil
}

// Model reports the configured model name.
func (c *Client) Model() string { return c.model }

var thinkingTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinking removes reasoning-trace tags some local models emit before
// their answer.
func StripThinking(content string) string {
	return strings.TrimSpace(thinkingTags.ReplaceAllString(content, ""))
}

// ExtractJSON pulls the first JSON document out of a completion that may
// be wrapped in prose or code fences. Scans from the first opening brace
// and walks candidate closers from the end until one parses.
func ExtractJSON(response string) (jsonx.RawMessage, error) {
	start := strings.IndexAny(response, "[{")
	if start < 0 {
		return nil, faults.Newf(faults.InvalidInput, "llm", "no JSON in completion")
	}
	opener := response[start]
	closer := byte('}')
	if opener == '[' {
		closer = ']'
	}

	candidate := response[start:]
	for i := len(candidate) - 1; i >= 0; i-- {
		if candidate[i] != closer {
			continue
		}
		doc := candidate[:i+1]
		if jsonx.Valid([]byte(doc)) {
			return jsonx.RawMessage(doc), nil
		}
	}
	return nil, faults.Newf(faults.InvalidInput, "llm", "completion contained no parseable JSON")
}
