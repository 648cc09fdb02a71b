// Package llm provides the ChatClient interface consumed by the run loop and
// an OpenAI-compatible HTTP implementation of it.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zacedev/zace/internal/types"
)

// CallKind tells the transport which subsystem is calling, for telemetry and
// per-kind credential tiers.
type CallKind string

const (
	KindPlanner    CallKind = "planner"
	KindSafety     CallKind = "safety"
	KindApproval   CallKind = "approval"
	KindExecutor   CallKind = "executor"
	KindCompaction CallKind = "compaction"
)

// ErrorClass buckets transport failures for the loop's error policy.
type ErrorClass string

const (
	ErrRateLimit                 ErrorClass = "rate_limit"
	ErrInvalidMessageShape       ErrorClass = "invalid_message_shape"
	ErrResponseFormatUnsupported ErrorClass = "response_format_unsupported"
	ErrOther                     ErrorClass = "other"
)

// TransportError is the typed failure returned by ChatClient implementations.
type TransportError struct {
	Class                     ErrorClass
	ProviderMessage           string
	ProviderCode              string
	StatusCode                int
	ResponseFormatUnsupported bool
}

func (e *TransportError) Error() string {
	if e.ProviderMessage != "" {
		return fmt.Sprintf("llm: %s: %s", e.Class, e.ProviderMessage)
	}
	return fmt.Sprintf("llm: %s (HTTP %d)", e.Class, e.StatusCode)
}

// ResponseFormat requests structured JSON output from the provider.
type ResponseFormat struct {
	Type   string          `json:"type"` // "json_schema"
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

// ChatRequest is one LLM invocation.
type ChatRequest struct {
	Messages       []types.Message
	CallKind       CallKind
	ResponseFormat *ResponseFormat
}

// ChatOptions carries per-call behavior knobs.
type ChatOptions struct {
	// Stream enables SSE token streaming; OnToken receives each delta.
	Stream  bool
	OnToken func(token string)
}

// ChatResponse is the provider reply.
type ChatResponse struct {
	Content string
	// Structured is set when the provider honored a ResponseFormat request
	// and the content is a well-formed JSON object.
	Structured json.RawMessage
	Usage      *types.Usage
}

// ChatClient is the transport interface the run loop consumes.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest, opts *ChatOptions) (*ChatResponse, error)
	// ModelContextWindowTokens returns the model's context window, or 0
	// when unknown.
	ModelContextWindowTokens() int
}

// Client is an OpenAI-compatible implementation of ChatClient.
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	contextWindow int
	httpClient    *http.Client
}

// normalizeBaseURL strips trailing slashes and a trailing "/chat/completions"
// suffix from a raw base URL so the path is never doubled when the client
// appends "/chat/completions" itself.
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// New creates a Client from the shared environment variables
// OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL, OPENAI_CONTEXT_WINDOW.
func New() *Client {
	return NewTier("")
}

// NewTier creates a Client for a named call-kind tier (e.g. "SAFETY",
// "PLANNER"). For each config key it first tries {prefix}_{KEY}; if unset it
// falls back to the shared OPENAI_{KEY}. An empty prefix reads only the
// shared vars, making it equivalent to New().
func NewTier(prefix string) *Client {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	window := 0
	if v := get("CONTEXT_WINDOW", "OPENAI_CONTEXT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			window = n
		}
	}
	return &Client{
		baseURL:       normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL")),
		apiKey:        get("API_KEY", "OPENAI_API_KEY"),
		model:         get("MODEL", "OPENAI_MODEL"),
		contextWindow: window,
		httpClient:    &http.Client{Timeout: 180 * time.Second},
	}
}

func (c *Client) ModelContextWindowTokens() int { return c.contextWindow }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type wireResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *wireJSONSchema `json:"json_schema,omitempty"`
}

type wireRequest struct {
	Model          string              `json:"model"`
	Messages       []wireMessage       `json:"messages"`
	Stream         bool                `json:"stream,omitempty"`
	ResponseFormat *wireResponseFormat `json:"response_format,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Chat sends req to the provider's /chat/completions endpoint. Failures are
// returned as *TransportError so callers can branch on ErrorClass.
func (c *Client) Chat(ctx context.Context, req ChatRequest, opts *ChatOptions) (*ChatResponse, error) {
	wr := wireRequest{Model: c.model}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	if req.ResponseFormat != nil {
		wr.ResponseFormat = &wireResponseFormat{
			Type: "json_schema",
			JSONSchema: &wireJSONSchema{
				Name:   req.ResponseFormat.Name,
				Schema: req.ResponseFormat.Schema,
				Strict: req.ResponseFormat.Strict,
			},
		}
	}
	stream := opts != nil && opts.Stream
	wr.Stream = stream

	body, err := json.Marshal(wr)
	if err != nil {
		return nil, &TransportError{Class: ErrOther, ProviderMessage: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Class: ErrOther, ProviderMessage: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Zace-Call-Kind", string(req.CallKind))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Class: ErrOther, ProviderMessage: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, classifyHTTPError(resp.StatusCode, raw, req.ResponseFormat != nil)
	}

	if stream {
		return c.readStream(resp.Body, opts)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Class: ErrOther, ProviderMessage: err.Error()}
	}
	var wresp wireResponse
	if err := json.Unmarshal(raw, &wresp); err != nil {
		return nil, &TransportError{Class: ErrOther, ProviderMessage: fmt.Sprintf("unmarshal response: %v", err)}
	}
	if wresp.Error != nil {
		return nil, classifyProviderError(resp.StatusCode, wresp.Error.Message, fmt.Sprintf("%v", wresp.Error.Code), req.ResponseFormat != nil)
	}
	if len(wresp.Choices) == 0 {
		return nil, &TransportError{Class: ErrOther, ProviderMessage: "no choices in response"}
	}
	return finishResponse(wresp.Choices[0].Message.Content, wresp.Usage, req.ResponseFormat != nil), nil
}

// readStream consumes an SSE body, forwarding content deltas to OnToken and
// accumulating the full reply.
func (c *Client) readStream(body io.Reader, opts *ChatOptions) (*ChatResponse, error) {
	var sb strings.Builder
	var usage *types.Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if opts.OnToken != nil {
			opts.OnToken(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &TransportError{Class: ErrOther, ProviderMessage: fmt.Sprintf("stream read: %v", err)}
	}
	return finishResponse(sb.String(), usage, false), nil
}

func finishResponse(content string, usage *types.Usage, wantStructured bool) *ChatResponse {
	out := &ChatResponse{Content: content, Usage: usage}
	if wantStructured {
		trimmed := strings.TrimSpace(StripFences(content))
		if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
			out.Structured = json.RawMessage(trimmed)
		}
	}
	return out
}

func classifyHTTPError(status int, raw []byte, askedFormat bool) *TransportError {
	var wresp wireResponse
	msg := strings.TrimSpace(string(raw))
	code := ""
	if err := json.Unmarshal(raw, &wresp); err == nil && wresp.Error != nil {
		msg = wresp.Error.Message
		code = fmt.Sprintf("%v", wresp.Error.Code)
	}
	return classifyProviderError(status, msg, code, askedFormat)
}

func classifyProviderError(status int, msg, code string, askedFormat bool) *TransportError {
	te := &TransportError{Class: ErrOther, ProviderMessage: msg, ProviderCode: code, StatusCode: status}
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusTooManyRequests || strings.Contains(lower, "rate limit"):
		te.Class = ErrRateLimit
	case askedFormat && (strings.Contains(lower, "response_format") || strings.Contains(lower, "json_schema")):
		te.Class = ErrResponseFormatUnsupported
		te.ResponseFormatUnsupported = true
	case status == http.StatusBadRequest && strings.Contains(lower, "message") && (strings.Contains(lower, "role") || strings.Contains(lower, "content")):
		te.Class = ErrInvalidMessageShape
	}
	return te
}

// StripThinkBlocks removes <think>...</think> blocks from s. Reasoning models
// emit these before or between JSON objects; they are not part of structured
// output and must be stripped before parsing.
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences (```json ... ```) from LLM output,
// and also strips <think> reasoning blocks.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
