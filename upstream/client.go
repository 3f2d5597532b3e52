// Package upstream is the generic OpenAI-shaped HTTP client used to talk
// to every provider type the gateway pools. There is deliberately no
// per-vendor request transformation: the same chat-completions body is
// sent to OpenAI, Anthropic, DeepSeek, MistralAI and custom providers
// alike, and the response is decoded into ChatResponse tolerating
// unknown fields: fields it does not model (object, created and
// vendor-specific extensions) are dropped, not round-tripped.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/llmgateway/gateway/gatewayerr"
)

const (
	maxAttempts      = 3
	retryDelay       = time.Second
	attemptTimeout   = 300 * time.Second
	defaultMaxTokens = 1000
	defaultTemp      = 0.7
)

// ChatMessage is one OpenAI-shaped chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the outbound body. Stream is set by the dispatcher
// depending on the caller's requested mode.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// NewChatRequest fills in the documented defaults (max_tokens=1000,
// temperature=0.7) when the caller leaves them at the zero value.
func NewChatRequest(model string, messages []ChatMessage, stream bool) ChatRequest {
	return ChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemp,
		Stream:      stream,
	}
}

// Usage is the token accounting block of a chat-completion response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the subset of an OpenAI-shaped response the gateway
// reads. Unknown top-level fields (Grok extensions and similar) are not
// modeled and are simply ignored by json.Unmarshal rather than rejected.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Client is a generic upstream HTTP client bound to no single provider;
// every call takes the base URL and API key explicitly so one Client can
// serve every provider in the pool.
type Client struct {
	http     *http.Client
	logger   *zap.Logger
	encoding *tiktoken.Tiktoken
}

// New builds a Client. A tiktoken encoding is loaded once and reused for
// prompt-token estimation; if it fails to load (offline environments
// without the bundled ranks), estimation is silently skipped.
func New(logger *zap.Logger) *Client {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, prompt-token estimation disabled", zap.Error(err))
		enc = nil
	}
	return &Client{
		http:     &http.Client{Timeout: attemptTimeout},
		logger:   logger.Named("upstream"),
		encoding: enc,
	}
}

// EstimatePromptTokens returns a best-effort token count for messages.
// The dispatcher logs it when a provider omits usage from its response;
// it is never written to a persisted usage row, and nothing records it
// in the gateway_prompt_tokens_estimated histogram.
func (c *Client) EstimatePromptTokens(messages []ChatMessage) int {
	if c.encoding == nil {
		return 0
	}
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(m.Content)
	}
	return len(c.encoding.Encode(sb.String(), nil, nil))
}

// Complete sends a non-streaming chat-completions request, retrying
// transport timeouts and non-2xx responses up to maxAttempts times with
// a fixed retryDelay between attempts. A response-parse failure is
// terminal and is never retried.
func (c *Client) Complete(ctx context.Context, baseURL, apiKey string, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "encode request").WithCause(err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, gatewayerr.NewError(gatewayerr.CodeUpstreamTimeout, "context canceled during retry").WithCause(ctx.Err())
			case <-time.After(retryDelay):
			}
		}

		resp, err := c.doRequest(ctx, baseURL, apiKey, body)
		if err != nil {
			lastErr = err
			if gatewayerr.IsRetryable(err) {
				continue
			}
			return nil, err
		}

		parsed, perr := parseResponse(resp)
		if perr != nil {
			// Parse failures are fatal: the attempt reached the
			// provider and got a malformed body, retrying will not
			// help.
			return nil, perr
		}
		return parsed, nil
	}
	if lastErr == nil {
		lastErr = gatewayerr.NewError(gatewayerr.CodeUpstreamError, "exhausted retries")
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, baseURL, apiKey string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, gatewayerr.NewError(gatewayerr.CodeUpstreamTimeout, "upstream request timed out").WithCause(err)
		}
		return nil, gatewayerr.NewError(gatewayerr.CodeUpstreamError, "upstream request failed").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := gatewayerr.CodeUpstreamError
		if resp.StatusCode == http.StatusTooManyRequests {
			code = gatewayerr.CodeRateLimited
		}
		return nil, gatewayerr.NewError(code, fmt.Sprintf("upstream status %d: %s", resp.StatusCode, snippet))
	}
	return resp, nil
}

func parseResponse(resp *http.Response) (*ChatResponse, error) {
	defer resp.Body.Close()
	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, gatewayerr.NewError(gatewayerr.CodeParseFailure, "decode upstream response").WithCause(err)
	}
	return &out, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout")
}

// StreamChunk is one forwarded slice of raw SSE bytes plus any usage
// triple latched from it, if this chunk happened to contain one.
type StreamChunk struct {
	Data  []byte
	Usage *Usage
}

// Stream sends a streaming chat-completions request and returns the raw
// HTTP response for the caller to forward byte-for-byte; ScanUsage is
// used by the caller while copying to latch the last usage block seen.
func (c *Client) Stream(ctx context.Context, baseURL, apiKey string, req ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "encode request").WithCause(err)
	}
	return c.doRequest(ctx, baseURL, apiKey, body)
}

// ScanUsage inspects one SSE line for an embedded "usage" object. SSE
// lines are prefixed with "data: "; that prefix is stripped before
// attempting to parse the remainder as a chat-completion chunk. Lines
// that don't parse, or don't mention usage, return nil.
func ScanUsage(line []byte) *Usage {
	if !bytes.Contains(line, []byte("usage")) {
		return nil
	}
	trimmed := bytes.TrimSpace(line)
	trimmed = bytes.TrimPrefix(trimmed, []byte("data:"))
	trimmed = bytes.TrimSpace(trimmed)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil
	}
	var chunk struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil
	}
	return chunk.Usage
}

// SplitSSELines splits a raw SSE byte stream into individual lines for
// ScanUsage while preserving the original bytes for pass-through
// forwarding. It is a thin wrapper around bufio.Scanner so the
// dispatcher doesn't need to hand-roll line splitting.
func SplitSSELines(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
