// Package dispatcher implements POST /v1/chat/completions: selecting a
// provider under a cascade of load-balancing strategies, forwarding the
// request upstream, and recording the outcome as a usage row.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/llmgateway/gateway/gatewayerr"
	"github.com/llmgateway/gateway/pool"
	"github.com/llmgateway/gateway/store"
	"github.com/llmgateway/gateway/upstream"
)

var tracer = otel.Tracer("github.com/llmgateway/gateway/dispatcher")

// defaultModel is used when the caller's request omits "model" entirely.
const defaultModel = "DeepSeek-V3"

// cascade is the fixed strategy order non-streaming requests fall
// through. Streaming requests only ever attempt the first strategy: once
// the 200 header and first bytes are written there is no way to retry
// against a different provider without corrupting the response.
var cascade = []pool.Strategy{pool.StrategyRoundRobin, pool.StrategyLeastConnections, pool.StrategyLeastTokens}

// Dispatcher wires the pool, upstream client, and store together behind
// the chat-completions HTTP handler.
type Dispatcher struct {
	pool   *pool.Pool
	client *upstream.Client
	repo   *store.Repository
	logger *zap.Logger
}

// New builds a Dispatcher.
func New(p *pool.Pool, client *upstream.Client, repo *store.Repository, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{pool: p, client: client, repo: repo, logger: logger.Named("dispatcher")}
}

type chatCompletionRequest struct {
	Model       string                 `json:"model"`
	Messages    []upstream.ChatMessage `json:"messages"`
	MaxTokens   *int                   `json:"max_tokens,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
	Stream      bool                   `json:"stream,omitempty"`
}

// ServeHTTP implements POST /v1/chat/completions.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "malformed request body").WithCause(err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "messages must not be empty"))
		return
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	upReq := upstream.NewChatRequest(model, req.Messages, req.Stream)
	if req.MaxTokens != nil {
		upReq.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		upReq.Temperature = *req.Temperature
	}

	clientIP := clientIPOf(r)
	ctx, span := tracer.Start(r.Context(), "gateway.dispatch",
		trace.WithAttributes(
			attribute.String("model", model),
		))
	defer span.End()

	if req.Stream {
		d.serveStream(ctx, w, clientIP, model, upReq)
		return
	}
	d.serveNormal(ctx, w, clientIP, model, upReq)
}

func (d *Dispatcher) serveNormal(ctx context.Context, w http.ResponseWriter, clientIP, model string, upReq upstream.ChatRequest) {
	var lastErr error
	for _, strategy := range cascade {
		resp, provider, ok, err := d.attempt(ctx, strategy, model, clientIP, upReq)
		if !ok {
			lastErr = err
			continue
		}
		totalTokens := 0
		if resp.Usage != nil {
			totalTokens = resp.Usage.TotalTokens
		} else {
			d.logger.Debug("upstream response omitted usage",
				zap.String("model", model),
				zap.Int("prompt_tokens_estimated", d.client.EstimatePromptTokens(upReq.Messages)))
		}
		d.pool.UpdateUsage(provider.APIKey, totalTokens)
		d.recordUsage(ctx, provider.APIKey, model, resp.Usage, store.UsageStatusSuccess, clientIP, nil)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	d.logger.Warn("strategy cascade exhausted", zap.String("model", model), zap.Error(lastErr))
	writeError(w, gatewayerr.NewError(gatewayerr.CodeStrategyCascadeExhausted, fmt.Sprintf("no provider available: %v", lastErr)).WithCause(lastErr))
}

// attempt runs one strategy step: select, acquire a permit, call
// upstream. ok is false whenever the cascade should fall through to the
// next strategy (no candidate, no permit, or upstream failure).
func (d *Dispatcher) attempt(ctx context.Context, strategy pool.Strategy, model, clientIP string, upReq upstream.ChatRequest) (*upstream.ChatResponse, store.Provider, bool, error) {
	_, span := tracer.Start(ctx, "gateway.upstream_attempt", trace.WithAttributes(
		attribute.String("strategy", string(strategy)),
	))
	defer span.End()

	provider, ok := d.pool.Select(model, strategy)
	if !ok {
		err := gatewayerr.NewError(gatewayerr.CodeSelectionMiss, "no provider matches model")
		span.SetStatus(codes.Error, err.Error())
		d.recordUsage(ctx, "", model, nil, store.UsageStatusError, clientIP, nil)
		return nil, store.Provider{}, false, err
	}
	span.SetAttributes(attribute.String("provider.api_key", suffixOf(provider.APIKey)))

	permit, ok := d.pool.GetPermit(ctx, provider.APIKey)
	if !ok {
		err := gatewayerr.NewError(gatewayerr.CodePermitExhausted, "no free concurrency permit").WithProvider(provider.APIKey)
		span.SetStatus(codes.Error, err.Error())
		d.recordUsage(ctx, provider.APIKey, model, nil, store.UsageStatusError, clientIP, nil)
		return nil, provider, false, err
	}
	defer permit.Release()

	resp, err := d.client.Complete(ctx, provider.BaseURL, provider.APIKey, upReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		d.recordUsage(ctx, provider.APIKey, model, nil, store.UsageStatusError, clientIP, nil)
		return nil, provider, false, err
	}
	return resp, provider, true, nil
}

func (d *Dispatcher) serveStream(ctx context.Context, w http.ResponseWriter, clientIP, model string, upReq upstream.ChatRequest) {
	provider, ok := d.pool.Select(model, pool.StrategyRoundRobin)
	if !ok {
		writeStreamError(w, "no provider available")
		return
	}
	permit, ok := d.pool.GetPermit(ctx, provider.APIKey)
	if !ok {
		writeStreamError(w, "no provider available")
		return
	}
	defer permit.Release()

	resp, err := d.client.Stream(ctx, provider.BaseURL, provider.APIKey, upReq)
	if err != nil {
		writeStreamError(w, err.Error())
		return
	}
	defer resp.Body.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var latched *upstream.Usage
	chunks := 0
	scanner := upstream.SplitSSELines(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		chunks++
		if _, werr := w.Write(line); werr != nil {
			break
		}
		if _, werr := w.Write([]byte("\n")); werr != nil {
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
		if u := upstream.ScanUsage(line); u != nil {
			latched = u
		}
	}

	switch {
	case latched != nil:
		d.pool.UpdateUsage(provider.APIKey, latched.TotalTokens)
		d.recordUsage(ctx, provider.APIKey, model, latched, store.UsageStatusSuccess, clientIP, nil)
	case chunks > 0:
		d.recordUsage(ctx, provider.APIKey, model, nil, store.UsageStatusPartialSuccess, clientIP, nil)
	default:
		d.recordUsage(ctx, provider.APIKey, model, nil, store.UsageStatusError, clientIP, nil)
	}
}

func writeStreamError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	payload, _ := json.Marshal(map[string]string{"error": message})
	fmt.Fprintf(w, "data: %s\n", payload)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (d *Dispatcher) recordUsage(ctx context.Context, apiKey, model string, usage *upstream.Usage, status store.UsageStatus, clientIP string, requestID *string) {
	row := &store.Usage{
		ProviderAPIKey: apiKey,
		RequestTime:    time.Now().UTC(),
		Model:          model,
		Status:         status,
		ClientIP:       clientIP,
		RequestID:      requestID,
	}
	if status == store.UsageStatusSuccess && usage != nil {
		row.PromptTokens = usage.PromptTokens
		row.CompletionTokens = usage.CompletionTokens
		row.TotalTokens = usage.TotalTokens
	}
	if err := d.repo.InsertUsage(ctx, row); err != nil {
		d.logger.Error("insert usage row failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err *gatewayerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Message})
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func suffixOf(apiKey string) string {
	if len(apiKey) <= 8 {
		return apiKey
	}
	return apiKey[len(apiKey)-8:]
}
