package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgateway/gateway/pool"
	"github.com/llmgateway/gateway/store"
	"github.com/llmgateway/gateway/upstream"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *gorm.DB, *pool.Pool) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	repo := store.New(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate(context.Background()))

	p := pool.New()
	client := upstream.New(zap.NewNop())
	return New(p, client, repo, zap.NewNop()), db, p
}

func registerProvider(p *pool.Pool, apiKey, model, baseURL string) {
	p.Rebuild([]store.Provider{{
		APIKey:    apiKey,
		ModelName: model,
		Status:    store.ProviderStatusActive,
		RateLimit: 10,
		BaseURL:   baseURL,
	}})
}

func TestServeHTTP_RejectsEmptyMessages(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	body, _ := json.Marshal(map[string]any{"model": "gpt-4", "messages": []any{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeHTTP_RejectsMalformedBody(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeHTTP_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(upstream.ChatResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4",
			Usage: &upstream.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
		})
	}))
	defer srv.Close()

	d, db, p := newTestDispatcher(t)
	registerProvider(p, "sk-1", "gpt-4", srv.URL)

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp upstream.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-1", resp.ID)

	usage := p.UsageOf("sk-1")
	assert.Equal(t, int64(5), usage.TotalTokens)

	rows, err := repoAllUsage(db)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.UsageStatusSuccess, rows[0].Status)
}

func TestServeHTTP_DefaultsModelWhenOmitted(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req upstream.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		json.NewEncoder(w).Encode(upstream.ChatResponse{ID: "ok"})
	}))
	defer srv.Close()

	d, _, p := newTestDispatcher(t)
	registerProvider(p, "sk-1", defaultModel, srv.URL)

	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultModel, gotModel)
}

func TestServeHTTP_CascadeExhausted(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServeHTTP_StreamForwardsSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}` + "\n"))
		w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	d, db, p := newTestDispatcher(t)
	registerProvider(p, "sk-stream", "gpt-4", srv.URL)

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "choices")

	usage := p.UsageOf("sk-stream")
	assert.Equal(t, int64(2), usage.TotalTokens)

	rows, err := repoAllUsage(db)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.UsageStatusSuccess, rows[0].Status)
}

func TestServeHTTP_StreamNoProviderAvailable(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	d.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code, "stream errors are reported in-band, not via HTTP status")
	assert.Contains(t, w.Body.String(), "error")
}

func TestClientIPOf_HostPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	assert.Equal(t, "10.0.0.1", clientIPOf(req))
}

func TestClientIPOf_NoPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "not-a-host-port"
	assert.Equal(t, "not-a-host-port", clientIPOf(req))
}

func TestSuffixOf(t *testing.T) {
	assert.Equal(t, "short", suffixOf("short"))
	assert.Equal(t, "90123456", suffixOf("sk-1234567890123456"))
}

func repoAllUsage(db *gorm.DB) ([]store.Usage, error) {
	var rows []store.Usage
	err := db.Find(&rows).Error
	return rows, err
}
