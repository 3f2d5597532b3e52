package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgateway/gateway/pool"
	"github.com/llmgateway/gateway/reconciler"
	"github.com/llmgateway/gateway/store"
)

func newTestAdmission(t *testing.T) (*Admission, *store.Repository, *pool.Pool) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	repo := store.New(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate(context.Background()))

	p := pool.New()
	rec := reconciler.New(repo, p, nil, time.Minute, zap.NewNop())
	return New(repo, p, rec, zap.NewNop()), repo, p
}

func TestApplyDefaults_FillsEverything(t *testing.T) {
	req := &AddProviderRequest{ProviderType: string(store.ProviderTypeOpenAI)}
	applyDefaults(req)

	assert.Contains(t, req.Name, "OpenAI-")
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", req.BaseURL)
	assert.Equal(t, defaultRateLimit, req.RateLimit)
	assert.Equal(t, defaultMinBalanceThreshold, req.MinBalanceThreshold)
	require.NotNil(t, req.SupportBalanceCheck)
	assert.True(t, *req.SupportBalanceCheck)
	assert.Equal(t, defaultModelType, req.ModelType)
	assert.Equal(t, defaultModelVersion, req.ModelVersion)
}

func TestApplyDefaults_RespectsExplicitValues(t *testing.T) {
	supportFalse := false
	req := &AddProviderRequest{
		ProviderType:        string(store.ProviderTypeOpenAI),
		Name:                "custom-name",
		BaseURL:             "https://example.com/v1/chat/completions",
		RateLimit:           99,
		MinBalanceThreshold: 5.0,
		SupportBalanceCheck: &supportFalse,
		ModelType:           "embedding",
		ModelVersion:        "v9",
	}
	applyDefaults(req)

	assert.Equal(t, "custom-name", req.Name)
	assert.Equal(t, "https://example.com/v1/chat/completions", req.BaseURL)
	assert.Equal(t, 99, req.RateLimit)
	assert.Equal(t, 5.0, req.MinBalanceThreshold)
	assert.False(t, *req.SupportBalanceCheck)
	assert.Equal(t, "embedding", req.ModelType)
	assert.Equal(t, "v9", req.ModelVersion)
}

func TestCreate_RejectsMissingRequiredFields(t *testing.T) {
	a, _, _ := newTestAdmission(t)

	body, _ := json.Marshal(AddProviderRequest{Name: "incomplete"})
	req := httptest.NewRequest(http.MethodPost, "/v1/providers", bytes.NewReader(body))
	w := httptest.NewRecorder()

	a.Create(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreate_VerifiesBalanceBeforeTrust(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"status":true,"data":{"balance":"0.10"}}`))
	}))
	defer srv.Close()

	a, _, _ := newTestAdmission(t)

	body, _ := json.Marshal(AddProviderRequest{
		APIKey:       "sk-under-threshold",
		ProviderType: string(store.ProviderTypeOpenAI),
		ModelName:    "gpt-4",
		BaseURL:      srv.URL + "/v1/chat/completions",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/providers", bytes.NewReader(body))
	w := httptest.NewRecorder()

	a.Create(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp batchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Failed, 1)
	assert.Empty(t, resp.Success)
}

func TestCreate_SucceedsAndRebuildsPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"status":true,"data":{"balance":"50.00"}}`))
	}))
	defer srv.Close()

	a, _, p := newTestAdmission(t)

	body, _ := json.Marshal(AddProviderRequest{
		APIKey:       "sk-good",
		ProviderType: string(store.ProviderTypeOpenAI),
		ModelName:    "gpt-4",
		BaseURL:      srv.URL + "/v1/chat/completions",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/providers", bytes.NewReader(body))
	w := httptest.NewRecorder()

	a.Create(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, p.Size())
}

func TestCreateBatch_MixedSuccessAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"status":true,"data":{"balance":"50.00"}}`))
	}))
	defer srv.Close()

	a, _, p := newTestAdmission(t)

	reqs := []AddProviderRequest{
		{APIKey: "sk-1", ProviderType: string(store.ProviderTypeOpenAI), ModelName: "gpt-4", BaseURL: srv.URL + "/v1/chat/completions"},
		{Name: "missing-fields"},
	}
	body, _ := json.Marshal(map[string]any{"providers": reqs})
	req := httptest.NewRequest(http.MethodPost, "/v1/providers/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()

	a.CreateBatch(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp batchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Success, 1)
	assert.Len(t, resp.Failed, 1)
	assert.Equal(t, 1, p.Size())
}

func TestSeed_LogsWithoutPanicking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"status":true,"data":{"balance":"50.00"}}`))
	}))
	defer srv.Close()

	a, _, p := newTestAdmission(t)

	assert.NotPanics(t, func() {
		a.Seed(context.Background(), []AddProviderRequest{
			{APIKey: "sk-seed", ProviderType: string(store.ProviderTypeOpenAI), ModelName: "gpt-4", BaseURL: srv.URL + "/v1/chat/completions"},
		})
	})
	assert.Equal(t, 1, p.Size())
}

func TestSeed_EmptyIsNoop(t *testing.T) {
	a, _, p := newTestAdmission(t)
	a.Seed(context.Background(), nil)
	assert.Equal(t, 0, p.Size())
}

func TestList_RedactsAPIKeys(t *testing.T) {
	a, _, p := newTestAdmission(t)
	p.Rebuild([]store.Provider{{APIKey: "sk-1234567890", Name: "prov", Status: store.ProviderStatusActive}})

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	w := httptest.NewRecorder()
	a.List(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "****7890", out[0]["api_key"])
}

func TestRedact_ShortKey(t *testing.T) {
	assert.Equal(t, "****", redact("abc"))
}
