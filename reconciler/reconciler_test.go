package reconciler

import (
	"context"
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

	"github.com/llmgateway/gateway/gatewayerr"
	"github.com/llmgateway/gateway/pool"
	"github.com/llmgateway/gateway/store"
)

type stubNotifier struct {
	evictions []string
}

func (s *stubNotifier) PublishEviction(ctx context.Context, apiKey, reason string) {
	s.evictions = append(s.evictions, apiKey+":"+reason)
}

func newTestRepo(t *testing.T) *store.Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	repo := store.New(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate(context.Background()))
	return repo
}

func testProvider(apiKey, baseURL string) *store.Provider {
	return &store.Provider{
		Name:                "test",
		ProviderType:        string(store.ProviderTypeOpenAI),
		BaseURL:             baseURL,
		APIKey:              apiKey,
		Status:              store.ProviderStatusActive,
		RateLimit:           10,
		MinBalanceThreshold: 1.0,
		SupportBalanceCheck: true,
		ModelName:           "gpt-4",
		ModelType:           "chat",
		ModelVersion:        "v1",
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	repo := newTestRepo(t)
	r := New(repo, pool.New(), nil, 0, zap.NewNop())
	assert.Equal(t, DefaultInterval, r.interval)
}

func TestCheckBalance_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/user/info", r.URL.Path)
		w.Write([]byte(`{"code":0,"status":true,"data":{"balance":"12.50"}}`))
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	r := New(repo, pool.New(), nil, time.Minute, zap.NewNop())

	balance, err := r.CheckBalance(context.Background(), srv.URL+"/v1/chat/completions", "sk-test")
	require.NoError(t, err)
	assert.InDelta(t, 12.50, balance, 0.001)
}

func TestCheckBalance_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	r := New(repo, pool.New(), nil, time.Minute, zap.NewNop())

	_, err := r.CheckBalance(context.Background(), srv.URL+"/v1/chat/completions", "sk-bad")
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeUnauthorized, gatewayerr.GetErrorCode(err))
}

func TestCheckBalance_ParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"balance":"not-a-number"}}`))
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	r := New(repo, pool.New(), nil, time.Minute, zap.NewNop())

	_, err := r.CheckBalance(context.Background(), srv.URL+"/v1/chat/completions", "sk-test")
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeParseFailure, gatewayerr.GetErrorCode(err))
}

func TestUserInfoURL_Siliconflow(t *testing.T) {
	assert.Equal(t, "https://api.siliconflow.cn/v1/user/info",
		userInfoURL("https://api.siliconflow.cn/v1/chat/completions"))
}

func TestUserInfoURL_DerivedFromV1(t *testing.T) {
	assert.Equal(t, "https://api.openai.com/v1/user/info",
		userInfoURL("https://api.openai.com/v1/chat/completions"))
}

func TestUserInfoURL_NoV1Segment(t *testing.T) {
	assert.Equal(t, "https://example.com/api/v1/user/info",
		userInfoURL("https://example.com/api"))
}

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "****", redactKey("abc"))
	assert.Equal(t, "****6789", redactKey("sk-123456789"))
}

func TestRunCycle_EvictsExhaustedProvider(t *testing.T) {
	var balanceResponse string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(balanceResponse))
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	ctx := context.Background()

	exhausted := testProvider("sk-exhausted", srv.URL+"/v1/chat/completions")
	require.NoError(t, repo.UpsertProvider(ctx, exhausted))

	p := pool.New()
	notifier := &stubNotifier{}
	r := New(repo, p, notifier, time.Minute, zap.NewNop())

	balanceResponse = `{"code":0,"status":true,"data":{"balance":"0"}}`
	r.runCycle(ctx)

	active, err := repo.ActiveProviders(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "exhausted provider should be deleted")
	assert.Equal(t, []string{"sk-exhausted:balance_exhausted"}, notifier.evictions)
	assert.Equal(t, 0, p.Size(), "pool should be rebuilt without the evicted provider")
}

func TestRunCycle_KeepsHealthyProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"status":true,"data":{"balance":"99.0"}}`))
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	ctx := context.Background()

	healthy := testProvider("sk-healthy", srv.URL+"/v1/chat/completions")
	require.NoError(t, repo.UpsertProvider(ctx, healthy))

	p := pool.New()
	notifier := &stubNotifier{}
	r := New(repo, p, notifier, time.Minute, zap.NewNop())

	r.runCycle(ctx)

	active, err := repo.ActiveProviders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NotNil(t, active[0].Balance)
	assert.InDelta(t, 99.0, *active[0].Balance, 0.001)
	assert.Empty(t, notifier.evictions)
	assert.Equal(t, 1, p.Size())
}

func TestRunCycle_UnauthorizedClearsBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	ctx := context.Background()

	p := testProvider("sk-revoked", srv.URL+"/v1/chat/completions")
	balance := 5.0
	p.Balance = &balance
	require.NoError(t, repo.UpsertProvider(ctx, p))

	poolInst := pool.New()
	r := New(repo, poolInst, nil, time.Minute, zap.NewNop())

	r.runCycle(ctx)

	// Clearing the balance on a 401 makes the row look exhausted
	// (balance IS NULL, support_balance_check true), so the same cycle's
	// delete-exhausted step removes it.
	active, err := repo.ActiveProviders(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
