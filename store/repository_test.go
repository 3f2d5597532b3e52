package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	repo := New(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate(context.Background()))
	return repo
}

func testProvider(apiKey string) *Provider {
	return &Provider{
		Name:                "test-provider",
		ProviderType:        string(ProviderTypeOpenAI),
		BaseURL:             "https://api.openai.com/v1/chat/completions",
		APIKey:              apiKey,
		Status:              ProviderStatusActive,
		RateLimit:           10,
		MinBalanceThreshold: 1.0,
		SupportBalanceCheck: true,
		ModelName:           "gpt-4",
		ModelType:           "chat",
		ModelVersion:        "v1",
	}
}

func TestRepository_UpsertProvider_Insert(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	p := testProvider("sk-insert")
	require.NoError(t, repo.UpsertProvider(ctx, p))
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.CreatedAt.IsZero())
}

func TestRepository_UpsertProvider_UpdatesInPlace(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	p := testProvider("sk-update")
	require.NoError(t, repo.UpsertProvider(ctx, p))
	originalID := p.ID
	originalCreated := p.CreatedAt

	again := testProvider("sk-update")
	again.Name = "renamed"
	again.RateLimit = 50
	require.NoError(t, repo.UpsertProvider(ctx, again))

	assert.Equal(t, originalID, again.ID, "id must be preserved across re-submission")
	assert.True(t, again.CreatedAt.Equal(originalCreated), "created_at must be preserved across re-submission")

	active, err := repo.ActiveProviders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "renamed", active[0].Name)
	assert.Equal(t, 50, active[0].RateLimit)
}

func TestRepository_ActiveProviders_ExcludesInactive(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	active := testProvider("sk-active")
	require.NoError(t, repo.UpsertProvider(ctx, active))

	inactive := testProvider("sk-inactive")
	inactive.Status = ProviderStatusInactive
	require.NoError(t, repo.UpsertProvider(ctx, inactive))

	rows, err := repo.ActiveProviders(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sk-active", rows[0].APIKey)
}

func TestRepository_UpdateBalance(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	p := testProvider("sk-balance")
	require.NoError(t, repo.UpsertProvider(ctx, p))

	balance := 42.5
	now := time.Now().UTC()
	require.NoError(t, repo.UpdateBalance(ctx, "sk-balance", &balance, now))

	rows, err := repo.ActiveProviders(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Balance)
	assert.InDelta(t, 42.5, *rows[0].Balance, 0.001)
}

func TestRepository_DeleteExhausted(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	exhausted := testProvider("sk-exhausted")
	zero := 0.0
	exhausted.Balance = &zero
	require.NoError(t, repo.UpsertProvider(ctx, exhausted))

	healthy := testProvider("sk-healthy")
	balance := 10.0
	healthy.Balance = &balance
	require.NoError(t, repo.UpsertProvider(ctx, healthy))

	noCheck := testProvider("sk-no-check")
	noCheck.SupportBalanceCheck = false
	require.NoError(t, repo.UpsertProvider(ctx, noCheck))

	deleted, err := repo.DeleteExhausted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-exhausted"}, deleted)

	rows, err := repo.ActiveProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRepository_DeleteExhausted_NoneToDelete(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	p := testProvider("sk-fine")
	balance := 5.0
	p.Balance = &balance
	require.NoError(t, repo.UpsertProvider(ctx, p))

	deleted, err := repo.DeleteExhausted(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestRepository_InsertUsage(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	u := &Usage{
		ProviderAPIKey:   "sk-usage",
		Model:            "gpt-4",
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
		Status:           UsageStatusSuccess,
	}
	require.NoError(t, repo.InsertUsage(ctx, u))
	assert.NotEmpty(t, u.ID)
	assert.False(t, u.RequestTime.IsZero())
}

func TestRepository_PricingLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	older := &ModelPricing{
		Name:                 "openai",
		Model:                "gpt-4",
		PromptTokenPrice:     0.01,
		CompletionTokenPrice: 0.02,
		Currency:             "USD",
		EffectiveDate:        time.Now().UTC().Add(-24 * time.Hour),
	}
	require.NoError(t, repo.InsertPricing(ctx, older))

	newer := &ModelPricing{
		Name:                 "openai",
		Model:                "gpt-4",
		PromptTokenPrice:     0.015,
		CompletionTokenPrice: 0.025,
		Currency:             "USD",
		EffectiveDate:        time.Now().UTC(),
	}
	require.NoError(t, repo.InsertPricing(ctx, newer))

	current, err := repo.CurrentPricing(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.InDelta(t, 0.015, current.PromptTokenPrice, 0.0001)

	all, err := repo.AllPricing(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRepository_CurrentPricing_NotFound(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	current, err := repo.CurrentPricing(ctx, "nobody", "nomodel")
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestRepository_Ping(t *testing.T) {
	repo := newTestRepository(t)
	assert.NoError(t, repo.Ping(context.Background()))
}
