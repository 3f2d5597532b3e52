package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmgateway/gateway/pool"
	"github.com/llmgateway/gateway/store"
)

var propertyDBCounter uint64

func newPropertyRepo(t *testing.T) *store.Repository {
	t.Helper()
	n := atomic.AddUint64(&propertyDBCounter, 1)
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", t.Name(), n)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	repo := store.New(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate(context.Background()))
	return repo
}

// A reconciler cycle is idempotent on a stable upstream: running it
// twice in a row against providers whose balance-check response never
// changes leaves the active provider set and their balances exactly as
// the first cycle left them.
func TestProperty_ReconcilerCycleIsIdempotentOnStableUpstream(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("a second cycle on an unchanged upstream changes nothing", prop.ForAll(
		func(balance float64, providerCount int) bool {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]any{
					"data": map[string]any{"balance": fmt.Sprintf("%.4f", balance)},
				})
			}))
			defer srv.Close()

			repo := newPropertyRepo(t)
			p := pool.New()
			rec := New(repo, p, &stubNotifier{}, 0, zap.NewNop())

			ctx := context.Background()
			for i := 0; i < providerCount; i++ {
				apiKey := fmt.Sprintf("sk-prop-%d", i)
				provider := testProvider(apiKey, srv.URL)
				if err := repo.UpsertProvider(ctx, provider); err != nil {
					t.Logf("upsert failed: %v", err)
					return false
				}
			}

			rec.runCycle(ctx)
			firstActive, err := repo.ActiveProviders(ctx)
			if err != nil {
				t.Logf("first ActiveProviders failed: %v", err)
				return false
			}

			rec.runCycle(ctx)
			secondActive, err := repo.ActiveProviders(ctx)
			if err != nil {
				t.Logf("second ActiveProviders failed: %v", err)
				return false
			}

			if len(firstActive) != len(secondActive) {
				t.Logf("provider count changed: %d -> %d", len(firstActive), len(secondActive))
				return false
			}
			firstBalances := make(map[string]float64, len(firstActive))
			for _, prov := range firstActive {
				if prov.Balance != nil {
					firstBalances[prov.APIKey] = *prov.Balance
				}
			}
			for _, prov := range secondActive {
				want, ok := firstBalances[prov.APIKey]
				if !ok {
					t.Logf("provider %s disappeared between cycles", prov.APIKey)
					return false
				}
				if prov.Balance == nil || *prov.Balance != want {
					t.Logf("balance for %s drifted across idempotent cycles", prov.APIKey)
					return false
				}
			}
			return true
		},
		gen.Float64Range(10, 1000),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
