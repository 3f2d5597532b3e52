// Package admission implements POST /v1/providers and
// /v1/providers/batch: validating and defaulting a new provider
// registration, verifying its balance before it is trusted, and
// upserting it into the store and pool.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmgateway/gateway/gatewayerr"
	"github.com/llmgateway/gateway/pool"
	"github.com/llmgateway/gateway/reconciler"
	"github.com/llmgateway/gateway/store"
)

const (
	defaultRateLimit           = 10
	defaultMinBalanceThreshold = 1.0
	defaultModelType           = "ChatCompletion"
	defaultModelVersion        = "v3"
)

// Admission wires the store, pool, and reconciler's verify-only balance
// check together behind the provider-registration HTTP handlers.
type Admission struct {
	repo       *store.Repository
	pool       *pool.Pool
	reconciler *reconciler.Reconciler
	logger     *zap.Logger
}

// New builds an Admission handler.
func New(repo *store.Repository, p *pool.Pool, rec *reconciler.Reconciler, logger *zap.Logger) *Admission {
	return &Admission{repo: repo, pool: p, reconciler: rec, logger: logger.Named("admission")}
}

// AddProviderRequest is the POST /v1/providers body. Only APIKey,
// ProviderType, and ModelName are required; every other field has a
// documented default filled in by applyDefaults.
type AddProviderRequest struct {
	APIKey              string  `json:"api_key"`
	ProviderType        string  `json:"provider_type"`
	ModelName           string  `json:"model_name"`
	Name                string  `json:"name,omitempty"`
	BaseURL             string  `json:"base_url,omitempty"`
	IsOfficial          bool    `json:"is_official,omitempty"`
	RateLimit           int     `json:"rate_limit,omitempty"`
	MinBalanceThreshold float64 `json:"min_balance_threshold,omitempty"`
	SupportBalanceCheck *bool   `json:"support_balance_check,omitempty"`
	ModelType           string  `json:"model_type,omitempty"`
	ModelVersion        string  `json:"model_version,omitempty"`
}

// ProviderResult is one entry of the success[]/failed[] response
// arrays.
type ProviderResult struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name"`
	APIKey    string   `json:"api_key"`
	Balance   *float64 `json:"balance,omitempty"`
	Error     string   `json:"error,omitempty"`
	CreatedAt string   `json:"created_at,omitempty"`
}

type batchResponse struct {
	Success []ProviderResult `json:"success"`
	Failed  []ProviderResult `json:"failed"`
}

// Create handles POST /v1/providers: a single-item batch.
func (a *Admission) Create(w http.ResponseWriter, r *http.Request) {
	var req AddProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "malformed request body").WithCause(err))
		return
	}
	resp := a.addAll(r.Context(), []AddProviderRequest{req})
	if len(resp.Failed) > 0 && len(resp.Success) == 0 {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// CreateBatch handles POST /v1/providers/batch, whose body is
// {"providers": [AddProviderRequest, ...]}.
func (a *Admission) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Providers []AddProviderRequest `json:"providers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "malformed request body").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, a.addAll(r.Context(), body.Providers))
}

// Seed registers startup-configured providers (SPEC_FULL.md's
// ProvidersConfig) the same way the HTTP admission endpoints do,
// including the balance verify-before-trust check. Intended for
// process startup, where failures are logged rather than surfaced to
// an HTTP caller.
func (a *Admission) Seed(ctx context.Context, reqs []AddProviderRequest) {
	if len(reqs) == 0 {
		return
	}
	resp := a.addAll(ctx, reqs)
	for _, r := range resp.Success {
		a.logger.Info("seeded provider", zap.String("name", r.Name))
	}
	for _, r := range resp.Failed {
		a.logger.Warn("failed to seed provider", zap.String("api_key", r.APIKey), zap.String("error", r.Error))
	}
}

func (a *Admission) addAll(ctx context.Context, reqs []AddProviderRequest) batchResponse {
	var resp batchResponse
	anySuccess := false
	for _, req := range reqs {
		result, provider, err := a.addOne(ctx, req)
		if err != nil {
			result.Error = err.Error()
			resp.Failed = append(resp.Failed, result)
			continue
		}
		resp.Success = append(resp.Success, result)
		anySuccess = true
		_ = provider
	}
	if anySuccess {
		if err := a.rebuildPool(ctx); err != nil {
			a.logger.Error("pool rebuild after admission failed", zap.Error(err))
		}
	}
	return resp
}

func (a *Admission) addOne(ctx context.Context, req AddProviderRequest) (ProviderResult, store.Provider, error) {
	if req.APIKey == "" || req.ProviderType == "" || req.ModelName == "" {
		return ProviderResult{APIKey: req.APIKey}, store.Provider{}, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "api_key, provider_type, and model_name are required")
	}

	applyDefaults(&req)

	provider := store.Provider{
		Name:                req.Name,
		ProviderType:        req.ProviderType,
		IsOfficial:          req.IsOfficial,
		BaseURL:             req.BaseURL,
		APIKey:              req.APIKey,
		Status:              store.ProviderStatusActive,
		RateLimit:           req.RateLimit,
		MinBalanceThreshold: req.MinBalanceThreshold,
		SupportBalanceCheck: *req.SupportBalanceCheck,
		ModelName:           req.ModelName,
		ModelType:           req.ModelType,
		ModelVersion:        req.ModelVersion,
	}

	result := ProviderResult{Name: provider.Name, APIKey: provider.APIKey}

	if provider.SupportBalanceCheck {
		balance, err := a.reconciler.CheckBalance(ctx, provider.BaseURL, provider.APIKey)
		if err != nil {
			return result, store.Provider{}, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "balance verification failed").WithCause(err)
		}
		if balance < provider.MinBalanceThreshold {
			return result, store.Provider{}, gatewayerr.NewError(gatewayerr.CodeQuotaExceeded,
				fmt.Sprintf("余额不足: %.4f < %.4f", balance, provider.MinBalanceThreshold))
		}
		provider.Balance = &balance
	}

	if err := a.repo.UpsertProvider(ctx, &provider); err != nil {
		return result, store.Provider{}, gatewayerr.NewError(gatewayerr.CodeInternal, "store provider failed").WithCause(err)
	}

	result.ID = provider.ID
	result.Balance = provider.Balance
	result.CreatedAt = provider.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
	return result, provider, nil
}

func (a *Admission) rebuildPool(ctx context.Context) error {
	active, err := a.repo.ActiveProviders(ctx)
	if err != nil {
		return err
	}
	a.pool.Rebuild(active)
	return nil
}

func applyDefaults(req *AddProviderRequest) {
	if req.Name == "" {
		id := uuid.NewString()
		suffix := id
		if len(id) > 8 {
			suffix = id[len(id)-8:]
		}
		req.Name = fmt.Sprintf("%s-%s", req.ProviderType, suffix)
	}
	if req.BaseURL == "" {
		req.BaseURL = store.ProviderType(req.ProviderType).DefaultBaseURL()
	}
	if req.RateLimit <= 0 {
		req.RateLimit = defaultRateLimit
	}
	if req.MinBalanceThreshold <= 0 {
		req.MinBalanceThreshold = defaultMinBalanceThreshold
	}
	if req.SupportBalanceCheck == nil {
		defaultTrue := true
		req.SupportBalanceCheck = &defaultTrue
	}
	if req.ModelType == "" {
		req.ModelType = defaultModelType
	}
	if req.ModelVersion == "" {
		req.ModelVersion = defaultModelVersion
	}
}

// List handles GET /v1/providers, redacting every api_key to its last 4
// characters.
func (a *Admission) List(w http.ResponseWriter, r *http.Request) {
	providers := a.pool.Snapshot()
	out := make([]map[string]any, 0, len(providers))
	for _, p := range providers {
		out = append(out, map[string]any{
			"id":                    p.ID,
			"name":                  p.Name,
			"provider_type":         p.ProviderType,
			"api_key":               redact(p.APIKey),
			"status":                p.Status,
			"rate_limit":            p.RateLimit,
			"balance":               p.Balance,
			"model_name":            p.ModelName,
			"support_balance_check": p.SupportBalanceCheck,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func redact(apiKey string) string {
	if len(apiKey) <= 4 {
		return "****"
	}
	return "****" + apiKey[len(apiKey)-4:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *gatewayerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Message})
}
