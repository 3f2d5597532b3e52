// Package reconciler periodically verifies provider balances against
// each upstream's account-info endpoint, evicts exhausted providers, and
// rebuilds the pool from the surviving set. It also exposes a
// verify-only check used by admission to reject under-funded keys before
// they are ever persisted.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmgateway/gateway/gatewayerr"
	"github.com/llmgateway/gateway/pool"
	"github.com/llmgateway/gateway/store"
)

// DefaultInterval is the batch-cycle period: run once at startup, then
// every 300 seconds.
const DefaultInterval = 300 * time.Second

const requestTimeout = 30 * time.Second

// userInfoResponse mirrors the upstream account-info wire shape.
type userInfoResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  bool   `json:"status"`
	Data    struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Balance      string `json:"balance"`
		Status       string `json:"status"`
		TotalBalance string `json:"totalBalance"`
	} `json:"data"`
}

// Notifier is the optional fire-and-forget eviction sink (notify.Notifier
// in the full build). Publish must never block the reconciler loop.
type Notifier interface {
	PublishEviction(ctx context.Context, apiKey, reason string)
}

// Reconciler owns the periodic balance-check/eviction cycle.
type Reconciler struct {
	repo     *store.Repository
	pool     *pool.Pool
	http     *http.Client
	logger   *zap.Logger
	notifier Notifier
	interval time.Duration
}

// New builds a Reconciler. notifier may be nil, in which case evictions
// are logged but not published anywhere.
func New(repo *store.Repository, p *pool.Pool, notifier Notifier, interval time.Duration, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		repo:     repo,
		pool:     p,
		http:     &http.Client{Timeout: requestTimeout},
		logger:   logger.Named("reconciler"),
		notifier: notifier,
		interval: interval,
	}
}

// Run executes an immediate cycle, then repeats every interval until ctx
// is canceled. Intended to be launched in its own goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	r.runCycle(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	start := time.Now()
	active, err := r.repo.ActiveProviders(ctx)
	if err != nil {
		r.logger.Error("load active providers failed", zap.Error(err))
		return
	}

	for i := range active {
		p := active[i]
		if !p.SupportBalanceCheck {
			continue
		}
		balance, checkErr := r.checkBalance(ctx, p.BaseURL, p.APIKey)
		now := time.Now().UTC()
		switch {
		case checkErr == nil:
			if err := r.repo.UpdateBalance(ctx, p.APIKey, &balance, now); err != nil {
				r.logger.Error("update balance failed", zap.String("provider", redactKey(p.APIKey)), zap.Error(err))
			}
		case gatewayerr.GetErrorCode(checkErr) == gatewayerr.CodeUnauthorized:
			if err := r.repo.UpdateBalance(ctx, p.APIKey, nil, now); err != nil {
				r.logger.Error("clear balance failed", zap.String("provider", redactKey(p.APIKey)), zap.Error(err))
			}
		default:
			// Transport error or non-2xx other than 401: leave the row
			// untouched, it may be transient.
			r.logger.Warn("balance check failed, leaving provider untouched",
				zap.String("provider", redactKey(p.APIKey)), zap.Error(checkErr))
		}
	}

	deletedKeys, err := r.repo.DeleteExhausted(ctx)
	if err != nil {
		r.logger.Error("delete exhausted providers failed", zap.Error(err))
	}
	for _, key := range deletedKeys {
		r.pool.RemoveProvider(key)
		if r.notifier != nil {
			r.notifier.PublishEviction(ctx, key, "balance_exhausted")
		}
	}

	survivors, err := r.repo.ActiveProviders(ctx)
	if err != nil {
		r.logger.Error("reload survivors after eviction failed", zap.Error(err))
		return
	}
	r.pool.Rebuild(survivors)

	r.logger.Info("reconciler cycle complete",
		zap.Int("checked", len(active)),
		zap.Int("evicted", len(deletedKeys)),
		zap.Duration("elapsed", time.Since(start)))
}

// CheckBalance is the verify-only path used by admission: it performs
// the same upstream call as the batch cycle but never writes to the
// store or the pool.
func (r *Reconciler) CheckBalance(ctx context.Context, baseURL, apiKey string) (float64, error) {
	return r.checkBalance(ctx, baseURL, apiKey)
}

func (r *Reconciler) checkBalance(ctx context.Context, baseURL, apiKey string) (float64, error) {
	url := userInfoURL(baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, gatewayerr.NewError(gatewayerr.CodeInternal, "build balance request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return 0, gatewayerr.NewError(gatewayerr.CodeUpstreamError, "balance check request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return 0, gatewayerr.NewError(gatewayerr.CodeUnauthorized, "provider key rejected by upstream")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, gatewayerr.NewError(gatewayerr.CodeUpstreamError, fmt.Sprintf("balance check status %d: %s", resp.StatusCode, snippet))
	}

	var body userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, gatewayerr.NewError(gatewayerr.CodeParseFailure, "decode balance response").WithCause(err)
	}
	balance, err := strconv.ParseFloat(body.Data.Balance, 64)
	if err != nil {
		return 0, gatewayerr.NewError(gatewayerr.CodeParseFailure, "parse balance field").WithCause(err)
	}
	return balance, nil
}

// userInfoURL derives the account-info endpoint from a provider's
// chat-completions base_url. siliconflow providers (DeepSeek) always use
// their canonical account endpoint regardless of the configured base_url;
// every other provider's endpoint is derived by taking everything before
// "/v1/" and appending "/v1/user/info".
func userInfoURL(baseURL string) string {
	if strings.Contains(baseURL, "siliconflow") {
		return "https://api.siliconflow.cn/v1/user/info"
	}
	if idx := strings.Index(baseURL, "/v1/"); idx >= 0 {
		return baseURL[:idx] + "/v1/user/info"
	}
	return strings.TrimRight(baseURL, "/") + "/v1/user/info"
}

func redactKey(apiKey string) string {
	if len(apiKey) <= 4 {
		return "****"
	}
	return "****" + apiKey[len(apiKey)-4:]
}
