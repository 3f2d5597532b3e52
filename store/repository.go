package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Repository wraps a *gorm.DB with the gateway's query patterns. It holds
// no in-memory state of its own; the provider pool (package pool) is the
// process-local cache built from repository reads.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New wraps db in a Repository.
func New(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger.Named("store")}
}

// AutoMigrate creates or updates the three gateway tables. Schema
// evolution beyond the initial shape ships as golang-migrate SQL pairs
// (internal/migration); AutoMigrate here only covers first-run bootstrap
// for the sqlite quick-start path.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Provider{}, &Usage{}, &ModelPricing{})
}

// ActiveProviders loads every provider row with status Active, in a
// stable order (by created_at) so the pool's round-robin cursor behaves
// deterministically across rebuilds.
func (r *Repository) ActiveProviders(ctx context.Context) ([]Provider, error) {
	var rows []Provider
	err := r.db.WithContext(ctx).
		Where("status = ?", ProviderStatusActive).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load active providers: %w", err)
	}
	return rows, nil
}

// UpsertProvider inserts p, or if a row with the same api_key already
// exists, rewrites every field except id and created_at (SPEC_FULL.md
// §3 invariant).
func (r *Repository) UpsertProvider(ctx context.Context, p *Provider) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Provider
		err := tx.Where("api_key = ?", p.APIKey).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			p.CreatedAt = now
			p.UpdatedAt = now
			if p.ID == "" {
				p.ID = NewProviderID()
			}
			return tx.Create(p).Error
		case err != nil:
			return fmt.Errorf("lookup existing provider: %w", err)
		default:
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = now
			return tx.Model(&Provider{}).Where("id = ?", p.ID).Updates(map[string]any{
				"name":                  p.Name,
				"provider_type":         p.ProviderType,
				"is_official":           p.IsOfficial,
				"base_url":              p.BaseURL,
				"status":                p.Status,
				"rate_limit":            p.RateLimit,
				"balance":               p.Balance,
				"last_balance_check":    p.LastBalanceCheck,
				"min_balance_threshold": p.MinBalanceThreshold,
				"support_balance_check": p.SupportBalanceCheck,
				"model_name":            p.ModelName,
				"model_type":            p.ModelType,
				"model_version":         p.ModelVersion,
				"updated_at":            p.UpdatedAt,
			}).Error
		}
	})
}

// UpdateBalance writes a single provider's refreshed balance and
// last_balance_check, used by the reconciler's per-key check step.
func (r *Repository) UpdateBalance(ctx context.Context, apiKey string, balance *float64, checkedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&Provider{}).
		Where("api_key = ?", apiKey).
		Updates(map[string]any{
			"balance":            balance,
			"last_balance_check": checkedAt,
		}).Error
}

// DeleteExhausted deletes every balance-checked row, whatever its status,
// whose balance is exactly zero or null (one query selects the rows
// matching either condition, one statement deletes them by id), and
// returns the api_keys deleted. Used by the reconciler's two-phase batch-delete
// (SPEC_FULL.md §4.4 step 3); the caller is expected to have already
// refreshed balances via UpdateBalance before calling this.
func (r *Repository) DeleteExhausted(ctx context.Context) ([]string, error) {
	var toDelete []Provider
	err := r.db.WithContext(ctx).
		Where("support_balance_check = ?", true).
		Where("(balance = 0 OR balance IS NULL)").
		Find(&toDelete).Error
	if err != nil {
		return nil, fmt.Errorf("scan exhausted providers: %w", err)
	}
	if len(toDelete) == 0 {
		return nil, nil
	}

	ids := make([]string, len(toDelete))
	keys := make([]string, len(toDelete))
	for i, p := range toDelete {
		ids[i] = p.ID
		keys[i] = p.APIKey
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Provider{}).Error; err != nil {
		return nil, fmt.Errorf("delete exhausted providers: %w", err)
	}
	return keys, nil
}

// InsertUsage appends one accounting row.
func (r *Repository) InsertUsage(ctx context.Context, u *Usage) error {
	if u.ID == "" {
		u.ID = NewUsageID()
	}
	if u.RequestTime.IsZero() {
		u.RequestTime = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(u).Error
}

// InsertPricing inserts a new history row; pricing is never updated in
// place (SPEC_FULL.md §10.6).
func (r *Repository) InsertPricing(ctx context.Context, p *ModelPricing) error {
	if p.ID == "" {
		p.ID = NewPricingID()
	}
	if p.EffectiveDate.IsZero() {
		p.EffectiveDate = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(p).Error
}

// CurrentPricing returns the row with the greatest effective_date for
// (name, model).
func (r *Repository) CurrentPricing(ctx context.Context, name, model string) (*ModelPricing, error) {
	var row ModelPricing
	err := r.db.WithContext(ctx).
		Where("name = ? AND model = ?", name, model).
		Order("effective_date DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current pricing: %w", err)
	}
	return &row, nil
}

// AllPricing returns every pricing row across all history, newest first.
func (r *Repository) AllPricing(ctx context.Context) ([]ModelPricing, error) {
	var rows []ModelPricing
	err := r.db.WithContext(ctx).Order("effective_date DESC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load pricing history: %w", err)
	}
	return rows, nil
}

// Ping checks the underlying connection. The readiness probes do not use
// it; they ping through internal/database.PoolManager.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
