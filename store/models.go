// Package store holds the GORM models and repository methods backing the
// gateway's three persistent tables: providers, usage, and model pricing.
package store

import (
	"time"

	"github.com/google/uuid"
)

// ProviderType tags the upstream API shape a provider record was
// registered under. Only one wire shape (OpenAI-compatible) is actually
// used today; the tag is kept as data per SPEC_FULL.md §9 "Dynamic
// per-type dispatch" rather than promoted to interface polymorphism.
type ProviderType string

const (
	ProviderTypeOpenAI    ProviderType = "OpenAI"
	ProviderTypeAnthropic ProviderType = "Anthropic"
	ProviderTypeDeepSeek  ProviderType = "DeepSeek"
	ProviderTypeMistralAI ProviderType = "MistralAI"
)

// DefaultBaseURL returns the canonical chat-completions endpoint for a
// known provider type, or "" for a custom type (the caller must supply
// base_url explicitly in that case).
func (t ProviderType) DefaultBaseURL() string {
	switch t {
	case ProviderTypeDeepSeek:
		return "https://api.siliconflow.cn/v1/chat/completions"
	case ProviderTypeOpenAI:
		return "https://api.openai.com/v1/chat/completions"
	case ProviderTypeAnthropic:
		return "https://api.anthropic.com/v1/messages"
	case ProviderTypeMistralAI:
		return "https://api.mistral.ai/v1/chat/completions"
	default:
		return ""
	}
}

// ProviderStatus is the administrative state of a provider record.
type ProviderStatus string

const (
	ProviderStatusActive      ProviderStatus = "Active"
	ProviderStatusInactive    ProviderStatus = "Inactive"
	ProviderStatusLimited     ProviderStatus = "Limited"
	ProviderStatusMaintenance ProviderStatus = "Maintenance"
)

// Provider is the persisted and pooled upstream credential record.
// api_key, not id, is the natural key: admission upserts by api_key and
// preserves id/created_at across re-submission (see Repository.UpsertProvider).
type Provider struct {
	ID                  string         `gorm:"column:id;primaryKey;type:varchar(36)"`
	Name                string         `gorm:"column:name;size:255;not null"`
	ProviderType         string         `gorm:"column:provider_type;size:64;not null"`
	IsOfficial          bool           `gorm:"column:is_official;not null;default:false"`
	BaseURL             string         `gorm:"column:base_url;size:1024;not null"`
	APIKey              string         `gorm:"column:api_key;size:512;not null;uniqueIndex"`
	Status              ProviderStatus `gorm:"column:status;size:32;not null;index"`
	RateLimit           int            `gorm:"column:rate_limit;not null;default:10"`
	Balance             *float64       `gorm:"column:balance"`
	LastBalanceCheck    *time.Time     `gorm:"column:last_balance_check"`
	MinBalanceThreshold float64        `gorm:"column:min_balance_threshold;not null;default:1.0"`
	SupportBalanceCheck bool           `gorm:"column:support_balance_check;not null;default:true"`
	ModelName           string         `gorm:"column:model_name;size:255;not null;index"`
	ModelType           string         `gorm:"column:model_type;size:64;not null"`
	ModelVersion        string         `gorm:"column:model_version;size:64;not null"`
	CreatedAt           time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt           time.Time      `gorm:"column:updated_at;not null"`
}

// TableName follows the teacher's sc_llm_* naming convention, here
// rebased to the gateway's own gw_ prefix.
func (Provider) TableName() string { return "gw_providers" }

// IsAvailable reports whether the provider is eligible for selection: it
// must be Active, and if it opts into balance checking, its balance must
// be known and at or above the threshold.
func (p *Provider) IsAvailable() bool {
	if p.Status != ProviderStatusActive {
		return false
	}
	if !p.SupportBalanceCheck {
		return true
	}
	return p.Balance != nil && *p.Balance >= p.MinBalanceThreshold
}

// NewProviderID generates a fresh provider identifier.
func NewProviderID() string {
	return uuid.NewString()
}

// UsageStatus classifies the outcome of one upstream dispatch attempt.
type UsageStatus string

const (
	UsageStatusSuccess        UsageStatus = "Success"
	UsageStatusPartialSuccess UsageStatus = "PartialSuccess"
	UsageStatusError          UsageStatus = "Error"
	UsageStatusRateLimited    UsageStatus = "RateLimited"
	UsageStatusTimeout        UsageStatus = "Timeout"
	UsageStatusInvalidRequest UsageStatus = "InvalidRequest"
)

// Usage is an append-only accounting row, one per finished dispatch
// attempt that reached or attempted an upstream provider.
type Usage struct {
	ID               string      `gorm:"column:id;primaryKey;type:varchar(36)"`
	ProviderAPIKey   string      `gorm:"column:provider_api_key;size:512;not null;index"`
	RequestTime      time.Time   `gorm:"column:request_time;not null;index"`
	Model            string      `gorm:"column:model;size:255;not null"`
	PromptTokens     int         `gorm:"column:prompt_tokens;not null;default:0"`
	CompletionTokens int         `gorm:"column:completion_tokens;not null;default:0"`
	TotalTokens      int         `gorm:"column:total_tokens;not null;default:0"`
	Status           UsageStatus `gorm:"column:status;size:32;not null;index"`
	ClientIP         string      `gorm:"column:client_ip;size:64"`
	RequestID        *string     `gorm:"column:request_id;size:128"`
}

// TableName implements the gw_ naming convention for the usage table.
func (Usage) TableName() string { return "gw_usage" }

// NewUsageID generates a fresh usage-row identifier.
func NewUsageID() string {
	return uuid.NewString()
}

// ModelPricing is a history-preserving price point for one (name, model)
// pair. Writes always insert a new row; the "current" price is the row
// with the greatest effective_date.
type ModelPricing struct {
	ID                    string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	Name                  string    `gorm:"column:name;size:255;not null;index:idx_pricing_name_model"`
	Model                 string    `gorm:"column:model;size:255;not null;index:idx_pricing_name_model"`
	PromptTokenPrice      float64   `gorm:"column:prompt_token_price;not null"`
	CompletionTokenPrice  float64   `gorm:"column:completion_token_price;not null"`
	Currency              string    `gorm:"column:currency;size:16;not null;default:USD"`
	EffectiveDate         time.Time `gorm:"column:effective_date;not null;index"`
}

// TableName implements the gw_ naming convention for the pricing table.
func (ModelPricing) TableName() string { return "gw_model_pricing" }

// NewPricingID generates a fresh pricing-row identifier.
func NewPricingID() string {
	return uuid.NewString()
}
