package dispatcher

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/llmgateway/gateway/gatewayerr"
	"github.com/llmgateway/gateway/store"
)

// PricingHandler exposes the model-pricing CRUD surface: POST/PUT write
// a new history row, GET reads the current or full history.
type PricingHandler struct {
	repo   *store.Repository
	logger *zap.Logger
}

// NewPricingHandler builds a PricingHandler.
func NewPricingHandler(repo *store.Repository, logger *zap.Logger) *PricingHandler {
	return &PricingHandler{repo: repo, logger: logger.Named("pricing")}
}

type pricingRequest struct {
	Name                 string  `json:"name"`
	Model                string  `json:"model"`
	PromptTokenPrice     float64 `json:"prompt_token_price"`
	CompletionTokenPrice float64 `json:"completion_token_price"`
	Currency             string  `json:"currency"`
}

// Create handles POST /v1/pricing and PUT /v1/pricing/{name}/{model}:
// both insert a fresh history row, since pricing is never mutated in
// place. name and model are read from the body, not the path.
func (h *PricingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req pricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "malformed pricing body").WithCause(err))
		return
	}
	if req.Name == "" || req.Model == "" {
		writeError(w, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "name and model are required"))
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	row := &store.ModelPricing{
		Name:                 req.Name,
		Model:                req.Model,
		PromptTokenPrice:     req.PromptTokenPrice,
		CompletionTokenPrice: req.CompletionTokenPrice,
		Currency:             req.Currency,
	}
	if err := h.repo.InsertPricing(r.Context(), row); err != nil {
		writeError(w, gatewayerr.NewError(gatewayerr.CodeInternal, "insert pricing failed").WithCause(err))
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

// List handles GET /v1/pricing, returning full price history.
func (h *PricingHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.repo.AllPricing(r.Context())
	if err != nil {
		writeError(w, gatewayerr.NewError(gatewayerr.CodeInternal, "load pricing failed").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Current handles GET /v1/pricing/{name}/{model}, returning the row with
// the latest effective_date, or 404 if none exists.
func (h *PricingHandler) Current(w http.ResponseWriter, r *http.Request, name, model string) {
	row, err := h.repo.CurrentPricing(r.Context(), name, model)
	if err != nil {
		writeError(w, gatewayerr.NewError(gatewayerr.CodeInternal, "load pricing failed").WithCause(err))
		return
	}
	if row == nil {
		writeError(w, gatewayerr.NewError(gatewayerr.CodeInvalidRequest, "no pricing found").WithHTTPStatus(http.StatusNotFound))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
