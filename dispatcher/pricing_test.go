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

	"github.com/llmgateway/gateway/store"
)

func newTestPricingHandler(t *testing.T) *PricingHandler {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	repo := store.New(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate(context.Background()))

	return NewPricingHandler(repo, zap.NewNop())
}

func TestPricingHandler_Create_RequiresNameAndModel(t *testing.T) {
	h := newTestPricingHandler(t)

	body, _ := json.Marshal(pricingRequest{PromptTokenPrice: 0.01})
	req := httptest.NewRequest(http.MethodPost, "/v1/pricing", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Create(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPricingHandler_Create_DefaultsCurrency(t *testing.T) {
	h := newTestPricingHandler(t)

	body, _ := json.Marshal(pricingRequest{Name: "openai", Model: "gpt-4", PromptTokenPrice: 0.01, CompletionTokenPrice: 0.02})
	req := httptest.NewRequest(http.MethodPost, "/v1/pricing", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Create(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	var row store.ModelPricing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &row))
	assert.Equal(t, "USD", row.Currency)
}

func TestPricingHandler_ListAndCurrent(t *testing.T) {
	h := newTestPricingHandler(t)

	body, _ := json.Marshal(pricingRequest{Name: "openai", Model: "gpt-4", PromptTokenPrice: 0.01, CompletionTokenPrice: 0.02})
	req := httptest.NewRequest(http.MethodPost, "/v1/pricing", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Create(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/pricing", nil)
	listW := httptest.NewRecorder()
	h.List(listW, listReq)
	assert.Equal(t, http.StatusOK, listW.Code)

	var rows []store.ModelPricing
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &rows))
	require.Len(t, rows, 1)

	currentReq := httptest.NewRequest(http.MethodGet, "/v1/pricing/openai/gpt-4", nil)
	currentW := httptest.NewRecorder()
	h.Current(currentW, currentReq, "openai", "gpt-4")
	assert.Equal(t, http.StatusOK, currentW.Code)
}

func TestPricingHandler_Current_NotFound(t *testing.T) {
	h := newTestPricingHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/pricing/nobody/nomodel", nil)
	w := httptest.NewRecorder()
	h.Current(w, req, "nobody", "nomodel")

	assert.Equal(t, http.StatusNotFound, w.Code)
}
