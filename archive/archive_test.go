package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmgateway/gateway/store"
)

func TestNew_EmptyURIIsNoop(t *testing.T) {
	a, err := New(context.Background(), "", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Nil(t, a.client)
	assert.Nil(t, a.coll)
}

func TestMirror_NoopWhenUnconfigured(t *testing.T) {
	a, err := New(context.Background(), "", zap.NewNop())
	require.NoError(t, err)

	requestID := "req-123"
	assert.NotPanics(t, func() {
		a.Mirror(store.Usage{
			ID:             "usage-1",
			ProviderAPIKey: "sk-test",
			RequestTime:    time.Now(),
			Model:          "gpt-4",
			Status:         store.UsageStatusSuccess,
			RequestID:      &requestID,
		})
	})
}

func TestClose_NoopWhenUnconfigured(t *testing.T) {
	a, err := New(context.Background(), "", zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, a.Close(context.Background()))
}

func TestNew_UnreachableServer(t *testing.T) {
	_, err := New(context.Background(), "mongodb://127.0.0.1:1/?connectTimeoutMS=50&serverSelectionTimeoutMS=50", zap.NewNop())
	assert.Error(t, err)
}
