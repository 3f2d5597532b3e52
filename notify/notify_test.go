package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_EmptyURLIsNoop(t *testing.T) {
	n, err := New("", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, n)

	assert.NotPanics(t, func() {
		n.PublishEviction(context.Background(), "sk-1234", "balance_exhausted")
	})
	assert.NoError(t, n.Close())
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("not-a-valid-redis-url", zap.NewNop())
	assert.Error(t, err)
}

func TestServeStream_ReturnsServiceUnavailableWithoutRedis(t *testing.T) {
	n, err := New("", zap.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stream", nil)
	w := httptest.NewRecorder()
	n.ServeStream(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPublishEviction_DeliversRedactedPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	n, err := New("redis://"+mr.Addr(), zap.NewNop())
	require.NoError(t, err)
	defer n.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	pubsub := sub.Subscribe(context.Background(), evictionChannel)
	defer pubsub.Close()
	require.NoError(t, waitForSubscribe(pubsub))

	n.PublishEviction(context.Background(), "sk-1234567890", "balance_exhausted")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := pubsub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, "7890")
	assert.NotContains(t, msg.Payload, "sk-1234567890")
}

func waitForSubscribe(pubsub *redis.PubSub) error {
	_, err := pubsub.Receive(context.Background())
	return err
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "ab", redact("ab"))
	assert.Equal(t, "7890", redact("sk-1234567890"))
}
