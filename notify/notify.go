// Package notify relays provider-eviction events over Redis pub/sub and
// a WebSocket fan-out to connected admin clients. Both are optional:
// with no Redis URL configured, PublishEviction is a no-op and the
// stream handler answers 503.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const evictionChannel = "gateway:evictions"

// EvictionEvent is published once per evicted provider.
type EvictionEvent struct {
	APIKeySuffix string    `json:"api_key_suffix"`
	Reason       string    `json:"reason"`
	EvictedAt    time.Time `json:"evicted_at"`
}

// Notifier publishes eviction events to Redis and relays them to
// WebSocket-connected admin clients. The zero value (nil client) is a
// working no-op, satisfying reconciler.Notifier without a live Redis.
type Notifier struct {
	client *redis.Client
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New connects to redisURL and returns a Notifier. An empty redisURL
// returns a Notifier without a client: PublishEviction returns without
// publishing and ServeStream answers 503.
func New(redisURL string, logger *zap.Logger) (*Notifier, error) {
	n := &Notifier{
		logger:  logger.With(zap.String("component", "notify")),
		clients: make(map[*websocket.Conn]struct{}),
	}
	if redisURL == "" {
		return n, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	n.client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	go n.relayLoop()

	return n, nil
}

// PublishEviction publishes one eviction event. apiKey is redacted to
// its last 4 characters before it ever reaches Redis or a connected
// client. Failures are logged and swallowed: a missing notifier must
// never block the reconciler.
func (n *Notifier) PublishEviction(ctx context.Context, apiKey, reason string) {
	if n.client == nil {
		return
	}

	event := EvictionEvent{
		APIKeySuffix: redact(apiKey),
		Reason:       reason,
		EvictedAt:    time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("marshal eviction event failed", zap.Error(err))
		return
	}

	if err := n.client.Publish(ctx, evictionChannel, data).Err(); err != nil {
		n.logger.Warn("publish eviction event failed", zap.Error(err))
	}
}

// relayLoop subscribes to the eviction channel and fans each message out
// to every connected WebSocket client. Runs for the Notifier's lifetime.
func (n *Notifier) relayLoop() {
	ctx := context.Background()
	sub := n.client.Subscribe(ctx, evictionChannel)
	defer sub.Close()

	ch := sub.Channel()
	for msg := range ch {
		n.broadcast(ctx, []byte(msg.Payload))
	}
}

func (n *Notifier) broadcast(ctx context.Context, data []byte) {
	n.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(n.clients))
	for c := range n.clients {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			n.removeClient(c)
		}
	}
}

func (n *Notifier) addClient(c *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[c] = struct{}{}
}

func (n *Notifier) removeClient(c *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.clients, c)
}

// ServeStream upgrades the request to a WebSocket and relays eviction
// events to it until the client disconnects. Returns 503 when no Redis
// notifier is configured.
func (n *Notifier) ServeStream(w http.ResponseWriter, r *http.Request) {
	if n.client == nil {
		http.Error(w, "eviction stream not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		n.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	n.addClient(conn)
	defer n.removeClient(conn)

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Close releases the Redis client, if any.
func (n *Notifier) Close() error {
	if n.client == nil {
		return nil
	}
	return n.client.Close()
}

func redact(apiKey string) string {
	if len(apiKey) <= 4 {
		return apiKey
	}
	return apiKey[len(apiKey)-4:]
}
