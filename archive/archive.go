// Package archive mirrors usage rows into MongoDB for analytics queries
// that don't fit the relational schema (ad hoc aggregation by client
// IP, free-form querying). Mirroring is best-effort and asynchronous:
// a failure is logged and never affects the SQL write or the HTTP
// response that triggered it. With no Mongo URI configured, Archiver is
// a no-op.
package archive

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/llmgateway/gateway/store"
)

const (
	database       = "gateway"
	collectionName = "usage_archive"
	insertTimeout  = 10 * time.Second
)

// Archiver mirrors usage rows into MongoDB. The zero value (nil client)
// is a working no-op.
type Archiver struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// New connects to uri and returns an Archiver. An empty uri returns a
// no-op Archiver.
func New(ctx context.Context, uri string, logger *zap.Logger) (*Archiver, error) {
	a := &Archiver{logger: logger.With(zap.String("component", "archive"))}
	if uri == "" {
		return a, nil
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, err
	}

	a.client = client
	a.coll = client.Database(database).Collection(collectionName)
	return a, nil
}

// usageDocument is the flattened, analytics-friendly shape mirrored
// into MongoDB. It intentionally drops nothing from store.Usage so ad
// hoc queries never need to join back to SQL.
type usageDocument struct {
	ID               string    `bson:"_id"`
	ProviderAPIKey   string    `bson:"provider_api_key"`
	RequestTime      time.Time `bson:"request_time"`
	Model            string    `bson:"model"`
	PromptTokens     int       `bson:"prompt_tokens"`
	CompletionTokens int       `bson:"completion_tokens"`
	TotalTokens      int       `bson:"total_tokens"`
	Status           string    `bson:"status"`
	ClientIP         string    `bson:"client_ip"`
	RequestID        string    `bson:"request_id,omitempty"`
}

// Mirror inserts usage into the archive collection asynchronously. It
// returns immediately; any failure is logged, never returned, since
// archiving must never block or fail the request path that produced
// usage.
func (a *Archiver) Mirror(usage store.Usage) {
	if a.coll == nil {
		return
	}

	doc := usageDocument{
		ID:               usage.ID,
		ProviderAPIKey:   usage.ProviderAPIKey,
		RequestTime:      usage.RequestTime,
		Model:            usage.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Status:           string(usage.Status),
		ClientIP:         usage.ClientIP,
	}
	if usage.RequestID != nil {
		doc.RequestID = *usage.RequestID
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()
		if _, err := a.coll.InsertOne(ctx, doc); err != nil {
			a.logger.Warn("archive usage row failed",
				zap.String("usage_id", usage.ID),
				zap.Error(err),
			)
		}
	}()
}

// Close disconnects the Mongo client, if any.
func (a *Archiver) Close(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	return a.client.Disconnect(ctx)
}
