package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const bridgeChannelPrefix = "doc:"

// bridgeEnvelope wraps a relay broadcast for transit through Redis. Origin
// lets each relay drop its own publications when they come back around.
type bridgeEnvelope struct {
	Origin     string          `json:"origin"`
	DocumentID string          `json:"document_id"`
	Payload    json.RawMessage `json:"payload"`
}

// bridgeDelivery is a message received from another relay instance.
type bridgeDelivery struct {
	documentID string
	payload    []byte
}

// RedisBridge fans relay broadcasts out to sibling relay instances through
// Redis pub/sub, one channel per document. It carries broadcasts only;
// presence and lock authority stay with the relay a document's sessions are
// routed to.
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisBridge connects to Redis and verifies the connection.
func NewRedisBridge(addr string) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithCancel(context.Background())

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBridge{client: client, ctx: ctx, cancel: cancel}, nil
}

// Publish forwards a local broadcast to sibling relays.
func (b *RedisBridge) Publish(documentID string, payload []byte) {
	env := bridgeEnvelope{
		Origin:     b.hub.id,
		DocumentID: documentID,
		Payload:    payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("bridge envelope serialization failed", "err", err)
		return
	}
	if err := b.client.Publish(b.ctx, bridgeChannelPrefix+documentID, data).Err(); err != nil {
		slog.Warn("bridge publish failed", "document", documentID, "err", err)
	}
}

// Run subscribes to all document channels and re-injects messages published
// by other relay instances into the local hub. This method blocks and
// should be run in a goroutine.
func (b *RedisBridge) Run() {
	pubsub := b.client.PSubscribe(b.ctx, bridgeChannelPrefix+"*")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var env bridgeEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Warn("bridge received malformed envelope", "err", err)
			continue
		}
		if env.Origin == b.hub.id {
			continue
		}

		select {
		case b.hub.fromBridge <- bridgeDelivery{documentID: env.DocumentID, payload: env.Payload}:
		case <-b.ctx.Done():
			return
		}
	}
}

// Close stops the bridge and releases the Redis connection.
func (b *RedisBridge) Close() error {
	b.cancel()
	return b.client.Close()
}
