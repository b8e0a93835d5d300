// Package redisgossip is an optional secondary BRB transport for replica
// sets that span multiple processes/pods and already run Redis: ECHO/READY
// traffic is published to a per-replica channel instead of (or alongside)
// being dialled directly over internal/transport/tcp.
//
// Grounded directly on internal/fabric/redis_event_bus.go's RedisEventBus
// and internal/infra/redis_adapter.go's GoRedisAdapter; generalised from
// cross-pod domain-event fanout to point-to-point BRB message delivery (one
// channel per destination replica rather than one channel per event type).
package redisgossip

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AfonsoRibeiro/locuscert/internal/keys"
	"github.com/AfonsoRibeiro/locuscert/internal/wire"
)

func channelFor(id keys.ReplicaID) string { return fmt.Sprintf("locuscert:brb:%s", id) }

// signedEnvelope is what travels over the Redis channel: the raw WriteBody
// plus the sender's identity and signature, since Pub/Sub itself offers no
// authenticity guarantee.
type signedEnvelope struct {
	ID        string         `json:"id"`
	From      keys.ReplicaID `json:"from"`
	Body      wire.WriteBody `json:"body"`
	Signature []byte         `json:"signature"`
}

func canonicalBody(body wire.WriteBody) []byte {
	b, _ := json.Marshal(body)
	return b
}

// Transport implements internal/transport.Transport over Redis Pub/Sub.
type Transport struct {
	client   *redis.Client
	self     keys.ReplicaID
	provider keys.Provider
}

// New wraps an already-configured *redis.Client.
func New(client *redis.Client, self keys.ReplicaID, provider keys.Provider) *Transport {
	return &Transport{client: client, self: self, provider: provider}
}

// Send publishes body to to's channel, signed with this replica's key.
func (t *Transport) Send(ctx context.Context, to keys.ReplicaID, body wire.WriteBody) error {
	env := signedEnvelope{
		ID:        uuid.NewString(),
		From:      t.self,
		Body:      body,
		Signature: ed25519.Sign(t.provider.ReplicaSignKey(), canonicalBody(body)),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redisgossip: marshal: %w", err)
	}
	if err := t.client.Publish(ctx, channelFor(to), raw).Err(); err != nil {
		return fmt.Errorf("redisgossip: publish to %s: %w", to, err)
	}
	return nil
}

// Handler processes one authenticated incoming WriteBody.
type Handler func(ctx context.Context, from keys.ReplicaID, body wire.WriteBody)

// Listen subscribes to this replica's own channel and invokes handler for
// every message whose signature verifies against the claimed sender's
// known replica key. It blocks until ctx is cancelled.
func (t *Transport) Listen(ctx context.Context, handler Handler) error {
	sub := t.client.Subscribe(ctx, channelFor(t.self))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			t.handleMessage(ctx, msg.Payload, handler)
		}
	}
}

func (t *Transport) handleMessage(ctx context.Context, payload string, handler Handler) {
	var env signedEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("redisgossip: dropping unparsable message", "error", err)
		return
	}
	verifyKey, ok := t.provider.ReplicaVerifyKey(env.From)
	if !ok {
		slog.Warn("redisgossip: dropping message from unknown replica", "from", env.From)
		return
	}
	if !ed25519.Verify(verifyKey, canonicalBody(env.Body), env.Signature) {
		slog.Warn("redisgossip: dropping message with invalid signature", "from", env.From)
		return
	}
	handler(ctx, env.From, env.Body)
}
