// Package transport defines the outbound side of replica-to-replica BRB
// traffic: a small Transport interface plus a retrying fan-out helper built
// on top of it. Two implementations exist: internal/transport/tcp (the
// primary, always-on path) and internal/transport/redisgossip (an optional
// secondary path for deployments that already run Redis).
//
// Grounded on internal/fabric/hub.go's spoke fan-out, generalised from a
// single hub-to-spokes broadcast to an all-to-all replica broadcast.
package transport

import (
	"context"
	"time"

	"github.com/AfonsoRibeiro/locuscert/internal/keys"
	"github.com/AfonsoRibeiro/locuscert/internal/wire"
)

// Transport delivers one WriteBody to one peer replica. Implementations
// are expected to be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, to keys.ReplicaID, body wire.WriteBody) error
}

// FanOut sends one WriteBody over every wrapped Transport, so a secondary
// path (e.g. Redis Pub/Sub) carries real ECHO/READY traffic alongside the
// primary TCP dial rather than sitting idle. Send succeeds as soon as any
// one transport accepts the message; it only reports an error when every
// transport failed, since the Broadcaster's own retry loop only needs to
// know whether the peer was reached by some path.
type FanOut struct {
	transports []Transport
}

// NewFanOut wraps transports, in the order Send attempts them.
func NewFanOut(transports ...Transport) *FanOut {
	return &FanOut{transports: transports}
}

func (f *FanOut) Send(ctx context.Context, to keys.ReplicaID, body wire.WriteBody) error {
	var lastErr error
	delivered := false
	for _, t := range f.transports {
		if err := t.Send(ctx, to, body); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return lastErr
}

// Broadcaster fans a WriteBody out to every replica except self, retrying
// each peer independently with a fixed backoff until it acknowledges, ctx
// ends, the caller's stop channel closes, or maxTries attempts have failed
// (maxTries 0 means no attempt limit). A slow or byzantine peer
// never blocks delivery to the others, matching the liveness requirement
// that one unresponsive replica cannot stall BRB progress.
type Broadcaster struct {
	transport Transport
	self      keys.ReplicaID
	backoff   time.Duration
	maxTries  int
}

// NewBroadcaster builds a Broadcaster. backoff is the fixed delay between
// retry attempts to an unresponsive peer; maxTries bounds the number of
// attempts per peer (0 means unlimited, bounded only by ctx).
func NewBroadcaster(t Transport, self keys.ReplicaID, backoff time.Duration, maxTries int) *Broadcaster {
	return &Broadcaster{transport: t, self: self, backoff: backoff, maxTries: maxTries}
}

// Broadcast sends body to every replica in replicas other than self. It
// returns immediately; delivery happens on background goroutines. stop, if
// non-nil, is closed by the caller once further retries are pointless
// (e.g. the BRB instance has already delivered).
func (b *Broadcaster) Broadcast(ctx context.Context, replicas []keys.ReplicaID, body wire.WriteBody, stop <-chan struct{}) {
	for _, r := range replicas {
		if r == b.self {
			continue
		}
		go b.sendWithRetry(ctx, r, body, stop)
	}
}

func (b *Broadcaster) sendWithRetry(ctx context.Context, to keys.ReplicaID, body wire.WriteBody, stop <-chan struct{}) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		if err := b.transport.Send(ctx, to, body); err == nil {
			return
		}

		attempt++
		if b.maxTries > 0 && attempt >= b.maxTries {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(b.backoff):
		}
	}
}
