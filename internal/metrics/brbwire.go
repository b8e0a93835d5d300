package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/AfonsoRibeiro/locuscert/internal/brb"
)

// WireBRB subscribes m's BRB counters and delivery-latency histogram to
// bus, so brb.Core's event publishes (already on the hot path) drive
// observability without brb importing this package.
func WireBRB(bus brb.EventBus, m *Metrics) {
	var mu sync.Mutex
	started := make(map[instKey]time.Time)

	bus.Subscribe(brb.EventEchoSent, func(ctx context.Context, ev brb.Event) {
		m.BRBEchoSent.Inc()
		k := instKey{ev.Idx, ev.Epoch}
		mu.Lock()
		if _, ok := started[k]; !ok {
			started[k] = time.Now()
		}
		mu.Unlock()
	})
	bus.Subscribe(brb.EventReadySent, func(ctx context.Context, ev brb.Event) {
		m.BRBReadySent.Inc()
	})
	bus.Subscribe(brb.EventDelivered, func(ctx context.Context, ev brb.Event) {
		m.BRBDelivered.Inc()
		k := instKey{ev.Idx, ev.Epoch}
		mu.Lock()
		start, ok := started[k]
		if ok {
			delete(started, k)
		}
		mu.Unlock()
		if ok {
			m.BRBDeliverSecs.Observe(time.Since(start).Seconds())
		}
	})
	bus.Subscribe(brb.EventEquivocation, func(ctx context.Context, ev brb.Event) {
		m.Equivocations.Inc()
	})
}

type instKey struct {
	Idx   uint64
	Epoch uint64
}
