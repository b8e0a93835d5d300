// Core implements the double-echo (Bracha-style) reliable broadcast used to
// get every correct replica to agree on the same delivered report for a
// given (idx, epoch), despite up to f byzantine replicas.
//
// Protocol, mirroring spec.md §4.4:
//  1. On first confirmation of a locally-submitted write, or the first
//     valid ECHO/READY seen for a value, a replica sends ECHO(m) to
//     everyone (once).
//  2. On receiving ECHO(m) from more than Q distinct replicas, a replica
//     sends READY(m) (once), if it has not already done so.
//  3. On receiving READY(m) from more than f distinct replicas, a
//     replica also sends READY(m) (amplification), if it has not already.
//  4. On receiving READY(m) from more than Q distinct replicas, a replica
//     delivers m: stores it and notifies local waiters.
//
// Q = f + floor(N/2), where f bounds byzantine REPLICAS — a different
// parameter from internal/validate's f_line, which bounds colluding users
// around a cell. See DESIGN.md open question #1.
package brb

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/AfonsoRibeiro/locuscert/internal/keys"
	"github.com/AfonsoRibeiro/locuscert/internal/model"
	"github.com/AfonsoRibeiro/locuscert/internal/rpcerr"
	"github.com/AfonsoRibeiro/locuscert/internal/store"
	"github.com/AfonsoRibeiro/locuscert/internal/transport"
	"github.com/AfonsoRibeiro/locuscert/internal/validate"
	"github.com/AfonsoRibeiro/locuscert/internal/wire"
)

type instKey struct {
	Idx   model.UserIdx
	Epoch model.Epoch
}

// Core is one replica's BRB engine, shared by the admission RPC handlers
// (which confirm locally-submitted writes) and the replica-to-replica RPC
// handler (which feeds in ECHO/READY from peers).
type Core struct {
	self     keys.ReplicaID
	replicas []keys.ReplicaID
	f        int // assumed upper bound on byzantine REPLICAS (distinct from validate's f_line)
	quorum   int

	keys      keys.Provider
	store     *store.Engine
	validator *validate.Validator
	broadcast *transport.Broadcaster
	events    EventBus

	mu        sync.Mutex
	instances map[instKey]*Instance
}

// NewCore builds a Core. replicas must include self. f is the assumed upper
// bound on byzantine replicas (spec.md's "f", not "f_line" — the latter
// bounds colluding users around a cell and belongs to internal/validate).
func NewCore(self keys.ReplicaID, replicas []keys.ReplicaID, f int, k keys.Provider, st *store.Engine, val *validate.Validator, b *transport.Broadcaster, ev EventBus) *Core {
	n := len(replicas)
	return &Core{
		self:      self,
		replicas:  replicas,
		f:         f,
		quorum:    f + n/2,
		keys:      k,
		store:     st,
		validator: val,
		broadcast: b,
		events:    ev,
		instances: make(map[instKey]*Instance),
	}
}

// Quorum exposes the computed quorum threshold, mostly for tests and
// metrics.
func (c *Core) Quorum() int { return c.quorum }

func (c *Core) instanceFor(idx model.UserIdx, epoch model.Epoch) *Instance {
	key := instKey{Idx: idx, Epoch: epoch}
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[key]
	if !ok {
		inst = newInstance()
		c.instances[key] = inst
	}
	return inst
}

// ConfirmWrite is called by the submit_report handler once it has already
// validated reportBytes locally. It registers a waiter for delivery and, if
// this is the first confirmation for (idx, epoch), kicks off the replica's
// own ECHO. The returned channel receives exactly one DeliveryResult.
func (c *Core) ConfirmWrite(ctx context.Context, idx model.UserIdx, epoch model.Epoch, reportBytes []byte) chan DeliveryResult {
	inst := c.instanceFor(idx, epoch)
	ch := make(chan DeliveryResult, 1)

	inst.mu.Lock()
	if inst.delivered {
		delivered := inst.deliverAt
		mismatch := !bytes.Equal(delivered, reportBytes)
		inst.mu.Unlock()
		if mismatch {
			c.store.Blacklist(idx)
			c.events.Publish(ctx, NewEvent(EventEquivocation, uint64(idx), uint64(epoch)))
			ch <- DeliveryResult{Err: fmt.Errorf("brb: %w: idx %d epoch %d already delivered a different value", rpcerr.ErrEquivocation, idx, epoch)}
		} else {
			ch <- DeliveryResult{ReportBytes: delivered}
		}
		close(ch)
		return ch
	}
	inst.addWaiter(ch)
	needEcho := !inst.sentEcho
	if needEcho {
		inst.sentEcho = true
		inst.transition(PhaseEchoing)
	}
	inst.mu.Unlock()

	if needEcho {
		c.sendEcho(ctx, idx, epoch, reportBytes)
	}
	return ch
}

// AwaitDelivery returns a channel for an already-running instance, used by
// obtain_report-style handlers that want to block until a value is
// delivered without themselves being the originator.
func (c *Core) AwaitDelivery(idx model.UserIdx, epoch model.Epoch) chan DeliveryResult {
	inst := c.instanceFor(idx, epoch)
	ch := make(chan DeliveryResult, 1)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.delivered {
		ch <- DeliveryResult{ReportBytes: inst.deliverAt}
		close(ch)
		return ch
	}
	inst.addWaiter(ch)
	return ch
}

// HandleIncoming processes an ECHO or READY forwarded by a peer replica.
func (c *Core) HandleIncoming(ctx context.Context, from keys.ReplicaID, kind string, idx model.UserIdx, epoch model.Epoch, reportBytes []byte) error {
	sr, err := model.DecodeSignedReport(reportBytes)
	if err != nil {
		return fmt.Errorf("brb: decode incoming report: %w", err)
	}
	verifyKey, ok := c.keys.UserVerifyKey(uint64(idx))
	if !ok || !sr.Verify(verifyKey) {
		return fmt.Errorf("brb: incoming report signature invalid for idx %d", idx)
	}
	if !c.validator.Valid(idx, sr.Report) {
		return fmt.Errorf("brb: incoming report failed validation for idx %d epoch %d", idx, epoch)
	}

	switch kind {
	case "echo":
		return c.handleEcho(ctx, from, idx, epoch, reportBytes)
	case "ready":
		return c.handleReady(ctx, from, idx, epoch, reportBytes)
	default:
		return fmt.Errorf("brb: unknown write kind %q", kind)
	}
}

func (c *Core) handleEcho(ctx context.Context, from keys.ReplicaID, idx model.UserIdx, epoch model.Epoch, m []byte) error {
	inst := c.instanceFor(idx, epoch)

	inst.mu.Lock()
	if inst.delivered {
		inst.mu.Unlock()
		return nil
	}
	needEcho := !inst.sentEcho
	if needEcho {
		inst.sentEcho = true
		inst.transition(PhaseEchoing)
	}
	count := inst.recordEcho(from, m)
	needReady := count > c.quorum && !inst.sentReady
	if needReady {
		inst.sentReady = true
		inst.transition(PhaseReadyPending)
	}
	inst.mu.Unlock()

	if needEcho {
		c.sendEcho(ctx, idx, epoch, m)
	}
	if needReady {
		c.sendReady(ctx, idx, epoch, m)
	}
	return nil
}

func (c *Core) handleReady(ctx context.Context, from keys.ReplicaID, idx model.UserIdx, epoch model.Epoch, m []byte) error {
	inst := c.instanceFor(idx, epoch)

	inst.mu.Lock()
	if inst.delivered {
		inst.mu.Unlock()
		return nil
	}
	needEcho := !inst.sentEcho
	if needEcho {
		inst.sentEcho = true
		inst.transition(PhaseEchoing)
	}
	count := inst.recordReady(from, m)
	needReadyAmplify := count > c.f && !inst.sentReady
	if needReadyAmplify {
		inst.sentReady = true
		inst.transition(PhaseReadyPending)
	}
	deliverNow := count > c.quorum && !inst.delivered
	if deliverNow {
		inst.notifyDelivered(m)
	}
	inst.mu.Unlock()

	if needEcho {
		c.sendEcho(ctx, idx, epoch, m)
	}
	if needReadyAmplify {
		c.sendReady(ctx, idx, epoch, m)
	}
	if deliverNow {
		c.deliver(ctx, idx, epoch, m)
		c.events.Publish(ctx, NewEvent(EventDelivered, uint64(idx), uint64(epoch)))
	}
	return nil
}

func (c *Core) deliver(ctx context.Context, idx model.UserIdx, epoch model.Epoch, m []byte) {
	sr, err := model.DecodeSignedReport(m)
	if err != nil {
		return
	}
	result, err := c.store.AddReport(epoch, idx, sr.Report.Loc, m)
	if err != nil || result == store.AddReportEquivocation {
		return
	}
	c.store.AddProofs(c.validator.ExtractAssistedProofs(sr.Report))
}

func (c *Core) sendEcho(ctx context.Context, idx model.UserIdx, epoch model.Epoch, m []byte) {
	c.events.Publish(ctx, NewEvent(EventEchoSent, uint64(idx), uint64(epoch)))
	body := wire.WriteBody{Kind: "echo", Idx: uint64(idx), Epoch: uint64(epoch), Report: m}
	c.broadcast.Broadcast(ctx, c.replicas, body, nil)
	// Deliver the echo to ourselves too, exactly as a peer's ECHO would be
	// processed, so our own echo counts toward the quorum.
	_ = c.handleEcho(ctx, c.self, idx, epoch, m)
}

func (c *Core) sendReady(ctx context.Context, idx model.UserIdx, epoch model.Epoch, m []byte) {
	c.events.Publish(ctx, NewEvent(EventReadySent, uint64(idx), uint64(epoch)))
	body := wire.WriteBody{Kind: "ready", Idx: uint64(idx), Epoch: uint64(epoch), Report: m}
	c.broadcast.Broadcast(ctx, c.replicas, body, nil)
	_ = c.handleReady(ctx, c.self, idx, epoch, m)
}
