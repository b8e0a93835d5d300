// Instance tracks one (idx, epoch) double-echo broadcast: which senders
// have echoed or readied which value, whether this replica has itself sent
// its echo/ready, and the eventual delivered value.
//
// Grounded on internal/federation/state_machine.go's guarded state +
// transition-history style; generalised from a linear handshake FSM to the
// counter-driven phase model double-echo BRB actually needs.
package brb

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/AfonsoRibeiro/locuscert/internal/keys"
)

// Phase is the coarse lifecycle stage of one BRB instance.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEchoing
	PhaseReadyPending
	PhaseDelivered
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEchoing:
		return "echoing"
	case PhaseReadyPending:
		return "ready_pending"
	case PhaseDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// transitionRecord is kept purely for diagnostics; it plays no role in
// correctness.
type transitionRecord struct {
	From, To Phase
	At       time.Time
}

// DeliveryResult is sent to every waiter once an instance delivers (or is
// rejected as an equivocation by Core.ConfirmWrite; the BRB state machine
// itself never abandons an instance).
type DeliveryResult struct {
	ReportBytes []byte
	Err         error
}

// Instance holds all per-(idx, epoch) BRB state. The mutex guards
// everything; BRB traffic volume per instance is small (at most N ECHOs
// and N READYs), so a single coarse lock is simpler than finer sharding and
// never a bottleneck.
type Instance struct {
	mu sync.Mutex

	phase Phase
	hist  []transitionRecord

	sentEcho  bool
	sentReady bool
	delivered bool
	deliverAt []byte // the exact bytes delivered, once delivered

	// echoSenders/readySenders map a digest of the echoed/readied value to
	// the set of replicas that have sent that exact value, so conflicting
	// values from a byzantine minority are tallied separately.
	echoSenders  map[[32]byte]map[keys.ReplicaID]struct{}
	readySenders map[[32]byte]map[keys.ReplicaID]struct{}

	waiters []chan DeliveryResult
}

func newInstance() *Instance {
	return &Instance{
		phase:        PhaseIdle,
		echoSenders:  make(map[[32]byte]map[keys.ReplicaID]struct{}),
		readySenders: make(map[[32]byte]map[keys.ReplicaID]struct{}),
	}
}

func digest(b []byte) [32]byte { return sha256.Sum256(b) }

func (i *Instance) transition(to Phase) {
	i.hist = append(i.hist, transitionRecord{From: i.phase, To: to, At: time.Now()})
	i.phase = to
}

// addWaiter registers ch to receive the delivery result. If the instance
// has already delivered, ch is fed immediately by the caller instead (see
// Core.ConfirmWrite / Core.AwaitDelivery).
func (i *Instance) addWaiter(ch chan DeliveryResult) {
	i.waiters = append(i.waiters, ch)
}

func (i *Instance) notifyDelivered(bytes []byte) {
	i.delivered = true
	i.deliverAt = bytes
	i.transition(PhaseDelivered)
	for _, w := range i.waiters {
		w <- DeliveryResult{ReportBytes: bytes}
		close(w)
	}
	i.waiters = nil
}

// recordEcho adds sender to the echo-sender set for value m, returning the
// updated count for m's digest.
func (i *Instance) recordEcho(sender keys.ReplicaID, m []byte) int {
	d := digest(m)
	set, ok := i.echoSenders[d]
	if !ok {
		set = make(map[keys.ReplicaID]struct{})
		i.echoSenders[d] = set
	}
	set[sender] = struct{}{}
	return len(set)
}

// recordReady is the READY-phase equivalent of recordEcho.
func (i *Instance) recordReady(sender keys.ReplicaID, m []byte) int {
	d := digest(m)
	set, ok := i.readySenders[d]
	if !ok {
		set = make(map[keys.ReplicaID]struct{})
		i.readySenders[d] = set
	}
	set[sender] = struct{}{}
	return len(set)
}
