package brb

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AfonsoRibeiro/locuscert/internal/keys"
	"github.com/AfonsoRibeiro/locuscert/internal/model"
	"github.com/AfonsoRibeiro/locuscert/internal/store"
	"github.com/AfonsoRibeiro/locuscert/internal/transport"
	"github.com/AfonsoRibeiro/locuscert/internal/validate"
	"github.com/AfonsoRibeiro/locuscert/internal/wire"
)

// fakeKeys is a minimal keys.Provider shared by every core in a simulated
// cluster. Only UserVerifyKey is exercised by Core itself; the rest exist to
// satisfy the interface.
type fakeKeys struct {
	self     keys.ReplicaID
	replicas []keys.ReplicaID
	users    map[uint64]ed25519.PublicKey
}

func (k *fakeKeys) UserVerifyKey(idx uint64) (ed25519.PublicKey, bool) { v, ok := k.users[idx]; return v, ok }
func (k *fakeKeys) HAVerifyKey() ed25519.PublicKey                    { return nil }
func (k *fakeKeys) Self() keys.ReplicaID                              { return k.self }
func (k *fakeKeys) ReplicaSignKey() ed25519.PrivateKey                { return nil }
func (k *fakeKeys) ReplicaVerifyKey(keys.ReplicaID) (ed25519.PublicKey, bool) { return nil, false }
func (k *fakeKeys) ReplicaBoxSecret() *[32]byte                       { return nil }
func (k *fakeKeys) ReplicaBoxPublic(keys.ReplicaID) (*[32]byte, bool) { return nil, false }
func (k *fakeKeys) Replicas() []keys.ReplicaID                        { return k.replicas }

// netTransport routes a Send call straight into the addressed peer's Core,
// simulating an always-reliable network between correct replicas.
type netTransport struct {
	from  keys.ReplicaID
	cores map[keys.ReplicaID]*Core
}

func (t *netTransport) Send(ctx context.Context, to keys.ReplicaID, body wire.WriteBody) error {
	peer, ok := t.cores[to]
	if !ok {
		return nil
	}
	return peer.HandleIncoming(ctx, t.from, body.Kind, model.UserIdx(body.Idx), model.Epoch(body.Epoch), body.Report)
}

// cluster wires n Core instances together with an in-process fake network,
// all sharing one user keyring, and returns them keyed by replica id.
func newCluster(t *testing.T, n, f int) (map[keys.ReplicaID]*Core, map[uint64]ed25519.PrivateKey) {
	t.Helper()

	ids := make([]keys.ReplicaID, n)
	for i := range ids {
		ids[i] = keys.ReplicaID(string(rune('a' + i)))
	}

	userPriv := make(map[uint64]ed25519.PrivateKey)
	userPub := make(map[uint64]ed25519.PublicKey)
	for _, idx := range []uint64{1, 2, 3} {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		userPriv[idx] = priv
		userPub[idx] = pub
	}

	cores := make(map[keys.ReplicaID]*Core, n)
	for _, id := range ids {
		k := &fakeKeys{self: id, replicas: ids, users: userPub}
		st := store.NewEngine(8, "")
		val := validate.NewValidator(k, 8, 0)
		nt := &netTransport{from: id, cores: cores}
		bcast := transport.NewBroadcaster(nt, id, time.Millisecond, 3)
		cores[id] = NewCore(id, ids, f, k, st, val, bcast, NewLocalEventBus())
	}
	return cores, userPriv
}

// signedReportBytes builds a report carrying one self-proof, which is enough
// to pass the cluster's validator (f_line == 0 requires more than zero proofs).
func signedReportBytes(t *testing.T, priv ed25519.PrivateKey, idx model.UserIdx, epoch model.Epoch, loc model.GridPos) []byte {
	t.Helper()
	selfProof := model.SignProof(priv, model.Proof{Epoch: epoch, IdxReq: idx, IdxAss: idx, LocAss: loc})
	sr := model.SignReport(priv, model.Report{Epoch: epoch, Idx: idx, Loc: loc, Proofs: []model.SignedProof{selfProof}})
	b, err := sr.Encode()
	require.NoError(t, err)
	return b
}

func TestQuorum_IsFPlusHalfN(t *testing.T) {
	cores, _ := newCluster(t, 4, 1)
	for _, c := range cores {
		assert.Equal(t, 3, c.Quorum()) // f=1, n=4 -> 1 + 4/2 = 3
	}
}

func TestConfirmWrite_DeliversAcrossAllCorrectReplicas(t *testing.T) {
	cores, privs := newCluster(t, 4, 1)
	ctx := context.Background()
	loc := model.GridPos{X: 1, Y: 1}
	reportBytes := signedReportBytes(t, privs[1], 1, 5, loc)

	origin := cores["a"]
	ch := origin.ConfirmWrite(ctx, 1, 5, reportBytes)

	select {
	case result := <-ch:
		require.NoError(t, result.Err)
		assert.Equal(t, reportBytes, result.ReportBytes)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery on origin")
	}

	// Every correct replica, including ones that never originated the write,
	// must converge on the identical delivered value.
	for id, c := range cores {
		deadline := time.After(2 * time.Second)
		for {
			got, ok := c.store.GetReport(5, 1)
			if ok {
				assert.Equal(t, reportBytes, got, "replica %s diverged", id)
				break
			}
			select {
			case <-deadline:
				t.Fatalf("replica %s never delivered", id)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

func TestAwaitDelivery_ObserverSeesSameValueAsOriginator(t *testing.T) {
	cores, privs := newCluster(t, 4, 1)
	ctx := context.Background()
	loc := model.GridPos{X: 2, Y: 2}
	reportBytes := signedReportBytes(t, privs[2], 2, 9, loc)

	observer := cores["b"]
	observerCh := observer.AwaitDelivery(2, 9)

	origin := cores["a"]
	_ = origin.ConfirmWrite(ctx, 2, 9, reportBytes)

	select {
	case result := <-observerCh:
		assert.Equal(t, reportBytes, result.ReportBytes)
	case <-time.After(2 * time.Second):
		t.Fatal("observer never saw delivery")
	}
}

func TestConfirmWrite_SecondCallAfterDeliveryReturnsImmediately(t *testing.T) {
	cores, privs := newCluster(t, 4, 1)
	ctx := context.Background()
	loc := model.GridPos{X: 0, Y: 0}
	reportBytes := signedReportBytes(t, privs[1], 1, 1, loc)

	origin := cores["a"]
	first := origin.ConfirmWrite(ctx, 1, 1, reportBytes)
	<-first

	second := origin.ConfirmWrite(ctx, 1, 1, reportBytes)
	select {
	case result := <-second:
		assert.Equal(t, reportBytes, result.ReportBytes)
	case <-time.After(time.Second):
		t.Fatal("repeat ConfirmWrite on an already-delivered instance must not block")
	}
}

func TestConfirmWrite_DifferentBytesAfterDeliveryIsEquivocation(t *testing.T) {
	cores, privs := newCluster(t, 4, 1)
	ctx := context.Background()
	firstBytes := signedReportBytes(t, privs[1], 1, 2, model.GridPos{X: 0, Y: 0})
	secondBytes := signedReportBytes(t, privs[1], 1, 2, model.GridPos{X: 3, Y: 3})

	origin := cores["a"]
	<-origin.ConfirmWrite(ctx, 1, 2, firstBytes)

	result := <-origin.ConfirmWrite(ctx, 1, 2, secondBytes)
	require.Error(t, result.Err, "resubmitting different bytes for an already-delivered instance must fail")
	assert.Nil(t, result.ReportBytes)
	assert.True(t, cores["a"].store.IsBlacklisted(1), "the equivocating reporter must be blacklisted")
}

func TestHandleIncoming_RejectsBadSignature(t *testing.T) {
	cores, _ := newCluster(t, 4, 1)
	ctx := context.Background()
	otherPub, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = otherPub

	forged := signedReportBytes(t, otherPriv, 1, 1, model.GridPos{X: 0, Y: 0})
	err = cores["a"].HandleIncoming(ctx, "b", "echo", 1, 1, forged)
	assert.Error(t, err, "a report signed by an unregistered key must be rejected")
}

func TestHandleIncoming_UnknownKindRejected(t *testing.T) {
	cores, privs := newCluster(t, 4, 1)
	ctx := context.Background()
	reportBytes := signedReportBytes(t, privs[1], 1, 1, model.GridPos{X: 0, Y: 0})

	err := cores["a"].HandleIncoming(ctx, "b", "bogus", 1, 1, reportBytes)
	assert.Error(t, err)
}

func TestConfirmWrite_ConcurrentCallsShareOneInstance(t *testing.T) {
	cores, privs := newCluster(t, 4, 1)
	ctx := context.Background()
	reportBytes := signedReportBytes(t, privs[1], 1, 2, model.GridPos{X: 1, Y: 1})
	origin := cores["a"]

	results := make([]chan DeliveryResult, 5)
	for i := range results {
		results[i] = origin.ConfirmWrite(ctx, 1, 2, reportBytes)
	}

	for _, ch := range results {
		select {
		case result := <-ch:
			assert.Equal(t, reportBytes, result.ReportBytes)
		case <-time.After(2 * time.Second):
			t.Fatal("one of the concurrent waiters never saw delivery")
		}
	}
}
