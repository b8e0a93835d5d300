package validate

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AfonsoRibeiro/locuscert/internal/keys"
	"github.com/AfonsoRibeiro/locuscert/internal/model"
)

// fakeProvider is a minimal keys.Provider backed by an in-memory user map,
// enough to exercise Validator without a roster file.
type fakeProvider struct {
	users map[uint64]ed25519.PublicKey
	ha    ed25519.PublicKey
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{users: make(map[uint64]ed25519.PublicKey)}
}

func (f *fakeProvider) addUser(idx uint64) ed25519.PrivateKey {
	pub, priv, _ := ed25519.GenerateKey(nil)
	f.users[idx] = pub
	return priv
}

func (f *fakeProvider) UserVerifyKey(idx uint64) (ed25519.PublicKey, bool) {
	k, ok := f.users[idx]
	return k, ok
}
func (f *fakeProvider) HAVerifyKey() ed25519.PublicKey                        { return f.ha }
func (f *fakeProvider) Self() keys.ReplicaID                                  { return "r0" }
func (f *fakeProvider) ReplicaSignKey() ed25519.PrivateKey                    { return nil }
func (f *fakeProvider) ReplicaVerifyKey(keys.ReplicaID) (ed25519.PublicKey, bool) { return nil, false }
func (f *fakeProvider) ReplicaBoxSecret() *[32]byte                           { return nil }
func (f *fakeProvider) ReplicaBoxPublic(keys.ReplicaID) (*[32]byte, bool)     { return nil, false }
func (f *fakeProvider) Replicas() []keys.ReplicaID                           { return []keys.ReplicaID{"r0"} }

func TestValid_EnoughDistinctAssistedProofs(t *testing.T) {
	fp := newFakeProvider()
	reporterPriv := fp.addUser(1)
	a1 := fp.addUser(2)
	a2 := fp.addUser(3)
	_ = reporterPriv

	v := NewValidator(fp, 8, 1) // f_line = 1, so 2 distinct proofs are required

	loc := model.GridPos{X: 4, Y: 4}
	report := model.Report{Epoch: 1, Idx: 1, Loc: loc, Proofs: []model.SignedProof{
		model.SignProof(a1, model.Proof{Epoch: 1, IdxReq: 1, IdxAss: 2, LocAss: loc}),
		model.SignProof(a2, model.Proof{Epoch: 1, IdxReq: 1, IdxAss: 3, LocAss: loc}),
	}}

	assert.True(t, v.Valid(1, report))
}

func TestValid_InsufficientProofsRejected(t *testing.T) {
	fp := newFakeProvider()
	fp.addUser(1)
	a1 := fp.addUser(2)

	v := NewValidator(fp, 8, 1)
	loc := model.GridPos{X: 4, Y: 4}
	report := model.Report{Epoch: 1, Idx: 1, Loc: loc, Proofs: []model.SignedProof{
		model.SignProof(a1, model.Proof{Epoch: 1, IdxReq: 1, IdxAss: 2, LocAss: loc}),
	}}

	assert.False(t, v.Valid(1, report), "one proof is not enough when f_line requires more than one")
}

func TestValid_DuplicateAssistorCountedOnce(t *testing.T) {
	fp := newFakeProvider()
	fp.addUser(1)
	a1 := fp.addUser(2)

	v := NewValidator(fp, 8, 1)
	loc := model.GridPos{X: 4, Y: 4}
	proof := model.SignProof(a1, model.Proof{Epoch: 1, IdxReq: 1, IdxAss: 2, LocAss: loc})
	report := model.Report{Epoch: 1, Idx: 1, Loc: loc, Proofs: []model.SignedProof{proof, proof}}

	assert.False(t, v.Valid(1, report), "the same assistor repeated must not count twice")
}

func TestValid_SelfProofOnlyCountsWhenFLineZero(t *testing.T) {
	fp := newFakeProvider()
	reporterPriv := fp.addUser(1)
	loc := model.GridPos{X: 4, Y: 4}
	selfProof := model.SignProof(reporterPriv, model.Proof{Epoch: 1, IdxReq: 1, IdxAss: 1, LocAss: loc})
	report := model.Report{Epoch: 1, Idx: 1, Loc: loc, Proofs: []model.SignedProof{selfProof}}

	trusting := NewValidator(fp, 8, 0)
	assert.True(t, trusting.Valid(1, report), "f_line == 0 is the single-reporter-trusted case")

	distrusting := NewValidator(fp, 8, 1)
	assert.False(t, distrusting.Valid(1, report), "a self-proof earns no credit once collusion is assumed possible")
}

func TestValid_ProofOutsideNeighbourhoodRejected(t *testing.T) {
	fp := newFakeProvider()
	fp.addUser(1)
	a1 := fp.addUser(2)

	v := NewValidator(fp, 8, 0)
	loc := model.GridPos{X: 0, Y: 0}
	farProof := model.SignProof(a1, model.Proof{Epoch: 1, IdxReq: 1, IdxAss: 2, LocAss: model.GridPos{X: 7, Y: 7}})
	report := model.Report{Epoch: 1, Idx: 1, Loc: loc, Proofs: []model.SignedProof{farProof}}

	assert.False(t, v.Valid(1, report))
}

func TestValid_WrongReporterIdxRejected(t *testing.T) {
	fp := newFakeProvider()
	fp.addUser(1)
	v := NewValidator(fp, 8, 0)
	report := model.Report{Epoch: 1, Idx: 1, Loc: model.GridPos{X: 0, Y: 0}}
	assert.False(t, v.Valid(2, report), "a report authored by idx 1 cannot be submitted as idx 2")
}

func TestExtractAssistedProofs_FiltersBadSignaturesOnly(t *testing.T) {
	fp := newFakeProvider()
	fp.addUser(1)
	a1 := fp.addUser(2)

	loc := model.GridPos{X: 0, Y: 0}
	valid := model.SignProof(a1, model.Proof{Epoch: 1, IdxReq: 1, IdxAss: 2, LocAss: model.GridPos{X: 99, Y: 99}})
	forged := valid
	forged.Proof.IdxAss = 999 // no such key registered

	report := model.Report{Proofs: []model.SignedProof{valid, forged}}
	v := NewValidator(fp, 8, 0)

	out := v.ExtractAssistedProofs(report)
	require.Len(t, out, 1)
	assert.Equal(t, model.UserIdx(2), out[0].Proof.IdxAss)
}
