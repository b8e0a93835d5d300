package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AfonsoRibeiro/locuscert/internal/model"
)

func TestAddReport_FirstWriteStored(t *testing.T) {
	e := NewEngine(8, "")
	result, err := e.AddReport(1, 5, model.GridPos{X: 1, Y: 1}, []byte("report-bytes"))
	require.NoError(t, err)
	assert.Equal(t, AddReportStored, result)

	got, ok := e.GetReport(1, 5)
	require.True(t, ok)
	assert.Equal(t, []byte("report-bytes"), got)
}

func TestAddReport_IdenticalRedeliveryIsDuplicate(t *testing.T) {
	e := NewEngine(8, "")
	_, err := e.AddReport(1, 5, model.GridPos{X: 1, Y: 1}, []byte("report-bytes"))
	require.NoError(t, err)

	result, err := e.AddReport(1, 5, model.GridPos{X: 1, Y: 1}, []byte("report-bytes"))
	require.NoError(t, err)
	assert.Equal(t, AddReportDuplicate, result)
	assert.False(t, e.IsBlacklisted(5))
}

func TestAddReport_ConflictingRedeliveryBlacklists(t *testing.T) {
	e := NewEngine(8, "")
	_, err := e.AddReport(1, 5, model.GridPos{X: 1, Y: 1}, []byte("report-a"))
	require.NoError(t, err)

	result, err := e.AddReport(1, 5, model.GridPos{X: 2, Y: 2}, []byte("report-b"))
	assert.Error(t, err)
	assert.Equal(t, AddReportEquivocation, result)
	assert.True(t, e.IsBlacklisted(5))

	// A blacklisted reporter can never get another report accepted.
	result, err = e.AddReport(2, 5, model.GridPos{X: 0, Y: 0}, []byte("report-c"))
	assert.Error(t, err)
	assert.Equal(t, AddReportEquivocation, result)
}

func TestUsersAt_ReturnsOnlyMatchingCellAndEpoch(t *testing.T) {
	e := NewEngine(8, "")
	_, err := e.AddReport(1, 1, model.GridPos{X: 3, Y: 3}, []byte("r1"))
	require.NoError(t, err)
	_, err = e.AddReport(1, 2, model.GridPos{X: 3, Y: 3}, []byte("r2"))
	require.NoError(t, err)
	_, err = e.AddReport(1, 3, model.GridPos{X: 0, Y: 0}, []byte("r3"))
	require.NoError(t, err)
	_, err = e.AddReport(2, 4, model.GridPos{X: 3, Y: 3}, []byte("r4"))
	require.NoError(t, err)

	users := e.UsersAt(1, model.GridPos{X: 3, Y: 3})
	assert.Len(t, users, 2)
	assert.Contains(t, users, model.UserIdx(1))
	assert.Contains(t, users, model.UserIdx(2))
	assert.NotContains(t, users, model.UserIdx(3))
	assert.NotContains(t, users, model.UserIdx(4), "different epoch must not leak in")
}

func TestProofsFor_AccumulatesAcrossEpochs(t *testing.T) {
	e := NewEngine(8, "")
	e.AddProofs([]model.SignedProof{
		{Proof: model.Proof{Epoch: 1, IdxAss: 9}},
		{Proof: model.Proof{Epoch: 2, IdxAss: 9}},
		{Proof: model.Proof{Epoch: 1, IdxAss: 10}},
	})

	found := e.ProofsFor(9, []model.Epoch{1, 2})
	assert.Len(t, found, 2)
}

func TestNonces_ConsumedOnlyOnce(t *testing.T) {
	e := NewEngine(8, "")
	var nonce [24]byte
	nonce[0] = 1

	assert.True(t, e.CheckAndConsumeUserNonce(1, nonce))
	assert.False(t, e.CheckAndConsumeUserNonce(1, nonce), "replaying the same nonce for the same user must fail")
	assert.True(t, e.CheckAndConsumeUserNonce(2, nonce), "a different user may reuse the same nonce bytes")

	assert.True(t, e.CheckAndConsumeHANonce(nonce))
	assert.False(t, e.CheckAndConsumeHANonce(nonce))
}

func TestCheckConflict_NoStoredReportYetIsNeitherConflictNorIdentical(t *testing.T) {
	e := NewEngine(8, "")
	conflict, identical := e.CheckConflict(1, 5, model.GridPos{X: 1, Y: 1}, []byte("report-bytes"))
	assert.False(t, conflict)
	assert.False(t, identical)

	// CheckConflict must never store anything itself.
	_, ok := e.GetReport(1, 5)
	assert.False(t, ok)
}

func TestCheckConflict_IdenticalResubmissionDetected(t *testing.T) {
	e := NewEngine(8, "")
	_, err := e.AddReport(1, 5, model.GridPos{X: 1, Y: 1}, []byte("report-bytes"))
	require.NoError(t, err)

	conflict, identical := e.CheckConflict(1, 5, model.GridPos{X: 1, Y: 1}, []byte("report-bytes"))
	assert.False(t, conflict)
	assert.True(t, identical)
}

func TestCheckConflict_DifferingResubmissionDetectedWithoutMutating(t *testing.T) {
	e := NewEngine(8, "")
	_, err := e.AddReport(1, 5, model.GridPos{X: 1, Y: 1}, []byte("report-a"))
	require.NoError(t, err)

	conflict, identical := e.CheckConflict(1, 5, model.GridPos{X: 2, Y: 2}, []byte("report-b"))
	assert.True(t, conflict)
	assert.False(t, identical)
	assert.False(t, e.IsBlacklisted(5), "CheckConflict only reports the conflict, it never blacklists by itself")

	got, ok := e.GetReport(1, 5)
	require.True(t, ok)
	assert.Equal(t, []byte("report-a"), got, "the original stored report must be left untouched")
}

func TestBlacklist_MarksIdxPermanently(t *testing.T) {
	e := NewEngine(8, "")
	assert.False(t, e.IsBlacklisted(5))
	e.Blacklist(5)
	assert.True(t, e.IsBlacklisted(5))
}

func TestSnapshot_SaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/snapshot.json"

	e := NewEngine(8, path)
	_, err := e.AddReport(1, 5, model.GridPos{X: 1, Y: 1}, []byte("report-bytes"))
	require.NoError(t, err)
	e.AddProofs([]model.SignedProof{{Proof: model.Proof{Epoch: 1, IdxAss: 5}}})

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)

	got, ok := loaded.GetReport(1, 5)
	require.True(t, ok)
	assert.Equal(t, []byte("report-bytes"), got)
	assert.Len(t, loaded.ProofsFor(5, []model.Epoch{1}), 1)
	assert.Equal(t, 8, loaded.GridEdge())
}
