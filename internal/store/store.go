// Package store implements the in-memory storage engine each replica keeps
// for delivered reports, assisted proofs, consumed nonces and blacklisted
// reporters, plus an atomic snapshot-to-disk mechanism.
//
// Grounded on internal/snapshot/snapshot.go's hash-and-compare idiom for the
// snapshot format, and internal/fabric/hub.go's sharded, independently
// locked maps for the concurrency shape.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/AfonsoRibeiro/locuscert/internal/model"
)

type reportKey struct {
	Epoch model.Epoch
	Idx   model.UserIdx
}

type proofKey struct {
	Epoch  model.Epoch
	IdxAss model.UserIdx
}

// Engine is the replica's storage surface. Each concern (reports, grid
// index, proofs, nonces, blacklist) has its own lock so an update to one
// never blocks a read of another.
type Engine struct {
	gridEdge int

	reportsMu sync.RWMutex
	reports   map[reportKey]model.StoredReport

	gridMu sync.RWMutex
	grid   map[model.Epoch]map[model.GridPos]map[model.UserIdx]struct{}

	proofsMu sync.RWMutex
	proofs   map[proofKey][]model.SignedProof

	noncesMu    sync.RWMutex
	userNonces  map[model.UserIdx]map[string]struct{}
	haNonces    map[string]struct{}

	blacklistMu sync.RWMutex
	blacklist   map[model.UserIdx]struct{}

	snapshotPath string
}

// NewEngine creates an empty storage engine for a grid of gridEdge x
// gridEdge cells, snapshotting to snapshotPath after every report, proof or
// blacklist change (empty path disables snapshotting, e.g. in unit tests).
// Consumed nonces are kept in memory only and never snapshotted.
func NewEngine(gridEdge int, snapshotPath string) *Engine {
	return &Engine{
		gridEdge:     gridEdge,
		reports:      make(map[reportKey]model.StoredReport),
		grid:         make(map[model.Epoch]map[model.GridPos]map[model.UserIdx]struct{}),
		proofs:       make(map[proofKey][]model.SignedProof),
		userNonces:   make(map[model.UserIdx]map[string]struct{}),
		haNonces:     make(map[string]struct{}),
		blacklist:    make(map[model.UserIdx]struct{}),
		snapshotPath: snapshotPath,
	}
}

// IsBlacklisted reports whether idx has been caught equivocating.
func (e *Engine) IsBlacklisted(idx model.UserIdx) bool {
	e.blacklistMu.RLock()
	defer e.blacklistMu.RUnlock()
	_, ok := e.blacklist[idx]
	return ok
}

// AddReportResult distinguishes a brand-new delivery from a repeat
// delivery of the identical bytes (BRB may re-deliver the same value to a
// late-joining instance) from an equivocation.
type AddReportResult int

const (
	AddReportStored AddReportResult = iota
	AddReportDuplicate
	AddReportEquivocation
)

// AddReport stores a delivered report for (epoch, idx). If idx already has
// a stored report for epoch with different bytes, idx is blacklisted and
// AddReportEquivocation is returned; the original report is left in place.
func (e *Engine) AddReport(epoch model.Epoch, idx model.UserIdx, loc model.GridPos, signedBytes []byte) (AddReportResult, error) {
	if e.IsBlacklisted(idx) {
		return AddReportEquivocation, fmt.Errorf("store: %d is blacklisted", idx)
	}

	key := reportKey{Epoch: epoch, Idx: idx}

	e.reportsMu.Lock()
	existing, exists := e.reports[key]
	if exists {
		same := existing.Loc == loc && string(existing.SignedBytes) == string(signedBytes)
		e.reportsMu.Unlock()
		if same {
			return AddReportDuplicate, nil
		}
		e.Blacklist(idx)
		return AddReportEquivocation, fmt.Errorf("store: %d equivocated at epoch %d", idx, epoch)
	}
	e.reports[key] = model.StoredReport{Loc: loc, SignedBytes: signedBytes}
	e.reportsMu.Unlock()

	e.gridMu.Lock()
	byLoc, ok := e.grid[epoch]
	if !ok {
		byLoc = make(map[model.GridPos]map[model.UserIdx]struct{})
		e.grid[epoch] = byLoc
	}
	users, ok := byLoc[loc]
	if !ok {
		users = make(map[model.UserIdx]struct{})
		byLoc[loc] = users
	}
	users[idx] = struct{}{}
	e.gridMu.Unlock()

	e.snapshot()
	return AddReportStored, nil
}

// CheckConflict compares a candidate report against any already-stored
// report for (epoch, idx) without mutating anything. identical is true only
// when a stored report exists and matches loc/signedBytes exactly; conflict
// is true when a stored report exists and differs. Neither flag is set when
// there is no stored report yet (the common case: the candidate still has
// to clear BRB before it is ever written).
func (e *Engine) CheckConflict(epoch model.Epoch, idx model.UserIdx, loc model.GridPos, signedBytes []byte) (conflict, identical bool) {
	e.reportsMu.RLock()
	existing, exists := e.reports[reportKey{Epoch: epoch, Idx: idx}]
	e.reportsMu.RUnlock()
	if !exists {
		return false, false
	}
	if existing.Loc == loc && string(existing.SignedBytes) == string(signedBytes) {
		return false, true
	}
	return true, false
}

// Blacklist permanently marks idx as equivocating. Once set it is never
// cleared; callers (the submit_report handler, BRB's deliver path) consult
// IsBlacklisted before accepting anything further from idx.
func (e *Engine) Blacklist(idx model.UserIdx) {
	e.blacklistMu.Lock()
	e.blacklist[idx] = struct{}{}
	e.blacklistMu.Unlock()
	e.snapshot()
}

// GetReport returns the stored signed report bytes for (epoch, idx).
func (e *Engine) GetReport(epoch model.Epoch, idx model.UserIdx) ([]byte, bool) {
	e.reportsMu.RLock()
	defer e.reportsMu.RUnlock()
	r, ok := e.reports[reportKey{Epoch: epoch, Idx: idx}]
	if !ok {
		return nil, false
	}
	return r.SignedBytes, true
}

// UsersAt returns the signed report bytes of every user whose delivered
// report places them at loc during epoch.
func (e *Engine) UsersAt(epoch model.Epoch, loc model.GridPos) map[model.UserIdx][]byte {
	e.gridMu.RLock()
	users := make([]model.UserIdx, 0)
	if byLoc, ok := e.grid[epoch]; ok {
		for idx := range byLoc[loc] {
			users = append(users, idx)
		}
	}
	e.gridMu.RUnlock()

	out := make(map[model.UserIdx][]byte, len(users))
	e.reportsMu.RLock()
	defer e.reportsMu.RUnlock()
	for _, idx := range users {
		if r, ok := e.reports[reportKey{Epoch: epoch, Idx: idx}]; ok {
			out[idx] = r.SignedBytes
		}
	}
	return out
}

// AddProofs appends signed proofs already known to be cryptographically
// valid (signature verified) to the per-(assistor, epoch) store. This is
// append-only: a user may be named as an assistor by many different
// reports across its lifetime.
func (e *Engine) AddProofs(proofs []model.SignedProof) {
	if len(proofs) == 0 {
		return
	}
	e.proofsMu.Lock()
	for _, sp := range proofs {
		k := proofKey{Epoch: sp.Proof.Epoch, IdxAss: sp.Proof.IdxAss}
		e.proofs[k] = append(e.proofs[k], sp)
	}
	e.proofsMu.Unlock()
	e.snapshot()
}

// ProofsFor returns every proof idx issued as assistor across the requested
// epochs.
func (e *Engine) ProofsFor(idx model.UserIdx, epochs []model.Epoch) []model.SignedProof {
	e.proofsMu.RLock()
	defer e.proofsMu.RUnlock()
	var out []model.SignedProof
	for _, ep := range epochs {
		out = append(out, e.proofs[proofKey{Epoch: ep, IdxAss: idx}]...)
	}
	return out
}

// CheckAndConsumeUserNonce returns false if nonce has already been used by
// idx, otherwise records it and returns true.
func (e *Engine) CheckAndConsumeUserNonce(idx model.UserIdx, nonce [24]byte) bool {
	key := string(nonce[:])
	e.noncesMu.Lock()
	defer e.noncesMu.Unlock()
	seen, ok := e.userNonces[idx]
	if !ok {
		seen = make(map[string]struct{})
		e.userNonces[idx] = seen
	}
	if _, used := seen[key]; used {
		return false
	}
	seen[key] = struct{}{}
	return true
}

// CheckAndConsumeHANonce is the HA-origin equivalent of
// CheckAndConsumeUserNonce.
func (e *Engine) CheckAndConsumeHANonce(nonce [24]byte) bool {
	key := string(nonce[:])
	e.noncesMu.Lock()
	defer e.noncesMu.Unlock()
	if _, used := e.haNonces[key]; used {
		return false
	}
	e.haNonces[key] = struct{}{}
	return true
}

// GridEdge returns the configured grid edge length.
func (e *Engine) GridEdge() int { return e.gridEdge }

// --- snapshotting ---

type snapshotReportEntry struct {
	Epoch model.Epoch         `json:"epoch"`
	Idx   model.UserIdx       `json:"idx"`
	Value model.StoredReport `json:"value"`
}

type snapshotProofEntry struct {
	Epoch  model.Epoch         `json:"epoch"`
	IdxAss model.UserIdx       `json:"idx_ass"`
	Proofs []model.SignedProof `json:"proofs"`
}

type snapshotDoc struct {
	GridEdge  int                   `json:"grid_edge"`
	Reports   []snapshotReportEntry `json:"reports"`
	Proofs    []snapshotProofEntry  `json:"proofs"`
	Blacklist []model.UserIdx       `json:"blacklist"`
}

// snapshot serializes the engine's state and atomically replaces the file
// at snapshotPath. Snapshotting after every write is deliberately simple
// (write-amplified but never leaves a torn file) over incremental
// journaling.
func (e *Engine) snapshot() {
	if e.snapshotPath == "" {
		return
	}
	if err := e.writeSnapshot(); err != nil {
		// Best-effort: a failed snapshot does not roll back the in-memory
		// mutation that triggered it. Callers that need a hard guarantee
		// should inspect disk health out of band.
		_ = err
	}
}

func (e *Engine) writeSnapshot() error {
	doc := snapshotDoc{GridEdge: e.gridEdge}

	e.reportsMu.RLock()
	for k, v := range e.reports {
		doc.Reports = append(doc.Reports, snapshotReportEntry{Epoch: k.Epoch, Idx: k.Idx, Value: v})
	}
	e.reportsMu.RUnlock()

	e.proofsMu.RLock()
	for k, v := range e.proofs {
		doc.Proofs = append(doc.Proofs, snapshotProofEntry{Epoch: k.Epoch, IdxAss: k.IdxAss, Proofs: v})
	}
	e.proofsMu.RUnlock()

	e.blacklistMu.RLock()
	for idx := range e.blacklist {
		doc.Blacklist = append(doc.Blacklist, idx)
	}
	e.blacklistMu.RUnlock()

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(e.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, e.snapshotPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename temp snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores engine state from snapshotPath, e.g. on replica
// restart. It is not called automatically by NewEngine so tests can start
// from a known-empty engine.
func LoadSnapshot(snapshotPath string) (*Engine, error) {
	raw, err := os.ReadFile(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot: %w", err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("store: parse snapshot: %w", err)
	}

	e := NewEngine(doc.GridEdge, snapshotPath)
	for _, r := range doc.Reports {
		e.reports[reportKey{Epoch: r.Epoch, Idx: r.Idx}] = r.Value
		byLoc, ok := e.grid[r.Epoch]
		if !ok {
			byLoc = make(map[model.GridPos]map[model.UserIdx]struct{})
			e.grid[r.Epoch] = byLoc
		}
		users, ok := byLoc[r.Value.Loc]
		if !ok {
			users = make(map[model.UserIdx]struct{})
			byLoc[r.Value.Loc] = users
		}
		users[r.Idx] = struct{}{}
	}
	for _, p := range doc.Proofs {
		e.proofs[proofKey{Epoch: p.Epoch, IdxAss: p.IdxAss}] = p.Proofs
	}
	for _, idx := range doc.Blacklist {
		e.blacklist[idx] = struct{}{}
	}
	return e, nil
}
