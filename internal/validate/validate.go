// Package validate implements the report-acceptance predicate: a submitted
// report is only handed to BRB once it carries enough cryptographically
// valid assisted proofs placing the reporter where it claims to be.
//
// Grounded on security/src/proof.rs in the Rust original, which couples
// proof signature verification with the neighbourhood/threshold check
// before a report is allowed onto the wire.
package validate

import (
	"github.com/AfonsoRibeiro/locuscert/internal/keys"
	"github.com/AfonsoRibeiro/locuscert/internal/model"
)

// Validator checks submitted reports against the key roster and the
// configured fault threshold.
type Validator struct {
	keys     keys.Provider
	gridEdge int
	fLine    int
}

// NewValidator builds a Validator for a grid of gridEdge x gridEdge cells
// requiring more than fLine independently-signing assistors to accept a
// report.
func NewValidator(k keys.Provider, gridEdge, fLine int) *Validator {
	return &Validator{keys: k, gridEdge: gridEdge, fLine: fLine}
}

// Valid reports whether report (claimed to be authored by reqIdx) carries
// enough valid assisted proofs to be accepted.
//
// A proof counts if: its signature verifies under the claimed assistor's
// long-term key, the proof names epoch and reqIdx matching the report, and
// its asserted location lies in the clamped Moore neighbourhood (inclusive
// of the centre cell) of the report's claimed location. Self-proofs
// (idx_ass == reqIdx) only count when fLine == 0 — see DESIGN.md's
// resolution of the self-proof open question.
func (v *Validator) Valid(reqIdx model.UserIdx, report model.Report) bool {
	if report.Idx != reqIdx {
		return false
	}
	if !inBounds(report.Loc, v.gridEdge) {
		return false
	}

	seen := make(map[model.UserIdx]struct{})
	count := 0
	for _, sp := range report.Proofs {
		p := sp.Proof
		if p.Epoch != report.Epoch || p.IdxReq != reqIdx {
			continue
		}
		if p.IdxAss == reqIdx && v.fLine != 0 {
			continue
		}
		if !inBounds(p.LocAss, v.gridEdge) {
			continue
		}
		if !model.WithinMooreNeighbourhood(report.Loc, p.LocAss, v.gridEdge) {
			continue
		}
		verifyKey, ok := v.keys.UserVerifyKey(uint64(p.IdxAss))
		if !ok {
			continue
		}
		if !sp.Verify(verifyKey) {
			continue
		}
		if _, dup := seen[p.IdxAss]; dup {
			continue
		}
		seen[p.IdxAss] = struct{}{}
		count++
		if count > v.fLine {
			return true
		}
	}
	return count > v.fLine
}

// ExtractAssistedProofs filters report's proof list down to those whose
// signature verifies under the named assistor's key, independent of the
// neighbourhood/threshold check in Valid. These are the proofs handed to
// the storage engine so other users can later retrieve "who vouched for
// me", even for proofs that did not end up counting toward acceptance.
func (v *Validator) ExtractAssistedProofs(report model.Report) []model.SignedProof {
	var out []model.SignedProof
	for _, sp := range report.Proofs {
		verifyKey, ok := v.keys.UserVerifyKey(uint64(sp.Proof.IdxAss))
		if !ok {
			continue
		}
		if sp.Verify(verifyKey) {
			out = append(out, sp)
		}
	}
	return out
}

func inBounds(pos model.GridPos, edge int) bool {
	return pos.X >= 0 && pos.X < edge && pos.Y >= 0 && pos.Y < edge
}
