// Package model defines the grid, epoch, report and proof types shared by
// every layer of the replica: storage, validation, broadcast and the RPC
// surface all speak in these types.
package model

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// UserIdx identifies a user within the grid.
type UserIdx uint64

// Epoch is the discrete time step reports and proofs are bound to.
type Epoch uint64

// GridPos is a cell coordinate on the S x S grid.
type GridPos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// withinMooreNeighbourhood reports whether cand lies in the 3x3 block
// centred on origin, clamped to [0, edge), inclusive of the centre cell.
func withinMooreNeighbourhood(origin, cand GridPos, edge int) bool {
	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		if v > edge-1 {
			return edge - 1
		}
		return v
	}
	xmin, xmax := clamp(origin.X-1), clamp(origin.X+1)
	ymin, ymax := clamp(origin.Y-1), clamp(origin.Y+1)
	return cand.X >= xmin && cand.X <= xmax && cand.Y >= ymin && cand.Y <= ymax
}

// WithinMooreNeighbourhood is the exported form used by internal/validate.
func WithinMooreNeighbourhood(origin, cand GridPos, edge int) bool {
	return withinMooreNeighbourhood(origin, cand, edge)
}

// Proof is one user's assertion that it observed IdxReq at LocAss during
// Epoch. IdxAss names that asserting user, whose key signs the enclosing
// SignedProof.
type Proof struct {
	Epoch  Epoch   `json:"epoch"`
	IdxReq UserIdx `json:"idx_req"`
	IdxAss UserIdx `json:"idx_ass"`
	LocAss GridPos `json:"loc_ass"`
}

// canonicalBytes returns the deterministic encoding signed and verified for
// a Proof. Mirrors the teacher's Attestation.canonicalBytes: marshal a fixed
// field order so Sign/Verify never depend on map iteration order.
func (p Proof) canonicalBytes() []byte {
	b, _ := json.Marshal(struct {
		Epoch  Epoch   `json:"epoch"`
		IdxReq UserIdx `json:"idx_req"`
		IdxAss UserIdx `json:"idx_ass"`
		LocAss GridPos `json:"loc_ass"`
	}{p.Epoch, p.IdxReq, p.IdxAss, p.LocAss})
	return b
}

// SignedProof pairs a Proof with the assistor's signature over it.
type SignedProof struct {
	Proof     Proof  `json:"proof"`
	Signature []byte `json:"signature"`
}

// SignProof signs proof with the assistor's long-term signing key.
func SignProof(priv ed25519.PrivateKey, proof Proof) SignedProof {
	return SignedProof{
		Proof:     proof,
		Signature: ed25519.Sign(priv, proof.canonicalBytes()),
	}
}

// Verify checks sp.Signature against the assistor's verify key.
func (sp SignedProof) Verify(verifyKey ed25519.PublicKey) bool {
	if len(verifyKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(verifyKey, sp.Proof.canonicalBytes(), sp.Signature)
}

// Report is a user's claim to be at Loc during Epoch, bundled with the
// assisting proofs it carries.
type Report struct {
	Epoch  Epoch         `json:"epoch"`
	Idx    UserIdx       `json:"idx"`
	Loc    GridPos       `json:"loc"`
	Proofs []SignedProof `json:"proofs"`
}

func (r Report) canonicalBytes() []byte {
	b, _ := json.Marshal(struct {
		Epoch  Epoch         `json:"epoch"`
		Idx    UserIdx       `json:"idx"`
		Loc    GridPos       `json:"loc"`
		Proofs []SignedProof `json:"proofs"`
	}{r.Epoch, r.Idx, r.Loc, r.Proofs})
	return b
}

// SignedReport pairs a Report with the reporter's signature over its
// canonical bytes. BRB delivers and stores the output of Encode verbatim so
// every replica agrees on the delivered value, not just its decoded meaning.
type SignedReport struct {
	Report    Report `json:"report"`
	Signature []byte `json:"signature"`
}

// SignReport signs report with the reporter's long-term signing key.
func SignReport(priv ed25519.PrivateKey, report Report) SignedReport {
	return SignedReport{
		Report:    report,
		Signature: ed25519.Sign(priv, report.canonicalBytes()),
	}
}

// Verify checks sr.Signature against the reporter's verify key.
func (sr SignedReport) Verify(verifyKey ed25519.PublicKey) bool {
	if len(verifyKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(verifyKey, sr.Report.canonicalBytes(), sr.Signature)
}

// Encode/Decode round-trip a SignedReport to the exact bytes carried through
// BRB delivery and storage.
func (sr SignedReport) Encode() ([]byte, error) {
	return json.Marshal(sr)
}

func DecodeSignedReport(b []byte) (SignedReport, error) {
	var sr SignedReport
	if err := json.Unmarshal(b, &sr); err != nil {
		return SignedReport{}, fmt.Errorf("decode signed report: %w", err)
	}
	return sr, nil
}

// Capability is the per-request one-time credential sealed inside a
// request envelope's capability field. SessionKey seals the request/response
// payload; Nonce guards against replay of this exact capability.
type Capability struct {
	Idx        UserIdx  `json:"idx"`
	SessionKey [32]byte `json:"session_key"`
	Nonce      [24]byte `json:"nonce"`
}

// StoredReport is what the storage engine keeps per (epoch, idx): the exact
// signed bytes that were delivered, plus the decoded location for indexing.
type StoredReport struct {
	Loc         GridPos `json:"loc"`
	SignedBytes []byte  `json:"signed_bytes"`
}
