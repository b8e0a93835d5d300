// Package wire defines the request/response envelope carried over the
// length-delimited TCP connections used for both client RPCs and
// replica-to-replica BRB traffic, plus the framing codec itself.
//
// The original spec leaves wire encoding non-normative ("any
// length-delimited stream is acceptable"); the teacher repo only hand-mocks
// protobuf types (pb/mock.go) rather than using real protoc output, so this
// package follows the teacher's actual dominant idiom — encoding/json —
// instead of fabricating a protoc pipeline with no toolchain access.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Op selects which handler on the receiving side processes a frame.
type Op byte

const (
	OpSubmitReport Op = iota + 1
	OpObtainReport
	OpUsersAtLocation
	OpRequestMyProofs
	OpEchoWrite
)

func (o Op) String() string {
	switch o {
	case OpSubmitReport:
		return "submit_report"
	case OpObtainReport:
		return "obtain_report"
	case OpUsersAtLocation:
		return "users_at_location"
	case OpRequestMyProofs:
		return "request_my_proofs"
	case OpEchoWrite:
		return "echo_write"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// RequestEnvelope is what every client RPC and replica-to-replica write
// carries: a sealed capability, a proof-of-work solution over the sealed
// capability bytes, and a symmetrically sealed, signed payload.
type RequestEnvelope struct {
	Capability []byte `json:"capability"`
	PowCounter uint64 `json:"pow_counter"`
	Payload    []byte `json:"payload"`
}

// ResponseEnvelope is the corresponding reply, sealed under the same
// session key the request's capability carried.
type ResponseEnvelope struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// WriteBody is the inner payload of an OpEchoWrite frame: a replica
// forwarding a WRITE/ECHO/READY for a specific (idx, epoch) BRB instance.
type WriteBody struct {
	Kind   string `json:"kind"` // "echo" or "ready"
	Idx    uint64 `json:"idx"`
	Epoch  uint64 `json:"epoch"`
	Report []byte `json:"report"` // the exact SignedReport bytes being echoed
}

// SubmitReportBody is the inner payload of an OpSubmitReport request: the
// caller's own signed report, already bundled with its assisted proofs.
type SubmitReportBody struct {
	Report []byte `json:"report"` // encoded model.SignedReport
}

// ObtainReportBody requests the delivered report for (Idx, Epoch).
type ObtainReportBody struct {
	Idx   uint64 `json:"idx"`
	Epoch uint64 `json:"epoch"`
}

// UsersAtLocationBody requests every user whose delivered report places
// them at Loc during Epoch.
type UsersAtLocationBody struct {
	Epoch uint64 `json:"epoch"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
}

// RequestMyProofsBody requests every assisted proof naming Idx as assistor
// across Epochs.
type RequestMyProofsBody struct {
	Idx    uint64   `json:"idx"`
	Epochs []uint64 `json:"epochs"`
}

const maxFrameLen = 16 << 20 // 16MiB guards against a malicious length prefix

// WriteFrame writes op followed by a 4-byte big-endian length and payload.
func WriteFrame(w io.Writer, op Op, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(op)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one op + length-prefixed payload written by WriteFrame.
func ReadFrame(r io.Reader) (Op, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	op := Op(header[0])
	n := binary.BigEndian.Uint32(header[1:])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("wire: frame length %d exceeds max %d", n, maxFrameLen)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("wire: read frame payload: %w", err)
		}
	}
	return op, payload, nil
}

// MarshalJSON-friendly helpers so callers don't sprinkle json.Marshal calls
// across rpcserver and the transport package.

func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}

func Decode(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}
