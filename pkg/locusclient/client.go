// Package locusclient is a thin SDK for talking to a locuscert replica:
// sealing requests, dialing the replica's framed TCP port, and opening
// responses. It serves both user- and HA-role callers.
//
// Grounded on pkg/trust/client.go's Config+Client pair, adapted from an
// HTTP/JSON exchange client to the sealed binary envelope of
// internal/envelope and internal/wire.
package locusclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/AfonsoRibeiro/locuscert/internal/envelope"
	"github.com/AfonsoRibeiro/locuscert/internal/model"
	"github.com/AfonsoRibeiro/locuscert/internal/wire"
)

// Config holds everything a client needs to reach one replica.
type Config struct {
	ReplicaAddr   string
	ReplicaBoxPub *[32]byte
	SignKey       ed25519.PrivateKey // the caller's own signing key (user or HA)
	Idx           uint64             // ignored for HA-signed requests
	PowDifficulty int
	DialTimeout   time.Duration
}

// Client is a locuscert replica client.
type Client struct {
	cfg Config
}

// NewClient builds a Client for cfg.
func NewClient(cfg Config) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg}
}

// SubmitReport submits a caller-signed report for BRB confirmation.
func (c *Client) SubmitReport(ctx context.Context, sr model.SignedReport) error {
	reportBytes, err := sr.Encode()
	if err != nil {
		return err
	}
	body := wire.SubmitReportBody{Report: reportBytes}
	plain, err := wire.Encode(body)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, wire.OpSubmitReport, plain)
	return err
}

// ObtainReport fetches the delivered report for (idx, epoch).
func (c *Client) ObtainReport(ctx context.Context, idx, epoch uint64) (model.SignedReport, error) {
	plain, err := wire.Encode(wire.ObtainReportBody{Idx: idx, Epoch: epoch})
	if err != nil {
		return model.SignedReport{}, err
	}
	respPlain, err := c.call(ctx, wire.OpObtainReport, plain)
	if err != nil {
		return model.SignedReport{}, err
	}
	var out struct {
		Report []byte `json:"report"`
	}
	if err := wire.Decode(respPlain, &out); err != nil {
		return model.SignedReport{}, err
	}
	return model.DecodeSignedReport(out.Report)
}

// UsersAtLocation returns every delivered report placing a user at (x, y)
// during epoch.
func (c *Client) UsersAtLocation(ctx context.Context, epoch uint64, x, y int) ([]model.SignedReport, error) {
	plain, err := wire.Encode(wire.UsersAtLocationBody{Epoch: epoch, X: x, Y: y})
	if err != nil {
		return nil, err
	}
	respPlain, err := c.call(ctx, wire.OpUsersAtLocation, plain)
	if err != nil {
		return nil, err
	}
	var out struct {
		Reports [][]byte `json:"reports"`
	}
	if err := wire.Decode(respPlain, &out); err != nil {
		return nil, err
	}
	reports := make([]model.SignedReport, 0, len(out.Reports))
	for _, rb := range out.Reports {
		sr, err := model.DecodeSignedReport(rb)
		if err != nil {
			return nil, err
		}
		reports = append(reports, sr)
	}
	return reports, nil
}

// RequestMyProofs returns every assisted proof naming idx as assistor
// across epochs.
func (c *Client) RequestMyProofs(ctx context.Context, idx uint64, epochs []uint64) ([]model.SignedProof, error) {
	plain, err := wire.Encode(wire.RequestMyProofsBody{Idx: idx, Epochs: epochs})
	if err != nil {
		return nil, err
	}
	respPlain, err := c.call(ctx, wire.OpRequestMyProofs, plain)
	if err != nil {
		return nil, err
	}
	var out struct {
		Proofs []model.SignedProof `json:"proofs"`
	}
	if err := wire.Decode(respPlain, &out); err != nil {
		return nil, err
	}
	return out.Proofs, nil
}

// call seals plaintext in a request envelope, dials the replica, and
// returns the opened plaintext of a successful response.
func (c *Client) call(ctx context.Context, op wire.Op, plaintext []byte) ([]byte, error) {
	var sessionKey [32]byte
	if _, err := rand.Read(sessionKey[:]); err != nil {
		return nil, fmt.Errorf("locusclient: generate session key: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("locusclient: generate nonce: %w", err)
	}

	cap := model.Capability{Idx: model.UserIdx(c.cfg.Idx), SessionKey: sessionKey, Nonce: nonce}
	capBytes, err := envelope.SealCapability(c.cfg.ReplicaBoxPub, cap)
	if err != nil {
		return nil, fmt.Errorf("locusclient: seal capability: %w", err)
	}

	counter := envelope.SolvePoW(capBytes, c.cfg.PowDifficulty)

	payload, err := envelope.SealPayload(&sessionKey, c.cfg.SignKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("locusclient: seal payload: %w", err)
	}

	req := wire.RequestEnvelope{Capability: capBytes, PowCounter: counter, Payload: payload}
	reqBytes, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.ReplicaAddr)
	if err != nil {
		return nil, fmt.Errorf("locusclient: dial %s: %w", c.cfg.ReplicaAddr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := wire.WriteFrame(conn, op, reqBytes); err != nil {
		return nil, err
	}
	_, respBytes, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("locusclient: read response: %w", err)
	}

	var resp wire.ResponseEnvelope
	if err := wire.Decode(respBytes, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("locusclient: replica rejected request: %s", resp.Error)
	}

	// The response is sealed under the same session key but signed by the
	// replica, whose verify key the caller is not assumed to know here, so
	// the replica's signature is not checked.
	_, plaintextResp, err := envelope.OpenSealedPayload(&sessionKey, resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("locusclient: open response: %w", err)
	}
	return plaintextResp, nil
}

// OpenAuthenticated reverses SealPayload fully, verifying the response came
// from the replica identified by replicaVerify. Client's methods neither
// return the sealed response payload nor expose the session key, so this
// applies only to callers that build and send their own request envelopes.
func OpenAuthenticated(sessionKey *[32]byte, replicaVerify ed25519.PublicKey, sealed []byte) ([]byte, error) {
	return envelope.OpenPayload(sessionKey, replicaVerify, sealed)
}
