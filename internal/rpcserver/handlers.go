package rpcserver

import (
	"context"

	"github.com/AfonsoRibeiro/locuscert/internal/model"
	"github.com/AfonsoRibeiro/locuscert/internal/rpcerr"
	"github.com/AfonsoRibeiro/locuscert/internal/wire"
)

// handleSubmitReport decodes a user's signed report, validates it locally,
// and blocks until BRB delivers it (or ctx is cancelled). Only the report's
// own author may submit it — the envelope's capability index must match.
func (s *Server) handleSubmitReport(ctx context.Context, payload []byte) wire.ResponseEnvelope {
	var req wire.RequestEnvelope
	if err := wire.Decode(payload, &req); err != nil {
		return errResponse(rpcerr.ErrInvalidEnvelope)
	}
	cap, isHA, plain, err := s.openClientEnvelope(req)
	if err != nil {
		s.metrics.ReportsRejected.WithLabelValues("envelope").Inc()
		return errResponse(err)
	}
	if isHA {
		s.metrics.ReportsRejected.WithLabelValues("ha_cannot_submit").Inc()
		return errResponse(rpcerr.ErrInvalidEnvelope)
	}

	var body wire.SubmitReportBody
	if err := wire.Decode(plain, &body); err != nil {
		s.metrics.ReportsRejected.WithLabelValues("malformed").Inc()
		return errResponse(rpcerr.ErrMalformedReport)
	}
	sr, err := model.DecodeSignedReport(body.Report)
	if err != nil {
		s.metrics.ReportsRejected.WithLabelValues("malformed").Inc()
		return errResponse(rpcerr.ErrMalformedReport)
	}
	if sr.Report.Idx != cap.Idx {
		s.metrics.ReportsRejected.WithLabelValues("idx_mismatch").Inc()
		return errResponse(rpcerr.ErrInvalidEnvelope)
	}
	if s.store.IsBlacklisted(sr.Report.Idx) {
		s.metrics.ReportsRejected.WithLabelValues("blacklisted").Inc()
		return errResponse(rpcerr.ErrBlacklisted)
	}
	verifyKey, ok := s.keys.UserVerifyKey(uint64(sr.Report.Idx))
	if !ok || !sr.Verify(verifyKey) {
		s.metrics.ReportsRejected.WithLabelValues("bad_signature").Inc()
		return errResponse(rpcerr.ErrMalformedReport)
	}

	// Equivocation check: compare against any report already delivered for
	// (epoch, idx) before doing anything else with this submission. An
	// identical resubmission is a harmless retry; a differing one means the
	// reporter signed two different claims for the same epoch.
	conflict, identical := s.store.CheckConflict(sr.Report.Epoch, sr.Report.Idx, sr.Report.Loc, body.Report)
	if conflict {
		s.store.Blacklist(sr.Report.Idx)
		s.metrics.Equivocations.Inc()
		s.metrics.ReportsRejected.WithLabelValues("equivocation").Inc()
		return errResponse(rpcerr.ErrEquivocation)
	}
	if identical {
		s.metrics.ReportsSubmitted.WithLabelValues("submit_report_duplicate").Inc()
		return s.sealResponse(cap, s.keys.ReplicaSignKey(), struct {
			Idx   uint64 `json:"idx"`
			Epoch uint64 `json:"epoch"`
		}{uint64(sr.Report.Idx), uint64(sr.Report.Epoch)})
	}

	if !s.validator.Valid(cap.Idx, sr.Report) {
		s.metrics.ReportsRejected.WithLabelValues("insufficient_proofs").Inc()
		return errResponse(rpcerr.ErrInsufficientProofs)
	}

	s.metrics.ReportsSubmitted.WithLabelValues("submit_report").Inc()
	ch := s.brb.ConfirmWrite(ctx, sr.Report.Idx, sr.Report.Epoch, body.Report)
	select {
	case result := <-ch:
		if result.Err != nil {
			return errResponse(result.Err)
		}
		return s.sealResponse(cap, s.keys.ReplicaSignKey(), struct {
			Idx   uint64 `json:"idx"`
			Epoch uint64 `json:"epoch"`
		}{uint64(sr.Report.Idx), uint64(sr.Report.Epoch)})
	case <-ctx.Done():
		return errResponse(ctx.Err())
	}
}

// handleObtainReport returns the delivered report for (Idx, Epoch). A user
// may only fetch its own report; the HA may fetch anyone's.
func (s *Server) handleObtainReport(ctx context.Context, payload []byte) wire.ResponseEnvelope {
	var req wire.RequestEnvelope
	if err := wire.Decode(payload, &req); err != nil {
		return errResponse(rpcerr.ErrInvalidEnvelope)
	}
	cap, isHA, plain, err := s.openClientEnvelope(req)
	if err != nil {
		return errResponse(err)
	}

	var body wire.ObtainReportBody
	if err := wire.Decode(plain, &body); err != nil {
		return errResponse(rpcerr.ErrMalformedReport)
	}
	if !isHA && model.UserIdx(body.Idx) != cap.Idx {
		return errResponse(rpcerr.ErrInvalidEnvelope)
	}

	reportBytes, ok := s.store.GetReport(model.Epoch(body.Epoch), model.UserIdx(body.Idx))
	if !ok {
		return errResponse(rpcerr.ErrNotFound)
	}
	return s.sealResponse(cap, s.keys.ReplicaSignKey(), struct {
		Report []byte `json:"report"`
	}{reportBytes})
}

// handleUsersAtLocation returns every delivered report placing a user at
// (X, Y) during Epoch. Either a user or the HA may issue this query.
func (s *Server) handleUsersAtLocation(ctx context.Context, payload []byte) wire.ResponseEnvelope {
	var req wire.RequestEnvelope
	if err := wire.Decode(payload, &req); err != nil {
		return errResponse(rpcerr.ErrInvalidEnvelope)
	}
	cap, _, plain, err := s.openClientEnvelope(req)
	if err != nil {
		return errResponse(err)
	}

	var body wire.UsersAtLocationBody
	if err := wire.Decode(plain, &body); err != nil {
		return errResponse(rpcerr.ErrMalformedReport)
	}

	loc := model.GridPos{X: body.X, Y: body.Y}
	byIdx := s.store.UsersAt(model.Epoch(body.Epoch), loc)
	reports := make([][]byte, 0, len(byIdx))
	for _, rb := range byIdx {
		reports = append(reports, rb)
	}
	return s.sealResponse(cap, s.keys.ReplicaSignKey(), struct {
		Reports [][]byte `json:"reports"`
	}{reports})
}

// handleRequestMyProofs returns every assisted proof naming Idx as assistor
// across the requested epochs. A user may only request its own proofs; the
// HA may request anyone's.
func (s *Server) handleRequestMyProofs(ctx context.Context, payload []byte) wire.ResponseEnvelope {
	var req wire.RequestEnvelope
	if err := wire.Decode(payload, &req); err != nil {
		return errResponse(rpcerr.ErrInvalidEnvelope)
	}
	cap, isHA, plain, err := s.openClientEnvelope(req)
	if err != nil {
		return errResponse(err)
	}

	var body wire.RequestMyProofsBody
	if err := wire.Decode(plain, &body); err != nil {
		return errResponse(rpcerr.ErrMalformedReport)
	}
	if !isHA && model.UserIdx(body.Idx) != cap.Idx {
		return errResponse(rpcerr.ErrInvalidEnvelope)
	}

	epochs := make([]model.Epoch, len(body.Epochs))
	for i, e := range body.Epochs {
		epochs[i] = model.Epoch(e)
	}
	found := s.store.ProofsFor(model.UserIdx(body.Idx), epochs)
	return s.sealResponse(cap, s.keys.ReplicaSignKey(), struct {
		Proofs []model.SignedProof `json:"proofs"`
	}{found})
}

// handleEchoWrite processes a replica-to-replica ECHO or READY forwarded by
// a peer. Unlike the client-facing operations, this channel carries no
// proof-of-work (it is not client-originated) and no dedicated nonce pool:
// BRB's own per-(idx, epoch, digest) sender-set counting is idempotent
// under message replay.
func (s *Server) handleEchoWrite(ctx context.Context, payload []byte) wire.ResponseEnvelope {
	var req wire.RequestEnvelope
	if err := wire.Decode(payload, &req); err != nil {
		return errResponse(rpcerr.ErrInvalidEnvelope)
	}

	cap, err := s.openReplicaCapability(req.Capability)
	if err != nil {
		return errResponse(err)
	}
	sig, plain, err := s.openReplicaPayload(&cap.SessionKey, req.Payload)
	if err != nil {
		return errResponse(err)
	}

	from, ok := s.identifyReplicaSender(plain, sig)
	if !ok {
		return errResponse(rpcerr.ErrInvalidEnvelope)
	}

	var body wire.WriteBody
	if err := wire.Decode(plain, &body); err != nil {
		return errResponse(rpcerr.ErrMalformedReport)
	}

	if err := s.brb.HandleIncoming(ctx, from, body.Kind, model.UserIdx(body.Idx), model.Epoch(body.Epoch), body.Report); err != nil {
		return errResponse(err)
	}
	return s.sealResponse(cap, s.keys.ReplicaSignKey(), struct {
		Ack bool `json:"ack"`
	}{true})
}
