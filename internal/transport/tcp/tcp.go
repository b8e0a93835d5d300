// Package tcp is the primary replica-to-replica transport: length-delimited
// JSON frames over plain net.Dial/net.Listen connections, one dial per
// send. Grounded on cmd/probe/main.go's net.Listen("tcp", ":50051")
// bootstrap, generalised from a single gRPC listener to the framed
// multiplexed listener internal/rpcserver runs.
package tcp

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/AfonsoRibeiro/locuscert/internal/envelope"
	"github.com/AfonsoRibeiro/locuscert/internal/keys"
	"github.com/AfonsoRibeiro/locuscert/internal/model"
	"github.com/AfonsoRibeiro/locuscert/internal/wire"
)

// replicaCapabilityIdx is a sentinel Capability.Idx value for
// replica-to-replica traffic, which is not addressed to any user index.
const replicaCapabilityIdx = ^uint64(0)

// Transport sends WriteBody messages to peer replicas over TCP, sealing
// each as a request envelope signed by this replica's key. It implements
// internal/transport.Transport.
type Transport struct {
	self        keys.ReplicaID
	addrs       map[keys.ReplicaID]string
	provider    keys.Provider
	dialTimeout time.Duration
}

// New builds a Transport. addrs maps every replica id (including self,
// though self is never dialled) to its "host:port" listen address.
func New(self keys.ReplicaID, addrs map[keys.ReplicaID]string, provider keys.Provider, dialTimeout time.Duration) *Transport {
	return &Transport{self: self, addrs: addrs, provider: provider, dialTimeout: dialTimeout}
}

// Send dials to, seals body in a request envelope signed by this replica,
// and waits for an ack response. A non-nil error means the caller should
// retry (transport.Broadcaster handles that).
func (t *Transport) Send(ctx context.Context, to keys.ReplicaID, body wire.WriteBody) error {
	addr, ok := t.addrs[to]
	if !ok {
		return fmt.Errorf("tcp: no address for replica %s", to)
	}
	peerBox, ok := t.provider.ReplicaBoxPublic(to)
	if !ok {
		return fmt.Errorf("tcp: no box key for replica %s", to)
	}

	var sessionKey [32]byte
	if _, err := rand.Read(sessionKey[:]); err != nil {
		return fmt.Errorf("tcp: generate session key: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("tcp: generate nonce: %w", err)
	}

	cap := model.Capability{Idx: model.UserIdx(replicaCapabilityIdx), SessionKey: sessionKey, Nonce: nonce}
	capBytes, err := envelope.SealCapability(peerBox, cap)
	if err != nil {
		return fmt.Errorf("tcp: seal capability: %w", err)
	}

	plain, err := wire.Encode(body)
	if err != nil {
		return err
	}
	payload, err := envelope.SealPayload(&sessionKey, t.provider.ReplicaSignKey(), plain)
	if err != nil {
		return fmt.Errorf("tcp: seal payload: %w", err)
	}

	req := wire.RequestEnvelope{Capability: capBytes, Payload: payload}
	reqBytes, err := wire.Encode(req)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := wire.WriteFrame(conn, wire.OpEchoWrite, reqBytes); err != nil {
		return err
	}

	_, respBytes, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("tcp: read ack: %w", err)
	}
	var resp wire.ResponseEnvelope
	if err := wire.Decode(respBytes, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("tcp: peer %s rejected write: %s", to, resp.Error)
	}
	return nil
}
