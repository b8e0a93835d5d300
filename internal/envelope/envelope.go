// Package envelope implements the request/response wire envelope used by
// every client and replica RPC: a capability sealed anonymously to the
// receiver's box key, a payload symmetrically sealed under the capability's
// session key and signed by the sender, and a proof-of-work token over the
// capability bytes.
//
// Go's nacl/box has no built-in anonymous "sealed box" (unlike libsodium's
// crypto_box_seal, used by the Rust original's security/src/double_echo.rs
// via sodiumoxide's sealedbox module), so SealCapability hand-builds one:
// an ephemeral X25519 keypair is generated per call, the capability is
// boxed under it, and the ephemeral public key travels alongside the
// ciphertext so the receiver can recover the shared secret with only its
// own long-term secret key.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/AfonsoRibeiro/locuscert/internal/model"
)

const (
	ephemeralPubLen = 32
	capNonceLen     = 24
)

// SealCapability anonymously seals a Capability to recipientPub. The output
// is self-describing: ephemeral public key || nonce || ciphertext.
func SealCapability(recipientPub *[32]byte, cap model.Capability) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: generate ephemeral keypair: %w", err)
	}

	plain, err := json.Marshal(cap)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal capability: %w", err)
	}

	var nonce [capNonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}

	sealed := box.Seal(nil, plain, &nonce, recipientPub, ephPriv)

	out := make([]byte, 0, ephemeralPubLen+capNonceLen+len(sealed))
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

// OpenCapability reverses SealCapability using the recipient's box secret
// key.
func OpenCapability(recipientSecret *[32]byte, sealed []byte) (model.Capability, error) {
	if len(sealed) < ephemeralPubLen+capNonceLen {
		return model.Capability{}, fmt.Errorf("envelope: sealed capability too short")
	}
	var ephPub [32]byte
	copy(ephPub[:], sealed[:ephemeralPubLen])
	var nonce [capNonceLen]byte
	copy(nonce[:], sealed[ephemeralPubLen:ephemeralPubLen+capNonceLen])
	ciphertext := sealed[ephemeralPubLen+capNonceLen:]

	plain, ok := box.Open(nil, ciphertext, &nonce, &ephPub, recipientSecret)
	if !ok {
		return model.Capability{}, fmt.Errorf("envelope: capability did not open")
	}

	var cap model.Capability
	if err := json.Unmarshal(plain, &cap); err != nil {
		return model.Capability{}, fmt.Errorf("envelope: unmarshal capability: %w", err)
	}
	return cap, nil
}

// SealPayload signs plaintext with the sender's signing key, then
// symmetrically seals signature||plaintext under the capability's session
// key using a fresh nonce.
func SealPayload(sessionKey *[32]byte, senderSign ed25519.PrivateKey, plaintext []byte) ([]byte, error) {
	sig := ed25519.Sign(senderSign, plaintext)
	signed := make([]byte, 0, len(sig)+len(plaintext))
	signed = append(signed, sig...)
	signed = append(signed, plaintext...)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate payload nonce: %w", err)
	}
	sealed := secretbox.Seal(nil, signed, &nonce, sessionKey)

	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

// OpenSealedPayload reverses the secretbox sealing step only, returning the
// signature and plaintext without checking who signed it. Used by callers
// that must try more than one candidate verify key (e.g. "is this the HA or
// a user?", or "which replica sent this?") before they know whose
// signature to check.
func OpenSealedPayload(sessionKey *[32]byte, sealed []byte) (sig, plaintext []byte, err error) {
	if len(sealed) < 24 {
		return nil, nil, fmt.Errorf("envelope: sealed payload too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	ciphertext := sealed[24:]

	signed, ok := secretbox.Open(nil, ciphertext, &nonce, sessionKey)
	if !ok {
		return nil, nil, fmt.Errorf("envelope: payload did not open")
	}
	if len(signed) < ed25519.SignatureSize {
		return nil, nil, fmt.Errorf("envelope: payload shorter than a signature")
	}
	return signed[:ed25519.SignatureSize], signed[ed25519.SignatureSize:], nil
}

// OpenPayload reverses SealPayload and verifies the inner signature against
// senderVerify. Returns the plaintext.
func OpenPayload(sessionKey *[32]byte, senderVerify ed25519.PublicKey, sealed []byte) ([]byte, error) {
	sig, plaintext, err := OpenSealedPayload(sessionKey, sealed)
	if err != nil {
		return nil, err
	}
	if len(senderVerify) != ed25519.PublicKeySize || !ed25519.Verify(senderVerify, plaintext, sig) {
		return nil, fmt.Errorf("envelope: payload signature did not verify")
	}
	return plaintext, nil
}

// SolvePoW finds the smallest counter such that sha256(capBytes || counter)
// has at least `difficulty` leading zero bits, hashcash-style. Grounded on
// the pow crate referenced by the original server/src/server/management.rs
// and ha_client/src/verifying.rs.
func SolvePoW(capBytes []byte, difficulty int) uint64 {
	var counter uint64
	for {
		if leadingZeroBits(hashCounter(capBytes, counter)) >= difficulty {
			return counter
		}
		counter++
	}
}

// VerifyPoW checks that counter is a valid solution for capBytes at the
// given difficulty.
func VerifyPoW(capBytes []byte, counter uint64, difficulty int) bool {
	return leadingZeroBits(hashCounter(capBytes, counter)) >= difficulty
}

func hashCounter(capBytes []byte, counter uint64) [32]byte {
	var ctrBytes [8]byte
	binary.BigEndian.PutUint64(ctrBytes[:], counter)
	h := sha256.New()
	h.Write(capBytes)
	h.Write(ctrBytes[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func leadingZeroBits(h [32]byte) int {
	n := 0
	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}
