// Package keys resolves the long-term key material every replica needs:
// user and HA verify keys for checking signatures, and the per-replica
// signing/encryption keypairs used for replica-to-replica BRB traffic and
// for opening client capabilities addressed to this replica.
//
// Grounded on internal/config/config.go's nested-YAML-config idiom; the
// roster itself plays the role the teacher's federation peer list plays in
// internal/federation/protocol.go.
package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ReplicaID names a replica in the roster, e.g. "r0", "r1".
type ReplicaID string

// Provider resolves the key material this replica needs at runtime. Only a
// YAML-roster-backed implementation ships (StaticProvider); a production
// deployment would swap in a KMS- or Vault-backed Provider without touching
// any caller.
type Provider interface {
	// UserVerifyKey returns the long-term ed25519 verify key for a user
	// index, or false if the index is unknown to this roster.
	UserVerifyKey(idx uint64) (ed25519.PublicKey, bool)

	// HAVerifyKey returns the auditor's long-term verify key.
	HAVerifyKey() ed25519.PublicKey

	// Self returns this replica's id.
	Self() ReplicaID

	// ReplicaSignKey returns this replica's own ed25519 signing key, used
	// to sign outgoing ECHO/READY traffic.
	ReplicaSignKey() ed25519.PrivateKey

	// ReplicaVerifyKey returns a peer replica's ed25519 verify key, or
	// false if unknown.
	ReplicaVerifyKey(id ReplicaID) (ed25519.PublicKey, bool)

	// ReplicaBoxSecret returns this replica's X25519 private key, used to
	// open capabilities sealed to it (by clients or peer replicas).
	ReplicaBoxSecret() *[32]byte

	// ReplicaBoxPublic returns a peer replica's X25519 public key, used to
	// seal capabilities addressed to it.
	ReplicaBoxPublic(id ReplicaID) (*[32]byte, bool)

	// Replicas lists every replica id in the roster, including Self().
	Replicas() []ReplicaID
}

// rosterFile is the on-disk YAML shape loaded into a StaticProvider.
type rosterFile struct {
	Self string `yaml:"self"`
	HA   struct {
		VerifyKey string `yaml:"verify_key"`
	} `yaml:"ha"`
	Users map[string]string `yaml:"users"` // idx (decimal string) -> base64 ed25519 verify key
	Replicas map[string]struct {
		SignVerifyKey string `yaml:"sign_verify_key"`
		SignKey       string `yaml:"sign_key,omitempty"` // only present for Self
		BoxPublicKey  string `yaml:"box_public_key"`
		BoxSecretKey  string `yaml:"box_secret_key,omitempty"` // only present for Self
	} `yaml:"replicas"`
}

// StaticProvider implements Provider from a roster loaded once at boot.
type StaticProvider struct {
	self       ReplicaID
	haVerify   ed25519.PublicKey
	users      map[uint64]ed25519.PublicKey
	signKey    ed25519.PrivateKey
	boxSecret  *[32]byte
	peerSign   map[ReplicaID]ed25519.PublicKey
	peerBoxPub map[ReplicaID]*[32]byte
	order      []ReplicaID
}

// LoadStaticProvider reads a roster YAML file from path.
func LoadStaticProvider(path string) (*StaticProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: read roster: %w", err)
	}
	var rf rosterFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("keys: parse roster: %w", err)
	}
	return newStaticProviderFromFile(rf)
}

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func newStaticProviderFromFile(rf rosterFile) (*StaticProvider, error) {
	p := &StaticProvider{
		self:       ReplicaID(rf.Self),
		users:      make(map[uint64]ed25519.PublicKey),
		peerSign:   make(map[ReplicaID]ed25519.PublicKey),
		peerBoxPub: make(map[ReplicaID]*[32]byte),
	}

	haKey, err := decodeB64(rf.HA.VerifyKey)
	if err != nil {
		return nil, fmt.Errorf("keys: ha verify key: %w", err)
	}
	p.haVerify = ed25519.PublicKey(haKey)

	for idxStr, keyB64 := range rf.Users {
		var idx uint64
		if _, err := fmt.Sscanf(idxStr, "%d", &idx); err != nil {
			return nil, fmt.Errorf("keys: user idx %q: %w", idxStr, err)
		}
		raw, err := decodeB64(keyB64)
		if err != nil {
			return nil, fmt.Errorf("keys: user %s verify key: %w", idxStr, err)
		}
		p.users[idx] = ed25519.PublicKey(raw)
	}

	for name, rec := range rf.Replicas {
		id := ReplicaID(name)
		p.order = append(p.order, id)

		signVerify, err := decodeB64(rec.SignVerifyKey)
		if err != nil {
			return nil, fmt.Errorf("keys: replica %s sign_verify_key: %w", name, err)
		}
		p.peerSign[id] = ed25519.PublicKey(signVerify)

		boxPub, err := decodeB64(rec.BoxPublicKey)
		if err != nil {
			return nil, fmt.Errorf("keys: replica %s box_public_key: %w", name, err)
		}
		if len(boxPub) != 32 {
			return nil, fmt.Errorf("keys: replica %s box_public_key: want 32 bytes, got %d", name, len(boxPub))
		}
		var boxPubArr [32]byte
		copy(boxPubArr[:], boxPub)
		p.peerBoxPub[id] = &boxPubArr

		if id == p.self {
			if rec.SignKey == "" || rec.BoxSecretKey == "" {
				return nil, fmt.Errorf("keys: self replica %s missing private key material", name)
			}
			signPriv, err := decodeB64(rec.SignKey)
			if err != nil {
				return nil, fmt.Errorf("keys: self sign_key: %w", err)
			}
			p.signKey = ed25519.PrivateKey(signPriv)

			boxSec, err := decodeB64(rec.BoxSecretKey)
			if err != nil {
				return nil, fmt.Errorf("keys: self box_secret_key: %w", err)
			}
			if len(boxSec) != 32 {
				return nil, fmt.Errorf("keys: self box_secret_key: want 32 bytes, got %d", len(boxSec))
			}
			var boxSecArr [32]byte
			copy(boxSecArr[:], boxSec)
			p.boxSecret = &boxSecArr
		}
	}

	if p.signKey == nil || p.boxSecret == nil {
		return nil, fmt.Errorf("keys: self %q not found (or incomplete) among roster replicas", rf.Self)
	}

	return p, nil
}

func (p *StaticProvider) UserVerifyKey(idx uint64) (ed25519.PublicKey, bool) {
	k, ok := p.users[idx]
	return k, ok
}

func (p *StaticProvider) HAVerifyKey() ed25519.PublicKey { return p.haVerify }

func (p *StaticProvider) Self() ReplicaID { return p.self }

func (p *StaticProvider) ReplicaSignKey() ed25519.PrivateKey { return p.signKey }

func (p *StaticProvider) ReplicaVerifyKey(id ReplicaID) (ed25519.PublicKey, bool) {
	k, ok := p.peerSign[id]
	return k, ok
}

func (p *StaticProvider) ReplicaBoxSecret() *[32]byte { return p.boxSecret }

func (p *StaticProvider) ReplicaBoxPublic(id ReplicaID) (*[32]byte, bool) {
	k, ok := p.peerBoxPub[id]
	return k, ok
}

func (p *StaticProvider) Replicas() []ReplicaID {
	out := make([]ReplicaID, len(p.order))
	copy(out, p.order)
	return out
}
