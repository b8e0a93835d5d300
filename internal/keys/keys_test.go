package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func writeRoster(t *testing.T) (string, ed25519.PublicKey, ed25519.PublicKey) {
	t.Helper()

	haPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	userPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r0SignPub, r0SignPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	r1SignPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r0BoxPub, r0BoxPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	r1BoxPub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	yamlDoc := "self: r0\n" +
		"ha:\n  verify_key: " + b64(haPub) + "\n" +
		"users:\n  1: " + b64(userPub) + "\n" +
		"replicas:\n" +
		"  r0:\n" +
		"    sign_verify_key: " + b64(r0SignPub) + "\n" +
		"    sign_key: " + b64(r0SignPriv) + "\n" +
		"    box_public_key: " + b64(r0BoxPub[:]) + "\n" +
		"    box_secret_key: " + b64(r0BoxPriv[:]) + "\n" +
		"  r1:\n" +
		"    sign_verify_key: " + b64(r1SignPub) + "\n" +
		"    box_public_key: " + b64(r1BoxPub[:]) + "\n"

	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	return path, haPub, userPub
}

func TestLoadStaticProvider_ResolvesSelfAndPeers(t *testing.T) {
	path, haPub, userPub := writeRoster(t)

	p, err := LoadStaticProvider(path)
	require.NoError(t, err)

	assert.Equal(t, ReplicaID("r0"), p.Self())
	assert.Equal(t, haPub, p.HAVerifyKey())

	got, ok := p.UserVerifyKey(1)
	require.True(t, ok)
	assert.Equal(t, userPub, got)

	_, ok = p.UserVerifyKey(999)
	assert.False(t, ok)

	assert.NotNil(t, p.ReplicaSignKey())
	assert.NotNil(t, p.ReplicaBoxSecret())

	_, ok = p.ReplicaVerifyKey("r1")
	assert.True(t, ok)
	_, ok = p.ReplicaBoxPublic("r1")
	assert.True(t, ok)

	assert.ElementsMatch(t, []ReplicaID{"r0", "r1"}, p.Replicas())
}

func TestLoadStaticProvider_MissingSelfFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	yamlDoc := "self: rX\n" +
		"ha:\n  verify_key: " + b64(make([]byte, ed25519.PublicKeySize)) + "\n" +
		"replicas:\n" +
		"  r0:\n" +
		"    sign_verify_key: " + b64(make([]byte, ed25519.PublicKeySize)) + "\n" +
		"    box_public_key: " + b64(make([]byte, 32)) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	_, err := LoadStaticProvider(path)
	assert.Error(t, err, "self not present among roster replicas must fail to load")
}
