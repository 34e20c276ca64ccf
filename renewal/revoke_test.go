package renewal

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/certforge/certforge/acme/resources"
)

// writeTestBundle creates a self-signed certificate and writes it as a
// PKCS#12 bundle, returning the bundle path and the leaf.
func writeTestBundle(t *testing.T, dir string, password string) (string, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		DNSNames:     []string{"example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pfxData, err := pkcs12.Modern.Encode(key, cert, nil, password)
	require.NoError(t, err)

	path := filepath.Join(dir, "bundle.pfx")
	require.NoError(t, os.WriteFile(path, pfxData, 0o600))
	return path, cert
}

func TestRevoke(t *testing.T) {
	eng := newFakeEngine()
	session := newTestSession(t, testConfig(t), eng)
	revoker := NewRevoker(session, zerolog.Nop())

	path, cert := writeTestBundle(t, t.TempDir(), "hunter2")

	status := revoker.Revoke(context.Background(), path, "hunter2")

	require.True(t, status.OK, status.Message)
	require.Len(t, eng.revokedDER, 1)
	assert.Equal(t, cert.Raw, eng.revokedDER[0], "the leaf's DER encoding must be submitted")

	_, err := os.Stat(path)
	assert.NoError(t, err, "the bundle must never be deleted")
}

func TestRevokeMissingBundle(t *testing.T) {
	eng := newFakeEngine()
	session := newTestSession(t, testConfig(t), eng)
	revoker := NewRevoker(session, zerolog.Nop())

	status := revoker.Revoke(context.Background(), filepath.Join(t.TempDir(), "nope.pfx"), "")

	assert.False(t, status.OK)
	assert.Contains(t, status.Message, "unable to read bundle")
	assert.Empty(t, eng.revokedDER)
}

func TestRevokeUndecodableBundle(t *testing.T) {
	eng := newFakeEngine()
	session := newTestSession(t, testConfig(t), eng)
	revoker := NewRevoker(session, zerolog.Nop())

	path := filepath.Join(t.TempDir(), "garbage.pfx")
	require.NoError(t, os.WriteFile(path, []byte("not a bundle"), 0o600))

	status := revoker.Revoke(context.Background(), path, "")

	assert.False(t, status.OK)
	assert.Contains(t, status.Message, "unable to decode bundle")
	assert.Empty(t, eng.revokedDER)
}

func TestRevokeWrongPassword(t *testing.T) {
	eng := newFakeEngine()
	session := newTestSession(t, testConfig(t), eng)
	revoker := NewRevoker(session, zerolog.Nop())

	path, _ := writeTestBundle(t, t.TempDir(), "hunter2")

	status := revoker.Revoke(context.Background(), path, "wrong")

	assert.False(t, status.OK)
	assert.Empty(t, eng.revokedDER)
}

func TestRevokeCARejection(t *testing.T) {
	eng := newFakeEngine()
	eng.revokeErr = &resources.Problem{
		Type:   "urn:ietf:params:acme:error:alreadyRevoked",
		Detail: "Certificate has already been revoked",
	}
	session := newTestSession(t, testConfig(t), eng)
	revoker := NewRevoker(session, zerolog.Nop())

	path, _ := writeTestBundle(t, t.TempDir(), "")

	status := revoker.Revoke(context.Background(), path, "")

	assert.False(t, status.OK)
	assert.Equal(t, "Certificate has already been revoked", status.Message)

	_, err := os.Stat(path)
	assert.NoError(t, err, "a failed revocation must leave the bundle in place")
}
