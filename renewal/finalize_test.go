package renewal

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/acme/client"
	"github.com/certforge/certforge/acme/keys"
	"github.com/certforge/certforge/config"
)

var bundleNamePattern = regexp.MustCompile(`^\d{8}_[0-9a-f]{8}\.pfx$`)

// readyFixture seeds an order past its authorizations so Finalize can go
// straight to issuance.
func readyFixture(t *testing.T, domains ...string) (*fakeEngine, config.Config, *Finalizer, string) {
	t.Helper()
	eng := newFakeEngine()
	order := eng.seedOrder(domains...)
	order.Status = acme.StatusReady

	cfg := testConfig(t)
	session := newTestSession(t, cfg, eng)
	return eng, cfg, NewFinalizer(session, cfg, zerolog.Nop()), order.ID
}

func TestFinalizeIssuesBundle(t *testing.T) {
	eng, cfg, finalizer, orderURI := readyFixture(t, "example.com", "www.example.com")

	artifact, err := finalizer.Finalize(context.Background(), orderURI, FinalizeRequest{
		PrimaryDomain:   "example.com",
		SubjectAltNames: []string{"www.example.com"},
		KeyAlgorithm:    keys.ECDSA256,
		BundlePassword:  "hunter2",
	})
	require.NoError(t, err)

	assert.Equal(t, "example.com", artifact.PrimaryDomain)
	assert.Equal(t, keys.ECDSA256, artifact.KeyAlgorithm)

	// A fresh EC P-256 key, never the account key.
	signer, err := keys.SignerFromPEM([]byte(artifact.PrivateKeyPEM))
	require.NoError(t, err)
	ecKey, ok := signer.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.Equal(t, elliptic.P256(), ecKey.Curve)
	accountKey := finalizer.session.accountSigner().(*ecdsa.PrivateKey)
	assert.False(t, accountKey.Equal(ecKey))

	// CSR the CA saw: CN is the ASCII primary, all identifiers as SANs.
	csr, err := x509.ParseCertificateRequest(eng.finalizedCSR)
	require.NoError(t, err)
	assert.Equal(t, "example.com", csr.Subject.CommonName)
	assert.ElementsMatch(t, []string{"example.com", "www.example.com"}, csr.DNSNames)

	require.Len(t, artifact.Chain, 2)
	leaf := artifact.Chain[0]
	assert.Equal(t, "example.com", leaf.Subject.CommonName)

	assert.True(t, strings.HasPrefix(artifact.FriendlyLabel, "example.com [Certforge] "))
	assert.Contains(t, artifact.FriendlyLabel, leaf.NotAfter.Format("2006-01-02"))

	// The bundle sits in the per-domain directory and decodes with the
	// passphrase.
	assert.Equal(t, filepath.Join(cfg.CertDir, "example.com"), filepath.Dir(artifact.BundlePath))
	assert.Regexp(t, bundleNamePattern, filepath.Base(artifact.BundlePath))

	pfxData, err := os.ReadFile(artifact.BundlePath)
	require.NoError(t, err)
	bundleKey, bundleLeaf, caCerts, err := pkcs12.DecodeChain(pfxData, "hunter2")
	require.NoError(t, err)
	assert.True(t, ecKey.Equal(bundleKey))
	assert.Equal(t, leaf.Raw, bundleLeaf.Raw)
	require.Len(t, caCerts, 1)
}

func TestFinalizeUnknownAlgorithmFallsBackToRSA(t *testing.T) {
	_, _, finalizer, orderURI := readyFixture(t, "example.com")

	artifact, err := finalizer.Finalize(context.Background(), orderURI, FinalizeRequest{
		PrimaryDomain: "example.com",
		KeyAlgorithm:  "secp521r1",
	})
	require.NoError(t, err)

	assert.Equal(t, keys.RS256, artifact.KeyAlgorithm)
	signer, err := keys.SignerFromPEM([]byte(artifact.PrivateKeyPEM))
	require.NoError(t, err)
	_, ok := signer.(*rsa.PrivateKey)
	assert.True(t, ok)
}

func TestFinalizeWildcardBundlePath(t *testing.T) {
	eng, cfg, finalizer, orderURI := readyFixture(t, "*.example.com")

	artifact, err := finalizer.Finalize(context.Background(), orderURI, FinalizeRequest{
		PrimaryDomain: "*.example.com",
		KeyAlgorithm:  keys.ECDSA384,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cfg.CertDir, "_.example.com"), filepath.Dir(artifact.BundlePath))

	csr, err := x509.ParseCertificateRequest(eng.finalizedCSR)
	require.NoError(t, err)
	assert.Equal(t, "*.example.com", csr.Subject.CommonName)
}

func TestFinalizeInvalidOrderWritesNothing(t *testing.T) {
	eng := newFakeEngine()
	order := eng.seedOrder("example.com")
	order.Status = acme.StatusInvalid

	cfg := testConfig(t)
	session := newTestSession(t, cfg, eng)
	finalizer := NewFinalizer(session, cfg, zerolog.Nop())

	_, err := finalizer.Finalize(context.Background(), order.ID, FinalizeRequest{
		PrimaryDomain: "example.com",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be finalized")
	assert.Nil(t, eng.finalizedCSR)

	entries, err := os.ReadDir(cfg.CertDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing may be written on failure")
}

func TestFinalizeRejectsOrderIssuedForAnotherKey(t *testing.T) {
	eng := newFakeEngine()
	order := eng.seedOrder("example.com")
	order.Status = acme.StatusReady

	cfg := testConfig(t)
	session := newTestSession(t, cfg, eng)
	finalizer := NewFinalizer(session, cfg, zerolog.Nop())

	// A previous run finalized the order with its own key, leaving it valid
	// with an issued chain for that key.
	priorKey, err := keys.NewSigner(keys.ECDSA256)
	require.NoError(t, err)
	priorCSR, _, err := client.CSR("example.com", []string{"example.com"}, priorKey)
	require.NoError(t, err)
	_, err = eng.FinalizeOrder(context.Background(), order, priorCSR)
	require.NoError(t, err)

	_, err = finalizer.Finalize(context.Background(), order.ID, FinalizeRequest{
		PrimaryDomain: "example.com",
		KeyAlgorithm:  keys.ECDSA256,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different key")

	entries, err := os.ReadDir(cfg.CertDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a bundle with a mismatched key must never be written")
}

func TestFinalizeDownloadFailureWritesNothing(t *testing.T) {
	eng := newFakeEngine()
	// Valid without an issued chain: finalize is skipped and the download
	// fails.
	order := eng.seedOrder("example.com")
	order.Status = acme.StatusValid
	order.Certificate = order.ID + "/cert"

	cfg := testConfig(t)
	session := newTestSession(t, cfg, eng)
	finalizer := NewFinalizer(session, cfg, zerolog.Nop())

	_, err := finalizer.Finalize(context.Background(), order.ID, FinalizeRequest{
		PrimaryDomain: "example.com",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downloading certificate")

	entries, err := os.ReadDir(cfg.CertDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
