package renewal

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/acme/client"
	"github.com/certforge/certforge/acme/keys"
	"github.com/certforge/certforge/acme/resources"
	"github.com/certforge/certforge/config"
)

var errOrderNotSettled = errors.New("order not settled")

// FinalizeRequest configures finalization of a validated order.
type FinalizeRequest struct {
	PrimaryDomain   string
	SubjectAltNames []string
	// RS256, ECDSA256 or ECDSA384. Empty or unknown values fall back to
	// RS256.
	KeyAlgorithm string
	// Optional passphrase protecting the written bundle.
	BundlePassword string
}

// Finalizer builds the CSR for a validated order, requests issuance,
// downloads the chain and packages it into a PKCS#12 bundle on disk.
type Finalizer struct {
	session  *Session
	certDir  string
	interval time.Duration
	attempts uint64
	log      zerolog.Logger
}

func NewFinalizer(session *Session, cfg config.Config, logger zerolog.Logger) *Finalizer {
	certDir := cfg.CertDir
	if certDir == "" {
		certDir = "certs"
	}

	poller := NewPoller(session, cfg, logger)
	return &Finalizer{
		session:  session,
		certDir:  certDir,
		interval: poller.interval,
		attempts: poller.attempts,
		log:      logger,
	}
}

// Finalize drives the order through issuance: a fresh CSR key pair (never
// the account key), common name set to the ASCII primary domain, bounded
// polling through the CA's processing state, chain download and a uniquely
// named bundle under the certificates directory. Nothing is written on
// failure.
func (f *Finalizer) Finalize(ctx context.Context, orderURI string, req FinalizeRequest) (*CertificateArtifact, error) {
	identifiers, err := BuildIdentifierSet(req.PrimaryDomain, req.SubjectAltNames)
	if err != nil {
		return nil, err
	}
	primary := identifiers[0]

	if err := f.session.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	engine := f.session.Engine()

	order, err := engine.GetOrder(ctx, orderURI)
	if err != nil {
		return nil, f.caError("fetching order", err)
	}

	// A pending order may still be settling its authorizations server-side.
	if order.Status == acme.StatusPending {
		order, err = f.awaitOrderStatus(ctx, engine, orderURI, acme.StatusReady)
		if err != nil {
			return nil, err
		}
	}
	if order.Status == acme.StatusInvalid {
		return nil, fmt.Errorf("renewal: order %s is invalid and cannot be finalized", orderURI)
	}

	alg := keys.NormalizeAlgorithm(req.KeyAlgorithm)
	certKey, err := keys.NewSigner(alg)
	if err != nil {
		return nil, err
	}

	csrDER, _, err := client.CSR(primary, identifiers, certKey)
	if err != nil {
		return nil, fmt.Errorf("renewal: building CSR: %w", err)
	}

	if order.Status != acme.StatusValid {
		order, err = engine.FinalizeOrder(ctx, order, csrDER)
		if err != nil {
			return nil, f.caError("finalizing order", err)
		}
	}

	// Issuance may be asynchronous; wait out the processing state.
	if order.Status == acme.StatusProcessing {
		order, err = f.awaitOrderStatus(ctx, engine, orderURI, acme.StatusValid)
		if err != nil {
			return nil, err
		}
	}
	if order.Status != acme.StatusValid {
		return nil, fmt.Errorf("renewal: order %s has status %q after finalization",
			orderURI, order.Status)
	}

	chain, err := engine.DownloadCertificate(ctx, order)
	if err != nil {
		return nil, f.caError("downloading certificate", err)
	}
	leaf := chain[0]

	// An order resumed after issuance carries another run's certificate.
	// Packaging it with this run's fresh key would produce a bundle whose key
	// and certificate do not belong together.
	if !keyMatchesCertificate(certKey, leaf) {
		return nil, fmt.Errorf(
			"renewal: order %s was issued for a different key, nothing was written", orderURI)
	}

	keyPEM, err := keys.SignerToPEM(certKey)
	if err != nil {
		return nil, err
	}

	label := fmt.Sprintf("%s [Certforge] %s to %s",
		primary,
		leaf.NotBefore.Format("2006-01-02"),
		leaf.NotAfter.Format("2006-01-02"))

	bundlePath, err := f.writeBundle(primary, certKey, chain, req.BundlePassword)
	if err != nil {
		return nil, err
	}

	f.log.Info().
		Str("domain", primary).
		Str("bundle", bundlePath).
		Time("notAfter", leaf.NotAfter).
		Msg("certificate issued")

	return &CertificateArtifact{
		PrimaryDomain: primary,
		KeyAlgorithm:  alg,
		PrivateKeyPEM: keyPEM,
		Chain:         chain,
		FriendlyLabel: label,
		BundlePath:    bundlePath,
	}, nil
}

// awaitOrderStatus polls the order with the same bounds as authorization
// polling until it reaches wantStatus or a terminal state.
func (f *Finalizer) awaitOrderStatus(ctx context.Context, engine Engine, orderURI string, wantStatus string) (*resources.Order, error) {
	var order *resources.Order
	operation := func() error {
		current, err := engine.GetOrder(ctx, orderURI)
		if err != nil {
			return backoff.Permanent(err)
		}
		order = current
		switch current.Status {
		case wantStatus, acme.StatusValid, acme.StatusInvalid:
			return nil
		}
		return errOrderNotSettled
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.interval), f.attempts), ctx)

	err := backoff.Retry(operation, policy)
	switch {
	case err == nil:
		return order, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, errOrderNotSettled):
		return nil, ErrPollTimeout
	default:
		return nil, f.caError("polling order", err)
	}
}

// writeBundle packages the key and chain into a passphrase-protectable
// PKCS#12 file under a per-domain directory, named by date plus a random
// suffix so artifacts never collide.
func (f *Finalizer) writeBundle(primary string, certKey crypto.Signer, chain []*x509.Certificate, password string) (string, error) {
	leaf := chain[0]
	pfxData, err := pkcs12.Modern.Encode(certKey, leaf, chain[1:], password)
	if err != nil {
		return "", fmt.Errorf("renewal: encoding bundle: %w", err)
	}

	dir := filepath.Join(f.certDir, domainAsPath(primary))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("renewal: creating certificate directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s.pfx", time.Now().Format("20060102"), randomSuffix())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pfxData, 0o600); err != nil {
		return "", fmt.Errorf("renewal: writing bundle: %w", err)
	}

	return path, nil
}

func (f *Finalizer) caError(action string, err error) error {
	var prob *resources.Problem
	if errors.As(err, &prob) {
		return fmt.Errorf("renewal: %s: %s", action, prob.Detail)
	}
	return fmt.Errorf("renewal: %s: %w", action, err)
}

// keyMatchesCertificate reports whether the certificate was issued for the
// signer's public key.
func keyMatchesCertificate(signer crypto.Signer, cert *x509.Certificate) bool {
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(cert.PublicKey)
}

func domainAsPath(domain string) string {
	return strings.ReplaceAll(domain, "*", "_")
}

func randomSuffix() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
