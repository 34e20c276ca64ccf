package renewal

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/acme/resources"
	"github.com/certforge/certforge/config"
	"github.com/certforge/certforge/storage"
)

// fakeEngine implements Engine against in-memory state so orchestration
// tests can script the CA's side of the conversation.
type fakeEngine struct {
	mu sync.Mutex

	accountURI     string
	registered     bool
	contactUpdates [][]string

	createdOrders int
	newOrderCalls int
	newOrderErr   error

	orders map[string]*resources.Order
	authzs map[string]*resources.Authorization

	// authzSequence scripts successive GetAuthorization results per URL; the
	// last entry repeats once the script runs out.
	authzSequence map[string][]*resources.Authorization
	authzFetches  map[string]int

	triggered     []string
	triggerResult *resources.Challenge
	triggerErr    error

	finalizeErr  error
	finalizedCSR []byte

	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate
	chain  []*x509.Certificate

	revokedDER [][]byte
	revokeErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		accountURI:    "https://ca.test/acct/1",
		orders:        map[string]*resources.Order{},
		authzs:        map[string]*resources.Authorization{},
		authzSequence: map[string][]*resources.Authorization{},
		authzFetches:  map[string]int{},
	}
}

// seedOrder installs a pending order for the given domains with one pending
// http-01 and one pending dns-01 challenge per authorization.
func (f *fakeEngine) seedOrder(domains ...string) *resources.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seedOrderLocked(domains)
}

func (f *fakeEngine) seedOrderLocked(domains []string) *resources.Order {
	f.createdOrders++
	orderID := fmt.Sprintf("https://ca.test/order/%d", f.createdOrders)

	order := &resources.Order{
		ID:       orderID,
		Status:   acme.StatusPending,
		Finalize: orderID + "/finalize",
	}
	for _, domain := range domains {
		order.Identifiers = append(order.Identifiers, resources.Identifier{
			Type:  acme.IdentifierTypeDNS,
			Value: domain,
		})
		authzURL := "https://ca.test/authz/" + domain
		order.Authorizations = append(order.Authorizations, authzURL)
		f.authzs[authzURL] = &resources.Authorization{
			ID:         authzURL,
			Status:     acme.StatusPending,
			Identifier: resources.Identifier{Type: acme.IdentifierTypeDNS, Value: domain},
			Challenges: []resources.Challenge{
				{
					Type:   acme.ChallengeTypeHTTP01,
					URL:    authzURL + "/http",
					Token:  "tok-" + domain,
					Status: acme.StatusPending,
				},
				{
					Type:   acme.ChallengeTypeDNS01,
					URL:    authzURL + "/dns",
					Token:  "tok-" + domain,
					Status: acme.StatusPending,
				},
			},
		}
	}

	f.orders[orderID] = order
	return order
}

func (f *fakeEngine) RegisterAccount(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	if f.accountURI == "" {
		f.accountURI = "https://ca.test/acct/1"
	}
	return nil
}

func (f *fakeEngine) UpdateAccountContact(_ context.Context, contacts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contactUpdates = append(f.contactUpdates, contacts)
	return nil
}

func (f *fakeEngine) RolloverKey(_ context.Context, _ crypto.Signer) error {
	return nil
}

func (f *fakeEngine) AccountURI() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accountURI
}

func (f *fakeEngine) NewOrder(_ context.Context, identifiers []resources.Identifier) (*resources.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newOrderCalls++
	if f.newOrderErr != nil {
		return nil, f.newOrderErr
	}
	var domains []string
	for _, ident := range identifiers {
		domains = append(domains, ident.Value)
	}
	return f.seedOrderLocked(domains), nil
}

func (f *fakeEngine) GetOrder(_ context.Context, orderURL string) (*resources.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderURL]
	if !ok {
		return nil, fmt.Errorf("no such order %q", orderURL)
	}
	copied := *order
	return &copied, nil
}

func (f *fakeEngine) GetAuthorization(_ context.Context, authzURL string) (*resources.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authzFetches[authzURL]++

	if seq := f.authzSequence[authzURL]; len(seq) > 0 {
		authz := seq[0]
		if len(seq) > 1 {
			f.authzSequence[authzURL] = seq[1:]
		}
		return authz, nil
	}

	authz, ok := f.authzs[authzURL]
	if !ok {
		return nil, fmt.Errorf("no such authorization %q", authzURL)
	}
	copied := *authz
	return &copied, nil
}

func (f *fakeEngine) TriggerChallenge(_ context.Context, challengeURL string) (*resources.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, challengeURL)
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	if f.triggerResult != nil {
		return f.triggerResult, nil
	}
	return &resources.Challenge{URL: challengeURL, Status: acme.StatusPending}, nil
}

// FinalizeOrder issues a certificate for the CSR's public key from the
// fake's own CA, so the downloaded chain always matches the fresh CSR key.
func (f *fakeEngine) FinalizeOrder(_ context.Context, order *resources.Order, csrDER []byte) (*resources.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	f.finalizedCSR = csrDER

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, err
	}
	if err := f.issueLocked(csr); err != nil {
		return nil, err
	}

	updated := *f.orders[order.ID]
	updated.Status = acme.StatusValid
	updated.Certificate = order.ID + "/cert"
	f.orders[order.ID] = &updated
	copied := updated
	return &copied, nil
}

func (f *fakeEngine) issueLocked(csr *x509.CertificateRequest) error {
	if f.caKey == nil {
		caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return err
		}
		caTemplate := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: "fake intermediate"},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			IsCA:                  true,
			KeyUsage:              x509.KeyUsageCertSign,
			BasicConstraintsValid: true,
		}
		caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, caKey.Public(), caKey)
		if err != nil {
			return err
		}
		caCert, err := x509.ParseCertificate(caDER)
		if err != nil {
			return err
		}
		f.caKey = caKey
		f.caCert = caCert
	}

	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	leafDER, err := x509.CreateCertificate(
		rand.Reader, leafTemplate, f.caCert, csr.PublicKey, f.caKey)
	if err != nil {
		return err
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return err
	}
	f.chain = []*x509.Certificate{leaf, f.caCert}
	return nil
}

func (f *fakeEngine) DownloadCertificate(_ context.Context, order *resources.Order) ([]*x509.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if order.Certificate == "" {
		return nil, fmt.Errorf("order %q has no certificate URL", order.ID)
	}
	if len(f.chain) == 0 {
		return nil, fmt.Errorf("nothing issued for order %q", order.ID)
	}
	return f.chain, nil
}

func (f *fakeEngine) RevokeCertificate(_ context.Context, certDER []byte, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revokedDER = append(f.revokedDER, certDER)
	return nil
}

var _ Engine = (*fakeEngine)(nil)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DirectoryURL:   "https://ca.test/dir",
		DataDir:        t.TempDir(),
		CertDir:        t.TempDir(),
		SessionMaxIdle: time.Minute,
		PollInterval:   time.Second,
		PollAttempts:   3,
	}
}

func newTestSession(t *testing.T, cfg config.Config, eng Engine) *Session {
	t.Helper()
	store := storage.NewStore(cfg.DataDir, zerolog.Nop())
	session := NewSession(cfg, store,
		func(context.Context, *storage.Account) (Engine, error) {
			return eng, nil
		}, zerolog.Nop())
	require.NoError(t, session.EnsureFresh(context.Background()))
	return session
}
