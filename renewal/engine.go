package renewal

import (
	"context"
	"crypto"
	"crypto/x509"

	"github.com/certforge/certforge/acme/client"
	"github.com/certforge/certforge/acme/resources"
)

// Engine is the subset of the ACME transport client the renewal pipeline
// needs. Keeping it an interface lets tests substitute a fake server-side.
type Engine interface {
	// RegisterAccount registers the engine's account with the ACME server,
	// agreeing to its terms of service.
	RegisterAccount(ctx context.Context) error
	// UpdateAccountContact replaces the account's contact addresses.
	UpdateAccountContact(ctx context.Context, contacts []string) error
	// RolloverKey replaces the account key with newKey.
	RolloverKey(ctx context.Context, newKey crypto.Signer) error
	// AccountURI returns the registered account URL, or "" before
	// registration.
	AccountURI() string

	NewOrder(ctx context.Context, identifiers []resources.Identifier) (*resources.Order, error)
	GetOrder(ctx context.Context, orderURL string) (*resources.Order, error)
	GetAuthorization(ctx context.Context, authzURL string) (*resources.Authorization, error)
	TriggerChallenge(ctx context.Context, challengeURL string) (*resources.Challenge, error)
	FinalizeOrder(ctx context.Context, order *resources.Order, csrDER []byte) (*resources.Order, error)
	DownloadCertificate(ctx context.Context, order *resources.Order) ([]*x509.Certificate, error)
	RevokeCertificate(ctx context.Context, certDER []byte, reason int) error
}

var _ Engine = (*client.Client)(nil)
