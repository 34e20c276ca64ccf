// Package resources provides types for representing and interacting with ACME
// protocol resources.
package resources

import (
	"crypto"
	"fmt"

	"github.com/certforge/certforge/acme/keys"
)

// Account holds information related to a single ACME Account resource. If the
// account has an empty URI it has not yet been registered server-side with the
// ACME server.
//
// The URI field holds the server assigned Account URL that is assigned at the
// time of account creation and used as the JWS KeyID for authenticating ACME
// requests with the Account's registered keypair.
//
// The Contact field is either nil or a slice of one or more email addresses
// to be used as the ACME Account's "mailto:" Contact addresses.
//
// The Signer field is the private key used for the ACME account's keypair. The
// public component is computed from this private key automatically.
type Account struct {
	// The server assigned Account URL. This is used for the JWS KeyID when
	// authenticating ACME requests using the Account's registered keypair.
	URI string
	// If not nil, a slice of one or more email addresses to be used as the ACME
	// Account's "mailto:" Contact addresses.
	Contact []string
	// The private key used for the ACME account's keypair.
	Signer crypto.Signer
	// If not nil, a slice of URLs for Order resources the Account created with
	// the ACME server.
	Orders []string
}

// String returns the Account's URI or an empty string if it has not been
// registered with the ACME server.
func (a Account) String() string {
	return a.URI
}

// NewAccount creates an ACME account in-memory. *Important:* the created
// Account is *not* registered with the ACME server until it is explicitly
// registered using a client instance's RegisterAccount function.
//
// The emails argument is a slice of zero or more email addresses that should
// be used as the Account's Contact information.
//
// The signer argument is a private key that should be used for the Account
// keypair. If nil a new randomly generated ECDSA key will be used.
func NewAccount(emails []string, signer crypto.Signer) (*Account, error) {
	var contacts []string
	for _, e := range emails {
		if e == "" {
			continue
		}
		contacts = append(contacts, fmt.Sprintf("mailto:%s", e))
	}

	if signer == nil {
		randKey, err := keys.NewSigner(keys.ECDSA256)
		if err != nil {
			return nil, err
		}
		signer = randKey
	}

	return &Account{
		Contact: contacts,
		Signer:  signer,
	}, nil
}
