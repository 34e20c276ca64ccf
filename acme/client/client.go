// Package client provides a low-level ACME v2 client.
package client

import (
	"context"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/certforge/certforge/acme/resources"
	acmenet "github.com/certforge/certforge/net"
)

// Client allows interaction with an ACME server. Each client authenticates
// requests to the ACME server with the account keypair held in its Account
// field, using an embedded JWK before the account is registered and the
// account URI as the JWS Key ID afterwards. Internally the Client uses the
// certforge net package to perform HTTP requests to the ACME server.
//
// The Client's DirectoryURL field is a parsed *url.URL for the ACME server's
// directory. The client configures itself with the correct URLs for ACME
// operations using the directory resource accessed at this URL. See
// https://tools.ietf.org/html/rfc8555#section-7.1.1
type Client struct {
	// A parsed *url.URL pointer for the ACME server's directory URL.
	DirectoryURL *url.URL
	// The Account used for authenticating ACME requests with JSON Web
	// Signatures (JWS).
	Account *resources.Account
	// Use POST-as-GET requests instead of GET for resource fetches.
	PostAsGet bool
	// the net object is used to make HTTP GET/POST/HEAD requests to the ACME
	// server.
	net *acmenet.ACMENet
	// directory is an in-memory representation of the ACME server's directory
	// object.
	directory map[string]any
	// nonce is the value of the last-seen ReplayNonce header from the ACME
	// server's HTTP responses. It will be used for the next signing operation.
	nonce string
	// mu guards the nonce cache and the Account's order list. Independent
	// renewals may share one Client.
	mu  sync.Mutex
	log zerolog.Logger
}

// Config contains configuration options provided to NewClient when creating
// a Client instance.
type Config struct {
	// A fully qualified URL for the ACME server's directory resource. Must
	// include an HTTP/HTTPS protocol prefix.
	DirectoryURL string
	// An optional file path to one or more PEM encoded CA certificates to be
	// used as trust roots for HTTPS requests to the ACME server. If empty the
	// default system roots are used. For example, if you are using Pebble as
	// the ACME server, it should be the file path to the
	// "test/certs/pebble.minica.pem" file from the Pebble source directory.
	CACert string
	// An optional contact email address used when registering the account.
	ContactEmail string
	// If POSTAsGET is false then Orders, Authorizations, Challenges and
	// Certificates are fetched with plain GET requests instead of
	// POST-as-GET. Public ACME servers require POST-as-GET.
	POSTAsGET bool
	// Optional logger. If nil a timestamped stderr logger is used.
	Logger *zerolog.Logger
}

// normalize validates a Config.
func (conf *Config) normalize() error {
	// Clean up any junk whitespace that might have snuck in
	conf.DirectoryURL = strings.TrimSpace(conf.DirectoryURL)
	conf.ContactEmail = strings.TrimSpace(conf.ContactEmail)

	if conf.DirectoryURL == "" {
		return fmt.Errorf("DirectoryURL must not be empty")
	}

	if _, err := url.Parse(conf.DirectoryURL); err != nil {
		return fmt.Errorf("DirectoryURL invalid: %s", err.Error())
	}

	if conf.ContactEmail != "" {
		addr, err := mail.ParseAddress(conf.ContactEmail)
		if err != nil {
			return fmt.Errorf("ContactEmail is invalid: %s", err.Error())
		}
		conf.ContactEmail = addr.Address
	}

	return nil
}

// NewClient creates a Client instance from the given Config and account. The
// account may be unregistered (empty URI). The client fetches the server's
// directory and primes its nonce cache before returning. If the config is not
// valid or if another error occurs it will be returned along with a nil
// Client.
func NewClient(ctx context.Context, config Config, acct *resources.Account) (*Client, error) {
	// Validate the Config has no errors when normalized.
	if err := config.normalize(); err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account must not be nil")
	}

	net, err := acmenet.New(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("unable to create ACME net client: %w", err)
	}

	// NOTE: Its safe to throw away the returned err here because we check
	// that `url.Parse` will succeed in `config.normalize()` above.
	dirURL, _ := url.Parse(config.DirectoryURL)

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if config.Logger != nil {
		logger = *config.Logger
	}

	client := &Client{
		DirectoryURL: dirURL,
		Account:      acct,
		PostAsGet:    config.POSTAsGET,
		net:          net,
		log:          logger,
	}

	if err := client.UpdateDirectory(ctx); err != nil {
		return nil, err
	}

	if err := client.RefreshNonce(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// AccountURI returns the URI of the client's Account. If the Account is nil
// or has not yet been registered with the ACME server an empty string is
// returned.
func (c *Client) AccountURI() string {
	if c.Account == nil {
		return ""
	}

	return c.Account.URI
}
