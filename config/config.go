// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the environment-driven settings for certificate renewal.
type Config struct {
	// Directory URL for the ACME server.
	DirectoryURL string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-staging-v02.api.letsencrypt.org/directory"`
	// Optional file path to PEM CA certificates trusted for ACME server HTTPS.
	CACert string `env:"ACME_CA_CERT"`
	// Contact email used when registering the ACME account.
	ContactEmail string `env:"ACME_CONTACT_EMAIL"`
	// Directory holding the account key, settings and key archive.
	DataDir string `env:"CERTFORGE_DATA_DIR" envDefault:".certforge"`
	// Directory certificate bundles are written under.
	CertDir string `env:"CERTFORGE_CERT_DIR" envDefault:"certs"`
	// How long a session may sit idle before it is re-established.
	SessionMaxIdle time.Duration `env:"ACME_SESSION_MAX_IDLE" envDefault:"30m"`
	// Delay between authorization status polls.
	PollInterval time.Duration `env:"ACME_POLL_INTERVAL" envDefault:"3s"`
	// Maximum number of authorization status polls per validation.
	PollAttempts int `env:"ACME_POLL_ATTEMPTS" envDefault:"10"`
	// CSR key algorithm: RS256, ECDSA256 or ECDSA384.
	KeyAlgorithm string `env:"CERTFORGE_KEY_ALG" envDefault:"RS256"`
	// Optional passphrase protecting written certificate bundles.
	BundlePassword string `env:"CERTFORGE_BUNDLE_PASSWORD"`
}

// Load parses the Config from the environment. Malformed values are
// a configuration contract violation and fail fast.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
