// Package storage persists the ACME account key and settings to disk.
package storage

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/certforge/certforge/acme/keys"
)

// ErrNotFound is returned by Load when no account has been created yet.
var ErrNotFound = errors.New("storage: no stored account")

const (
	settingsFile = "account.json"
	keyFile      = "account.key"
	archiveFile  = "key_archive.jsonl"
)

// Account is the durable account record: the contact email, the server
// assigned account URI, the directory the account was created against and
// the account private key.
type Account struct {
	Email        string
	AccountURI   string
	DirectoryURI string
	Signer       crypto.Signer
}

type settings struct {
	Email        string `json:"email"`
	AccountURI   string `json:"accountUri"`
	DirectoryURI string `json:"directoryUri"`
}

// archiveEntry records a superseded account key together with the email and
// URI it was registered under at the time it was retired.
type archiveEntry struct {
	RetiredAt  time.Time `json:"retiredAt"`
	Email      string    `json:"email"`
	AccountURI string    `json:"accountUri"`
	KeyPEM     string    `json:"keyPem"`
}

// Store reads and writes Account records under a single directory.
type Store struct {
	dir string
	log zerolog.Logger
}

func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{dir: dir, log: logger}
}

// Load reads the stored account and its key. ErrNotFound is returned when
// the settings file does not exist.
func (s *Store) Load() (*Account, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var st settings
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("storage: invalid settings file: %w", err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(s.dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("storage: reading account key: %w", err)
	}
	signer, err := keys.SignerFromPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("storage: parsing account key: %w", err)
	}

	return &Account{
		Email:        st.Email,
		AccountURI:   st.AccountURI,
		DirectoryURI: st.DirectoryURI,
		Signer:       signer,
	}, nil
}

// Create generates a fresh account key pair and an empty account record for
// the given directory URI, persists both and returns the record.
func (s *Store) Create(directoryURI string) (*Account, error) {
	signer, err := keys.NewSigner(keys.ECDSA256)
	if err != nil {
		return nil, err
	}

	acct := &Account{
		DirectoryURI: directoryURI,
		Signer:       signer,
	}
	if err := s.Save(acct); err != nil {
		return nil, err
	}

	s.log.Info().Str("dir", s.dir).Msg("created new account key")
	return acct, nil
}

// Save persists the account settings and key. A failed write is fatal to the
// calling operation.
func (s *Store) Save(acct *Account) error {
	if acct == nil {
		return fmt.Errorf("storage: account must not be nil")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	st := settings{
		Email:        acct.Email,
		AccountURI:   acct.AccountURI,
		DirectoryURI: acct.DirectoryURI,
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, settingsFile), raw, 0o600); err != nil {
		return fmt.Errorf("storage: writing settings: %w", err)
	}

	keyPEM, err := keys.SignerToPEM(acct.Signer)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, keyFile), []byte(keyPEM), 0o600); err != nil {
		return fmt.Errorf("storage: writing account key: %w", err)
	}

	return nil
}

// ArchiveKey appends the account's current key to the append-only key
// archive. Callers archive before replacing a key so a rotated key is never
// silently lost.
func (s *Store) ArchiveKey(acct *Account) error {
	if acct == nil || acct.Signer == nil {
		return fmt.Errorf("storage: no key to archive")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	keyPEM, err := keys.SignerToPEM(acct.Signer)
	if err != nil {
		return err
	}

	entry := archiveEntry{
		RetiredAt:  time.Now().UTC(),
		Email:      acct.Email,
		AccountURI: acct.AccountURI,
		KeyPEM:     keyPEM,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(
		filepath.Join(s.dir, archiveFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("storage: opening key archive: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("storage: appending to key archive: %w", err)
	}

	s.log.Debug().Str("account", acct.AccountURI).Msg("archived account key")
	return nil
}
