package renewal

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/certforge/certforge/acme/client"
	"github.com/certforge/certforge/acme/keys"
	"github.com/certforge/certforge/acme/resources"
	"github.com/certforge/certforge/config"
	"github.com/certforge/certforge/storage"
)

// EngineFactory builds a transport engine for the given account. The
// Session calls it on first use and again whenever it refreshes a stale
// session.
type EngineFactory func(ctx context.Context, acct *storage.Account) (Engine, error)

// DefaultEngineFactory returns an EngineFactory producing acme/client
// engines for the configured directory.
func DefaultEngineFactory(cfg config.Config, logger zerolog.Logger) EngineFactory {
	return func(ctx context.Context, acct *storage.Account) (Engine, error) {
		var emails []string
		if acct.Email != "" {
			emails = []string{acct.Email}
		}
		res, err := resources.NewAccount(emails, acct.Signer)
		if err != nil {
			return nil, err
		}
		res.URI = acct.AccountURI

		return client.NewClient(ctx, client.Config{
			DirectoryURL: cfg.DirectoryURL,
			CACert:       cfg.CACert,
			POSTAsGET:    true,
			Logger:       &logger,
		}, res)
	}
}

// Session wraps the transport engine with the directory URI and the current
// account key. ACME anti-replay nonces expire, so a session idle beyond
// MaxIdle is discarded and re-established from the account store before any
// new order work; a stale session would otherwise produce "invalid nonce"
// failures indistinguishable from real protocol errors.
//
// The account key material is read-only during normal operation and only
// replaced wholesale under the write lock, so order operations hold the read
// lock while a refresh holds the write lock.
type Session struct {
	cfg       config.Config
	store     *storage.Store
	newEngine EngineFactory
	maxIdle   time.Duration
	log       zerolog.Logger

	mu       sync.RWMutex
	engine   Engine
	account  *storage.Account
	lastInit time.Time
}

func NewSession(cfg config.Config, store *storage.Store, factory EngineFactory, logger zerolog.Logger) *Session {
	maxIdle := cfg.SessionMaxIdle
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}
	return &Session{
		cfg:       cfg,
		store:     store,
		newEngine: factory,
		maxIdle:   maxIdle,
		log:       logger,
	}
}

// EnsureFresh re-establishes the session if it has never been initialized or
// has sat idle beyond the staleness threshold. This is a preventive refresh,
// not a retry after failure. It is mutually exclusive with in-flight order
// operations on the session.
func (s *Session) EnsureFresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine != nil && time.Since(s.lastInit) <= s.maxIdle {
		return nil
	}

	if s.engine != nil {
		s.log.Debug().
			Dur("idle", time.Since(s.lastInit)).
			Msg("session stale, re-establishing")
	}

	acct := s.account
	if acct == nil {
		loaded, err := s.store.Load()
		if errors.Is(err, storage.ErrNotFound) {
			loaded, err = s.store.Create(s.cfg.DirectoryURL)
		}
		if err != nil {
			return fmt.Errorf("renewal: loading account: %w", err)
		}
		acct = loaded
	}

	engine, err := s.newEngine(ctx, acct)
	if err != nil {
		return fmt.Errorf("renewal: establishing session: %w", err)
	}

	s.engine = engine
	s.account = acct
	s.lastInit = time.Now()
	return nil
}

// Engine returns the current transport engine. EnsureFresh must have
// succeeded at least once.
func (s *Session) Engine() Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// accountSigner returns the active account key.
func (s *Session) accountSigner() crypto.Signer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return nil
	}
	return s.account.Signer
}

// Account returns a copy of the current account record.
func (s *Session) Account() storage.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return storage.Account{}
	}
	return *s.account
}

// Register registers the session's account with the ACME server under the
// given contact email, then persists the updated record. An archive entry is
// appended first so the registration history is never lost.
func (s *Session) Register(ctx context.Context, email string) error {
	if err := s.EnsureFresh(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine.AccountURI() != "" {
		s.account.AccountURI = s.engine.AccountURI()
		// Already registered: a changed email becomes a contact update rather
		// than being dropped.
		if email != "" && email != s.account.Email {
			return s.updateContactLocked(ctx, email)
		}
		return s.store.Save(s.account)
	}

	if err := s.store.ArchiveKey(s.account); err != nil {
		return err
	}

	if email != s.account.Email {
		s.account.Email = email
		// Rebuild the engine so the contact address travels with the
		// registration request.
		engine, err := s.newEngine(ctx, s.account)
		if err != nil {
			return fmt.Errorf("renewal: establishing session: %w", err)
		}
		s.engine = engine
		s.lastInit = time.Now()
	}

	if err := s.engine.RegisterAccount(ctx); err != nil {
		return fmt.Errorf("renewal: registering account: %w", err)
	}

	s.account.AccountURI = s.engine.AccountURI()
	if err := s.store.Save(s.account); err != nil {
		return err
	}

	s.log.Info().Str("account", s.account.AccountURI).Msg("account registered")
	return nil
}

// UpdateContact replaces the registered account's contact email and
// persists the change.
func (s *Session) UpdateContact(ctx context.Context, email string) error {
	if err := s.EnsureFresh(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateContactLocked(ctx, email)
}

// updateContactLocked performs the contact update and persists the account.
// The caller must hold the write lock.
func (s *Session) updateContactLocked(ctx context.Context, email string) error {
	var contacts []string
	if email != "" {
		contacts = []string{"mailto:" + email}
	}
	if err := s.engine.UpdateAccountContact(ctx, contacts); err != nil {
		return fmt.Errorf("renewal: updating account contact: %w", err)
	}

	s.account.Email = email
	return s.store.Save(s.account)
}

// RotateKey generates a fresh account key, rolls the registered account over
// to it, and persists the result. The superseded key is archived first so it
// is never silently lost.
func (s *Session) RotateKey(ctx context.Context) error {
	if err := s.EnsureFresh(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newKey, err := keys.NewSigner(keys.ECDSA256)
	if err != nil {
		return err
	}

	if err := s.store.ArchiveKey(s.account); err != nil {
		return err
	}

	if err := s.engine.RolloverKey(ctx, newKey); err != nil {
		return fmt.Errorf("renewal: rolling over account key: %w", err)
	}

	s.account.Signer = newKey
	if err := s.store.Save(s.account); err != nil {
		return err
	}

	s.log.Info().Str("account", s.account.AccountURI).Msg("account key rotated")
	return nil
}
