package renewal

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/acme/resources"
	"github.com/certforge/certforge/config"
)

// ErrPollTimeout reports that an authorization stayed pending through every
// allowed poll attempt. It is distinct from context cancellation and from
// CA-reported invalidity, which is returned as a result, not an error.
var ErrPollTimeout = errors.New("renewal: authorization polling attempts exhausted")

var errStillPending = errors.New("authorization still pending")

const (
	defaultPollInterval = 3 * time.Second
	minPollInterval     = time.Second
	maxPollInterval     = 20 * time.Second
	defaultPollAttempts = 10
)

// Poller submits challenges for validation and waits for the CA's verdict
// with a bounded, delay-spaced poll.
type Poller struct {
	session  *Session
	interval time.Duration
	attempts uint64
	log      zerolog.Logger
}

func NewPoller(session *Session, cfg config.Config, logger zerolog.Logger) *Poller {
	interval := cfg.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}

	attempts := cfg.PollAttempts
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}

	return &Poller{
		session:  session,
		interval: interval,
		attempts: uint64(attempts),
		log:      logger,
	}
}

// Submit asks the CA to validate the challenge. An already-validated item is
// a no-op success. Validation is asynchronous, so both "valid" and
// "pending"/"processing" responses report submission success; anything else
// surfaces the CA's error detail as a rejection.
func (p *Poller) Submit(ctx context.Context, item ChallengeItem) StatusMessage {
	if item.IsValidated {
		return StatusMessage{
			OK:      true,
			Result:  SubmissionValid,
			Message: "challenge already validated",
		}
	}

	if err := p.session.EnsureFresh(ctx); err != nil {
		return StatusMessage{Result: SubmissionRejected, Message: err.Error()}
	}

	chall, err := p.session.Engine().TriggerChallenge(ctx, item.challengeURL)
	if err != nil {
		detail := err.Error()
		var prob *resources.Problem
		if errors.As(err, &prob) {
			detail = prob.Detail
		}
		return StatusMessage{Result: SubmissionRejected, Message: detail}
	}

	switch chall.Status {
	case acme.StatusValid:
		return StatusMessage{OK: true, Result: SubmissionValid, Message: "challenge valid"}
	case acme.StatusPending, acme.StatusProcessing:
		return StatusMessage{OK: true, Result: SubmissionAccepted, Message: "validation in progress"}
	}

	detail := "Failed"
	if chall.Error != nil && chall.Error.Detail != "" {
		detail = chall.Error.Detail
	}
	return StatusMessage{Result: SubmissionRejected, Message: detail}
}

// AwaitAuthorization polls the authorization until its status leaves
// pending, the attempt budget runs out (ErrPollTimeout) or the context is
// cancelled (the context's error). A CA-reported invalid authorization is
// not an error: it is returned in the CA's last observed state with its
// detail extractable via AuthorizationErrorDetail.
func (p *Poller) AwaitAuthorization(ctx context.Context, authzURI string) (*resources.Authorization, error) {
	if err := p.session.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	engine := p.session.Engine()

	var authz *resources.Authorization
	operation := func() error {
		current, err := engine.GetAuthorization(ctx, authzURI)
		if err != nil {
			return backoff.Permanent(err)
		}
		authz = current
		if current.Status == acme.StatusPending {
			return errStillPending
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), p.attempts), ctx)

	err := backoff.Retry(operation, policy)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Cancellation leaves the authorization in its last observed state.
		return authz, ctx.Err()
	case errors.Is(err, errStillPending):
		p.log.Warn().Str("authz", authzURI).Uint64("attempts", p.attempts).
			Msg("authorization did not settle in time")
		return authz, ErrPollTimeout
	default:
		return nil, err
	}

	if authz.Status == acme.StatusInvalid {
		p.log.Warn().
			Str("authz", authzURI).
			Str("detail", AuthorizationErrorDetail(authz)).
			Msg("authorization invalid")
	}
	return authz, nil
}

// AuthorizationErrorDetail extracts the CA's error detail from an invalid
// authorization's challenges, falling back to a placeholder when the CA
// supplied none.
func AuthorizationErrorDetail(authz *resources.Authorization) string {
	failed, ok := lo.Find(authz.Challenges, func(ch resources.Challenge) bool {
		return ch.Error != nil && ch.Error.Detail != ""
	})
	if !ok {
		return "Failed"
	}
	return failed.Error.Detail
}
