package renewal

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/acme/resources"
)

// Revoker revokes the leaf certificate held in a stored bundle. It never
// deletes or alters the bundle file; disposal is the caller's decision.
type Revoker struct {
	session *Session
	log     zerolog.Logger
}

func NewRevoker(session *Session, logger zerolog.Logger) *Revoker {
	return &Revoker{session: session, log: logger}
}

// Revoke opens the bundle at bundlePath, extracts the leaf certificate's DER
// encoding and submits a revocation request with reason Unspecified. Every
// failure (unreadable bundle, transport rejection) comes back as a failure
// status rather than an error.
func (r *Revoker) Revoke(ctx context.Context, bundlePath string, password string) StatusMessage {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return StatusMessage{Message: fmt.Sprintf("unable to read bundle: %s", err)}
	}

	_, leaf, _, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return StatusMessage{Message: fmt.Sprintf("unable to decode bundle: %s", err)}
	}

	if err := r.session.EnsureFresh(ctx); err != nil {
		return StatusMessage{Message: err.Error()}
	}

	if err := r.session.Engine().RevokeCertificate(ctx, leaf.Raw, acme.ReasonUnspecified); err != nil {
		detail := err.Error()
		var prob *resources.Problem
		if errors.As(err, &prob) {
			detail = prob.Detail
		}
		return StatusMessage{Message: detail}
	}

	r.log.Info().Str("bundle", bundlePath).Msg("certificate revoked")
	return StatusMessage{OK: true, Message: "certificate revoked"}
}
