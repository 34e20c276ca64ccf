// Package renewal orchestrates ACME certificate issuance: it walks an order
// through authorization, challenge validation, CSR finalization and chain
// download, and can revoke the result. The low-level ACME wire protocol is
// delegated to an Engine (normally the acme/client package).
package renewal

import "crypto/x509"

// SubmissionResult classifies the CA's immediate response to a challenge
// validation request. Validation is asynchronous, so an accepted submission
// is a success even though the authorization is still pending.
type SubmissionResult int

const (
	// SubmissionRejected means the CA reported the challenge failed.
	SubmissionRejected SubmissionResult = iota
	// SubmissionAccepted means the CA took the request and validation is in
	// progress.
	SubmissionAccepted
	// SubmissionValid means the CA already considers the challenge valid.
	SubmissionValid
)

// StatusMessage is the outcome of a submission or revocation request.
type StatusMessage struct {
	OK      bool
	Result  SubmissionResult
	Message string
}

// ChallengeItem describes one way an authorization can be satisfied: what
// the responder must provision (Key/Value) and where (ResourceLocation).
// The challenge's server-side URL is kept private; only the Poller acts on
// it.
type ChallengeItem struct {
	// Challenge type, "http-01" or "dns-01".
	Type string
	// The challenge token for http-01, or the DNS record name for dns-01.
	Key string
	// The expected response content: the key authorization for http-01, its
	// base64url SHA-256 digest for dns-01.
	Value string
	// Where the response must be served: the well-known HTTP URL for http-01,
	// the TXT record name for dns-01.
	ResourceLocation string
	// The identifier this challenge proves control of, wildcard prefix
	// included.
	Identifier string
	// True once the CA reports the challenge valid. A validated item needs no
	// further action.
	IsValidated bool

	challengeURL string
}

// PendingAuthorization is the per-identifier slice of an order result: the
// challenges on offer and the authorization's last observed state.
type PendingAuthorization struct {
	// The identifier the authorization covers, with a "*." prefix when the
	// authorization is for a wildcard name.
	Identifier string
	IsWildcard bool
	// URL of the authorization resource.
	AuthzURI string
	// URL of the order the authorization belongs to.
	OrderURI   string
	Challenges []ChallengeItem
	// True when the CA already considers the authorization valid.
	IsValidated bool
	// True for the synthetic authorization carried by a failed order result.
	IsFailed bool
	// CA-reported error detail, when the authorization failed.
	AuthorizationError string
}

// PendingOrder is the result of beginning (or resuming) an order.
//
// A failed result (IsFailure true) carries exactly one synthetic failed
// authorization holding the CA's error detail, so callers can distinguish
// "could not even start" from "needs challenge responses".
type PendingOrder struct {
	OrderURI       string
	Authorizations []PendingAuthorization
	// True while at least one authorization still requires action.
	IsPendingAuthorizations bool
	IsFailure               bool
	FailureMessage          string
}

// failedOrder builds the failure-shaped PendingOrder for a CA rejection or
// transport fault.
func failedOrder(detail string) *PendingOrder {
	return &PendingOrder{
		IsFailure:      true,
		FailureMessage: detail,
		Authorizations: []PendingAuthorization{
			{
				IsFailed:           true,
				AuthorizationError: detail,
			},
		},
	}
}

// CertificateArtifact is the output of finalization: the fresh private key,
// the issued chain and the portable bundle written to disk. A renewal
// produces a new artifact, never an in-place edit.
type CertificateArtifact struct {
	PrimaryDomain string
	KeyAlgorithm  string
	PrivateKeyPEM string
	// Leaf first, then intermediates.
	Chain []*x509.Certificate
	// Human readable label embedding domain and validity window.
	FriendlyLabel string
	// Path of the PKCS#12 bundle on disk.
	BundlePath string
}
