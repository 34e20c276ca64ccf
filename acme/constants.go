// Package acme provides ACME protocol constants. See RFC 8555.
package acme

const (
	// Directory constants
	// See https://tools.ietf.org/html/rfc8555#section-9.7.5

	// The ACME directory key for the newNonce endpoint
	NEW_NONCE_ENDPOINT = "newNonce"
	// The ACME directory key for the newAccount endpoint.
	NEW_ACCOUNT_ENDPOINT = "newAccount"
	// The ACME directory key for the newOrder endpoint.
	NEW_ORDER_ENDPOINT = "newOrder"
	// The ACME directory key for the revokeCert endpoint.
	REVOKE_CERT_ENDPOINT = "revokeCert"
	// The ACME directory key for the keyChange endpoint.
	KEY_CHANGE_ENDPOINT = "keyChange"

	// The HTTP response header used by ACME to communicate a fresh nonce. See
	// https://tools.ietf.org/html/rfc8555#section-9.3
	REPLAY_NONCE_HEADER = "Replay-Nonce"

	// Resource status values. See
	// https://tools.ietf.org/html/rfc8555#section-7.1.6
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"

	// Challenge types. See https://tools.ietf.org/html/rfc8555#section-8
	ChallengeTypeHTTP01 = "http-01"
	ChallengeTypeDNS01  = "dns-01"

	// The identifier type used for fully qualified domain names.
	IdentifierTypeDNS = "dns"

	// Revocation reason codes from RFC 5280 section 5.3.1.
	ReasonUnspecified = 0
)
