package client

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/acme/keys"
	"github.com/certforge/certforge/acme/resources"
)

// RegisterAccount registers the client's Account resource with the ACME
// server. The Account is updated with the URI returned in the server's
// response's Location header if the operation is successful, otherwise an
// error is returned.
//
// This function always agrees to the server's terms of service (it sends
// "termsOfServiceAgreed":true in all account creation requests).
//
// For more information on account creation see
// https://tools.ietf.org/html/rfc8555#section-7.3
func (c *Client) RegisterAccount(ctx context.Context) error {
	acct := c.Account
	if acct.URI != "" {
		return fmt.Errorf(
			"register: account already exists under URI %q", acct.URI)
	}

	newAcctReq := struct {
		Contact   []string `json:"contact,omitempty"`
		ToSAgreed bool     `json:"termsOfServiceAgreed"`
	}{
		Contact:   acct.Contact,
		ToSAgreed: true,
	}

	reqBody, err := json.Marshal(&newAcctReq)
	if err != nil {
		return err
	}

	newAcctURL, ok := c.GetEndpointURL(ctx, acme.NEW_ACCOUNT_ENDPOINT)
	if !ok {
		return fmt.Errorf(
			"register: ACME server missing %q endpoint in directory",
			acme.NEW_ACCOUNT_ENDPOINT)
	}

	signResult, err := c.Sign(
		ctx,
		newAcctURL,
		reqBody,
		&SigningOptions{
			EmbedKey: true,
			Signer:   acct.Signer,
		})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	c.log.Debug().
		Strs("contact", acct.Contact).
		Str("url", newAcctURL).
		Msg("sending newAccount request")
	resp, err := c.PostURL(ctx, newAcctURL, signResult.SerializedJWS)
	if err != nil {
		return err
	}

	if err := responseError(resp, http.StatusCreated); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	locHeader := resp.Response.Header.Get("Location")
	if locHeader == "" {
		return fmt.Errorf("register: server returned response with no Location header")
	}

	// Store the Location header as the Account's URI
	acct.URI = locHeader
	c.log.Info().Str("account", acct.URI).Msg("registered account")
	return nil
}

// UpdateAccountContact replaces the registered account's contact addresses.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.2
func (c *Client) UpdateAccountContact(ctx context.Context, contacts []string) error {
	if c.AccountURI() == "" {
		return fmt.Errorf("update: account has not been registered")
	}

	updateReq := struct {
		Contact []string `json:"contact"`
	}{
		Contact: contacts,
	}

	reqBody, err := json.Marshal(&updateReq)
	if err != nil {
		return err
	}

	signResult, err := c.Sign(ctx, c.Account.URI, reqBody, nil)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	resp, err := c.PostURL(ctx, c.Account.URI, signResult.SerializedJWS)
	if err != nil {
		return err
	}

	if err := responseError(resp, http.StatusOK); err != nil {
		return fmt.Errorf("update: %w", err)
	}

	c.Account.Contact = contacts
	c.log.Info().Str("account", c.Account.URI).Msg("updated account contact")
	return nil
}

// RolloverKey replaces the registered account's key with newKey using the
// keyChange endpoint. The inner JWS is signed by the new key with an embedded
// JWK and the outer JWS by the current account key.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.5
func (c *Client) RolloverKey(ctx context.Context, newKey crypto.Signer) error {
	acctURI := c.AccountURI()
	if acctURI == "" {
		return fmt.Errorf("rollover: account has not been registered")
	}

	oldKey := keys.JWKForSigner(c.Account.Signer)

	rolloverRequest := struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}{
		Account: acctURI,
		OldKey:  oldKey,
	}

	rolloverRequestJSON, err := json.Marshal(&rolloverRequest)
	if err != nil {
		return fmt.Errorf("rollover: failed to marshal request to JSON: %w", err)
	}

	targetURL, ok := c.GetEndpointURL(ctx, acme.KEY_CHANGE_ENDPOINT)
	if !ok {
		return fmt.Errorf("rollover: no %q endpoint in server's directory response",
			acme.KEY_CHANGE_ENDPOINT)
	}

	innerSignOpts := &SigningOptions{
		Signer:   newKey,
		EmbedKey: true,
	}

	innerSignResult, err := c.Sign(ctx, targetURL, rolloverRequestJSON, innerSignOpts)
	if err != nil {
		return fmt.Errorf("rollover: error signing inner JWS: %w", err)
	}

	outerSignResult, err := c.Sign(ctx, targetURL, innerSignResult.SerializedJWS, nil)
	if err != nil {
		return fmt.Errorf("rollover: error signing outer JWS: %w", err)
	}

	resp, err := c.PostURL(ctx, targetURL, outerSignResult.SerializedJWS)
	if err != nil {
		return fmt.Errorf("rollover: POST request failed: %w", err)
	}

	if err := responseError(resp, http.StatusOK); err != nil {
		return fmt.Errorf("rollover: %w", err)
	}

	c.Account.Signer = newKey
	c.log.Info().Str("account", acctURI).Msg("rolled over account key")
	return nil
}

// NewOrder creates an Order resource for the given identifiers with the ACME
// server. If the operation is successful the returned Order's ID field is
// populated with the value of the server's reply's Location header. Otherwise
// a non-nil error is returned.
//
// For more information on Order creation see "Applying for Certificate
// Issuance" in RFC 8555:
// https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) NewOrder(ctx context.Context, identifiers []resources.Identifier) (*resources.Order, error) {
	if c.AccountURI() == "" {
		return nil, fmt.Errorf("newOrder: account has not been registered")
	}

	req := struct {
		Identifiers []resources.Identifier `json:"identifiers"`
	}{
		Identifiers: identifiers,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	newOrderURL, ok := c.GetEndpointURL(ctx, acme.NEW_ORDER_ENDPOINT)
	if !ok {
		return nil, fmt.Errorf(
			"newOrder: ACME server missing %q endpoint in directory",
			acme.NEW_ORDER_ENDPOINT)
	}

	// Sign the new order request with the account key
	signResult, err := c.Sign(ctx, newOrderURL, reqBody, nil)
	if err != nil {
		return nil, fmt.Errorf("newOrder: %w", err)
	}

	resp, err := c.PostURL(ctx, newOrderURL, signResult.SerializedJWS)
	if err != nil {
		return nil, err
	}

	if err := responseError(resp, http.StatusCreated); err != nil {
		return nil, err
	}

	locHeader := resp.Response.Header.Get("Location")
	if locHeader == "" {
		return nil, fmt.Errorf("newOrder: server returned response with no Location header")
	}

	var order resources.Order
	if err := json.Unmarshal(resp.RespBody, &order); err != nil {
		return nil, fmt.Errorf("newOrder: server returned invalid JSON: %w", err)
	}

	// Store the Location header as the Order's ID
	order.ID = locHeader
	c.log.Info().Str("order", order.ID).Msg("created new order")
	// Save the order for the account
	c.mu.Lock()
	c.Account.Orders = append(c.Account.Orders, order.ID)
	c.mu.Unlock()
	return &order, nil
}

// GetOrder fetches the Order resource at the given URL from the ACME server.
//
// Fetching an Order is required to refresh its Status field to synchronize
// the resource with the server-side representation.
func (c *Client) GetOrder(ctx context.Context, orderURL string) (*resources.Order, error) {
	if orderURL == "" {
		return nil, fmt.Errorf("getOrder: order URL must not be empty")
	}

	resp, err := c.fetchResource(ctx, orderURL)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var order resources.Order
	if err := json.Unmarshal(resp.RespBody, &order); err != nil {
		return nil, err
	}
	order.ID = orderURL

	return &order, nil
}

// GetAuthorization fetches the Authorization resource at the given URL from
// the ACME server.
func (c *Client) GetAuthorization(ctx context.Context, authzURL string) (*resources.Authorization, error) {
	if authzURL == "" {
		return nil, fmt.Errorf("getAuthorization: authorization URL must not be empty")
	}

	resp, err := c.fetchResource(ctx, authzURL)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var authz resources.Authorization
	if err := json.Unmarshal(resp.RespBody, &authz); err != nil {
		return nil, err
	}
	authz.ID = authzURL

	return &authz, nil
}

// GetChallenge fetches the Challenge resource at the given URL from the ACME
// server.
func (c *Client) GetChallenge(ctx context.Context, challengeURL string) (*resources.Challenge, error) {
	if challengeURL == "" {
		return nil, fmt.Errorf("getChallenge: challenge URL must not be empty")
	}

	resp, err := c.fetchResource(ctx, challengeURL)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var chall resources.Challenge
	if err := json.Unmarshal(resp.RespBody, &chall); err != nil {
		return nil, err
	}

	return &chall, nil
}

// TriggerChallenge asks the ACME server to attempt validation of the
// challenge at the given URL by POSTing an empty JSON object to it. The
// server's immediate view of the challenge is returned.
//
// See https://tools.ietf.org/html/rfc8555#section-7.5.1
func (c *Client) TriggerChallenge(ctx context.Context, challengeURL string) (*resources.Challenge, error) {
	if challengeURL == "" {
		return nil, fmt.Errorf("triggerChallenge: challenge URL must not be empty")
	}

	signResult, err := c.Sign(ctx, challengeURL, []byte("{}"), nil)
	if err != nil {
		return nil, fmt.Errorf("triggerChallenge: %w", err)
	}

	resp, err := c.PostURL(ctx, challengeURL, signResult.SerializedJWS)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var chall resources.Challenge
	if err := json.Unmarshal(resp.RespBody, &chall); err != nil {
		return nil, err
	}

	return &chall, nil
}

// FinalizeOrder submits the DER encoded CSR to the given Order's finalize URL
// and returns the server's updated view of the Order.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) FinalizeOrder(ctx context.Context, order *resources.Order, csrDER []byte) (*resources.Order, error) {
	if order == nil || order.Finalize == "" {
		return nil, fmt.Errorf("finalizeOrder: order must have a finalize URL")
	}

	finalizeReq := struct {
		CSR string `json:"csr"`
	}{
		CSR: base64.RawURLEncoding.EncodeToString(csrDER),
	}

	reqBody, err := json.Marshal(&finalizeReq)
	if err != nil {
		return nil, err
	}

	signResult, err := c.Sign(ctx, order.Finalize, reqBody, nil)
	if err != nil {
		return nil, fmt.Errorf("finalizeOrder: %w", err)
	}

	resp, err := c.PostURL(ctx, order.Finalize, signResult.SerializedJWS)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var updated resources.Order
	if err := json.Unmarshal(resp.RespBody, &updated); err != nil {
		return nil, err
	}
	updated.ID = order.ID

	c.log.Info().
		Str("order", updated.ID).
		Str("status", updated.Status).
		Msg("finalized order")
	return &updated, nil
}

// DownloadCertificate fetches the certificate chain for a valid Order and
// parses it from PEM into the leaf certificate followed by any intermediates.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4.2
func (c *Client) DownloadCertificate(ctx context.Context, order *resources.Order) ([]*x509.Certificate, error) {
	if order == nil || order.Certificate == "" {
		return nil, fmt.Errorf("downloadCertificate: order has no certificate URL")
	}

	resp, err := c.fetchResource(ctx, order.Certificate)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var chain []*x509.Certificate
	rest := resp.RespBody
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("downloadCertificate: invalid certificate in chain: %w", err)
		}
		chain = append(chain, cert)
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("downloadCertificate: response contained no certificates")
	}

	c.log.Info().
		Str("order", order.ID).
		Int("chainLength", len(chain)).
		Msg("downloaded certificate chain")
	return chain, nil
}

// RevokeCertificate submits a revocation request for the given DER encoded
// certificate with the given reason code, signed by the account key.
//
// See https://tools.ietf.org/html/rfc8555#section-7.6
func (c *Client) RevokeCertificate(ctx context.Context, certDER []byte, reason int) error {
	if len(certDER) == 0 {
		return fmt.Errorf("revoke: certificate DER must not be empty")
	}

	revokeReq := struct {
		Certificate string `json:"certificate"`
		Reason      int    `json:"reason"`
	}{
		Certificate: base64.RawURLEncoding.EncodeToString(certDER),
		Reason:      reason,
	}

	reqBody, err := json.Marshal(&revokeReq)
	if err != nil {
		return err
	}

	revokeURL, ok := c.GetEndpointURL(ctx, acme.REVOKE_CERT_ENDPOINT)
	if !ok {
		return fmt.Errorf("revoke: ACME server missing %q endpoint in directory",
			acme.REVOKE_CERT_ENDPOINT)
	}

	signResult, err := c.Sign(ctx, revokeURL, reqBody, nil)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}

	resp, err := c.PostURL(ctx, revokeURL, signResult.SerializedJWS)
	if err != nil {
		return err
	}
	if err := responseError(resp, http.StatusOK); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}

	c.log.Info().Int("reason", reason).Msg("revoked certificate")
	return nil
}
