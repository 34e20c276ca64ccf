package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/certforge/certforge/acme"
)

// nonceSource satisfies the jose "NonceSource" interface by using a nonce
// stored by the client from previous responses. That nonce value will be
// returned after first getting a replacement nonce to store from the ACME
// server's NewNonce endpoint. This ensures a constant supply of fresh nonces
// by always fetching a replacement at the same time we use the old nonce.
type nonceSource struct {
	ctx context.Context
	c   *Client
}

func (ns nonceSource) Nonce() (string, error) {
	ns.c.mu.Lock()
	n := ns.c.nonce
	ns.c.mu.Unlock()

	err := ns.c.RefreshNonce(ns.ctx)
	if err != nil {
		return n, err
	}
	return n, nil
}

// RefreshNonce fetches a new nonce from the ACME server's NewNonce endpoint
// and stores it in the client's memory to be used in subsequent signing
// operations.
//
// See https://tools.ietf.org/html/rfc8555#section-7.2
func (c *Client) RefreshNonce(ctx context.Context) error {
	nonceURL, ok := c.GetEndpointURL(ctx, acme.NEW_NONCE_ENDPOINT)
	if !ok {
		return fmt.Errorf(
			"missing %q entry in ACME server directory", acme.NEW_NONCE_ENDPOINT)
	}

	resp, err := c.net.HeadURL(ctx, nonceURL)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%q returned HTTP status %d, expected %d",
			acme.NEW_NONCE_ENDPOINT, resp.StatusCode, http.StatusOK)
	}

	nonce := resp.Header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return fmt.Errorf("%q returned no %q header value",
			acme.NEW_NONCE_ENDPOINT, acme.REPLAY_NONCE_HEADER)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if nonce == c.nonce {
		return fmt.Errorf("%q returned the nonce %q more than once",
			acme.NEW_NONCE_ENDPOINT, acme.REPLAY_NONCE_HEADER)
	}

	c.nonce = nonce
	c.log.Trace().Str("nonce", nonce).Msg("updated nonce")
	return nil
}
