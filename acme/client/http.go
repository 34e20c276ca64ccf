package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/certforge/certforge/acme/resources"
	"github.com/certforge/certforge/net"
)

func (c *Client) handleRequest(req *http.Request) (*net.NetResponse, error) {
	resp, err := c.net.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetURL(ctx context.Context, url string) (*net.NetResponse, error) {
	req, err := c.net.GetRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	return c.handleRequest(req)
}

func (c *Client) PostURL(ctx context.Context, url string, body []byte) (*net.NetResponse, error) {
	req, err := c.net.PostRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	return c.handleRequest(req)
}

// PostAsGetURL fetches the given resource URL with a POST-as-GET request:
// a JWS with an empty payload signed by the account key.
//
// See https://tools.ietf.org/html/rfc8555#section-6.3
func (c *Client) PostAsGetURL(ctx context.Context, url string) (*net.NetResponse, error) {
	signResult, err := c.Sign(ctx, url, []byte(""), nil)
	if err != nil {
		return nil, fmt.Errorf("postAsGet: error signing empty JWS body: %w", err)
	}
	return c.PostURL(ctx, url, signResult.SerializedJWS)
}

// fetchResource fetches the given resource URL with either a GET or
// POST-as-GET request per the client's PostAsGet setting.
func (c *Client) fetchResource(ctx context.Context, url string) (*net.NetResponse, error) {
	if c.PostAsGet {
		return c.PostAsGetURL(ctx, url)
	}
	return c.GetURL(ctx, url)
}

// responseError converts an error response from the ACME server into
// a *resources.Problem error when the body is a problem document, and into
// a plain error describing the status code otherwise. A nil return means the
// response status matched expectedStatus.
func responseError(resp *net.NetResponse, expectedStatus int) error {
	if resp.Response.StatusCode == expectedStatus {
		return nil
	}

	contentType := resp.Response.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/problem+json") {
		var prob resources.Problem
		if err := json.Unmarshal(resp.RespBody, &prob); err == nil && prob.Type != "" {
			return &prob
		}
	}

	return fmt.Errorf("server returned status code %d, expected %d",
		resp.Response.StatusCode, expectedStatus)
}
