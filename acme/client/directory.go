package client

import (
	"context"
	"encoding/json"
)

func (c *Client) getDirectory(ctx context.Context) (map[string]any, error) {
	url := c.DirectoryURL.String()

	resp, err := c.net.GetURL(ctx, url)
	if err != nil {
		return nil, err
	}

	var directory map[string]any
	err = json.Unmarshal(resp.RespBody, &directory)
	if err != nil {
		return nil, err
	}

	return directory, nil
}

// Directory fetches the ACME Directory resource from the ACME server and
// returns it deserialized as a map.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
func (c *Client) Directory(ctx context.Context) (map[string]any, error) {
	if c.directory == nil {
		if err := c.UpdateDirectory(ctx); err != nil {
			return nil, err
		}
	}

	return c.directory, nil
}

// UpdateDirectory updates the Client's cached directory used when referencing
// the endpoints for updating nonces, creating accounts, and creating orders.
func (c *Client) UpdateDirectory(ctx context.Context) error {
	newDir, err := c.getDirectory(ctx)
	if err != nil {
		return err
	}

	c.directory = newDir
	c.log.Debug().Str("directory", c.DirectoryURL.String()).Msg("updated directory")
	return nil
}

// GetEndpointURL gets a URL for a specific ACME endpoint URL by first fetching
// the ACME server's directory and then checking that directory resource for
// a key with the given name. If the key is found its value is returned along
// with a true bool. If the key is not found an empty string is returned with
// a false bool.
func (c *Client) GetEndpointURL(ctx context.Context, name string) (string, bool) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", false
	}
	rawURL, ok := dir[name]
	if !ok {
		return "", false
	}
	switch v := rawURL.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	}
	return "", false
}
