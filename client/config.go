// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"fmt"
	"net/url"
)

type Config struct {
	httpURL string
	wsURL   string

	// URL is the hub's base HTTP URL.
	URL string
	// ClientID is the stable identity to register under. Required for
	// viewers, unused by broadcasters and admins.
	ClientID string
	// DisplayName optionally labels the viewer for operators.
	DisplayName string
	// AuthKey is the admin secret, required only when the hub has admin
	// security enabled.
	AuthKey string
}

func (c *Config) Parse() error {
	if c.URL == "" {
		return fmt.Errorf("invalid URL value: should not be empty")
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}

	if u.Host == "" {
		return fmt.Errorf("invalid url host: should not be empty")
	}

	switch u.Scheme {
	case "http":
		c.httpURL = c.URL
		u.Scheme = "ws"
		u.Path = "/ws"
		c.wsURL = u.String()
	case "https":
		c.httpURL = c.URL
		u.Scheme = "wss"
		u.Path = "/ws"
		c.wsURL = u.String()
	default:
		return fmt.Errorf("invalid url scheme: %q is not valid", u.Scheme)
	}

	return nil
}
