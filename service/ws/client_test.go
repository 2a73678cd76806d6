// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	_, addr, teardown := setupServer(t)
	defer teardown()

	t.Run("empty config", func(t *testing.T) {
		c, err := NewClient(ClientConfig{})
		require.Error(t, err)
		require.Nil(t, c)
	})

	t.Run("invalid url scheme", func(t *testing.T) {
		c, err := NewClient(ClientConfig{URL: "http://localhost"})
		require.Error(t, err)
		require.Nil(t, c)
	})

	t.Run("failed dial", func(t *testing.T) {
		c, err := NewClient(ClientConfig{URL: "ws://localhost:1"})
		require.Error(t, err)
		require.Nil(t, c)
	})

	t.Run("valid config", func(t *testing.T) {
		c, closeClient := setupClient(t, addr)
		require.NotNil(t, c)
		closeClient()
	})
}

func TestClientSendAfterClose(t *testing.T) {
	_, addr, teardown := setupServer(t)
	defer teardown()

	c, closeClient := setupClient(t, addr)
	require.NotNil(t, c)
	closeClient()

	err := c.Send([]byte(`{}`))
	require.Error(t, err)
	require.EqualError(t, err, "failed to send message: connection is closed")
}
