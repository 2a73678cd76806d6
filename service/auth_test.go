// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBearerAuth(t *testing.T) {
	token, ok := parseBearerAuth("")
	require.False(t, ok)
	require.Empty(t, token)

	token, ok = parseBearerAuth("Basic dXNlcjpwYXNz")
	require.False(t, ok)
	require.Empty(t, token)

	token, ok = parseBearerAuth("Bearer secret")
	require.True(t, ok)
	require.Equal(t, "secret", token)

	token, ok = parseBearerAuth("bearer secret")
	require.True(t, ok)
	require.Equal(t, "secret", token)
}

func TestAuthHandler(t *testing.T) {
	t.Run("admin disabled", func(t *testing.T) {
		th := SetupTestHelper(t, nil)
		defer th.Teardown()

		r := httptest.NewRequest("GET", "/ws", nil)
		authed, err := th.srv.authHandler(nil, r)
		require.NoError(t, err)
		require.True(t, authed)
	})

	t.Run("admin enabled", func(t *testing.T) {
		const secret = "an-admin-secret-key-of-valid-len"
		th := SetupTestHelper(t, func(cfg *Config) {
			cfg.API.Security.EnableAdmin = true
			cfg.API.Security.AdminSecretKey = secret
		})
		defer th.Teardown()

		t.Run("no auth header", func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			authed, err := th.srv.authHandler(nil, r)
			require.NoError(t, err)
			require.False(t, authed)
		})

		t.Run("wrong token", func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			r.Header.Set("Authorization", "Bearer not-the-secret")
			authed, err := th.srv.authHandler(nil, r)
			require.Error(t, err)
			require.False(t, authed)
		})

		t.Run("valid token", func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			r.Header.Set("Authorization", "Bearer "+secret)
			authed, err := th.srv.authHandler(nil, r)
			require.NoError(t, err)
			require.True(t, authed)
		})
	})
}
