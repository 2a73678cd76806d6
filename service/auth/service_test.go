// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package auth

import (
	"os"
	"testing"

	"github.com/wallgrid/hub/service/store"

	"github.com/stretchr/testify/require"
)

func newTestDBStore(t *testing.T) (store.Store, func()) {
	t.Helper()
	dbDir, err := os.MkdirTemp("", "db")
	require.NoError(t, err)
	dbStore, err := store.New(dbDir)
	require.NoError(t, err)
	return dbStore, func() {
		err := dbStore.Close()
		require.NoError(t, err)
		err = os.RemoveAll(dbDir)
		require.NoError(t, err)
	}
}

func TestNewService(t *testing.T) {
	dbStore, teardown := newTestDBStore(t)
	defer teardown()

	t.Run("missing store", func(t *testing.T) {
		s, err := NewService(nil)
		require.Error(t, err)
		require.Nil(t, s)
	})

	t.Run("valid", func(t *testing.T) {
		s, err := NewService(dbStore)
		require.NoError(t, err)
		require.NotNil(t, s)
	})
}

func TestSetAdminSecret(t *testing.T) {
	dbStore, teardown := newTestDBStore(t)
	defer teardown()

	s, err := NewService(dbStore)
	require.NoError(t, err)
	require.NotNil(t, s)

	t.Run("key too short", func(t *testing.T) {
		err := s.SetAdminSecret("shortkey")
		require.Error(t, err)
		require.EqualError(t, err, "failed to set admin secret: key not long enough")
	})

	t.Run("valid key", func(t *testing.T) {
		key, err := newRandomString(MinKeyLen)
		require.NoError(t, err)
		err = s.SetAdminSecret(key)
		require.NoError(t, err)
	})

	t.Run("replacing key", func(t *testing.T) {
		first, err := newRandomString(MinKeyLen)
		require.NoError(t, err)
		require.NoError(t, s.SetAdminSecret(first))

		second, err := newRandomString(MinKeyLen)
		require.NoError(t, err)
		require.NoError(t, s.SetAdminSecret(second))

		require.NoError(t, s.Authenticate(second))
		require.Error(t, s.Authenticate(first))
	})
}

func TestAuthenticate(t *testing.T) {
	dbStore, teardown := newTestDBStore(t)
	defer teardown()

	s, err := NewService(dbStore)
	require.NoError(t, err)
	require.NotNil(t, s)

	err = s.Authenticate("authkey")
	require.Error(t, err)
	require.EqualError(t, err, "authentication failed: error: not found")

	key, err := newRandomString(MinKeyLen)
	require.NoError(t, err)
	require.NoError(t, s.SetAdminSecret(key))

	err = s.Authenticate(key)
	require.NoError(t, err)

	err = s.Authenticate(key + " ")
	require.Error(t, err)
	require.EqualError(t, err, "authentication failed")

	err = s.Authenticate("")
	require.Error(t, err)
	require.EqualError(t, err, "authentication failed")
}
