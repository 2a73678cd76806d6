// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package registry

import (
	"testing"
	"time"

	"github.com/wallgrid/hub/service/geometry"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

func setupRegistry(t *testing.T) (*Registry, func()) {
	t.Helper()

	log, err := mlog.NewLogger()
	require.NoError(t, err)

	r := New(log)
	return r, func() {
		require.NoError(t, r.Close())
	}
}

func TestUpsertViewer(t *testing.T) {
	r, tearDown := setupRegistry(t)
	defer tearDown()

	v, err := r.UpsertViewer("wall-a", "t1", "Wall A")
	require.NoError(t, err)
	require.Equal(t, "wall-a", v.ClientID)
	require.True(t, v.Connected)

	t.Run("revives and rebinds transport", func(t *testing.T) {
		v2, err := r.UpsertViewer("wall-a", "t2", "")
		require.NoError(t, err)
		require.Equal(t, "t2", v2.TransportID)
		require.Equal(t, "Wall A", v2.DisplayName)

		role, clientID := r.LookupByTransport("t1")
		require.Equal(t, RoleUnknown, role)
		require.Empty(t, clientID)

		role, clientID = r.LookupByTransport("t2")
		require.Equal(t, RoleViewer, role)
		require.Equal(t, "wall-a", clientID)
	})
}

func TestSetRegion(t *testing.T) {
	r, tearDown := setupRegistry(t)
	defer tearDown()

	_, _ = r.RegisterBroadcaster("bcast", geometry.StreamGeometry{SourceWidth: 1920, SourceHeight: 1080})
	_, err := r.UpsertViewer("wall-a", "t1", "")
	require.NoError(t, err)

	t.Run("unknown viewer errors", func(t *testing.T) {
		changed, err := r.SetRegion("nope", &geometry.Rectangle{Width: 10, Height: 10})
		require.Error(t, err)
		require.False(t, changed)
	})

	t.Run("zero area rejected", func(t *testing.T) {
		changed, err := r.SetRegion("wall-a", &geometry.Rectangle{X: 0, Y: 0, Width: 0, Height: 0})
		require.Error(t, err)
		require.False(t, changed)
	})

	t.Run("clipped and stored", func(t *testing.T) {
		changed, err := r.SetRegion("wall-a", &geometry.Rectangle{X: 1800, Y: 0, Width: 640, Height: 360})
		require.NoError(t, err)
		require.True(t, changed)

		v, ok := r.GetViewer("wall-a")
		require.True(t, ok)
		require.NotNil(t, v.Region)
		require.Equal(t, 1920, v.Region.X+v.Region.Width)
	})

	t.Run("setting same region is a no-op event-wise", func(t *testing.T) {
		v, ok := r.GetViewer("wall-a")
		require.True(t, ok)
		before := v.Region

		changed, err := r.SetRegion("wall-a", before)
		require.NoError(t, err)
		require.False(t, changed)
	})

	t.Run("clearing a region", func(t *testing.T) {
		changed, err := r.SetRegion("wall-a", nil)
		require.NoError(t, err)
		require.True(t, changed)

		changed, err = r.SetRegion("wall-a", nil)
		require.NoError(t, err)
		require.False(t, changed)
	})
}

func TestEnsureViewer(t *testing.T) {
	r, tearDown := setupRegistry(t)
	defer tearDown()

	t.Run("empty clientID", func(t *testing.T) {
		_, err := r.EnsureViewer("", "")
		require.Error(t, err)
	})

	t.Run("creates disconnected record", func(t *testing.T) {
		rec, err := r.EnsureViewer("wall-a", "Wall A")
		require.NoError(t, err)
		require.Equal(t, "wall-a", rec.ClientID)
		require.Equal(t, "Wall A", rec.DisplayName)
		require.False(t, rec.Connected)
		require.Empty(t, rec.TransportID)
	})

	t.Run("does not clobber a connected record", func(t *testing.T) {
		_, err := r.UpsertViewer("wall-a", "t1", "")
		require.NoError(t, err)

		rec, err := r.EnsureViewer("wall-a", "")
		require.NoError(t, err)
		require.True(t, rec.Connected)
		require.Equal(t, "t1", rec.TransportID)
		require.Equal(t, "Wall A", rec.DisplayName)
	})
}

func TestRegisterBroadcasterReplacesPrior(t *testing.T) {
	r, tearDown := setupRegistry(t)
	defer tearDown()

	prev, replaced := r.RegisterBroadcaster("b1", geometry.StreamGeometry{SourceWidth: 1920, SourceHeight: 1080})
	require.False(t, replaced)
	require.Empty(t, prev)

	prev, replaced = r.RegisterBroadcaster("b2", geometry.StreamGeometry{SourceWidth: 1280, SourceHeight: 720})
	require.True(t, replaced)
	require.Equal(t, "b1", prev)

	require.True(t, r.HasBroadcaster())

	rec, ok := r.Broadcaster()
	require.True(t, ok)
	require.Equal(t, "b2", rec.TransportID)
	require.Equal(t, 1280, rec.Geometry.SourceWidth)

	role, _ := r.LookupByTransport("b1")
	require.Equal(t, RoleUnknown, role)
}

func TestMarkDisconnectedPreservesRegion(t *testing.T) {
	r, tearDown := setupRegistry(t)
	defer tearDown()

	_, _ = r.RegisterBroadcaster("bcast", geometry.StreamGeometry{SourceWidth: 1920, SourceHeight: 1080})
	_, err := r.UpsertViewer("wall-a", "t1", "")
	require.NoError(t, err)
	_, err = r.SetRegion("wall-a", &geometry.Rectangle{X: 0, Y: 0, Width: 640, Height: 360})
	require.NoError(t, err)

	r.MarkDisconnected("t1")

	v, ok := r.GetViewer("wall-a")
	require.True(t, ok)
	require.False(t, v.Connected)
	require.NotNil(t, v.Region)
}

func TestSnapshotRosterOrdering(t *testing.T) {
	r, tearDown := setupRegistry(t)
	defer tearDown()

	_, _ = r.UpsertViewer("wall-c", "t3", "")
	_, _ = r.UpsertViewer("wall-a", "t1", "")
	_, _ = r.UpsertViewer("wall-b", "t2", "")

	roster := r.SnapshotRoster()
	require.Len(t, roster, 3)
	require.Equal(t, []string{"wall-a", "wall-b", "wall-c"}, []string{roster[0].ClientID, roster[1].ClientID, roster[2].ClientID})
}

func TestEvictStale(t *testing.T) {
	r, tearDown := setupRegistry(t)
	defer tearDown()

	_, _ = r.UpsertViewer("wall-a", "t1", "")
	r.MarkDisconnected("t1")

	evicted := r.EvictStale(0)
	require.Equal(t, []string{"wall-a"}, evicted)

	_, ok := r.GetViewer("wall-a")
	require.False(t, ok)
}

func TestEventsEmittedOnMutation(t *testing.T) {
	r, tearDown := setupRegistry(t)
	defer tearDown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ev := <-r.Events()
		require.Equal(t, RosterChanged, ev.Type)
	}()

	_, err := r.UpsertViewer("wall-a", "t1", "")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for roster-changed event")
	}
}
