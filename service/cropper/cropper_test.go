// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package cropper

import (
	"os/exec"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/wallgrid/hub/service/geometry"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

type fakeMetrics struct{}

func (m *fakeMetrics) IncCropperFrames(outcome string) {}

func (m *fakeMetrics) IncRTPPackets(direction, trackType string) {}

func (m *fakeMetrics) AddRTPPacketBytes(direction, trackType string, value int) {}

func setupCropper(t *testing.T, rect geometry.Rectangle) (*Cropper, *Source, func()) {
	t.Helper()

	if _, err := exec.LookPath("gst-launch-1.0"); err != nil {
		t.Skip("gst-launch-1.0 not found in PATH")
	}

	log, err := mlog.NewLogger()
	require.NoError(t, err)

	source, err := NewSource(geometry.StreamGeometry{SourceWidth: 1920, SourceHeight: 1080})
	require.NoError(t, err)

	c, err := Bind(log, &fakeMetrics{}, source, rect)
	require.NoError(t, err)
	require.NotNil(t, c)

	return c, source, func() {
		require.NoError(t, c.Close())
		require.NoError(t, source.Close())
		require.NoError(t, log.Shutdown())
	}
}

func TestSource(t *testing.T) {
	source, err := NewSource(geometry.StreamGeometry{SourceWidth: 64, SourceHeight: 48})
	require.NoError(t, err)
	defer source.Close()

	t.Run("invalid geometry", func(t *testing.T) {
		s, err := NewSource(geometry.StreamGeometry{})
		require.Error(t, err)
		require.Nil(t, s)
	})

	t.Run("no frame yet", func(t *testing.T) {
		_, seq, ok := source.Latest(0)
		require.False(t, ok)
		require.Zero(t, seq)
	})

	t.Run("wrong dimensions", func(t *testing.T) {
		mat := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC3)
		defer mat.Close()
		require.Error(t, source.Push(mat))
	})

	t.Run("push and fetch", func(t *testing.T) {
		mat := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
		defer mat.Close()

		require.NoError(t, source.Push(mat))

		frame, seq, ok := source.Latest(0)
		require.True(t, ok)
		require.Equal(t, uint64(1), seq)
		require.Equal(t, 64, frame.Cols())
		require.Equal(t, 48, frame.Rows())
		require.NoError(t, frame.Close())

		// No newer frame than the one just seen.
		_, _, ok = source.Latest(seq)
		require.False(t, ok)
	})

	t.Run("only latest is retained", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			mat := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
			require.NoError(t, source.Push(mat))
			require.NoError(t, mat.Close())
		}

		_, seq, ok := source.Latest(0)
		require.True(t, ok)
		require.Equal(t, uint64(6), seq)
	})

	t.Run("closed", func(t *testing.T) {
		require.NoError(t, source.Close())
		require.NoError(t, source.Close())

		mat := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
		defer mat.Close()
		require.Error(t, source.Push(mat))

		_, _, ok := source.Latest(0)
		require.False(t, ok)
	})
}

func TestBind(t *testing.T) {
	t.Run("zero area rectangle", func(t *testing.T) {
		log, err := mlog.NewLogger()
		require.NoError(t, err)
		defer log.Shutdown()

		source, err := NewSource(geometry.StreamGeometry{SourceWidth: 1920, SourceHeight: 1080})
		require.NoError(t, err)
		defer source.Close()

		c, err := Bind(log, &fakeMetrics{}, source, geometry.Rectangle{X: 0, Y: 0, Width: 0, Height: 0})
		require.Error(t, err)
		require.Nil(t, c)
	})

	t.Run("output dimensions", func(t *testing.T) {
		c, _, teardown := setupCropper(t, geometry.Rectangle{X: 0, Y: 0, Width: 640, Height: 360})
		defer teardown()

		require.Equal(t, geometry.Rectangle{Width: 640, Height: 360}, c.Rect())
		require.NotNil(t, c.Track())
	})

	t.Run("rectangle clipped to source", func(t *testing.T) {
		c, _, teardown := setupCropper(t, geometry.Rectangle{X: 1600, Y: 0, Width: 640, Height: 360})
		defer teardown()

		require.Equal(t, geometry.Rectangle{X: 1600, Width: 320, Height: 360}, c.Rect())
	})
}

func TestRetarget(t *testing.T) {
	c, _, teardown := setupCropper(t, geometry.Rectangle{X: 0, Y: 0, Width: 640, Height: 360})
	defer teardown()

	t.Run("offset only", func(t *testing.T) {
		err := c.Retarget(geometry.Rectangle{X: 100, Y: 200, Width: 640, Height: 360})
		require.NoError(t, err)
		require.Equal(t, geometry.Rectangle{X: 100, Y: 200, Width: 640, Height: 360}, c.Rect())
	})

	t.Run("dimension change is refused", func(t *testing.T) {
		err := c.Retarget(geometry.Rectangle{X: 0, Y: 0, Width: 800, Height: 600})
		require.ErrorIs(t, err, ErrDimensionsChanged)
		require.Equal(t, geometry.Rectangle{X: 100, Y: 200, Width: 640, Height: 360}, c.Rect())
	})

	t.Run("zero area is rejected", func(t *testing.T) {
		err := c.Retarget(geometry.Rectangle{X: 1920, Y: 1080, Width: 640, Height: 360})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrDimensionsChanged)
	})
}

func TestProduceFrames(t *testing.T) {
	c, source, teardown := setupCropper(t, geometry.Rectangle{X: 0, Y: 0, Width: 640, Height: 360})
	defer teardown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second / 60)
		defer ticker.Stop()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case <-ticker.C:
				mat := gocv.NewMatWithSize(1080, 1920, gocv.MatTypeCV8UC3)
				_ = source.Push(mat)
				_ = mat.Close()
			case <-timeout:
				return
			}
		}
	}()
	<-done

	// Producing at most the capped rate from a 60fps source.
	fps := c.Rate().GetFrameRate()
	require.Greater(t, fps, 0)
	require.LessOrEqual(t, fps, MaxFrameRate+5)
}

func TestRateMonitor(t *testing.T) {
	t.Run("invalid sampling size", func(t *testing.T) {
		m, err := NewRateMonitor(1, nil)
		require.Error(t, err)
		require.Nil(t, m)
	})

	t.Run("not enough samples", func(t *testing.T) {
		m, err := NewRateMonitor(10, nil)
		require.NoError(t, err)
		require.Equal(t, -1, m.GetRate())
		require.Equal(t, -1, m.GetFrameRate())
	})

	t.Run("steady rate", func(t *testing.T) {
		now := time.Now()
		i := 0
		m, err := NewRateMonitor(31, func() time.Time {
			ts := now.Add(time.Duration(i) * time.Second / 30)
			i++
			return ts
		})
		require.NoError(t, err)

		for j := 0; j < 31; j++ {
			m.PushSample(1000)
		}

		require.Equal(t, 30, m.GetFrameRate())
		// 30 frames of 1000 bytes over one second is 240 kbit/s, minus the
		// first sample that only anchors the window.
		require.InDelta(t, 240, m.GetRate(), 10)
	})
}
