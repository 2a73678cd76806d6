// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package geometry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	geo := StreamGeometry{SourceWidth: 1920, SourceHeight: 1080}

	t.Run("within bounds", func(t *testing.T) {
		r, err := Normalize(Rectangle{X: 0, Y: 0, Width: 640, Height: 360}, geo)
		require.NoError(t, err)
		require.Equal(t, Rectangle{X: 0, Y: 0, Width: 640, Height: 360}, r)
	})

	t.Run("clipped to source bounds", func(t *testing.T) {
		r, err := Normalize(Rectangle{X: 1800, Y: 0, Width: 640, Height: 360}, geo)
		require.NoError(t, err)
		require.Equal(t, 1920, r.X+r.Width)
	})

	t.Run("zero area rejected", func(t *testing.T) {
		_, err := Normalize(Rectangle{X: 0, Y: 0, Width: 0, Height: 360}, geo)
		require.Error(t, err)
	})

	t.Run("fully out of bounds collapses to zero area", func(t *testing.T) {
		_, err := Normalize(Rectangle{X: 1920, Y: 1080, Width: 100, Height: 100}, geo)
		require.Error(t, err)
	})

	t.Run("negative origin clamps to zero", func(t *testing.T) {
		r, err := Normalize(Rectangle{X: -10, Y: -10, Width: 100, Height: 100}, geo)
		require.NoError(t, err)
		require.Equal(t, 0, r.X)
		require.Equal(t, 0, r.Y)
	})
}

func TestRectangleUnmarshal(t *testing.T) {
	t.Run("integer input", func(t *testing.T) {
		var r Rectangle
		err := json.Unmarshal([]byte(`{"x": 10, "y": 20, "width": 640, "height": 360}`), &r)
		require.NoError(t, err)
		require.Equal(t, Rectangle{X: 10, Y: 20, Width: 640, Height: 360}, r)
	})

	t.Run("fractional input is rounded half to even", func(t *testing.T) {
		var r Rectangle
		err := json.Unmarshal([]byte(`{"x": 10.5, "y": 11.5, "width": 640.2, "height": 359.8}`), &r)
		require.NoError(t, err)
		require.Equal(t, Rectangle{X: 10, Y: 12, Width: 640, Height: 360}, r)
	})
}

func TestRoundHalfToEven(t *testing.T) {
	require.Equal(t, 2, RoundHalfToEven(2.5))
	require.Equal(t, 4, RoundHalfToEven(3.5))
	require.Equal(t, 3, RoundHalfToEven(3.2))
}

func TestSameDimensions(t *testing.T) {
	a := Rectangle{X: 0, Y: 0, Width: 640, Height: 360}
	b := Rectangle{X: 100, Y: 200, Width: 640, Height: 360}
	c := Rectangle{X: 0, Y: 0, Width: 800, Height: 600}

	require.True(t, SameDimensions(a, b))
	require.False(t, SameDimensions(a, c))
}
