// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package geometry implements the numeric policy shared by the session
// registry and the cropper for working with source-pixel rectangles: half-to-
// even rounding, clipping to the current stream geometry, and zero-area
// detection.
package geometry

import (
	"encoding/json"
	"fmt"
	"math"
)

// Rectangle is a sub-area of the source frame, in source-pixel units.
type Rectangle struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// UnmarshalJSON accepts fractional coordinates, which admin clients may
// produce when mapping display-space manipulations back to source pixels,
// rounding them half to even.
func (r *Rectangle) UnmarshalJSON(data []byte) error {
	var raw struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.X = RoundHalfToEven(raw.X)
	r.Y = RoundHalfToEven(raw.Y)
	r.Width = RoundHalfToEven(raw.Width)
	r.Height = RoundHalfToEven(raw.Height)

	return nil
}

// StreamGeometry is the source frame's dimensions.
type StreamGeometry struct {
	SourceWidth  int `json:"sourceWidth"`
	SourceHeight int `json:"sourceHeight"`
}

func (g StreamGeometry) IsValid() error {
	if g.SourceWidth <= 0 || g.SourceHeight <= 0 {
		return fmt.Errorf("invalid geometry: width and height must be greater than 0")
	}
	return nil
}

// RoundHalfToEven rounds a float to the nearest integer, breaking ties to
// the nearest even value (banker's rounding), matching admin input that may
// carry fractional display-space coordinates mapped back to source pixels.
func RoundHalfToEven(v float64) int {
	return int(math.RoundToEven(v))
}

// Normalize clips a rectangle to the given geometry. The fields are already
// integers here: fractional admin input is rounded when a Rectangle is
// decoded from JSON. It returns an error if the resulting rectangle has
// zero area.
func Normalize(r Rectangle, g StreamGeometry) (Rectangle, error) {
	out := Rectangle{
		X:      r.X,
		Y:      r.Y,
		Width:  r.Width,
		Height: r.Height,
	}

	if out.X < 0 {
		out.X = 0
	}
	if out.Y < 0 {
		out.Y = 0
	}

	if g.SourceWidth > 0 && out.X > g.SourceWidth {
		out.X = g.SourceWidth
	}
	if g.SourceHeight > 0 && out.Y > g.SourceHeight {
		out.Y = g.SourceHeight
	}

	if g.SourceWidth > 0 && out.X+out.Width > g.SourceWidth {
		out.Width = g.SourceWidth - out.X
	}
	if g.SourceHeight > 0 && out.Y+out.Height > g.SourceHeight {
		out.Height = g.SourceHeight - out.Y
	}

	if out.Width < 0 {
		out.Width = 0
	}
	if out.Height < 0 {
		out.Height = 0
	}

	if out.Width == 0 || out.Height == 0 {
		return Rectangle{}, fmt.Errorf("invalid rectangle: zero area after clipping")
	}

	return out, nil
}

// SameDimensions reports whether two rectangles share width and height,
// regardless of offset. It distinguishes an offset-only retarget from a
// track-replacing one in the viewer session's geometry-change handling.
func SameDimensions(a, b Rectangle) bool {
	return a.Width == b.Width && a.Height == b.Height
}

// Equal reports whether two rectangles are identical in every field.
func Equal(a, b Rectangle) bool {
	return a == b
}
