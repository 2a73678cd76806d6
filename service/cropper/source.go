// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package cropper

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/wallgrid/hub/service/geometry"
)

// Source holds the most recent decoded frame of the captured stream. It is
// shared by read among all croppers; whatever feeds it (a capture device, a
// decoder pipeline) owns the write side. Only the latest frame is retained:
// a cropper that falls behind skips straight to the newest frame rather
// than queueing.
type Source struct {
	geo geometry.StreamGeometry

	mut    sync.RWMutex
	mat    gocv.Mat
	seq    uint64
	closed bool
}

func NewSource(geo geometry.StreamGeometry) (*Source, error) {
	if err := geo.IsValid(); err != nil {
		return nil, err
	}
	return &Source{
		geo: geo,
		mat: gocv.NewMat(),
	}, nil
}

// Geometry returns the source frame dimensions.
func (s *Source) Geometry() geometry.StreamGeometry {
	return s.geo
}

// Push installs a new latest frame. The mat is copied; the caller retains
// ownership of its argument.
func (s *Source) Push(mat gocv.Mat) error {
	if mat.Empty() {
		return fmt.Errorf("empty frame")
	}
	if mat.Cols() != s.geo.SourceWidth || mat.Rows() != s.geo.SourceHeight {
		return fmt.Errorf("frame dimensions %dx%d do not match source geometry %dx%d",
			mat.Cols(), mat.Rows(), s.geo.SourceWidth, s.geo.SourceHeight)
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return fmt.Errorf("source is closed")
	}
	mat.CopyTo(&s.mat)
	s.seq++
	return nil
}

// Latest returns a copy of the newest frame and its sequence number if one
// newer than afterSeq is available.
func (s *Source) Latest(afterSeq uint64) (gocv.Mat, uint64, bool) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	if s.closed || s.seq == 0 || s.seq <= afterSeq {
		return gocv.Mat{}, afterSeq, false
	}
	return s.mat.Clone(), s.seq, true
}

// Close releases the retained frame. Pushes and reads after Close fail.
func (s *Source) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.mat.Close()
}
