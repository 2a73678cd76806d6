// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package cropper produces a derived video track constrained to a
// sub-rectangle of a shared source. Each cropper owns exactly one producer
// goroutine that pulls the most recent source frame, extracts the bound
// region and hands it to an H264 pipeline feeding the output track. Frame
// delivery is drop-old: a slow encoder skips to the newest frame.
package cropper

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/pion/webrtc/v4"

	"github.com/wallgrid/hub/service/geometry"
	"github.com/wallgrid/hub/service/random"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	// MaxFrameRate caps the output frame rate regardless of how fast the
	// source produces.
	MaxFrameRate = 30

	defaultBitrateKbps = 2500
	rateSamplingSize   = 30
)

// ErrDimensionsChanged is returned by Retarget when the new rectangle's
// dimensions differ from the bound ones. The caller is expected to bind a
// new cropper and swap the track on its sender.
var ErrDimensionsChanged = errors.New("rectangle dimensions changed")

// Metrics is the subset of the service metrics the cropper reports to.
type Metrics interface {
	IncCropperFrames(outcome string)
	IncRTPPackets(direction, trackType string)
	AddRTPPacketBytes(direction, trackType string, value int)
}

type Cropper struct {
	log     mlog.LoggerIFace
	metrics Metrics
	source  *Source
	enc     *encoder
	track   *webrtc.TrackLocalStaticRTP
	rate    *RateMonitor

	mut  sync.RWMutex
	rect geometry.Rectangle

	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Bind creates a cropper producing rect-sized frames off the given source
// and starts its producer goroutine. The rectangle is normalized against
// the source geometry; a zero-area result is rejected.
func Bind(log mlog.LoggerIFace, metrics Metrics, source *Source, rect geometry.Rectangle) (*Cropper, error) {
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics should not be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("source should not be nil")
	}

	norm, err := geometry.Normalize(rect, source.Geometry())
	if err != nil {
		return nil, fmt.Errorf("failed to normalize rectangle: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
	}, "video-"+random.NewID(), "wall-"+random.NewID())
	if err != nil {
		return nil, fmt.Errorf("failed to create output track: %w", err)
	}

	rate, err := NewRateMonitor(rateSamplingSize, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate monitor: %w", err)
	}

	enc, err := newEncoder(log, metrics, track, norm.Width, norm.Height, MaxFrameRate, defaultBitrateKbps)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	c := &Cropper{
		log:     log,
		metrics: metrics,
		source:  source,
		enc:     enc,
		track:   track,
		rate:    rate,
		rect:    norm,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go c.produce()

	return c, nil
}

// Track returns the derived track to be attached to a peer connection. Its
// frame dimensions equal the bound rectangle's.
func (c *Cropper) Track() *webrtc.TrackLocalStaticRTP {
	return c.track
}

// Rect returns the currently bound rectangle.
func (c *Cropper) Rect() geometry.Rectangle {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.rect
}

// Rate returns the output rate monitor.
func (c *Cropper) Rate() *RateMonitor {
	return c.rate
}

// Retarget atomically updates the bound rectangle. If the new rectangle
// preserves the current dimensions only the source offset changes and the
// next produced frame uses it. A dimension change returns
// ErrDimensionsChanged without touching the binding.
func (c *Cropper) Retarget(rect geometry.Rectangle) error {
	norm, err := geometry.Normalize(rect, c.source.Geometry())
	if err != nil {
		return fmt.Errorf("failed to normalize rectangle: %w", err)
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	if !geometry.SameDimensions(c.rect, norm) {
		return ErrDimensionsChanged
	}

	c.rect = norm
	return nil
}

// Close stops the producer and the encoder and releases the source
// reference. It is idempotent. The shared source itself is left untouched.
func (c *Cropper) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		<-c.doneCh
		c.enc.close()
	})
	return nil
}

func (c *Cropper) produce() {
	defer close(c.doneCh)

	ticker := time.NewTicker(time.Second / MaxFrameRate)
	defer ticker.Stop()

	var lastSeq uint64

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
		}

		frame, seq, ok := c.source.Latest(lastSeq)
		if !ok {
			continue
		}
		lastSeq = seq

		rect := c.Rect()
		clamped, err := geometry.Normalize(rect, c.source.Geometry())
		if err != nil || !geometry.SameDimensions(clamped, rect) {
			// Zero area or a clip that would change the output dimensions:
			// produce nothing, the viewer keeps its last good frame.
			c.metrics.IncCropperFrames("dropped")
			_ = frame.Close()
			continue
		}

		region := frame.Region(image.Rect(clamped.X, clamped.Y, clamped.X+clamped.Width, clamped.Y+clamped.Height))
		out := region.Clone()
		data := out.ToBytes()

		_ = region.Close()
		_ = frame.Close()

		if err := c.enc.writeFrame(data); err != nil {
			c.log.Error("failed to encode frame", mlog.Err(err))
			c.metrics.IncCropperFrames("dropped")
			_ = out.Close()
			continue
		}

		_ = out.Close()
		c.rate.PushSample(len(data))
		c.metrics.IncCropperFrames("produced")
	}
}
