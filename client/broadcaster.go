// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wallgrid/hub/service/cropper"
	"github.com/wallgrid/hub/service/geometry"
	"github.com/wallgrid/hub/service/perf"
	"github.com/wallgrid/hub/service/rtc"
	"github.com/wallgrid/hub/service/wire"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// viewerBinding is what the broadcaster knows about one viewer: its
// current transport and, once assigned, its region. A session exists for
// the pairing exactly while both the transport and a region are known.
type viewerBinding struct {
	clientID    string
	transportID string
	region      *geometry.Rectangle
}

// Broadcaster publishes the captured source. It embeds the RTC engine:
// one viewer session per assigned viewer, each carrying a region-cropped
// track, with the hub connection relaying signaling both ways.
type Broadcaster struct {
	*Client

	rtcServer *rtc.Server
	source    *cropper.Source

	mut      sync.Mutex
	bindings map[string]*viewerBinding // keyed by viewer transportID

	wg sync.WaitGroup
}

// NewBroadcaster connects to the hub and starts the RTC engine against the
// given frame source. The caller owns the capture side feeding the source.
func NewBroadcaster(cfg Config, rtcCfg rtc.ServerConfig, source *cropper.Source, log mlog.LoggerIFace) (*Broadcaster, error) {
	if source == nil {
		return nil, fmt.Errorf("source should not be nil")
	}

	c, err := New(cfg, log)
	if err != nil {
		return nil, err
	}

	rtcServer, err := rtc.NewServer(rtcCfg, log, perf.NewMetrics("broadcaster", nil))
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create rtc server: %w", err)
	}

	b := &Broadcaster{
		Client:    c,
		rtcServer: rtcServer,
		source:    source,
		bindings:  map[string]*viewerBinding{},
	}

	c.On(wire.TypeNewViewer, func(data []byte) {
		var msg wire.NewViewer
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("broadcaster: failed to unmarshal new-viewer", mlog.Err(err))
			return
		}
		b.handleNewViewer(msg)
	})

	c.On(wire.TypeClientRegionUpdated, func(data []byte) {
		var msg wire.ClientRegionUpdated
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("broadcaster: failed to unmarshal region update", mlog.Err(err))
			return
		}
		b.handleRegionUpdated(msg)
	})

	c.On(wire.TypeViewerDisconnected, func(data []byte) {
		var msg wire.ViewerDisconnected
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("broadcaster: failed to unmarshal viewer-disconnected", mlog.Err(err))
			return
		}
		b.handleViewerDisconnected(msg.ViewerTransportID)
	})

	c.On(wire.TypeViewerAnswer, func(data []byte) {
		var msg wire.ViewerAnswer
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("broadcaster: failed to unmarshal answer", mlog.Err(err))
			return
		}
		if err := b.rtcServer.Send(rtc.Message{
			TransportID: msg.ViewerTransportID,
			Type:        rtc.AnswerMessage,
			Data:        msg.SDP,
		}); err != nil {
			log.Warn("broadcaster: failed to deliver answer", mlog.Err(err))
		}
	})

	c.On(wire.TypeViewerICE, func(data []byte) {
		var msg wire.ViewerICECandidate
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("broadcaster: failed to unmarshal candidate", mlog.Err(err))
			return
		}
		if err := b.rtcServer.Send(rtc.Message{
			TransportID: msg.ViewerTransportID,
			Type:        rtc.CandidateMessage,
			Data:        msg.Candidate,
		}); err != nil {
			log.Warn("broadcaster: failed to deliver candidate", mlog.Err(err))
		}
	})

	return b, nil
}

// Start brings up the RTC engine, announces the stream geometry to the hub
// and begins relaying signaling.
func (b *Broadcaster) Start() error {
	if err := b.rtcServer.Start(); err != nil {
		return fmt.Errorf("failed to start rtc server: %w", err)
	}

	b.wg.Add(1)
	go b.rtcReader()

	geo := b.source.Geometry()
	return b.Send(wire.RegisterBroadcaster{
		Type:     wire.TypeRegisterBroadcaster,
		Geometry: wire.Dimensions{Width: geo.SourceWidth, Height: geo.SourceHeight},
	})
}

// SessionCount returns the number of live viewer sessions.
func (b *Broadcaster) SessionCount() int {
	return b.rtcServer.SessionCount()
}

func (b *Broadcaster) Close() error {
	err := b.Client.Close()
	if stopErr := b.rtcServer.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	b.wg.Wait()
	return err
}

// rtcReader relays offers and local candidates produced by the sessions
// onto the hub connection.
func (b *Broadcaster) rtcReader() {
	defer b.wg.Done()

	for msg := range b.rtcServer.ReceiveCh() {
		switch msg.Type {
		case rtc.OfferMessage:
			if err := b.Send(wire.BroadcasterOffer{
				Type:              wire.TypeBroadcasterOffer,
				ViewerTransportID: msg.TransportID,
				SDP:               msg.Data,
			}); err != nil {
				b.log.Warn("broadcaster: failed to send offer", mlog.Err(err))
			}
		case rtc.CandidateMessage:
			if err := b.Send(wire.BroadcasterICECandidate{
				Type:              wire.TypeBroadcasterICE,
				ViewerTransportID: msg.TransportID,
				Candidate:         msg.Data,
			}); err != nil {
				b.log.Warn("broadcaster: failed to send candidate", mlog.Err(err))
			}
		default:
			b.log.Warn("broadcaster: unexpected rtc message", mlog.Int("type", int(msg.Type)))
		}
	}
}

func (b *Broadcaster) handleNewViewer(msg wire.NewViewer) {
	b.mut.Lock()

	// A returning clientId on a new transport supersedes its old binding.
	for transportID, binding := range b.bindings {
		if binding.clientID == msg.ClientID && transportID != msg.ViewerTransportID {
			delete(b.bindings, transportID)
			b.mut.Unlock()
			if err := b.rtcServer.CloseSession(transportID); err != nil {
				b.log.Warn("broadcaster: failed to close stale session", mlog.Err(err))
			}
			b.mut.Lock()
			break
		}
	}

	binding, ok := b.bindings[msg.ViewerTransportID]
	if !ok {
		binding = &viewerBinding{clientID: msg.ClientID, transportID: msg.ViewerTransportID}
		b.bindings[msg.ViewerTransportID] = binding
	}
	region := binding.region
	b.mut.Unlock()

	b.log.Debug("broadcaster: new viewer",
		mlog.String("clientID", msg.ClientID),
		mlog.String("transportID", msg.ViewerTransportID))

	if region != nil {
		b.ensureSession(binding.transportID, binding.clientID, *region)
	}
}

func (b *Broadcaster) handleRegionUpdated(msg wire.ClientRegionUpdated) {
	b.mut.Lock()
	var binding *viewerBinding
	for _, bd := range b.bindings {
		if bd.clientID == msg.ClientID {
			binding = bd
			break
		}
	}
	if binding == nil {
		b.mut.Unlock()
		b.log.Debug("broadcaster: region update for unknown viewer", mlog.String("clientID", msg.ClientID))
		return
	}
	binding.region = msg.Region
	transportID := binding.transportID
	b.mut.Unlock()

	if msg.Region == nil {
		// Region cleared: the viewer goes idle, no session remains.
		if err := b.rtcServer.CloseSession(transportID); err != nil {
			b.log.Warn("broadcaster: failed to close session", mlog.Err(err))
		}
		return
	}

	if err := b.rtcServer.RetargetSession(transportID, *msg.Region); err != nil {
		// No live session to retarget, or the re-bind failed: build one
		// from Fresh.
		b.ensureSession(transportID, msg.ClientID, *msg.Region)
	}
}

func (b *Broadcaster) handleViewerDisconnected(transportID string) {
	b.mut.Lock()
	delete(b.bindings, transportID)
	b.mut.Unlock()

	if err := b.rtcServer.CloseSession(transportID); err != nil {
		b.log.Warn("broadcaster: failed to close session", mlog.Err(err))
	}
}

func (b *Broadcaster) ensureSession(transportID, clientID string, rect geometry.Rectangle) {
	cfg := rtc.SessionConfig{ClientID: clientID, TransportID: transportID}
	if err := b.rtcServer.CreateSession(cfg, b.source, rect); err != nil {
		b.log.Error("broadcaster: failed to create session",
			mlog.Err(err),
			mlog.String("clientID", clientID))
	}
}
