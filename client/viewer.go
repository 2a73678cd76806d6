// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wallgrid/hub/service/geometry"
	"github.com/wallgrid/hub/service/registry"
	"github.com/wallgrid/hub/service/wire"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// Viewer renders one sub-rectangle of the stream. It owns the answering
// side of the peer connection and follows the perfect negotiation
// convention: the broadcaster is the designated offerer, so when an offer
// collides with local signaling state the viewer rolls back its own
// description and applies the remote one.
type Viewer struct {
	*Client

	mut sync.Mutex
	pc  *webrtc.PeerConnection

	onTrack        func(track *webrtc.TrackRemote)
	onRegionUpdate func(region *geometry.Rectangle, width, height int)
	onConfig       func(rec registry.ViewerRecord)
	onDisconnect   func()
}

func NewViewer(cfg Config, log mlog.LoggerIFace) (*Viewer, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("invalid ClientID value: should not be empty")
	}

	c, err := New(cfg, log)
	if err != nil {
		return nil, err
	}

	v := &Viewer{Client: c}

	c.On(wire.TypeClientConfig, func(data []byte) {
		var msg wire.ClientConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("viewer: failed to unmarshal config", mlog.Err(err))
			return
		}
		if v.onConfig != nil {
			v.onConfig(msg.ViewerRecord)
		}
	})

	c.On(wire.TypeRegionUpdate, func(data []byte) {
		var msg wire.RegionUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("viewer: failed to unmarshal region update", mlog.Err(err))
			return
		}
		// A region-only change: the stream keeps playing, only the
		// rendering metadata updates.
		if v.onRegionUpdate != nil {
			v.onRegionUpdate(msg.Region, msg.Geometry.Width, msg.Geometry.Height)
		}
	})

	c.On(wire.TypeBroadcasterOffer, func(data []byte) {
		var msg wire.BroadcasterOffer
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("viewer: failed to unmarshal offer", mlog.Err(err))
			return
		}
		if err := v.handleOffer(msg.SDP); err != nil {
			log.Error("viewer: failed to handle offer", mlog.Err(err))
		}
	})

	c.On(wire.TypeBroadcasterICE, func(data []byte) {
		var msg wire.BroadcasterICECandidate
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("viewer: failed to unmarshal candidate", mlog.Err(err))
			return
		}
		if err := v.handleRemoteCandidate(msg.Candidate); err != nil {
			log.Error("viewer: failed to handle candidate", mlog.Err(err))
		}
	})

	c.On(wire.TypeBroadcasterDisconnected, func(data []byte) {
		v.closePeer()
		if v.onDisconnect != nil {
			v.onDisconnect()
		}
	})

	return v, nil
}

// Register announces the viewer to the hub under its stable clientId.
func (v *Viewer) Register() error {
	return v.Send(wire.RegisterViewer{
		Type:        wire.TypeRegisterViewer,
		ClientID:    v.cfg.ClientID,
		DisplayName: v.cfg.DisplayName,
	})
}

// OnTrack registers the handler invoked when the cropped video track
// arrives. The surface renders it full-frame.
func (v *Viewer) OnTrack(cb func(track *webrtc.TrackRemote)) {
	v.onTrack = cb
}

// OnRegionUpdate registers the handler for live region re-binds that do
// not interrupt the media session.
func (v *Viewer) OnRegionUpdate(cb func(region *geometry.Rectangle, width, height int)) {
	v.onRegionUpdate = cb
}

// OnConfig registers the handler for the viewer's own record, received on
// bind and on config change.
func (v *Viewer) OnConfig(cb func(rec registry.ViewerRecord)) {
	v.onConfig = cb
}

// OnDisconnect registers the handler invoked when the broadcaster goes
// away and the media session ends.
func (v *Viewer) OnDisconnect(cb func()) {
	v.onDisconnect = cb
}

// ConnectionState returns the peer connection state, or New if no
// negotiation has happened yet.
func (v *Viewer) ConnectionState() webrtc.PeerConnectionState {
	v.mut.Lock()
	defer v.mut.Unlock()
	if v.pc == nil {
		return webrtc.PeerConnectionStateNew
	}
	return v.pc.ConnectionState()
}

func (v *Viewer) Close() error {
	v.closePeer()
	return v.Client.Close()
}

// handleOffer answers an incoming SDP offer. A fresh offer while the local
// description is not stable means the broadcaster renegotiated mid-answer;
// the viewer rolls back and applies the new offer.
func (v *Viewer) handleOffer(sdpData []byte) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sdpData, &offer); err != nil {
		return fmt.Errorf("failed to unmarshal offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("unexpected sdp type: %s", offer.Type)
	}

	v.mut.Lock()
	defer v.mut.Unlock()

	if v.pc == nil {
		pc, err := v.newPeer()
		if err != nil {
			return err
		}
		v.pc = pc
	}

	if v.pc.SignalingState() != webrtc.SignalingStateStable {
		v.log.Debug("viewer: offer collision, rolling back")
		if err := v.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("failed to rollback: %w", err)
		}
	}

	if err := v.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := v.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}

	if err := v.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	sdp, err := json.Marshal(v.pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}

	return v.Send(wire.ViewerAnswer{Type: wire.TypeViewerAnswer, SDP: sdp})
}

func (v *Viewer) handleRemoteCandidate(data []byte) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &candidate); err != nil {
		return fmt.Errorf("failed to unmarshal candidate: %w", err)
	}

	if candidate.Candidate == "" {
		return nil
	}

	v.mut.Lock()
	defer v.mut.Unlock()

	if v.pc == nil || v.pc.RemoteDescription() == nil {
		v.log.Debug("viewer: dropping candidate, no remote description")
		return nil
	}

	if err := v.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}

	return nil
}

func (v *Viewer) newPeer() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		data, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			v.log.Error("viewer: failed to marshal candidate", mlog.Err(err))
			return
		}
		if err := v.Send(wire.ViewerICECandidate{Type: wire.TypeViewerICE, Candidate: data}); err != nil {
			v.log.Error("viewer: failed to send candidate", mlog.Err(err))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		v.log.Debug("viewer: track received",
			mlog.String("trackID", track.ID()),
			mlog.String("mimeType", track.Codec().MimeType))
		if v.onTrack != nil {
			v.onTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.log.Debug("viewer: connection state change", mlog.String("state", state.String()))
	})

	return pc, nil
}

func (v *Viewer) closePeer() {
	v.mut.Lock()
	defer v.mut.Unlock()
	if v.pc != nil {
		if err := v.pc.Close(); err != nil {
			v.log.Error("viewer: failed to close peer connection", mlog.Err(err))
		}
		v.pc = nil
	}
}
