// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package signal implements the stateless forwarding layer for SDP offers,
// answers and ICE candidates between the broadcaster and its viewers. The
// router never interprets SDP or ICE content; messages referencing an
// absent counterparty are dropped, not queued, since negotiation restarts
// from a fresh offer on re-attach.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/wallgrid/hub/service/registry"
	"github.com/wallgrid/hub/service/wire"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// Sender delivers an encoded message to the transport identified by connID.
// Forwarding order per (source, destination) pair is preserved by the
// underlying per-connection FIFO.
type Sender interface {
	Send(connID string, data []byte) error
}

// Directory resolves participant identities. It is implemented by the
// session registry.
type Directory interface {
	Broadcaster() (registry.BroadcasterRecord, bool)
	LookupByTransport(transportID string) (registry.Role, string)
}

type Router struct {
	log    mlog.LoggerIFace
	dir    Directory
	sender Sender
}

func NewRouter(log mlog.LoggerIFace, dir Directory, sender Sender) (*Router, error) {
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if dir == nil {
		return nil, fmt.Errorf("dir should not be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender should not be nil")
	}
	return &Router{
		log:    log,
		dir:    dir,
		sender: sender,
	}, nil
}

// ForwardOffer delivers an SDP offer from the broadcaster to the viewer it
// addresses.
func (r *Router) ForwardOffer(from string, msg wire.BroadcasterOffer) {
	if !r.fromBroadcaster(from, wire.TypeBroadcasterOffer) {
		return
	}

	target := msg.ViewerTransportID
	if !r.isConnectedViewer(target, wire.TypeBroadcasterOffer) {
		return
	}

	r.deliver(target, wire.BroadcasterOffer{
		Type: wire.TypeBroadcasterOffer,
		SDP:  msg.SDP,
	})
}

// ForwardAnswer delivers an SDP answer from a viewer to the current
// broadcaster, tagged with the viewer's transport id.
func (r *Router) ForwardAnswer(from string, msg wire.ViewerAnswer) {
	if !r.isConnectedViewer(from, wire.TypeViewerAnswer) {
		return
	}

	bc, ok := r.dir.Broadcaster()
	if !ok {
		r.log.Warn("dropping message: no broadcaster",
			mlog.String("type", wire.TypeViewerAnswer),
			mlog.String("from", from))
		return
	}

	r.deliver(bc.TransportID, wire.ViewerAnswer{
		Type:              wire.TypeViewerAnswer,
		ViewerTransportID: from,
		SDP:               msg.SDP,
	})
}

// ForwardBroadcasterCandidate delivers an ICE candidate from the
// broadcaster to the viewer it addresses.
func (r *Router) ForwardBroadcasterCandidate(from string, msg wire.BroadcasterICECandidate) {
	if !r.fromBroadcaster(from, wire.TypeBroadcasterICE) {
		return
	}

	target := msg.ViewerTransportID
	if !r.isConnectedViewer(target, wire.TypeBroadcasterICE) {
		return
	}

	r.deliver(target, wire.BroadcasterICECandidate{
		Type:      wire.TypeBroadcasterICE,
		Candidate: msg.Candidate,
	})
}

// ForwardViewerCandidate delivers an ICE candidate from a viewer to the
// current broadcaster.
func (r *Router) ForwardViewerCandidate(from string, msg wire.ViewerICECandidate) {
	if !r.isConnectedViewer(from, wire.TypeViewerICE) {
		return
	}

	bc, ok := r.dir.Broadcaster()
	if !ok {
		r.log.Warn("dropping message: no broadcaster",
			mlog.String("type", wire.TypeViewerICE),
			mlog.String("from", from))
		return
	}

	r.deliver(bc.TransportID, wire.ViewerICECandidate{
		Type:              wire.TypeViewerICE,
		ViewerTransportID: from,
		Candidate:         msg.Candidate,
	})
}

func (r *Router) fromBroadcaster(from, msgType string) bool {
	bc, ok := r.dir.Broadcaster()
	if !ok || bc.TransportID != from {
		r.log.Warn("dropping message: sender is not the broadcaster",
			mlog.String("type", msgType),
			mlog.String("from", from))
		return false
	}
	return true
}

func (r *Router) isConnectedViewer(transportID, msgType string) bool {
	if transportID == "" {
		r.log.Warn("dropping message: missing viewer transport id", mlog.String("type", msgType))
		return false
	}
	role, _ := r.dir.LookupByTransport(transportID)
	if role != registry.RoleViewer {
		r.log.Warn("dropping message: viewer is absent or disconnected",
			mlog.String("type", msgType),
			mlog.String("viewerTransportID", transportID))
		return false
	}
	return true
}

func (r *Router) deliver(connID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("failed to marshal message", mlog.Err(err))
		return
	}
	if err := r.sender.Send(connID, data); err != nil {
		r.log.Warn("failed to deliver message", mlog.String("connID", connID), mlog.Err(err))
	}
}
