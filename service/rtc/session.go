// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wallgrid/hub/service/cropper"
	"github.com/wallgrid/hub/service/geometry"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// SessionState tracks a viewer session through its negotiation lifecycle.
type SessionState int32

const (
	StateFresh SessionState = iota
	StateOfferSent
	StateAnswered
	StateConnected
	StateFailed
	StateClosed
)

func (st SessionState) String() string {
	switch st {
	case StateFresh:
		return "fresh"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pendingCandidatesLimit bounds the queue of ICE candidates received before
// the remote description is set. Overflow drops the oldest.
const pendingCandidatesLimit = 64

// Session owns one peer connection, one cropper and the negotiation state
// for a single viewer. The broadcaster side is the designated offerer and
// never rolls back; offer collisions are resolved by the viewer.
type Session struct {
	cfg     SessionConfig
	log     mlog.LoggerIFace
	server  *Server
	metrics Metrics
	source  *cropper.Source

	mut               sync.RWMutex
	state             SessionState
	pc                *webrtc.PeerConnection
	crop              *cropper.Cropper
	sender            *webrtc.RTPSender
	pendingCandidates []webrtc.ICECandidateInit
	makingOffer       bool

	answerTimer *time.Timer
	closeOnce   sync.Once
}

func newSession(server *Server, cfg SessionConfig, source *cropper.Source, rect geometry.Rectangle) (*Session, error) {
	log := loggerWith(server.log,
		mlog.String("clientID", cfg.ClientID),
		mlog.String("transportID", cfg.TransportID))

	crop, err := cropper.Bind(log, server.metrics, source, rect)
	if err != nil {
		return nil, fmt.Errorf("failed to bind cropper: %w", err)
	}

	pc, err := server.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: server.genICEServers(),
	})
	if err != nil {
		_ = crop.Close()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	sender, err := pc.AddTrack(crop.Track())
	if err != nil {
		_ = pc.Close()
		_ = crop.Close()
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		log:     log,
		server:  server,
		metrics: server.metrics,
		source:  source,
		state:   StateFresh,
		pc:      pc,
		crop:    crop,
		sender:  sender,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		msg, err := newCandidateMessage(s.cfg, candidate)
		if err != nil {
			s.log.Error("failed to create candidate message", mlog.Err(err))
			return
		}
		server.send(msg)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.handleConnectionStateChange(state)
	})

	go s.handleSenderRTCP(sender)

	return s, nil
}

// start transitions Fresh to OfferSent by creating an SDP offer and handing
// it to the signaling layer. The session is torn down if no answer arrives
// within the signaling timeout.
func (s *Session) start() error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.state != StateFresh {
		return fmt.Errorf("unexpected state: %s", s.state)
	}

	if err := s.sendOfferLocked(); err != nil {
		return err
	}

	s.setStateLocked(StateOfferSent)

	s.answerTimer = time.AfterFunc(signalingTimeout, func() {
		if s.State() == StateOfferSent {
			s.log.Warn("offer was not answered in time, tearing down session")
			s.metrics.IncRTCErrors("signaling_timeout")
			s.Close()
		}
	})

	return nil
}

// State returns the session's current negotiation state.
func (s *Session) State() SessionState {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.state
}

// Rect returns the rectangle currently bound to the session's cropper.
func (s *Session) Rect() geometry.Rectangle {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.crop.Rect()
}

// OnAnswer handles the viewer's SDP answer. It is accepted in OfferSent,
// completing the initial negotiation, or while a renegotiation offer is in
// flight. Anything else is dropped with a warning and no state change.
func (s *Session) OnAnswer(data []byte) error {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(data, &sdp); err != nil {
		return fmt.Errorf("failed to unmarshal answer: %w", err)
	}
	if sdp.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("unexpected sdp type: %s", sdp.Type)
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	if remote := s.pc.RemoteDescription(); remote != nil && remote.SDP == sdp.SDP {
		// Setting the same remote description twice is idempotent.
		return nil
	}

	switch {
	case s.state == StateOfferSent:
		if err := s.pc.SetRemoteDescription(sdp); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		s.drainPendingCandidatesLocked()
		s.setStateLocked(StateAnswered)
		if s.answerTimer != nil {
			s.answerTimer.Stop()
		}
	case s.makingOffer && (s.state == StateAnswered || s.state == StateConnected):
		if err := s.pc.SetRemoteDescription(sdp); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		s.makingOffer = false
	default:
		s.log.Warn("dropping answer: unexpected state", mlog.String("state", s.state.String()))
	}

	return nil
}

// OnRemoteCandidate handles an ICE candidate from the viewer. Candidates
// arriving before the answer are buffered; once the remote description is
// set they are applied immediately.
func (s *Session) OnRemoteCandidate(data []byte) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &candidate); err != nil {
		return fmt.Errorf("failed to unmarshal candidate: %w", err)
	}

	if candidate.Candidate == "" {
		return nil
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	switch s.state {
	case StateOfferSent:
		if len(s.pendingCandidates) >= pendingCandidatesLimit {
			s.log.Warn("pending candidates queue is full, dropping oldest")
			s.pendingCandidates = s.pendingCandidates[1:]
		}
		s.pendingCandidates = append(s.pendingCandidates, candidate)
	case StateAnswered, StateConnected:
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.metrics.IncRTCErrors("ice")
			return fmt.Errorf("failed to add ice candidate: %w", err)
		}
	default:
		s.log.Debug("dropping candidate: unexpected state", mlog.String("state", s.state.String()))
	}

	return nil
}

// OnGeometryChange re-binds the session to a new rectangle. A change that
// preserves dimensions only moves the cropper's source offset. A dimension
// change produces a new cropped track and swaps it on the existing sender,
// leaving the peer connection and the wire format untouched. If the swap is
// refused by the peer stack a fresh offer is emitted instead; if that also
// fails the session is torn down for the coordinator to recreate.
func (s *Session) OnGeometryChange(rect geometry.Rectangle) error {
	s.mut.Lock()

	if s.state == StateFailed || s.state == StateClosed {
		s.mut.Unlock()
		return fmt.Errorf("unexpected state: %s", s.state)
	}

	err := s.crop.Retarget(rect)
	if err == nil {
		s.mut.Unlock()
		s.log.Debug("cropper offset updated", mlog.Any("rect", rect))
		return nil
	}

	if !errors.Is(err, cropper.ErrDimensionsChanged) {
		s.mut.Unlock()
		return fmt.Errorf("failed to retarget cropper: %w", err)
	}

	newCrop, err := cropper.Bind(s.log, s.metrics, s.source, rect)
	if err != nil {
		s.mut.Unlock()
		return fmt.Errorf("failed to bind cropper: %w", err)
	}

	if err := s.sender.ReplaceTrack(newCrop.Track()); err != nil {
		s.log.Error("failed to replace track, renegotiating", mlog.Err(err))
		s.metrics.IncRTCErrors("track_replace")

		if err := s.renegotiateLocked(newCrop); err != nil {
			_ = newCrop.Close()
			s.mut.Unlock()
			s.Close()
			return fmt.Errorf("failed to renegotiate: %w", err)
		}
		s.mut.Unlock()
		return nil
	}

	old := s.crop
	s.crop = newCrop
	s.mut.Unlock()

	_ = old.Close()
	s.log.Debug("cropped track replaced", mlog.Any("rect", rect))

	return nil
}

// renegotiateLocked removes the current sender, attaches the new cropped
// track and emits a fresh offer while the session remains Connected from
// the operator's perspective. The viewer resolves the offer collision by
// rolling back, per the perfect negotiation convention.
func (s *Session) renegotiateLocked(newCrop *cropper.Cropper) error {
	if err := s.pc.RemoveTrack(s.sender); err != nil {
		return fmt.Errorf("failed to remove track: %w", err)
	}

	sender, err := s.pc.AddTrack(newCrop.Track())
	if err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}

	old := s.crop
	s.crop = newCrop
	s.sender = sender
	go s.handleSenderRTCP(sender)

	s.makingOffer = true
	if err := s.sendOfferLocked(); err != nil {
		s.makingOffer = false
		return err
	}

	_ = old.Close()

	return nil
}

func (s *Session) sendOfferLocked() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	msg, err := newSDPMessage(s.cfg, OfferMessage, s.pc.LocalDescription())
	if err != nil {
		return err
	}
	s.server.send(msg)

	return nil
}

func (s *Session) drainPendingCandidatesLocked() {
	for _, candidate := range s.pendingCandidates {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.log.Error("failed to add pending ice candidate", mlog.Err(err))
			s.metrics.IncRTCErrors("ice")
		}
	}
	s.pendingCandidates = nil
}

func (s *Session) handleConnectionStateChange(state webrtc.PeerConnectionState) {
	s.log.Debug("connection state change", mlog.String("state", state.String()))
	s.metrics.IncRTCConnState(state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mut.Lock()
		if s.state == StateAnswered {
			s.setStateLocked(StateConnected)
		}
		s.mut.Unlock()
	case webrtc.PeerConnectionStateFailed:
		s.mut.Lock()
		if s.state != StateClosed {
			s.setStateLocked(StateFailed)
		}
		s.mut.Unlock()
		s.metrics.IncRTCErrors("conn_failed")
		// Teardown only: the registry still holds the viewer's
		// configuration and a new session is created on the next
		// broadcaster-viewer rendezvous.
		s.Close()
	case webrtc.PeerConnectionStateClosed:
	}
}

// handleSenderRTCP drains RTCP from the receiving peer. PLI requests are
// absorbed by the encoder's short GOP; they are only counted, and logged at
// most once per second per session.
func (s *Session) handleSenderRTCP(sender *webrtc.RTPSender) {
	limiter := rate.NewLimiter(1, 1)
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.log.Debug("failed to read RTCP packet", mlog.Err(err))
			}
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				s.metrics.IncRTCErrors("pli")
				if limiter.Allow() {
					s.log.Debug("received PLI request for track")
				}
			}
		}
	}
}

func (s *Session) setStateLocked(state SessionState) {
	s.log.Debug("session state change",
		mlog.String("from", s.state.String()),
		mlog.String("to", state.String()))
	s.state = state
}

// Close stops the cropper, closes the peer connection and clears any
// pending candidates. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mut.Lock()
		if s.answerTimer != nil {
			s.answerTimer.Stop()
		}
		s.pendingCandidates = nil
		crop := s.crop
		pc := s.pc
		s.mut.Unlock()

		_ = crop.Close()
		if err := pc.Close(); err != nil {
			s.log.Error("failed to close peer connection", mlog.Err(err))
		}

		s.mut.Lock()
		s.setStateLocked(StateClosed)
		s.mut.Unlock()

		s.server.removeSession(s.cfg.TransportID)
		s.metrics.DecRTCSessions()
	})
}
