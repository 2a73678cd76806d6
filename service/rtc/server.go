// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package rtc implements the broadcaster-side media engine: one Server per
// broadcaster lifetime owning the shared ICE UDP mux, and one Session per
// viewer-with-region owning a peer connection, a cropper and the
// negotiation state machine.
package rtc

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/wallgrid/hub/service/cropper"
	"github.com/wallgrid/hub/service/geometry"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	msgChSize = 256
	// An offer left unanswered for this long tears the session down; a new
	// one is created on the next negotiation trigger.
	signalingTimeout = 15 * time.Second
)

type Server struct {
	cfg     ServerConfig
	log     mlog.LoggerIFace
	metrics Metrics

	sessions map[string]*Session // keyed by viewer transportID

	udpConn net.PacketConn
	udpMux  ice.UDPMux
	api     *webrtc.API

	receiveCh chan Message
	stopped   bool

	mut sync.RWMutex
}

func NewServer(cfg ServerConfig, log mlog.LoggerIFace, metrics Metrics) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics should not be nil")
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		sessions:  map[string]*Session{},
		receiveCh: make(chan Message, msgChSize),
	}

	return s, nil
}

// ReceiveCh returns the channel carrying outbound signaling messages
// (offers and local ICE candidates) produced by the sessions.
func (s *Server) ReceiveCh() <-chan Message {
	return s.receiveCh
}

func (s *Server) Start() error {
	var listenAddress string
	if addrs := s.cfg.ICEAddressUDP.Parse(); len(addrs) > 0 {
		listenAddress = addrs[0]
	}
	listenAddress = fmt.Sprintf("%s:%d", listenAddress, s.cfg.ICEPortUDP)

	conns, err := createUDPConnsForAddr(s.log, "udp4", listenAddress, s.cfg.UDPSocketsCount)
	if err != nil {
		return fmt.Errorf("failed to create udp conns: %w", err)
	}

	s.udpConn, err = newMultiConn(conns)
	if err != nil {
		return fmt.Errorf("failed to create multiconn: %w", err)
	}

	if s.cfg.ICEHostOverride == "" && len(s.cfg.ICEServers) > 0 {
		stunConn, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			return fmt.Errorf("failed to create stun socket: %w", err)
		}
		addr, err := getPublicIP(stunAddrFromURL(s.cfg.ICEServers.getSTUN()), stunConn)
		_ = stunConn.Close()
		if err != nil {
			return fmt.Errorf("failed to get public IP address: %w", err)
		}
		s.cfg.ICEHostOverride = addr
		s.log.Info("rtc: got public IP address", mlog.String("addr", addr))
	} else if s.cfg.ICEHostOverride != "" && net.ParseIP(s.cfg.ICEHostOverride) == nil {
		addr, err := resolveHost(s.cfg.ICEHostOverride, "ip4", 5*time.Second)
		if err != nil {
			return fmt.Errorf("failed to resolve host override: %w", err)
		}
		s.cfg.ICEHostOverride = addr
		s.log.Info("rtc: resolved host override", mlog.String("addr", addr))
	}

	s.udpMux = webrtc.NewICEUDPMux(nil, s.udpConn)

	api, err := s.newAPI()
	if err != nil {
		return fmt.Errorf("failed to create webrtc api: %w", err)
	}
	s.api = api

	return nil
}

func (s *Server) Stop() error {
	s.CloseAll()

	s.mut.Lock()
	s.stopped = true
	s.mut.Unlock()

	if s.udpMux != nil {
		if err := s.udpMux.Close(); err != nil {
			return fmt.Errorf("failed to close udp mux: %w", err)
		}
	}

	if s.udpConn != nil {
		if err := s.udpConn.Close(); err != nil {
			return fmt.Errorf("failed to close udp conn: %w", err)
		}
	}

	close(s.receiveCh)

	s.log.Info("rtc: server was shutdown")

	return nil
}

// CreateSession builds a fresh viewer session: a cropper bound to the
// given rectangle, a peer connection carrying the cropped track, and an
// initial offer handed to the signaling layer. Any prior session for the
// same transport is torn down first; sessions never survive a viewer
// reconnect.
func (s *Server) CreateSession(cfg SessionConfig, source *cropper.Source, rect geometry.Rectangle) error {
	if err := cfg.IsValid(); err != nil {
		return err
	}
	if source == nil {
		return fmt.Errorf("source should not be nil")
	}

	s.mut.Lock()
	if prev, ok := s.sessions[cfg.TransportID]; ok {
		s.mut.Unlock()
		s.log.Debug("rtc: closing previous session for transport", mlog.String("transportID", cfg.TransportID))
		prev.Close()
		s.mut.Lock()
	}

	us, err := newSession(s, cfg, source, rect)
	if err != nil {
		s.mut.Unlock()
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.sessions[cfg.TransportID] = us
	s.mut.Unlock()

	s.metrics.IncRTCSessions()

	if err := us.start(); err != nil {
		s.removeSession(cfg.TransportID)
		us.Close()
		return fmt.Errorf("failed to start session: %w", err)
	}

	return nil
}

// RetargetSession applies a region change to the session bound to the
// given transport.
func (s *Server) RetargetSession(transportID string, rect geometry.Rectangle) error {
	us := s.getSession(transportID)
	if us == nil {
		return fmt.Errorf("no session found for transport %s", transportID)
	}
	return us.OnGeometryChange(rect)
}

// CloseSession tears down the session bound to the given transport, if
// any.
func (s *Server) CloseSession(transportID string) error {
	us := s.getSession(transportID)
	if us == nil {
		return nil
	}
	us.Close()
	return nil
}

// CloseAll tears down every live session, e.g. when the broadcaster is
// replaced or the stream ends.
func (s *Server) CloseAll() {
	s.mut.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, us := range s.sessions {
		sessions = append(sessions, us)
	}
	s.mut.RUnlock()

	for _, us := range sessions {
		us.Close()
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return len(s.sessions)
}

// Send dispatches an inbound signaling message (an answer or a remote ICE
// candidate) to the session it addresses.
func (s *Server) Send(msg Message) error {
	if err := msg.IsValid(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	us := s.getSession(msg.TransportID)
	if us == nil {
		return fmt.Errorf("no session found for transport %s", msg.TransportID)
	}

	switch msg.Type {
	case AnswerMessage:
		return us.OnAnswer(msg.Data)
	case CandidateMessage:
		return us.OnRemoteCandidate(msg.Data)
	default:
		return fmt.Errorf("unexpected message type: %d", msg.Type)
	}
}

func (s *Server) getSession(transportID string) *Session {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.sessions[transportID]
}

func (s *Server) removeSession(transportID string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.sessions, transportID)
}

func (s *Server) send(msg Message) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receiveCh <- msg:
	default:
		s.log.Error("failed to send rtc message: channel is full", mlog.String("transportID", msg.TransportID))
	}
}

func (s *Server) newAPI() (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register codec: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: &sessionLoggerFactory{log: s.log},
	}
	se.SetICEUDPMux(s.udpMux)
	if s.cfg.ICEHostOverride != "" {
		se.SetNAT1To1IPs([]string{s.cfg.ICEHostOverride}, webrtc.ICECandidateTypeHost)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}

func (s *Server) genICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, cfg := range s.cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.URLs})
	}
	return servers
}

func stunAddrFromURL(u string) string {
	return strings.TrimPrefix(strings.TrimPrefix(u, "stuns:"), "stun:")
}
