// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wallgrid/hub/service/registry"
	"github.com/wallgrid/hub/service/wire"
	"github.com/wallgrid/hub/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// handleMessage dispatches one inbound wire message. Malformed or unknown
// messages are dropped with a warning and no state change.
func (s *Service) handleMessage(connID string, data []byte) error {
	msgType, err := wire.TypeOf(data)
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	s.metrics.IncWSMessages(msgType, "in")

	switch msgType {
	case wire.TypeRegisterBroadcaster:
		var msg wire.RegisterBroadcaster
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", msgType, err)
		}
		return s.handleRegisterBroadcaster(connID, msg)
	case wire.TypeRegisterViewer:
		var msg wire.RegisterViewer
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", msgType, err)
		}
		return s.handleRegisterViewer(connID, msg)
	case wire.TypeGetClientConfig:
		var msg wire.GetClientConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", msgType, err)
		}
		return s.handleGetClientConfig(connID, msg)
	case wire.TypeGetClients:
		return s.handleGetClients(connID)
	case wire.TypeUpdateClientConfig:
		var msg wire.UpdateClientConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", msgType, err)
		}
		return s.handleUpdateClientConfig(connID, msg)
	case wire.TypeBroadcasterOffer:
		var msg wire.BroadcasterOffer
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", msgType, err)
		}
		s.router.ForwardOffer(connID, msg)
		return nil
	case wire.TypeViewerAnswer:
		var msg wire.ViewerAnswer
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", msgType, err)
		}
		s.router.ForwardAnswer(connID, msg)
		return nil
	case wire.TypeBroadcasterICE:
		var msg wire.BroadcasterICECandidate
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", msgType, err)
		}
		s.router.ForwardBroadcasterCandidate(connID, msg)
		return nil
	case wire.TypeViewerICE:
		var msg wire.ViewerICECandidate
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", msgType, err)
		}
		s.router.ForwardViewerCandidate(connID, msg)
		return nil
	default:
		return fmt.Errorf("unexpected message type: %s", msgType)
	}
}

func (s *Service) handleRegisterBroadcaster(connID string, msg wire.RegisterBroadcaster) error {
	geo := msg.Geometry.ToGeometry()
	if err := geo.IsValid(); err != nil {
		s.sendError(connID, wire.ErrCodeBadInput, err.Error())
		return nil
	}

	prev, replaced := s.registry.RegisterBroadcaster(connID, geo)

	// Arbitration invariant: the slot we just won must be ours.
	if bc, ok := s.registry.Broadcaster(); !ok || bc.TransportID != connID {
		err := fmt.Errorf("broadcaster arbitration failed: slot held by %q after registering %q", bc.TransportID, connID)
		s.log.Critical("hub: invariant violation", mlog.Err(err))
		select {
		case s.fatalCh <- err:
		default:
		}
		return err
	}

	if replaced && prev != connID {
		s.log.Info("replacing active broadcaster",
			mlog.String("prev", prev),
			mlog.String("connID", connID))
		if err := s.wsServer.CloseConn(prev); err != nil {
			s.log.Warn("failed to close replaced broadcaster transport", mlog.Err(err))
		}
	}

	s.log.Info("broadcaster registered",
		mlog.String("connID", connID),
		mlog.Int("width", geo.SourceWidth),
		mlog.Int("height", geo.SourceHeight))

	// Updated dimensions for everyone; on a re-publish from the same
	// transport this is an update, not a fresh announcement.
	dimsType := wire.TypeStreamDimensions
	if replaced && prev == connID {
		dimsType = wire.TypeStreamDimensionsUpdate
	}
	dims := wire.StreamDimensions{Type: dimsType, Width: geo.SourceWidth, Height: geo.SourceHeight}

	roster := s.registry.SnapshotRoster()
	for _, rec := range roster {
		if rec.Connected && rec.TransportID != "" {
			s.sendMsg(rec.TransportID, dims)
		}
	}
	for _, adminID := range s.adminConns() {
		s.sendMsg(adminID, dims)
	}

	// Replay the current roster so the broadcaster can build sessions for
	// viewers that connected before it did.
	for _, rec := range roster {
		if !rec.Connected || rec.TransportID == "" {
			continue
		}
		s.sendMsg(connID, wire.NewViewer{
			Type:              wire.TypeNewViewer,
			ViewerTransportID: rec.TransportID,
			ClientID:          rec.ClientID,
		})
		if rec.Region != nil {
			s.sendMsg(connID, wire.ClientRegionUpdated{
				Type:     wire.TypeClientRegionUpdated,
				ClientID: rec.ClientID,
				Region:   rec.Region,
			})
		}
	}

	return nil
}

func (s *Service) handleRegisterViewer(connID string, msg wire.RegisterViewer) error {
	prev, hadPrev := s.registry.GetViewer(msg.ClientID)

	rec, err := s.registry.UpsertViewer(msg.ClientID, connID, msg.DisplayName)
	if err != nil {
		s.sendError(connID, wire.ErrCodeBadInput, err.Error())
		return nil
	}

	s.saveProfile(rec)

	s.sendMsg(connID, wire.ClientConfig{Type: wire.TypeClientConfig, ViewerRecord: rec})

	bc, hasBroadcaster := s.registry.Broadcaster()
	if !hasBroadcaster {
		return nil
	}

	s.sendMsg(connID, wire.StreamDimensions{
		Type:   wire.TypeStreamDimensions,
		Width:  bc.Geometry.SourceWidth,
		Height: bc.Geometry.SourceHeight,
	})

	// A reconnect supersedes the prior transport: the broadcaster tears
	// down the old session before building one from Fresh.
	if hadPrev && prev.Connected && prev.TransportID != "" && prev.TransportID != connID {
		s.sendMsg(bc.TransportID, wire.ViewerDisconnected{
			Type:              wire.TypeViewerDisconnected,
			ViewerTransportID: prev.TransportID,
		})
	}

	s.sendMsg(bc.TransportID, wire.NewViewer{
		Type:              wire.TypeNewViewer,
		ViewerTransportID: connID,
		ClientID:          rec.ClientID,
	})
	if rec.Region != nil {
		s.sendMsg(bc.TransportID, wire.ClientRegionUpdated{
			Type:     wire.TypeClientRegionUpdated,
			ClientID: rec.ClientID,
			Region:   rec.Region,
		})
	}

	return nil
}

func (s *Service) handleGetClientConfig(connID string, msg wire.GetClientConfig) error {
	rec, ok := s.registry.GetViewer(msg.ClientID)
	if !ok {
		s.sendError(connID, wire.ErrCodeUnknownViewer, fmt.Sprintf("no such clientId %q", msg.ClientID))
		return nil
	}

	s.sendMsg(connID, wire.ClientConfig{Type: wire.TypeClientConfig, ViewerRecord: rec})
	return nil
}

func (s *Service) handleGetClients(connID string) error {
	if !s.isAdmin(connID) {
		s.sendError(connID, wire.ErrCodeUnauthorized, "admin access required")
		return nil
	}

	s.mut.Lock()
	s.admins[connID] = struct{}{}
	s.mut.Unlock()

	s.sendMsg(connID, wire.ClientsUpdate{
		Type:    wire.TypeClientsUpdate,
		Clients: s.registry.SnapshotRoster(),
	})

	if bc, ok := s.registry.Broadcaster(); ok {
		s.sendMsg(connID, wire.StreamDimensions{
			Type:   wire.TypeStreamDimensions,
			Width:  bc.Geometry.SourceWidth,
			Height: bc.Geometry.SourceHeight,
		})
	}

	return nil
}

func (s *Service) handleUpdateClientConfig(connID string, msg wire.UpdateClientConfig) error {
	if !s.isAdmin(connID) {
		s.sendError(connID, wire.ErrCodeUnauthorized, "admin access required")
		return nil
	}

	if msg.ClientID == "" {
		s.sendError(connID, wire.ErrCodeBadInput, "clientId should not be empty")
		return nil
	}

	// An operator referencing an unknown clientId creates its record, so
	// walls can be laid out before the viewers first connect.
	var displayName string
	if msg.Config.DisplayName != nil {
		displayName = *msg.Config.DisplayName
	}
	if _, err := s.registry.EnsureViewer(msg.ClientID, displayName); err != nil {
		s.sendError(connID, wire.ErrCodeBadInput, err.Error())
		return nil
	}

	regionChanged := false
	if msg.Config.RegionSet {
		changed, err := s.registry.SetRegion(msg.ClientID, msg.Config.Region)
		if err != nil {
			s.metrics.IncRegionUpdates("rejected")
			code := wire.ErrCodeBadInput
			if strings.HasPrefix(err.Error(), wire.ErrCodeUnknownViewer) {
				code = wire.ErrCodeUnknownViewer
			}
			s.sendError(connID, code, err.Error())
			return nil
		}
		regionChanged = changed
		if changed {
			s.metrics.IncRegionUpdates("applied")
		} else {
			s.metrics.IncRegionUpdates("coalesced")
		}
	}

	rec, ok := s.registry.GetViewer(msg.ClientID)
	if !ok {
		return errors.New("viewer record vanished during update")
	}

	s.saveProfile(rec)

	if regionChanged {
		// The viewer learns about its new region over a channel that
		// explicitly does not tear the media session down.
		if rec.Connected && rec.TransportID != "" {
			s.sendMsg(rec.TransportID, wire.RegionUpdate{
				Type:     wire.TypeRegionUpdate,
				ClientID: rec.ClientID,
				Region:   rec.Region,
				Geometry: wire.DimensionsFromGeometry(s.registry.CurrentGeometry()),
			})
		}

		// Broadcaster notifications are coalesced per viewer.
		if rec.Connected {
			s.coalescer.Push(rec.ClientID, rec.Region)
		}
	} else if msg.Config.DisplayName != nil && rec.Connected && rec.TransportID != "" {
		s.sendMsg(rec.TransportID, wire.ClientConfig{Type: wire.TypeClientConfig, ViewerRecord: rec})
	}

	return nil
}

// handleClose flips the participant bound to a closed transport to
// disconnected and notifies its counterparties.
func (s *Service) handleClose(connID string) {
	role, _ := s.registry.LookupByTransport(connID)

	s.registry.MarkDisconnected(connID)

	s.mut.Lock()
	delete(s.admins, connID)
	delete(s.authedConns, connID)
	s.mut.Unlock()

	switch role {
	case registry.RoleViewer:
		if bc, ok := s.registry.Broadcaster(); ok {
			s.sendMsg(bc.TransportID, wire.ViewerDisconnected{
				Type:              wire.TypeViewerDisconnected,
				ViewerTransportID: connID,
			})
		}
	case registry.RoleBroadcaster:
		gone := wire.BroadcasterDisconnected{Type: wire.TypeBroadcasterDisconnected}
		for _, rec := range s.registry.SnapshotRoster() {
			if rec.Connected && rec.TransportID != "" {
				s.sendMsg(rec.TransportID, gone)
			}
		}
		for _, adminID := range s.adminConns() {
			s.sendMsg(adminID, gone)
		}
	}
}

func (s *Service) fanOutRoster(roster []registry.ViewerRecord) {
	msg := wire.ClientsUpdate{Type: wire.TypeClientsUpdate, Clients: roster}
	for _, adminID := range s.adminConns() {
		s.sendMsg(adminID, msg)
	}
}

func (s *Service) isAdmin(connID string) bool {
	if !s.cfg.API.Security.EnableAdmin {
		return true
	}
	s.mut.RLock()
	defer s.mut.RUnlock()
	_, ok := s.authedConns[connID]
	return ok
}

func (s *Service) adminConns() []string {
	s.mut.RLock()
	defer s.mut.RUnlock()
	conns := make([]string, 0, len(s.admins))
	for id := range s.admins {
		conns = append(conns, id)
	}
	return conns
}

func (s *Service) sendMsg(connID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("failed to marshal message", mlog.Err(err))
		return
	}
	if err := s.sendRaw(connID, data); err != nil {
		s.log.Debug("failed to send message", mlog.String("connID", connID), mlog.Err(err))
	}
}

func (s *Service) sendRaw(connID string, data []byte) error {
	if msgType, err := wire.TypeOf(data); err == nil {
		s.metrics.IncWSMessages(msgType, "out")
	}
	return s.wsServer.Send(ws.Message{
		ConnID: connID,
		Type:   ws.TextMessage,
		Data:   data,
	})
}

func (s *Service) sendError(connID, code, message string) {
	s.sendMsg(connID, wire.ErrorMessage{
		Type:    wire.TypeError,
		Code:    code,
		Message: message,
	})
}
