// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"encoding/json"
	"fmt"

	"github.com/wallgrid/hub/service/geometry"
	"github.com/wallgrid/hub/service/registry"
	"github.com/wallgrid/hub/service/wire"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// Admin is an administrative session: it observes the roster and binds
// regions to viewers. It consumes no media.
type Admin struct {
	*Client

	onClientsUpdate func(clients []registry.ViewerRecord)
	onDimensions    func(width, height int)
	onError         func(code, message string)
}

func NewAdmin(cfg Config, log mlog.LoggerIFace) (*Admin, error) {
	c, err := New(cfg, log)
	if err != nil {
		return nil, err
	}

	a := &Admin{Client: c}

	c.On(wire.TypeClientsUpdate, func(data []byte) {
		var msg wire.ClientsUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("admin: failed to unmarshal clients update", mlog.Err(err))
			return
		}
		if a.onClientsUpdate != nil {
			a.onClientsUpdate(msg.Clients)
		}
	})

	dimsHandler := func(data []byte) {
		var msg wire.StreamDimensions
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("admin: failed to unmarshal dimensions", mlog.Err(err))
			return
		}
		if a.onDimensions != nil {
			a.onDimensions(msg.Width, msg.Height)
		}
	}
	c.On(wire.TypeStreamDimensions, dimsHandler)
	c.On(wire.TypeStreamDimensionsUpdate, dimsHandler)

	c.On(wire.TypeError, func(data []byte) {
		var msg wire.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if a.onError != nil {
			a.onError(msg.Code, msg.Message)
		} else {
			log.Warn("admin: hub returned error",
				mlog.String("code", msg.Code),
				mlog.String("message", msg.Message))
		}
	})

	return a, nil
}

// OnClientsUpdate registers the roster snapshot handler.
func (a *Admin) OnClientsUpdate(cb func(clients []registry.ViewerRecord)) {
	a.onClientsUpdate = cb
}

// OnDimensions registers the stream geometry handler.
func (a *Admin) OnDimensions(cb func(width, height int)) {
	a.onDimensions = cb
}

// OnError registers the handler for hub-reported errors.
func (a *Admin) OnError(cb func(code, message string)) {
	a.onError = cb
}

// GetClients bootstraps the session: it subscribes to roster updates and
// requests the current snapshot.
func (a *Admin) GetClients() error {
	return a.Send(wire.GetClients{Type: wire.TypeGetClients})
}

// SetRegion binds a region to a viewer. Passing nil clears the assignment.
func (a *Admin) SetRegion(clientID string, region *geometry.Rectangle) error {
	if clientID == "" {
		return fmt.Errorf("invalid clientID: should not be empty")
	}
	return a.Send(wire.UpdateClientConfig{
		Type:     wire.TypeUpdateClientConfig,
		ClientID: clientID,
		Config:   wire.ClientConfigPatch{Region: region, RegionSet: true},
	})
}

// SetDisplayName labels a viewer, creating its record if needed.
func (a *Admin) SetDisplayName(clientID, displayName string) error {
	if clientID == "" {
		return fmt.Errorf("invalid clientID: should not be empty")
	}
	return a.Send(wire.UpdateClientConfig{
		Type:     wire.TypeUpdateClientConfig,
		ClientID: clientID,
		Config:   wire.ClientConfigPatch{DisplayName: &displayName},
	})
}
