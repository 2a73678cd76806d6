// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package wire defines the JSON messages exchanged between the hub and its
// participants. Every message is an object with a "type" discriminator and a
// type-specific payload.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/wallgrid/hub/service/geometry"
	"github.com/wallgrid/hub/service/registry"
)

// Participant to hub.
const (
	TypeRegisterBroadcaster = "register-broadcaster"
	TypeRegisterViewer      = "register-viewer"
	TypeGetClientConfig     = "get-client-config"
	TypeGetClients          = "get-clients"
	TypeUpdateClientConfig  = "update-client-config"
	TypeBroadcasterOffer    = "broadcaster-offer"
	TypeViewerAnswer        = "viewer-answer"
	TypeBroadcasterICE      = "broadcaster-ice-candidate"
	TypeViewerICE           = "viewer-ice-candidate"
)

// Hub to participant.
const (
	TypeClientConfig            = "client-config"
	TypeRegionUpdate            = "region-update"
	TypeClientsUpdate           = "clients-update"
	TypeStreamDimensions        = "stream-dimensions"
	TypeStreamDimensionsUpdate  = "stream-dimensions-update"
	TypeNewViewer               = "new-viewer"
	TypeClientRegionUpdated     = "client-region-updated"
	TypeViewerDisconnected      = "viewer-disconnected"
	TypeBroadcasterDisconnected = "broadcaster-disconnected"
	TypeError                   = "error"
)

// Error codes carried by ErrorMessage.
const (
	ErrCodeUnknownViewer = "UNKNOWN_VIEWER"
	ErrCodeBadInput      = "BAD_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
)

// Dimensions is the on-wire shape of the stream geometry.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (d Dimensions) ToGeometry() geometry.StreamGeometry {
	return geometry.StreamGeometry{SourceWidth: d.Width, SourceHeight: d.Height}
}

func DimensionsFromGeometry(g geometry.StreamGeometry) Dimensions {
	return Dimensions{Width: g.SourceWidth, Height: g.SourceHeight}
}

type RegisterBroadcaster struct {
	Type     string     `json:"type"`
	Geometry Dimensions `json:"geometry"`
}

type RegisterViewer struct {
	Type        string `json:"type"`
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName,omitempty"`
}

type GetClientConfig struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type GetClients struct {
	Type string `json:"type"`
}

// ClientConfigPatch is the partial config carried by update-client-config.
// Region distinguishes three cases: field absent (no change), null (clear
// the assignment) and a rectangle (assign).
type ClientConfigPatch struct {
	Region      *geometry.Rectangle `json:"region,omitempty"`
	RegionSet   bool                `json:"-"`
	DisplayName *string             `json:"displayName,omitempty"`
}

func (p ClientConfigPatch) MarshalJSON() ([]byte, error) {
	raw := map[string]any{}
	if p.RegionSet {
		// Explicit null clears the assignment; an absent field leaves it
		// untouched.
		raw["region"] = p.Region
	}
	if p.DisplayName != nil {
		raw["displayName"] = *p.DisplayName
	}
	return json.Marshal(raw)
}

func (p *ClientConfigPatch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if regionData, ok := raw["region"]; ok {
		p.RegionSet = true
		if string(regionData) != "null" {
			var rect geometry.Rectangle
			if err := json.Unmarshal(regionData, &rect); err != nil {
				return fmt.Errorf("failed to unmarshal region: %w", err)
			}
			p.Region = &rect
		}
	}

	if nameData, ok := raw["displayName"]; ok {
		var name string
		if err := json.Unmarshal(nameData, &name); err != nil {
			return fmt.Errorf("failed to unmarshal displayName: %w", err)
		}
		p.DisplayName = &name
	}

	return nil
}

type UpdateClientConfig struct {
	Type     string            `json:"type"`
	ClientID string            `json:"clientId"`
	Config   ClientConfigPatch `json:"config"`
}

type BroadcasterOffer struct {
	Type string `json:"type"`
	// ViewerTransportID addresses the target viewer when sent by the
	// broadcaster. It is empty on delivery to the viewer.
	ViewerTransportID string          `json:"viewerTransportId,omitempty"`
	SDP               json.RawMessage `json:"sdp"`
}

type ViewerAnswer struct {
	Type string `json:"type"`
	// ViewerTransportID tags the answering viewer on delivery to the
	// broadcaster. It is empty when sent by the viewer.
	ViewerTransportID string          `json:"viewerTransportId,omitempty"`
	SDP               json.RawMessage `json:"sdp"`
}

type BroadcasterICECandidate struct {
	Type              string          `json:"type"`
	ViewerTransportID string          `json:"viewerTransportId,omitempty"`
	Candidate         json.RawMessage `json:"candidate"`
}

type ViewerICECandidate struct {
	Type              string          `json:"type"`
	ViewerTransportID string          `json:"viewerTransportId,omitempty"`
	Candidate         json.RawMessage `json:"candidate"`
}

type ClientConfig struct {
	Type string `json:"type"`
	registry.ViewerRecord
}

type RegionUpdate struct {
	Type     string              `json:"type"`
	ClientID string              `json:"clientId"`
	Region   *geometry.Rectangle `json:"region"`
	Geometry Dimensions          `json:"geometry"`
}

type ClientsUpdate struct {
	Type    string                  `json:"type"`
	Clients []registry.ViewerRecord `json:"clients"`
}

type StreamDimensions struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type NewViewer struct {
	Type              string `json:"type"`
	ViewerTransportID string `json:"viewerTransportId"`
	ClientID          string `json:"clientId"`
}

type ClientRegionUpdated struct {
	Type     string              `json:"type"`
	ClientID string              `json:"clientId"`
	Region   *geometry.Rectangle `json:"region"`
}

type ViewerDisconnected struct {
	Type              string `json:"type"`
	ViewerTransportID string `json:"viewerTransportId"`
}

type BroadcasterDisconnected struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TypeOf extracts the type discriminator without decoding the payload.
func TypeOf(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("failed to unmarshal message envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("missing message type")
	}
	return env.Type, nil
}
