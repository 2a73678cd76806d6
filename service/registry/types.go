// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package registry

import (
	"time"

	"github.com/wallgrid/hub/service/geometry"
)

// ViewerRecord is the registry's authoritative view of a single viewer,
// keyed by its stable clientId. It survives disconnects: fields are
// flipped, the record is retained.
type ViewerRecord struct {
	ClientID    string              `json:"clientId"`
	TransportID string              `json:"transportId,omitempty"`
	DisplayName string              `json:"displayName,omitempty"`
	Connected   bool                `json:"connected"`
	Region      *geometry.Rectangle `json:"region"`
	LastSeenAt  time.Time           `json:"lastSeenAt"`
}

// Clone returns a deep copy safe to hand to callers outside the
// registry's serialization domain.
func (v ViewerRecord) Clone() ViewerRecord {
	out := v
	if v.Region != nil {
		r := *v.Region
		out.Region = &r
	}
	return out
}

// BroadcasterRecord describes the single active broadcaster, if any.
type BroadcasterRecord struct {
	TransportID string
	Geometry    geometry.StreamGeometry
}

// Role identifies what kind of participant a transportId belongs to, for
// reverse lookups on disconnect.
type Role int

const (
	RoleUnknown Role = iota
	RoleViewer
	RoleBroadcaster
	RoleAdmin
)
