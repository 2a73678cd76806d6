// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wallgrid/hub/service/geometry"
	"github.com/wallgrid/hub/service/registry"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const profileKeyPrefix = "profile/"

// viewerProfile is the durable subset of a ViewerRecord: what an operator
// configured, not what a transport negotiated. Profiles are reloaded on
// startup so the wall layout survives a hub restart; regions are
// re-validated against the stream geometry when a broadcaster next
// registers.
type viewerProfile struct {
	ClientID    string              `msgpack:"client_id"`
	DisplayName string              `msgpack:"display_name,omitempty"`
	Region      *geometry.Rectangle `msgpack:"region,omitempty"`
}

func (s *Service) saveProfile(rec registry.ViewerRecord) {
	profile := viewerProfile{
		ClientID:    rec.ClientID,
		DisplayName: rec.DisplayName,
		Region:      rec.Region,
	}

	data, err := msgpack.Marshal(&profile)
	if err != nil {
		s.log.Error("failed to marshal profile", mlog.Err(err), mlog.String("clientID", rec.ClientID))
		return
	}

	if err := s.store.Set(profileKeyPrefix+rec.ClientID, string(data)); err != nil {
		s.log.Error("failed to save profile", mlog.Err(err), mlog.String("clientID", rec.ClientID))
	}
}

func (s *Service) deleteProfile(clientID string) {
	if err := s.store.Delete(profileKeyPrefix + clientID); err != nil {
		s.log.Error("failed to delete profile", mlog.Err(err), mlog.String("clientID", clientID))
	}
}

// loadProfiles seeds the registry with the profiles persisted by a prior
// run. Records are created disconnected; regions are installed unclipped
// since no geometry is known yet and will be normalized when applied to a
// live stream.
func (s *Service) loadProfiles() error {
	keys, err := s.store.Keys(profileKeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}

	for _, key := range keys {
		data, err := s.store.Get(key)
		if err != nil {
			s.log.Error("failed to load profile", mlog.Err(err), mlog.String("key", key))
			continue
		}

		var profile viewerProfile
		if err := msgpack.Unmarshal([]byte(data), &profile); err != nil {
			s.log.Error("failed to unmarshal profile", mlog.Err(err), mlog.String("key", key))
			continue
		}

		if profile.ClientID == "" {
			profile.ClientID = strings.TrimPrefix(key, profileKeyPrefix)
		}

		if _, err := s.registry.EnsureViewer(profile.ClientID, profile.DisplayName); err != nil {
			s.log.Error("failed to seed viewer record", mlog.Err(err), mlog.String("clientID", profile.ClientID))
			continue
		}

		if profile.Region != nil {
			if _, err := s.registry.SetRegion(profile.ClientID, profile.Region); err != nil {
				s.log.Warn("failed to restore region", mlog.Err(err), mlog.String("clientID", profile.ClientID))
			}
		}
	}

	if len(keys) > 0 {
		s.log.Info("restored viewer profiles", mlog.Int("count", len(keys)))
	}

	return nil
}
