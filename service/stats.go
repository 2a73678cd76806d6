// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"net/http"
)

// getStats reports roster-level counters for operational dashboards that
// don't scrape the Prometheus endpoint.
func (s *Service) getStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	data := newHTTPData()
	defer s.httpAudit("getStats", data, w, r)

	roster := s.registry.SnapshotRoster()

	var connected, withRegion int
	for _, rec := range roster {
		if rec.Connected {
			connected++
		}
		if rec.Region != nil {
			withRegion++
		}
	}

	data.resData["viewers"] = len(roster)
	data.resData["connected"] = connected
	data.resData["withRegion"] = withRegion
	data.resData["broadcaster"] = s.registry.HasBroadcaster()

	data.code = http.StatusOK
}
