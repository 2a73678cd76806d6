// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const bearerPrefix = "Bearer "

// authHandler authenticates administrative access. When admin security is
// disabled every connection is treated as admin-capable, which keeps local
// and development deployments zero-config. With it enabled, a bearer token
// matching the configured admin secret is required.
func (s *Service) authHandler(_ http.ResponseWriter, r *http.Request) (bool, error) {
	if !s.cfg.API.Security.EnableAdmin {
		return true, nil
	}

	token, ok := parseBearerAuth(r.Header.Get("Authorization"))
	if !ok {
		// Not an admin connection. Viewers and broadcasters connect
		// unauthenticated.
		return false, nil
	}

	if err := s.auth.Authenticate(token); err != nil {
		s.log.Error("admin authentication failed", mlog.Err(err))
		return false, errors.New("authentication failed")
	}

	return true, nil
}

func parseBearerAuth(auth string) (token string, ok bool) {
	if len(auth) < len(bearerPrefix) || !strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return
	}
	return auth[len(bearerPrefix):], true
}
