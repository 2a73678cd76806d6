// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package auth implements admin authentication for the hub. Viewer and
// broadcaster connections are unauthenticated; only the administrative
// surface (roster queries and region updates) requires a secret key.
package auth

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"github.com/wallgrid/hub/service/store"
)

const (
	MinKeyLen                              = 32
	authTimeout                            = 10 * time.Second
	authRequestsPerSecondPerCPU rate.Limit = 12

	adminKeyID = "adminSecretKey"
)

type Service struct {
	store   store.Store
	limiter *rate.Limiter
}

func NewService(store store.Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("invalid store")
	}
	return &Service{
		store:   store,
		limiter: rate.NewLimiter(authRequestsPerSecondPerCPU*rate.Limit(runtime.NumCPU()), 1),
	}, nil
}

// SetAdminSecret hashes and stores the admin secret key, replacing any
// previously stored one. It is called on every startup with admin access
// enabled.
func (s *Service) SetAdminSecret(key string) error {
	if len(key) < MinKeyLen {
		return errors.New("failed to set admin secret: key not long enough")
	}

	hash, err := hashKey(key)
	if err != nil {
		return fmt.Errorf("failed to set admin secret: %w", err)
	}

	if err := s.store.Set(adminKeyID, hash); err != nil {
		return fmt.Errorf("failed to set admin secret: %w", err)
	}

	return nil
}

// Authenticate compares the given key against the stored admin secret hash.
// Comparisons are rate limited to make brute forcing impractical.
func (s *Service) Authenticate(key string) error {
	hash, err := s.store.Get(adminKeyID)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	if err := compareKeyHash(hash, key); err != nil {
		return errors.New("authentication failed")
	}
	return nil
}
