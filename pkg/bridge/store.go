// Copyright 2024-2026 Aiku AI

package bridge

import "context"

// RemoteUserRecord is cached profile data for a third-party user, fetched
// from the adapter at most once per process unless explicitly refreshed.
type RemoteUserRecord struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// RemoteUserStore is the durable remote identity cache. Get returns nil
// with no error when the user is unknown.
type RemoteUserStore interface {
	Get(ctx context.Context, userID string) (*RemoteUserRecord, error)
	Put(ctx context.Context, rec RemoteUserRecord) error
}
