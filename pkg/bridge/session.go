// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Session is the slice of the Matrix client-server API the bridge core
// needs. The puppet, the bridge bot, and every ghost each hold one. The
// production implementation lives in pkg/bridge/mxsession; tests use
// in-memory fakes.
type Session interface {
	UserID() id.UserID

	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	CreateRoom(ctx context.Context, req CreateRoomRequest) (id.RoomID, error)
	CreateAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error
	DeleteAlias(ctx context.Context, alias id.RoomAlias) error
	RoomAliases(ctx context.Context, roomID id.RoomID) ([]id.RoomAlias, error)

	JoinRoom(ctx context.Context, roomID id.RoomID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	SetPowerLevel(ctx context.Context, roomID id.RoomID, userID id.UserID, level int) error
	SetJoinRule(ctx context.Context, roomID id.RoomID, rule event.JoinRule) error
	SetRoomAvatar(ctx context.Context, roomID id.RoomID, avatar id.ContentURI) error

	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)

	UploadContent(ctx context.Context, data []byte, filename, mimetype string) (id.ContentURI, error)
	DownloadURL(mxc id.ContentURIString) string

	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, avatar id.ContentURI) error
	AvatarURL(ctx context.Context) (id.ContentURI, error)
}

// CreateRoomRequest carries the room creation parameters the lifecycle
// manager uses. The alias is set at creation time so a concurrent creator
// loses the race at the homeserver instead of duplicating the room.
type CreateRoomRequest struct {
	AliasLocalpart string
	Name           string
	Topic          string
	Invite         []id.UserID
	IsDirect       bool
}

// SessionProvider hands out sessions acting as arbitrary appservice
// namespace users. ActAs is cheap and idempotent; the returned session
// shares the underlying transport.
type SessionProvider interface {
	ActAs(userID id.UserID) Session
}

// GhostRegistrar is implemented by session providers whose ghost accounts
// must be created on the homeserver before first use. The relay engine
// calls it once per ghost during materialization.
type GhostRegistrar interface {
	EnsureRegistered(ctx context.Context, userID id.UserID) error
}
