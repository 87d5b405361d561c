// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
)

// Sender identifies who produced a third-party payload. It is a closed
// union: either the bridged account itself echoing back (OwnEcho), or a
// remote participant (RemoteSender). Constructing it any other way yields
// the zero value, which is treated as an own echo.
type Sender struct {
	remote    bool
	ID        string
	Name      string
	AvatarURL string
}

// OwnEcho marks a payload as an echo of something sent from the bridged
// account, either by the bridge itself or by the user's own third-party
// client. The tagger decides which of the two it was.
func OwnEcho() Sender {
	return Sender{}
}

// RemoteSender marks a payload as originating from a third-party
// participant. Name and avatarURL may be empty; the relay engine fills
// them from the remote identity cache or the adapter.
func RemoteSender(userID, name, avatarURL string) Sender {
	return Sender{remote: true, ID: userID, Name: name, AvatarURL: avatarURL}
}

// IsOwnEcho reports whether the payload came from the bridged account.
func (s Sender) IsOwnEcho() bool {
	return !s.remote
}

// Message is a plain text payload delivered by a third-party adapter.
type Message struct {
	RoomID string
	Sender Sender
	Body   string
	// HTML is an optional formatted variant of Body.
	HTML string
}

// ImageMessage is a binary attachment payload delivered by a third-party
// adapter. Exactly one of URL, Path, or Data should be set; the relay
// engine fetches whichever the adapter supplied.
type ImageMessage struct {
	RoomID string
	Sender Sender
	Body   string

	URL      string
	Path     string
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// Image is an attachment handed to an adapter for outbound delivery.
type Image struct {
	URL      string
	Body     string
	MimeType string
	Width    int
	Height   int
	Size     int
}

// RoomData is third-party room metadata used when creating mirror rooms.
type RoomData struct {
	Name      string
	Topic     string
	AvatarURL string
	IsDirect  bool
}

// UserData is third-party user profile data.
type UserData struct {
	Name      string
	AvatarURL string
}

// ContactListUser is one entry of a third-party contact list sync.
type ContactListUser struct {
	UserID    string
	Name      string
	AvatarURL string
}

// Adapter is the required contract every third-party network module
// implements. Sends may return an error to signal the operation is
// unsupported on that network.
type Adapter interface {
	SendMessage(ctx context.Context, thirdPartyRoomID, text string) error
	SendImageMessage(ctx context.Context, thirdPartyRoomID string, img Image) error
	SendEmoteMessage(ctx context.Context, thirdPartyRoomID, text string) error
	SendReadReceipt(ctx context.Context, thirdPartyRoomID string) error
}

// RoomDataProvider is an optional adapter capability for fetching room
// metadata when it does not arrive in the original payload.
type RoomDataProvider interface {
	RoomData(ctx context.Context, thirdPartyRoomID string) (RoomData, error)
}

// UserDataProvider is an optional adapter capability for fetching user
// profile data when it does not arrive in the original payload.
type UserDataProvider interface {
	UserData(ctx context.Context, thirdPartyUserID string) (UserData, error)
}

// BangCommandHandler is an optional adapter capability for processing
// !commands typed by the Matrix user instead of relaying them as text.
type BangCommandHandler interface {
	HandleBangCommand(ctx context.Context, cmd *BangCommand) error
}

// AdapterCapabilities records which optional interfaces an adapter
// implements. It is resolved once at wiring time so the per-message paths
// never need runtime "is this overridden" checks.
type AdapterCapabilities struct {
	RoomData    func(ctx context.Context, thirdPartyRoomID string) (RoomData, error)
	UserData    func(ctx context.Context, thirdPartyUserID string) (UserData, error)
	BangCommand func(ctx context.Context, cmd *BangCommand) error
}

// ResolveCapabilities inspects an adapter for its optional capabilities.
func ResolveCapabilities(adapter Adapter) AdapterCapabilities {
	var caps AdapterCapabilities
	if p, ok := adapter.(RoomDataProvider); ok {
		caps.RoomData = p.RoomData
	}
	if p, ok := adapter.(UserDataProvider); ok {
		caps.UserData = p.UserData
	}
	if h, ok := adapter.(BangCommandHandler); ok {
		caps.BangCommand = h.HandleBangCommand
	}
	return caps
}
