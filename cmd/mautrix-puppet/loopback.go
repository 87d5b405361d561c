// Copyright 2024-2026 Aiku AI

package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-puppet/pkg/bridge"
)

// loopbackAdapter is a stand-in third-party network: every send comes
// straight back as an own-account echo. Tag-marked bodies get suppressed
// by the relay engine, so a healthy bridge shows no message storms; an
// untagged echo would surface immediately. Useful for smoke-testing a
// deployment before wiring a real network module.
type loopbackAdapter struct {
	bridge *bridge.Bridge
	log    zerolog.Logger
}

func (l *loopbackAdapter) BindBridge(b *bridge.Bridge) {
	l.bridge = b
}

func (l *loopbackAdapter) SendMessage(ctx context.Context, roomID, text string) error {
	l.log.Debug().Str("room_id", roomID).Msg("Loopback echoing message")
	l.bridge.HandleThirdPartyMessage(ctx, bridge.Message{
		RoomID: roomID,
		Sender: bridge.OwnEcho(),
		Body:   text,
	})
	return nil
}

func (l *loopbackAdapter) SendImageMessage(ctx context.Context, roomID string, img bridge.Image) error {
	l.log.Debug().Str("room_id", roomID).Msg("Loopback echoing image message")
	l.bridge.HandleThirdPartyImageMessage(ctx, bridge.ImageMessage{
		RoomID:   roomID,
		Sender:   bridge.OwnEcho(),
		Body:     img.Body,
		URL:      img.URL,
		MimeType: img.MimeType,
		Width:    img.Width,
		Height:   img.Height,
	})
	return nil
}

func (l *loopbackAdapter) SendEmoteMessage(ctx context.Context, roomID, text string) error {
	return l.SendMessage(ctx, roomID, text)
}

func (l *loopbackAdapter) SendReadReceipt(ctx context.Context, roomID string) error {
	return nil
}
