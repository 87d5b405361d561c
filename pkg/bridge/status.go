// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// StatusOptions controls status message rendering.
type StatusOptions struct {
	// FixedWidth renders the message as a code block.
	FixedWidth bool
}

// DefaultStatusOptions returns the default rendering: fixed width.
func DefaultStatusOptions() StatusOptions {
	return StatusOptions{FixedWidth: true}
}

// StatusReporter posts diagnostics to the per-identity status room. It is
// the sole error-reporting surface a running bridge exposes to its user.
type StatusReporter struct {
	log    zerolog.Logger
	rooms  *RoomManager
	bot    Session
	tagger *Tagger
}

// NewStatusReporter wires a reporter for one identity pair.
func NewStatusReporter(rooms *RoomManager, bot Session, tagger *Tagger, log zerolog.Logger) *StatusReporter {
	return &StatusReporter{
		log:    log.With().Str("component", "status").Logger(),
		rooms:  rooms,
		bot:    bot,
		tagger: tagger,
	}
}

// Report formats the given parts and sends them to the status room as a
// notice from the bridge bot, joining the bot first if needed. The body is
// tagged like every other bridge-originated send, or it would loop.
func (s *StatusReporter) Report(ctx context.Context, opts StatusOptions, parts ...any) error {
	roomID, err := s.rooms.StatusRoomID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve status room: %w", err)
	}
	if err := s.bot.JoinRoom(ctx, roomID); err != nil {
		s.log.Debug().Err(err).Msg("Bot status room join failed (possibly already a member)")
	}

	text := s.tagger.Tag(formatStatusParts(parts))
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	if opts.FixedWidth {
		content.Format = event.FormatHTML
		content.FormattedBody = "<pre><code>" + html.EscapeString(text) + "</code></pre>"
	}
	if _, err := s.bot.SendMessage(ctx, roomID, content); err != nil {
		return fmt.Errorf("failed to send status message: %w", err)
	}
	return nil
}

// formatStatusParts renders each part with full value detail so error
// payloads stay inspectable in the room.
func formatStatusParts(parts []any) string {
	rendered := make([]string, len(parts))
	for i, part := range parts {
		switch v := part.(type) {
		case string:
			rendered[i] = v
		case error:
			rendered[i] = v.Error()
		default:
			rendered[i] = fmt.Sprintf("%+v", v)
		}
	}
	return strings.Join(rendered, " ")
}
