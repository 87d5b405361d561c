// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RelayEngine is the bidirectional dispatch logic for one identity pair.
// It classifies inbound Matrix events, resolves the acting identity (ghost
// vs. puppet vs. bot) for third-party payloads, and invokes the correct
// send primitive on either side.
type RelayEngine struct {
	log     zerolog.Logger
	cfg     *Config
	mapper  AddressMapper
	tagger  *Tagger
	rooms   *RoomManager
	puppet  Session
	bot     Session
	ghosts  SessionProvider
	adapter Adapter
	caps    AdapterCapabilities
	users   RemoteUserStore
	media   *Media
	retrier *Retrier
	status  *StatusReporter

	ghostSF    singleflight.Group
	ghostMu    sync.Mutex
	ghostReady map[string]*ghostHandle
}

// ghostHandle is a materialized ghost identity: profile set and status
// room joined. Per-room joins are tracked so repeat messages skip the
// membership dance.
type ghostHandle struct {
	session Session

	mu     sync.Mutex
	joined map[id.RoomID]struct{}
}

// HandleMatrixEvent is the inbound edge: an event observed on the
// puppet's own sync stream, to be forwarded to the third-party network.
// All failures are reported to the status channel; nothing propagates.
func (r *RelayEngine) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	switch evt.Type {
	case event.EventMessage, event.EventSticker:
		if err := r.relayMatrixMessage(ctx, evt); err != nil {
			r.reportError(ctx, err, evt)
		}
	case event.EphemeralEventReceipt:
		r.handleMatrixReceipt(ctx, evt)
	default:
		r.log.Trace().Str("event_type", evt.Type.String()).Msg("Ignoring Matrix event type")
	}
}

func (r *RelayEngine) relayMatrixMessage(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMessage()
	if content == nil {
		return nil
	}

	// Echo prevention layer 1: the bridge's own prior output observed via
	// the protocol's event stream carries the dedup tag.
	if r.tagger.IsTagged(content.Body) {
		r.log.Debug().Str("event_id", string(evt.ID)).Msg("Ignoring tagged message sent by the bridge")
		return nil
	}
	// Echo prevention layer 2: events sent by bridge-managed identities.
	if r.isBridgeUser(evt.Sender) {
		r.log.Debug().Str("sender", string(evt.Sender)).Msg("Ignoring event from bridge-managed identity")
		return nil
	}

	thirdPartyRoomID, err := r.thirdPartyRoomID(ctx, evt.RoomID)
	if err != nil {
		return err
	}

	// The status room's "third-party ID" is the reserved postfix; it is
	// never routable. Reply in-room instead of forwarding.
	if thirdPartyRoomID == r.cfg.StatusRoomPostfix {
		r.log.Debug().Msg("Ignoring incoming message to status room")
		return r.status.Report(ctx, StatusOptions{FixedWidth: false}, "Commands are currently ignored here")
	}

	switch {
	case evt.Type == event.EventSticker:
		return r.relayMatrixAttachment(ctx, thirdPartyRoomID, content)
	case content.MsgType == event.MsgText:
		if r.caps.BangCommand != nil {
			if cmd := ParseBangCommand(content.Body); cmd != nil {
				return r.caps.BangCommand(ctx, cmd)
			}
		}
		body := r.tagger.Tag(content.Body)
		return r.retrier.Do(ctx, func(ctx context.Context) error {
			return r.adapter.SendMessage(ctx, thirdPartyRoomID, body)
		})
	case content.MsgType == event.MsgEmote:
		body := r.tagger.Tag(content.Body)
		return r.retrier.Do(ctx, func(ctx context.Context) error {
			return r.adapter.SendEmoteMessage(ctx, thirdPartyRoomID, body)
		})
	case content.MsgType == event.MsgImage, content.MsgType == event.MsgVideo,
		content.MsgType == event.MsgAudio, content.MsgType == event.MsgFile:
		return r.relayMatrixAttachment(ctx, thirdPartyRoomID, content)
	default:
		// Unknown content must surface, not vanish.
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, content.MsgType)
	}
}

// relayMatrixAttachment resolves the event's content reference to a
// fetchable URL and hands it to the adapter.
func (r *RelayEngine) relayMatrixAttachment(ctx context.Context, thirdPartyRoomID string, content *event.MessageEventContent) error {
	img := Image{
		URL:  r.puppet.DownloadURL(content.URL),
		Body: r.tagger.Tag(content.Body),
	}
	if content.Info != nil {
		img.MimeType = content.Info.MimeType
		img.Width = content.Info.Width
		img.Height = content.Info.Height
		img.Size = content.Info.Size
	}
	return r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.adapter.SendImageMessage(ctx, thirdPartyRoomID, img)
	})
}

// handleMatrixReceipt forwards the puppet's own read receipts in mapped
// rooms to the third-party network when the adapter supports it.
func (r *RelayEngine) handleMatrixReceipt(ctx context.Context, evt *event.Event) {
	thirdPartyRoomID, ok := r.rooms.ThirdPartyRoomID(evt.RoomID)
	if !ok || thirdPartyRoomID == r.cfg.StatusRoomPostfix {
		return
	}
	receipts := evt.Content.AsReceipt()
	if receipts == nil {
		return
	}
	for _, perType := range *receipts {
		for userID := range perType[event.ReceiptTypeRead] {
			if userID != r.puppet.UserID() {
				continue
			}
			if err := r.adapter.SendReadReceipt(ctx, thirdPartyRoomID); err != nil {
				r.log.Debug().Err(err).Msg("Failed to forward read receipt")
			}
			return
		}
	}
}

// thirdPartyRoomID recovers the routing key for a Matrix room: side cache
// first, alias recovery as the authoritative fallback.
func (r *RelayEngine) thirdPartyRoomID(ctx context.Context, roomID id.RoomID) (string, error) {
	if tpID, ok := r.rooms.ThirdPartyRoomID(roomID); ok {
		return tpID, nil
	}
	aliases, err := r.puppet.RoomAliases(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("%w: alias lookup failed for %s: %v", ErrCannotRoute, roomID, err)
	}
	tpID, ok := r.mapper.ThirdPartyRoomID(aliases)
	if !ok {
		return "", fmt.Errorf("%w: room %s has no matching alias", ErrCannotRoute, roomID)
	}
	r.rooms.RememberRoom(roomID, tpID)
	return tpID, nil
}

// isBridgeUser reports whether a Matrix user ID is managed by this bridge
// (the bot or any ghost in this pair's namespace).
func (r *RelayEngine) isBridgeUser(userID id.UserID) bool {
	if userID == r.bot.UserID() {
		return true
	}
	_, isGhost := r.mapper.ThirdPartyUserID(userID)
	return isGhost
}

// HandleThirdPartyMessage is the outbound edge: a text payload delivered
// by the adapter, to be mirrored into Matrix. Any failure in the path is
// reported to the status channel with the payload attached; a single bad
// message never stops the relay.
func (r *RelayEngine) HandleThirdPartyMessage(ctx context.Context, msg Message) {
	if err := r.relayThirdPartyMessage(ctx, msg); err != nil {
		r.reportError(ctx, err, msg)
	}
}

func (r *RelayEngine) relayThirdPartyMessage(ctx context.Context, msg Message) error {
	roomID, err := r.rooms.ResolveRoom(ctx, msg.RoomID)
	if err != nil {
		return err
	}

	if msg.Sender.IsOwnEcho() {
		// Sent by the bridged account itself. A tag-marked body is this
		// bridge's own Matrix-originated send bouncing back: suppress. An
		// untagged body was typed on a third-party client and must still
		// be mirrored, as a notice so clients render it as an echo.
		if r.tagger.IsTagged(msg.Body) {
			r.log.Debug().Str("room_id", msg.RoomID).Msg("Dropping echo of bridge-originated message")
			return nil
		}
		content := &event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    r.tagger.Tag(msg.Body),
		}
		applyHTML(content, msg.HTML)
		return r.sendWithRetry(ctx, r.puppet, roomID, content)
	}

	ghost, err := r.ensureGhost(ctx, msg.Sender, roomID)
	if err != nil {
		return err
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Body,
	}
	applyHTML(content, msg.HTML)
	return r.sendWithRetry(ctx, ghost, roomID, content)
}

// HandleThirdPartyImageMessage mirrors an attachment payload into Matrix.
func (r *RelayEngine) HandleThirdPartyImageMessage(ctx context.Context, msg ImageMessage) {
	if err := r.relayThirdPartyImageMessage(ctx, msg); err != nil {
		r.reportError(ctx, err, msg)
	}
}

func (r *RelayEngine) relayThirdPartyImageMessage(ctx context.Context, msg ImageMessage) error {
	roomID, err := r.rooms.ResolveRoom(ctx, msg.RoomID)
	if err != nil {
		return err
	}

	var acting Session
	echo := msg.Sender.IsOwnEcho()
	if echo {
		if r.tagger.IsTagged(msg.Body) || IsFilenameTagged(msg.Path) {
			r.log.Debug().Str("room_id", msg.RoomID).Msg("Dropping echo of bridge-originated attachment")
			return nil
		}
		acting = r.puppet
	} else {
		acting, err = r.ensureGhost(ctx, msg.Sender, roomID)
		if err != nil {
			return err
		}
	}

	// Echoed bodies get tagged so the Matrix copy is recognizable if it
	// loops back; genuine remote messages go out verbatim.
	tagIfEcho := func(s string) string {
		if echo {
			return r.tagger.Tag(s)
		}
		return s
	}

	data, mimetype, err := r.fetchAttachment(ctx, msg)
	if err == nil {
		var mxc id.ContentURI
		mxc, err = acting.UploadContent(ctx, data, attachmentName(msg), mimetype)
		if err == nil {
			content := buildAttachmentContent(tagIfEcho(msg.Body), mxc, mimetype, msg, data)
			return r.sendWithRetry(ctx, acting, roomID, content)
		}
	}

	// Degrade to a plain-text message carrying the original reference
	// rather than losing the event.
	r.log.Warn().Err(err).Str("room_id", msg.RoomID).Msg("Attachment transfer failed, degrading to text")
	fallback := msg.URL
	if fallback == "" {
		fallback = msg.Path
	}
	if fallback == "" {
		fallback = msg.Body
	}
	return r.sendWithRetry(ctx, acting, roomID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    tagIfEcho(fallback),
	})
}

func (r *RelayEngine) fetchAttachment(ctx context.Context, msg ImageMessage) ([]byte, string, error) {
	var data []byte
	var mimetype string
	var err error
	switch {
	case len(msg.Data) > 0:
		data = msg.Data
		mimetype = msg.MimeType
	case msg.Path != "":
		data, mimetype, err = r.media.FetchFile(msg.Path)
	case msg.URL != "":
		data, mimetype, err = r.media.Fetch(ctx, msg.URL)
	default:
		err = fmt.Errorf("attachment payload has no url, path, or data")
	}
	if err != nil {
		return nil, "", err
	}
	if msg.MimeType != "" {
		mimetype = msg.MimeType
	}
	return data, mimetype, nil
}

func buildAttachmentContent(body string, mxc id.ContentURI, mimetype string, msg ImageMessage, data []byte) *event.MessageEventContent {
	info := &event.FileInfo{
		MimeType: mimetype,
		Size:     len(data),
		Width:    msg.Width,
		Height:   msg.Height,
	}
	msgType := ClassifyMsgType(mimetype)
	if msgType == event.MsgImage && info.Width == 0 && info.Height == 0 {
		if w, h, ok := ImageDimensions(data); ok {
			info.Width, info.Height = w, h
		}
	}
	if body == "" {
		body = attachmentName(msg)
	}
	return &event.MessageEventContent{
		MsgType: msgType,
		Body:    body,
		URL:     mxc.CUString(),
		Info:    info,
	}
}

func attachmentName(msg ImageMessage) string {
	if msg.Body != "" {
		return msg.Body
	}
	if msg.Path != "" {
		if idx := strings.LastIndexByte(msg.Path, '/'); idx >= 0 {
			return msg.Path[idx+1:]
		}
		return msg.Path
	}
	return "upload"
}

// ensureGhost materializes the ghost for a remote sender and joins it to
// the target room. First-contact materialization (profile setup plus
// status room join) is deduplicated so concurrent first messages from one
// participant produce a single ghost setup.
func (r *RelayEngine) ensureGhost(ctx context.Context, sender Sender, roomID id.RoomID) (Session, error) {
	handle, err := r.materializeGhost(ctx, sender)
	if err != nil {
		return nil, err
	}

	handle.mu.Lock()
	_, joined := handle.joined[roomID]
	handle.mu.Unlock()
	if !joined {
		if err := r.bot.InviteUser(ctx, roomID, handle.session.UserID()); err != nil {
			r.log.Debug().Err(err).Str("ghost", string(handle.session.UserID())).Msg("Ghost invite failed (possibly already a member)")
		}
		if err := handle.session.JoinRoom(ctx, roomID); err != nil {
			return nil, fmt.Errorf("ghost %s failed to join room %s: %w", handle.session.UserID(), roomID, err)
		}
		handle.mu.Lock()
		handle.joined[roomID] = struct{}{}
		handle.mu.Unlock()
	}
	return handle.session, nil
}

func (r *RelayEngine) materializeGhost(ctx context.Context, sender Sender) (*ghostHandle, error) {
	r.ghostMu.Lock()
	handle, ok := r.ghostReady[sender.ID]
	r.ghostMu.Unlock()
	if ok {
		return handle, nil
	}

	v, err, _ := r.ghostSF.Do(sender.ID, func() (any, error) {
		ghostID, err := r.mapper.GhostUserID(sender.ID)
		if err != nil {
			return nil, err
		}
		if registrar, ok := r.ghosts.(GhostRegistrar); ok {
			if err := registrar.EnsureRegistered(ctx, ghostID); err != nil {
				return nil, fmt.Errorf("failed to register ghost %s: %w", ghostID, err)
			}
		}
		session := r.ghosts.ActAs(ghostID)
		log := r.log.With().Str("ghost", string(ghostID)).Logger()

		name, avatarURL := r.resolveGhostProfile(ctx, log, sender)
		if name != "" {
			if err := session.SetDisplayName(ctx, r.cfg.FormatDisplayname(name)); err != nil {
				log.Warn().Err(err).Msg("Failed to set ghost display name")
			}
		}
		if avatarURL != "" {
			r.setGhostAvatar(ctx, log, session, avatarURL)
		}

		// Ghosts join the status room too, so contact-list joins are
		// meaningful to the user.
		statusRoomID, err := r.rooms.StatusRoomID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve status room for ghost: %w", err)
		}
		if err := r.bot.InviteUser(ctx, statusRoomID, ghostID); err != nil {
			log.Debug().Err(err).Msg("Ghost status room invite failed (possibly already a member)")
		}
		if err := session.JoinRoom(ctx, statusRoomID); err != nil {
			return nil, fmt.Errorf("ghost %s failed to join status room: %w", ghostID, err)
		}

		handle := &ghostHandle{session: session, joined: make(map[id.RoomID]struct{})}
		r.ghostMu.Lock()
		r.ghostReady[sender.ID] = handle
		r.ghostMu.Unlock()
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ghostHandle), nil
}

// resolveGhostProfile fills missing profile fields from the remote
// identity cache, falling back to an adapter fetch at most once per user.
func (r *RelayEngine) resolveGhostProfile(ctx context.Context, log zerolog.Logger, sender Sender) (name, avatarURL string) {
	name, avatarURL = sender.Name, sender.AvatarURL
	if name != "" {
		return name, avatarURL
	}

	if rec, err := r.users.Get(ctx, sender.ID); err != nil {
		log.Warn().Err(err).Msg("Remote user store lookup failed")
	} else if rec != nil {
		if avatarURL == "" {
			avatarURL = rec.AvatarURL
		}
		return rec.DisplayName, avatarURL
	}

	if r.caps.UserData == nil {
		return sender.ID, avatarURL
	}
	data, err := r.caps.UserData(ctx, sender.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch third-party user data")
		return sender.ID, avatarURL
	}
	rec := RemoteUserRecord{UserID: sender.ID, DisplayName: data.Name, AvatarURL: data.AvatarURL}
	if err := r.users.Put(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to cache remote user data")
	}
	if avatarURL == "" {
		avatarURL = data.AvatarURL
	}
	if data.Name == "" {
		return sender.ID, avatarURL
	}
	return data.Name, avatarURL
}

// setGhostAvatar uploads and applies a ghost avatar unless the profile
// already has one. There is no way to tell whether an existing avatar is
// the same image, so it is never overwritten.
func (r *RelayEngine) setGhostAvatar(ctx context.Context, log zerolog.Logger, ghost Session, avatarURL string) {
	existing, err := ghost.AvatarURL(ctx)
	if err == nil && !existing.IsEmpty() {
		return
	}
	data, mimetype, err := r.media.Fetch(ctx, avatarURL)
	if err != nil {
		log.Warn().Err(err).Str("avatar_url", avatarURL).Msg("Failed to download ghost avatar")
		return
	}
	mxc, err := ghost.UploadContent(ctx, data, "avatar", mimetype)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upload ghost avatar")
		return
	}
	if err := ghost.SetAvatarURL(ctx, mxc); err != nil {
		log.Warn().Err(err).Msg("Failed to set ghost avatar")
	}
}

func (r *RelayEngine) sendWithRetry(ctx context.Context, session Session, roomID id.RoomID, content *event.MessageEventContent) error {
	return r.retrier.Do(ctx, func(ctx context.Context) error {
		_, err := session.SendMessage(ctx, roomID, content)
		return err
	})
}

// reportError funnels a relay failure to the status channel with the
// offending payload attached for diagnosis.
func (r *RelayEngine) reportError(ctx context.Context, relayErr error, payload any) {
	r.log.Error().Err(relayErr).Msg("Relay failed")
	if err := r.status.Report(ctx, DefaultStatusOptions(), relayErr, payload); err != nil {
		r.log.Error().Err(err).Msg("Failed to report relay error to status room")
	}
}

func applyHTML(content *event.MessageEventContent, html string) {
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
}
