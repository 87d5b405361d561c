// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// statusRoomKey is the singleflight key for the status room. It contains a
// NUL so it can never collide with a real third-party room ID.
const statusRoomKey = "\x00status"

// RoomManager is the idempotent get-or-create-or-repair state machine for
// mirrored rooms. ResolveRoom is safe to call repeatedly for the same
// third-party room ID from a cold cache, and concurrent calls for the same
// ID collapse into a single creation.
type RoomManager struct {
	log    zerolog.Logger
	cfg    *Config
	mapper AddressMapper
	puppet Session
	bot    Session
	caps   AdapterCapabilities
	media  *Media

	sf singleflight.Group

	// Advisory side cache. The alias list is the authoritative mapping;
	// this may be dropped and rebuilt at will.
	mu      sync.RWMutex
	byRoom  map[id.RoomID]string
	byThird map[string]id.RoomID
}

// NewRoomManager wires a lifecycle manager for one identity pair.
func NewRoomManager(cfg *Config, mapper AddressMapper, puppet, bot Session, caps AdapterCapabilities, media *Media, log zerolog.Logger) *RoomManager {
	return &RoomManager{
		log:     log.With().Str("component", "room_manager").Logger(),
		cfg:     cfg,
		mapper:  mapper,
		puppet:  puppet,
		bot:     bot,
		caps:    caps,
		media:   media,
		byRoom:  make(map[id.RoomID]string),
		byThird: make(map[string]id.RoomID),
	}
}

// ResolveRoom returns the Matrix room mirroring the given third-party
// room, creating or repairing it as needed. The only failure it surfaces
// is being unable to create the room at all; every intermediate step
// performs recovery instead of failing the call.
func (rm *RoomManager) ResolveRoom(ctx context.Context, thirdPartyRoomID string) (id.RoomID, error) {
	if thirdPartyRoomID == "" {
		return "", fmt.Errorf("empty third-party room ID")
	}
	v, err, _ := rm.sf.Do(thirdPartyRoomID, func() (any, error) {
		return rm.resolve(ctx, thirdPartyRoomID, nil)
	})
	if err != nil {
		return "", err
	}
	return v.(id.RoomID), nil
}

// StatusRoomID resolves the per-identity diagnostic room. Its third-party
// ID is the reserved status postfix, and its metadata is fixed rather than
// fetched from the adapter.
func (rm *RoomManager) StatusRoomID(ctx context.Context) (id.RoomID, error) {
	meta := &RoomData{
		Name:  rm.cfg.ServiceName + " Protocol",
		Topic: rm.cfg.ServiceName + " Protocol Status Messages",
	}
	v, err, _ := rm.sf.Do(statusRoomKey, func() (any, error) {
		return rm.resolve(ctx, rm.cfg.StatusRoomPostfix, meta)
	})
	if err != nil {
		return "", err
	}
	return v.(id.RoomID), nil
}

// ThirdPartyRoomID is the advisory reverse lookup for a Matrix room.
func (rm *RoomManager) ThirdPartyRoomID(roomID id.RoomID) (string, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	tpID, ok := rm.byRoom[roomID]
	return tpID, ok
}

// RememberRoom records a mapping in the advisory side cache.
func (rm *RoomManager) RememberRoom(roomID id.RoomID, thirdPartyRoomID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.byRoom[roomID] = thirdPartyRoomID
	rm.byThird[thirdPartyRoomID] = roomID
}

// resolve runs the lookup-create-repair loop. Repair (alias deletion
// followed by recreation) is attempted at most once so the loop terminates
// even when repair itself is flaky.
func (rm *RoomManager) resolve(ctx context.Context, thirdPartyRoomID string, fixedMeta *RoomData) (id.RoomID, error) {
	alias, err := rm.mapper.RoomAlias(thirdPartyRoomID)
	if err != nil {
		return "", err
	}
	log := rm.log.With().Str("third_party_room_id", thirdPartyRoomID).Str("alias", string(alias)).Logger()

	for attempt := 0; attempt < 2; attempt++ {
		roomID, created, err := rm.lookupOrCreate(ctx, log, thirdPartyRoomID, alias, fixedMeta)
		if err != nil {
			return "", err
		}
		repaired := rm.ensureRoomUsable(ctx, log, roomID, alias, created)
		if repaired {
			log.Warn().Str("room_id", string(roomID)).Msg("Room is dead, recreating under the same alias")
			continue
		}
		rm.RememberRoom(roomID, thirdPartyRoomID)
		return roomID, nil
	}
	return "", fmt.Errorf("room for %q remained unusable after repair", thirdPartyRoomID)
}

// lookupOrCreate finds the room by alias via the puppet's own view, or
// creates it as the bridge bot. Ghost and puppet identities may be denied
// room creation by server policy, so creation always happens as the bot,
// with the alias claimed at creation time and the puppet invited.
func (rm *RoomManager) lookupOrCreate(ctx context.Context, log zerolog.Logger, thirdPartyRoomID string, alias id.RoomAlias, fixedMeta *RoomData) (id.RoomID, bool, error) {
	roomID, err := rm.puppet.ResolveAlias(ctx, alias)
	if err == nil && roomID != "" {
		log.Debug().Str("room_id", string(roomID)).Msg("Found existing room via alias")
		return roomID, false, nil
	}

	meta := fixedMeta
	if meta == nil {
		meta = &RoomData{Name: rm.cfg.ServiceName}
		if rm.caps.RoomData != nil {
			data, err := rm.caps.RoomData(ctx, thirdPartyRoomID)
			if err != nil {
				// The one failure ResolveRoom surfaces: no room and no way
				// to learn what to create.
				return "", false, fmt.Errorf("failed to get third-party room data for %q: %w", thirdPartyRoomID, err)
			}
			meta = &data
		}
	}

	log.Info().Str("name", meta.Name).Msg("Creating room")
	roomID, err = rm.bot.CreateRoom(ctx, CreateRoomRequest{
		AliasLocalpart: rm.mapper.RoomAliasLocalpart(thirdPartyRoomID),
		Name:           meta.Name,
		Topic:          meta.Topic,
		Invite:         []id.UserID{rm.puppet.UserID()},
		IsDirect:       meta.IsDirect,
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to create room for %q: %w", thirdPartyRoomID, err)
	}

	if meta.AvatarURL != "" {
		rm.setRoomAvatar(ctx, log, roomID, meta.AvatarURL)
	}
	return roomID, true, nil
}

// ensureRoomUsable runs the post-lookup recovery steps. It returns true
// when the room must be recreated: the alias has already been deleted and
// the caller should go around once more.
func (rm *RoomManager) ensureRoomUsable(ctx context.Context, log zerolog.Logger, roomID id.RoomID, alias id.RoomAlias, created bool) bool {
	// The bot must be a member for administrative actions. A room from a
	// previous process run may predate this bot entirely; that is a
	// corrupted mapping and the room gets recreated.
	if !created {
		if err := rm.bot.JoinRoom(ctx, roomID); err != nil {
			log.Warn().Err(err).Msg("Bot cannot join mapped room, treating mapping as corrupted")
			rm.deleteAlias(ctx, log, alias)
			return true
		}
	}

	// Puppet membership: invite-then-join. A join failing because the room
	// has no remaining reachable members means the room is permanently
	// dead on the federation level and must be recreated.
	if err := rm.bot.InviteUser(ctx, roomID, rm.puppet.UserID()); err != nil {
		log.Debug().Err(err).Msg("Puppet invite failed (possibly already a member)")
	}
	if err := rm.puppet.JoinRoom(ctx, roomID); err != nil {
		if IsDeadRoomError(err) {
			rm.deleteAlias(ctx, log, alias)
			return true
		}
		log.Warn().Err(err).Msg("Ignoring error from puppet room join")
	}

	// Authority and posture are best-effort: partial power is not fatal to
	// message delivery, only to administrative actions.
	if err := rm.bot.SetPowerLevel(ctx, roomID, rm.puppet.UserID(), 100); err != nil {
		log.Warn().Err(err).Msg("Failed to grant puppet full power, continuing")
	}
	if err := rm.bot.SetJoinRule(ctx, roomID, event.JoinRuleInvite); err != nil {
		log.Warn().Err(err).Msg("Failed to set room invite-only, continuing")
	}

	// The canonical alias has been observed to get stripped when the
	// binding breaks; restore it so reverse recovery keeps working.
	aliases, err := rm.puppet.RoomAliases(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to verify room alias list")
		return false
	}
	for _, a := range aliases {
		if a == alias {
			return false
		}
	}
	log.Warn().Msg("Canonical alias missing from room, restoring")
	if err := rm.bot.CreateAlias(ctx, alias, roomID); err != nil {
		log.Warn().Err(err).Msg("Failed to restore canonical alias")
	}
	return false
}

func (rm *RoomManager) deleteAlias(ctx context.Context, log zerolog.Logger, alias id.RoomAlias) {
	if err := rm.bot.DeleteAlias(ctx, alias); err != nil {
		log.Warn().Err(err).Msg("Failed to delete alias of dead room")
	}
}

// setRoomAvatar downloads and applies a room avatar. Best-effort: failure
// is logged, never fatal to room creation.
func (rm *RoomManager) setRoomAvatar(ctx context.Context, log zerolog.Logger, roomID id.RoomID, avatarURL string) {
	data, mimetype, err := rm.media.Fetch(ctx, avatarURL)
	if err != nil {
		log.Warn().Err(err).Str("avatar_url", avatarURL).Msg("Failed to download room avatar")
		return
	}
	mxc, err := rm.bot.UploadContent(ctx, data, "avatar", mimetype)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upload room avatar")
		return
	}
	if err := rm.bot.SetRoomAvatar(ctx, roomID, mxc); err != nil {
		log.Warn().Err(err).Msg("Failed to set room avatar")
	}
}
