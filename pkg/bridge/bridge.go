// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Params carries the collaborators for one identity pair. Everything the
// bridge core touches on the network side comes in through interfaces;
// production wiring lives in pkg/bridge/mxsession and the adapter module.
type Params struct {
	Config  *Config
	Pair    IdentityPair
	Puppet  Session
	Bot     Session
	Ghosts  SessionProvider
	Adapter Adapter
	Users   RemoteUserStore
	Log     zerolog.Logger
}

// Bridge is the orchestration engine bound to one identity pair. Pairs
// share no mutable state except the read-only configuration, so running
// many of them is just running many Bridges.
type Bridge struct {
	log    zerolog.Logger
	cfg    *Config
	pair   IdentityPair
	mapper AddressMapper
	tagger *Tagger

	Rooms  *RoomManager
	Relay  *RelayEngine
	Status *StatusReporter
}

// New wires a bridge engine. Adapter capabilities are resolved here, once,
// so per-message paths never probe for optional methods.
func New(p Params) (*Bridge, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if p.Puppet == nil || p.Bot == nil || p.Ghosts == nil {
		return nil, fmt.Errorf("puppet, bot, and ghost sessions are required")
	}
	if p.Adapter == nil {
		return nil, fmt.Errorf("adapter is required")
	}
	if p.Users == nil {
		return nil, fmt.Errorf("remote user store is required")
	}

	tagger, err := NewTagger(p.Config.DeduplicationTag, p.Config.DeduplicationTagPattern)
	if err != nil {
		return nil, err
	}
	log := p.Log.With().Str("identity_pair", p.Pair.ID).Logger()
	mapper := AddressMapper{
		Prefix:           p.Config.PairPrefix(p.Pair),
		HomeserverDomain: p.Config.HomeserverDomain,
	}
	caps := ResolveCapabilities(p.Adapter)
	media := NewMedia(p.Config.AttachmentMaxBytes, time.Duration(p.Config.CallTimeout))
	rooms := NewRoomManager(p.Config, mapper, p.Puppet, p.Bot, caps, media, log)
	status := NewStatusReporter(rooms, p.Bot, tagger, log)

	relay := &RelayEngine{
		log:     log.With().Str("component", "relay").Logger(),
		cfg:     p.Config,
		mapper:  mapper,
		tagger:  tagger,
		rooms:   rooms,
		puppet:  p.Puppet,
		bot:     p.Bot,
		ghosts:  p.Ghosts,
		adapter: p.Adapter,
		caps:    caps,
		users:   p.Users,
		media:   media,
		retrier: &Retrier{
			Attempts:    p.Config.SendRetryCount,
			Delay:       time.Duration(p.Config.SendRetryDelay),
			CallTimeout: time.Duration(p.Config.CallTimeout),
			Log:         log,
		},
		status:     status,
		ghostReady: make(map[string]*ghostHandle),
	}

	return &Bridge{
		log:    log,
		cfg:    p.Config,
		pair:   p.Pair,
		mapper: mapper,
		tagger: tagger,
		Rooms:  rooms,
		Relay:  relay,
		Status: status,
	}, nil
}

// Mapper exposes the pair's address mapper.
func (b *Bridge) Mapper() AddressMapper {
	return b.mapper
}

// Tagger exposes the pair's deduplication tagger, for adapters that need
// to tag or inspect bodies themselves.
func (b *Bridge) Tagger() *Tagger {
	return b.tagger
}

// HandleMatrixEvent feeds one event from the puppet's sync stream into the
// relay engine.
func (b *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	b.Relay.HandleMatrixEvent(ctx, evt)
}

// HandleThirdPartyMessage feeds one adapter text payload into the relay
// engine.
func (b *Bridge) HandleThirdPartyMessage(ctx context.Context, msg Message) {
	b.Relay.HandleThirdPartyMessage(ctx, msg)
}

// HandleThirdPartyImageMessage feeds one adapter attachment payload into
// the relay engine.
func (b *Bridge) HandleThirdPartyImageMessage(ctx context.Context, msg ImageMessage) {
	b.Relay.HandleThirdPartyImageMessage(ctx, msg)
}

// ReportStatus posts a message to the pair's status room.
func (b *Bridge) ReportStatus(ctx context.Context, opts StatusOptions, parts ...any) error {
	return b.Status.Report(ctx, opts, parts...)
}

// ResolveRoom exposes idempotent room resolution to the bootstrap layer.
func (b *Bridge) ResolveRoom(ctx context.Context, thirdPartyRoomID string) (id.RoomID, error) {
	return b.Rooms.ResolveRoom(ctx, thirdPartyRoomID)
}

// JoinThirdPartyUsersToStatusRoom materializes ghosts for a contact list
// and joins them to the status room, so the room doubles as a mirrored
// contact list. Per-user failures are logged and skipped.
func (b *Bridge) JoinThirdPartyUsersToStatusRoom(ctx context.Context, users []ContactListUser) error {
	b.log.Info().Int("count", len(users)).Msg("Joining third-party users to status room")
	var firstErr error
	for _, user := range users {
		sender := RemoteSender(user.UserID, user.Name, user.AvatarURL)
		if _, err := b.Relay.materializeGhost(ctx, sender); err != nil {
			b.log.Warn().Err(err).Str("user_id", user.UserID).Msg("Failed to join user to status room")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
