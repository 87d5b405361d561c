// Copyright 2024-2026 Aiku AI

// Package mxsession implements the bridge core's Session interface on top
// of maunium.net/go/mautrix. The puppet logs in as a regular user; the
// bot and ghosts ride the appservice token with user impersonation.
package mxsession

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-puppet/pkg/bridge"
)

// Client adapts one mautrix.Client to the bridge.Session interface.
type Client struct {
	mx  *mautrix.Client
	log zerolog.Logger
}

var _ bridge.Session = (*Client)(nil)

// NewPuppet creates and authenticates the puppeted user's session. A
// long-lived token is used directly; otherwise a password login is
// performed and the resulting token kept for the process lifetime.
func NewPuppet(ctx context.Context, homeserverURL string, userID id.UserID, token, password string, log zerolog.Logger) (*Client, error) {
	mx, err := mautrix.NewClient(homeserverURL, userID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	if token == "" {
		_, err = mx.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: userID.Localpart(),
			},
			Password:         password,
			StoreCredentials: true,
		})
		if err != nil {
			return nil, fmt.Errorf("password login failed for %s: %w", userID, err)
		}
	}
	return &Client{mx: mx, log: log.With().Str("mxid", string(userID)).Logger()}, nil
}

// Provider hands out appservice-backed sessions: the bridge bot and the
// ghost namespace users. Ghost registration happens lazily on first use.
type Provider struct {
	homeserverURL string
	asToken       string
	log           zerolog.Logger

	mu       sync.Mutex
	sessions map[id.UserID]*Client
}

// NewProvider creates a session provider from the appservice token.
func NewProvider(homeserverURL, asToken string, log zerolog.Logger) *Provider {
	return &Provider{
		homeserverURL: homeserverURL,
		asToken:       asToken,
		log:           log,
		sessions:      make(map[id.UserID]*Client),
	}
}

var _ bridge.SessionProvider = (*Provider)(nil)

// ActAs returns a session impersonating the given appservice namespace
// user. Sessions are cached per user ID.
func (p *Provider) ActAs(userID id.UserID) bridge.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.sessions[userID]; ok {
		return c
	}
	mx, err := mautrix.NewClient(p.homeserverURL, userID, p.asToken)
	if err != nil {
		// NewClient only fails on an unparsable homeserver URL, which the
		// provider was constructed with; surface loudly.
		panic(fmt.Sprintf("mxsession: invalid homeserver URL %q: %v", p.homeserverURL, err))
	}
	mx.SetAppServiceUserID = true
	c := &Client{mx: mx, log: p.log.With().Str("mxid", string(userID)).Logger()}
	p.sessions[userID] = c
	return c
}

// EnsureRegistered registers an appservice namespace user, treating
// "already in use" as success.
func (p *Provider) EnsureRegistered(ctx context.Context, userID id.UserID) error {
	c := p.ActAs(userID).(*Client)
	_, _, err := c.mx.Register(ctx, &mautrix.ReqRegister{
		Username:     userID.Localpart(),
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !strings.Contains(err.Error(), "M_USER_IN_USE") {
		return fmt.Errorf("failed to register %s: %w", userID, err)
	}
	return nil
}

func (c *Client) UserID() id.UserID {
	return c.mx.UserID
}

func (c *Client) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := c.mx.ResolveAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) CreateRoom(ctx context.Context, req bridge.CreateRoomRequest) (id.RoomID, error) {
	resp, err := c.mx.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:    "private",
		Preset:        "private_chat",
		RoomAliasName: req.AliasLocalpart,
		Name:          req.Name,
		Topic:         req.Topic,
		Invite:        req.Invite,
		IsDirect:      req.IsDirect,
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) CreateAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	_, err := c.mx.CreateAlias(ctx, alias, roomID)
	return err
}

func (c *Client) DeleteAlias(ctx context.Context, alias id.RoomAlias) error {
	_, err := c.mx.DeleteAlias(ctx, alias)
	return err
}

func (c *Client) RoomAliases(ctx context.Context, roomID id.RoomID) ([]id.RoomAlias, error) {
	resp, err := c.mx.GetAliases(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return resp.Aliases, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mx.JoinRoomByID(ctx, roomID)
	return err
}

func (c *Client) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.mx.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (c *Client) SetPowerLevel(ctx context.Context, roomID id.RoomID, userID id.UserID, level int) error {
	var pl event.PowerLevelsEventContent
	if err := c.mx.StateEvent(ctx, roomID, event.StatePowerLevels, "", &pl); err != nil {
		return fmt.Errorf("failed to fetch power levels: %w", err)
	}
	if pl.GetUserLevel(userID) == level {
		return nil
	}
	pl.SetUserLevel(userID, level)
	_, err := c.mx.SendStateEvent(ctx, roomID, event.StatePowerLevels, "", &pl)
	return err
}

func (c *Client) SetJoinRule(ctx context.Context, roomID id.RoomID, rule event.JoinRule) error {
	_, err := c.mx.SendStateEvent(ctx, roomID, event.StateJoinRules, "", &event.JoinRulesEventContent{
		JoinRule: rule,
	})
	return err
}

func (c *Client) SetRoomAvatar(ctx context.Context, roomID id.RoomID, avatar id.ContentURI) error {
	_, err := c.mx.SendStateEvent(ctx, roomID, event.StateRoomAvatar, "", &event.RoomAvatarEventContent{
		URL: avatar.CUString(),
	})
	return err
}

func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := c.mx.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) UploadContent(ctx context.Context, data []byte, filename, mimetype string) (id.ContentURI, error) {
	resp, err := c.mx.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes:  data,
		ContentLength: int64(len(data)),
		ContentType:   mimetype,
		FileName:      filename,
	})
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

func (c *Client) DownloadURL(mxc id.ContentURIString) string {
	uri, err := mxc.Parse()
	if err != nil {
		return ""
	}
	return c.mx.BuildClientURL("v1", "media", "download", uri.Homeserver, uri.FileID)
}

func (c *Client) SetDisplayName(ctx context.Context, name string) error {
	return c.mx.SetDisplayName(ctx, name)
}

func (c *Client) SetAvatarURL(ctx context.Context, avatar id.ContentURI) error {
	return c.mx.SetAvatarURL(ctx, avatar)
}

func (c *Client) AvatarURL(ctx context.Context) (id.ContentURI, error) {
	profile, err := c.mx.GetProfile(ctx, c.mx.UserID)
	if err != nil {
		return id.ContentURI{}, err
	}
	return profile.AvatarURL, nil
}

// Sync runs the puppet's sync loop, delivering message, sticker, and
// receipt events to the handler until the context is cancelled. Events
// from the initial backfill sync are skipped.
func (c *Client) Sync(ctx context.Context, onEvent func(ctx context.Context, evt *event.Event)) error {
	syncer, ok := c.mx.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type %T", c.mx.Syncer)
	}
	var ready bool
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		if since != "" {
			ready = true
		}
		return true
	})
	deliver := func(ctx context.Context, evt *event.Event) {
		if ready {
			onEvent(ctx, evt)
		}
	}
	syncer.OnEventType(event.EventMessage, deliver)
	syncer.OnEventType(event.EventSticker, deliver)
	syncer.OnEventType(event.EphemeralEventReceipt, deliver)

	c.log.Info().Msg("Starting sync loop")
	err := c.mx.SyncWithContext(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("sync loop ended: %w", err)
	}
	return nil
}

// StopSync ends a running sync loop.
func (c *Client) StopSync() {
	c.mx.StopSync()
}
