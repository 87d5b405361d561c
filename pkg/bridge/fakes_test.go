// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// fakeHomeserver is the shared in-memory Matrix state behind every fake
// session in a test: room directory, membership, and sent messages.
type fakeHomeserver struct {
	domain string

	mu          sync.Mutex
	nextRoomNum int
	nextFileNum int
	directory   map[id.RoomAlias]id.RoomID
	rooms       map[id.RoomID]*fakeRoom
	sessions    map[id.UserID]*fakeSession
	profiles    map[id.UserID]*fakeProfile
	sent        []sentMessage

	createCalls      int
	deleteAliasCalls int
}

type fakeRoom struct {
	name     string
	topic    string
	isDirect bool
	dead     bool
	members  map[id.UserID]struct{}
	aliases  []id.RoomAlias
	power    map[id.UserID]int
	joinRule event.JoinRule
	avatar   id.ContentURI
}

type fakeProfile struct {
	displayName string
	avatarURL   id.ContentURI
}

type sentMessage struct {
	sender  id.UserID
	roomID  id.RoomID
	content *event.MessageEventContent
}

func newFakeHomeserver(domain string) *fakeHomeserver {
	return &fakeHomeserver{
		domain:    domain,
		directory: make(map[id.RoomAlias]id.RoomID),
		rooms:     make(map[id.RoomID]*fakeRoom),
		sessions:  make(map[id.UserID]*fakeSession),
		profiles:  make(map[id.UserID]*fakeProfile),
	}
}

func (hs *fakeHomeserver) session(userID id.UserID) *fakeSession {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if s, ok := hs.sessions[userID]; ok {
		return s
	}
	s := &fakeSession{hs: hs, userID: userID}
	hs.sessions[userID] = s
	hs.profiles[userID] = &fakeProfile{}
	return s
}

// addRoom seeds a pre-existing room bound to the given alias.
func (hs *fakeHomeserver) addRoom(alias id.RoomAlias, dead bool) id.RoomID {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.nextRoomNum++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", hs.nextRoomNum, hs.domain))
	hs.rooms[roomID] = &fakeRoom{
		dead:    dead,
		members: make(map[id.UserID]struct{}),
		aliases: []id.RoomAlias{alias},
		power:   make(map[id.UserID]int),
	}
	hs.directory[alias] = roomID
	return roomID
}

func (hs *fakeHomeserver) room(roomID id.RoomID) *fakeRoom {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.rooms[roomID]
}

func (hs *fakeHomeserver) profile(userID id.UserID) fakeProfile {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if p := hs.profiles[userID]; p != nil {
		return *p
	}
	return fakeProfile{}
}

func (hs *fakeHomeserver) sentTo(roomID id.RoomID) []sentMessage {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	var out []sentMessage
	for _, m := range hs.sent {
		if m.roomID == roomID {
			out = append(out, m)
		}
	}
	return out
}

func (hs *fakeHomeserver) allSent() []sentMessage {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]sentMessage(nil), hs.sent...)
}

type fakeSession struct {
	hs     *fakeHomeserver
	userID id.UserID
}

var _ Session = (*fakeSession)(nil)

func (s *fakeSession) UserID() id.UserID {
	return s.userID
}

func (s *fakeSession) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	roomID, ok := s.hs.directory[alias]
	if !ok {
		return "", mautrix.HTTPError{RespError: &mautrix.RespError{ErrCode: "M_NOT_FOUND", Err: "Room alias not found"}}
	}
	return roomID, nil
}

func (s *fakeSession) CreateRoom(ctx context.Context, req CreateRoomRequest) (id.RoomID, error) {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	s.hs.createCalls++
	s.hs.nextRoomNum++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", s.hs.nextRoomNum, s.hs.domain))
	room := &fakeRoom{
		name:     req.Name,
		topic:    req.Topic,
		isDirect: req.IsDirect,
		members:  map[id.UserID]struct{}{s.userID: {}},
		power:    map[id.UserID]int{s.userID: 100},
	}
	for _, invitee := range req.Invite {
		room.members[invitee] = struct{}{}
	}
	if req.AliasLocalpart != "" {
		alias := id.RoomAlias("#" + req.AliasLocalpart + ":" + s.hs.domain)
		if _, taken := s.hs.directory[alias]; taken {
			return "", mautrix.HTTPError{RespError: &mautrix.RespError{ErrCode: "M_ROOM_IN_USE", Err: "Room alias already taken"}}
		}
		s.hs.directory[alias] = roomID
		room.aliases = []id.RoomAlias{alias}
	}
	s.hs.rooms[roomID] = room
	return roomID, nil
}

func (s *fakeSession) CreateAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	s.hs.directory[alias] = roomID
	if room := s.hs.rooms[roomID]; room != nil {
		for _, a := range room.aliases {
			if a == alias {
				return nil
			}
		}
		room.aliases = append(room.aliases, alias)
	}
	return nil
}

func (s *fakeSession) DeleteAlias(ctx context.Context, alias id.RoomAlias) error {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	s.hs.deleteAliasCalls++
	roomID, ok := s.hs.directory[alias]
	if !ok {
		return mautrix.HTTPError{RespError: &mautrix.RespError{ErrCode: "M_NOT_FOUND", Err: "Room alias not found"}}
	}
	delete(s.hs.directory, alias)
	if room := s.hs.rooms[roomID]; room != nil {
		kept := room.aliases[:0]
		for _, a := range room.aliases {
			if a != alias {
				kept = append(kept, a)
			}
		}
		room.aliases = kept
	}
	return nil
}

func (s *fakeSession) RoomAliases(ctx context.Context, roomID id.RoomID) ([]id.RoomAlias, error) {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	room, ok := s.hs.rooms[roomID]
	if !ok {
		return nil, mautrix.HTTPError{RespError: &mautrix.RespError{ErrCode: "M_NOT_FOUND", Err: "Room not found"}}
	}
	return append([]id.RoomAlias(nil), room.aliases...), nil
}

func (s *fakeSession) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	room, ok := s.hs.rooms[roomID]
	if !ok {
		return mautrix.HTTPError{RespError: &mautrix.RespError{ErrCode: "M_NOT_FOUND", Err: "Room not found"}}
	}
	if room.dead {
		return mautrix.HTTPError{RespError: &mautrix.RespError{ErrCode: "M_UNKNOWN", Err: "No known servers"}}
	}
	room.members[s.userID] = struct{}{}
	return nil
}

func (s *fakeSession) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	room, ok := s.hs.rooms[roomID]
	if !ok {
		return mautrix.HTTPError{RespError: &mautrix.RespError{ErrCode: "M_NOT_FOUND", Err: "Room not found"}}
	}
	room.members[userID] = struct{}{}
	return nil
}

func (s *fakeSession) SetPowerLevel(ctx context.Context, roomID id.RoomID, userID id.UserID, level int) error {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	if room := s.hs.rooms[roomID]; room != nil {
		room.power[userID] = level
	}
	return nil
}

func (s *fakeSession) SetJoinRule(ctx context.Context, roomID id.RoomID, rule event.JoinRule) error {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	if room := s.hs.rooms[roomID]; room != nil {
		room.joinRule = rule
	}
	return nil
}

func (s *fakeSession) SetRoomAvatar(ctx context.Context, roomID id.RoomID, avatar id.ContentURI) error {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	if room := s.hs.rooms[roomID]; room != nil {
		room.avatar = avatar
	}
	return nil
}

func (s *fakeSession) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	s.hs.sent = append(s.hs.sent, sentMessage{sender: s.userID, roomID: roomID, content: content})
	return id.EventID(fmt.Sprintf("$event%d", len(s.hs.sent))), nil
}

func (s *fakeSession) UploadContent(ctx context.Context, data []byte, filename, mimetype string) (id.ContentURI, error) {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	s.hs.nextFileNum++
	return id.ContentURI{Homeserver: s.hs.domain, FileID: fmt.Sprintf("file%d", s.hs.nextFileNum)}, nil
}

func (s *fakeSession) DownloadURL(mxc id.ContentURIString) string {
	if mxc == "" {
		return ""
	}
	return "https://" + s.hs.domain + "/media/" + string(mxc)
}

func (s *fakeSession) SetDisplayName(ctx context.Context, name string) error {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	s.hs.profiles[s.userID].displayName = name
	return nil
}

func (s *fakeSession) SetAvatarURL(ctx context.Context, avatar id.ContentURI) error {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	s.hs.profiles[s.userID].avatarURL = avatar
	return nil
}

func (s *fakeSession) AvatarURL(ctx context.Context) (id.ContentURI, error) {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	return s.hs.profiles[s.userID].avatarURL, nil
}

type fakeProvider struct {
	hs *fakeHomeserver

	mu         sync.Mutex
	registered map[id.UserID]int
}

func (p *fakeProvider) ActAs(userID id.UserID) Session {
	return p.hs.session(userID)
}

func (p *fakeProvider) EnsureRegistered(ctx context.Context, userID id.UserID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registered == nil {
		p.registered = make(map[id.UserID]int)
	}
	p.registered[userID]++
	return nil
}

func (p *fakeProvider) registrations(userID id.UserID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered[userID]
}

// fakeAdapter records every outbound call.
type fakeAdapter struct {
	mu      sync.Mutex
	calls   []adapterCall
	sendErr error
}

type adapterCall struct {
	kind   string
	roomID string
	text   string
	img    Image
}

func (a *fakeAdapter) record(c adapterCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
}

func (a *fakeAdapter) recorded() []adapterCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapterCall(nil), a.calls...)
}

func (a *fakeAdapter) SendMessage(ctx context.Context, roomID, text string) error {
	a.record(adapterCall{kind: "message", roomID: roomID, text: text})
	return a.sendErr
}

func (a *fakeAdapter) SendImageMessage(ctx context.Context, roomID string, img Image) error {
	a.record(adapterCall{kind: "image", roomID: roomID, img: img})
	return a.sendErr
}

func (a *fakeAdapter) SendEmoteMessage(ctx context.Context, roomID, text string) error {
	a.record(adapterCall{kind: "emote", roomID: roomID, text: text})
	return a.sendErr
}

func (a *fakeAdapter) SendReadReceipt(ctx context.Context, roomID string) error {
	a.record(adapterCall{kind: "receipt", roomID: roomID})
	return nil
}

type roomDataAdapter struct {
	fakeAdapter
	roomData func(ctx context.Context, thirdPartyRoomID string) (RoomData, error)
}

func (a *roomDataAdapter) RoomData(ctx context.Context, thirdPartyRoomID string) (RoomData, error) {
	return a.roomData(ctx, thirdPartyRoomID)
}

type userDataAdapter struct {
	fakeAdapter
	userData func(ctx context.Context, thirdPartyUserID string) (UserData, error)
}

func (a *userDataAdapter) UserData(ctx context.Context, thirdPartyUserID string) (UserData, error) {
	return a.userData(ctx, thirdPartyUserID)
}

type bangAdapter struct {
	fakeAdapter
	cmds []*BangCommand
}

func (a *bangAdapter) HandleBangCommand(ctx context.Context, cmd *BangCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cmds = append(a.cmds, cmd)
	return nil
}

// memStore is an in-memory RemoteUserStore.
type memStore struct {
	mu   sync.Mutex
	recs map[string]RemoteUserRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]RemoteUserRecord)}
}

func (m *memStore) Get(ctx context.Context, userID string) (*RemoteUserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memStore) Put(ctx context.Context, rec RemoteUserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.UserID] = rec
	return nil
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		ServiceName:      "Example Chat",
		ServicePrefix:    "example",
		HomeserverURL:    "http://localhost:8008",
		HomeserverDomain: "test.local",
		SendRetryCount:   1,
		SendRetryDelay:   Duration(time.Millisecond),
		CallTimeout:      Duration(time.Second),
	}
	require.NoError(t, cfg.PostProcess())
	return cfg
}

type testEnv struct {
	cfg     *Config
	hs      *fakeHomeserver
	store   *memStore
	bridge  *Bridge
	puppet  *fakeSession
	bot     *fakeSession
	ghosts  *fakeProvider
	adapter Adapter
}

func newTestBridge(t *testing.T, adapter Adapter) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	hs := newFakeHomeserver(cfg.HomeserverDomain)
	puppet := hs.session("@alice:test.local")
	bot := hs.session("@examplebot:test.local")
	store := newMemStore()
	ghosts := &fakeProvider{hs: hs}
	b, err := New(Params{
		Config:  cfg,
		Pair:    IdentityPair{ID: "p1", MatrixPuppet: PuppetIdentity{Localpart: "alice", Token: "token"}},
		Puppet:  puppet,
		Bot:     bot,
		Ghosts:  ghosts,
		Adapter: adapter,
		Users:   store,
		Log:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return &testEnv{cfg: cfg, hs: hs, store: store, bridge: b, puppet: puppet, bot: bot, ghosts: ghosts, adapter: adapter}
}

func messageEvent(roomID id.RoomID, sender id.UserID, msgType event.MessageType, body string) *event.Event {
	return &event.Event{
		Type:   event.EventMessage,
		ID:     id.EventID("$" + body),
		RoomID: roomID,
		Sender: sender,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: msgType, Body: body},
		},
	}
}
