// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/telegram/pkg/cryptox"
	"github.com/lrhodin/telegram/pkg/database"
	"github.com/lrhodin/telegram/pkg/matrix"
	"github.com/lrhodin/telegram/pkg/telegram"
)

const (
	testDomain = "example.org"
	testOwner  = id.UserID("@alice:example.org")
	ownerTGID  = int64(7700)
)

// stubConn scripts remote RPC responses per method for bridge-level
// tests. Unscripted methods succeed with an empty object.
type stubConn struct {
	mu      sync.Mutex
	handle  map[string]func(params map[string]any) (any, error)
	calls   []string
	params  map[string][]map[string]any
	updates chan *telegram.UpdateEnvelope
	closed  bool
}

func newStubConn() *stubConn {
	return &stubConn{
		handle:  make(map[string]func(params map[string]any) (any, error)),
		params:  make(map[string][]map[string]any),
		updates: make(chan *telegram.UpdateEnvelope, 16),
	}
}

func (c *stubConn) Call(_ context.Context, method string, params map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, method)
	c.params[method] = append(c.params[method], params)
	handler := c.handle[method]
	c.mu.Unlock()

	var result any = map[string]any{}
	if handler != nil {
		var err error
		result, err = handler(params)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(result)
}

func (c *stubConn) calledMethods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *stubConn) callParams(method string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.params[method]...)
}

func (c *stubConn) Updates() <-chan *telegram.UpdateEnvelope { return c.updates }
func (c *stubConn) AuthKey() []byte                          { return []byte("stub-auth-key") }

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.updates)
	}
	return nil
}

type stubDialer struct {
	conn *stubConn
}

func (d *stubDialer) Dial(context.Context, telegram.Endpoint, []byte) (telegram.Conn, error) {
	return d.conn, nil
}

// fakeMatrix records everything the bridge does against the homeserver.
type fakeMatrix struct {
	mu sync.Mutex

	events       []sentEvent
	invites      []invite
	leaves       []invite
	rooms        map[id.RoomID]string
	nextRoom     int
	members      map[id.RoomID][]id.UserID
	displaynames map[id.UserID]string
	avatars      map[id.UserID]id.ContentURI
	media        map[string][]byte
	nextUpload   int

	// denyMembershipOnce makes the next self-membership write for the
	// given user fail with M_FORBIDDEN.
	denyMembershipOnce map[id.UserID]bool
	membershipWrites   map[id.UserID]int

	handler func(ctx context.Context, evt *event.Event)
}

type sentEvent struct {
	sender  id.UserID
	room    id.RoomID
	kind    string
	body    string
	content *event.MessageEventContent
}

type invite struct {
	room id.RoomID
	user id.UserID
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		rooms:              make(map[id.RoomID]string),
		members:            make(map[id.RoomID][]id.UserID),
		displaynames:       make(map[id.UserID]string),
		avatars:            make(map[id.UserID]id.ContentURI),
		media:              make(map[string][]byte),
		denyMembershipOnce: make(map[id.UserID]bool),
		membershipWrites:   make(map[id.UserID]int),
	}
}

func (m *fakeMatrix) BotIntent() matrix.Intent {
	return &fakeIntent{m: m, userID: id.UserID("@telegrambot:" + testDomain)}
}

func (m *fakeMatrix) Intent(userID id.UserID) matrix.Intent {
	return &fakeIntent{m: m, userID: userID}
}

func (m *fakeMatrix) OnEvent(handler func(ctx context.Context, evt *event.Event)) {
	m.handler = handler
}

func (m *fakeMatrix) Start(context.Context) error { return nil }
func (m *fakeMatrix) Stop()                       {}

func (m *fakeMatrix) sentEvents() []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentEvent(nil), m.events...)
}

func (m *fakeMatrix) roomName(roomID id.RoomID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

func (m *fakeMatrix) storeMedia(uri id.ContentURI, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media[uri.String()] = data
}

type fakeIntent struct {
	m      *fakeMatrix
	userID id.UserID
}

func (i *fakeIntent) UserID() id.UserID { return i.userID }

func (i *fakeIntent) CreateRoom(_ context.Context, name string, _ string) (id.RoomID, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.nextRoom++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", i.m.nextRoom, testDomain))
	i.m.rooms[roomID] = name
	i.m.members[roomID] = []id.UserID{i.userID}
	return roomID, nil
}

func (i *fakeIntent) Invite(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.invites = append(i.m.invites, invite{room: roomID, user: userID})
	return nil
}

func (i *fakeIntent) SetRoomName(_ context.Context, roomID id.RoomID, name string) error {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.rooms[roomID] = name
	return nil
}

func (i *fakeIntent) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	return append([]id.UserID(nil), i.m.members[roomID]...), nil
}

func (i *fakeIntent) Leave(_ context.Context, roomID id.RoomID) error {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.leaves = append(i.m.leaves, invite{room: roomID, user: i.userID})
	members := i.m.members[roomID]
	for idx, member := range members {
		if member == i.userID {
			i.m.members[roomID] = append(members[:idx], members[idx+1:]...)
			break
		}
	}
	return nil
}

func (i *fakeIntent) SendText(_ context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.events = append(i.m.events, sentEvent{sender: i.userID, room: roomID, kind: "text", body: text})
	return id.EventID(fmt.Sprintf("$evt%d", len(i.m.events))), nil
}

func (i *fakeIntent) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.events = append(i.m.events, sentEvent{
		sender: i.userID, room: roomID,
		kind: string(content.MsgType), body: content.Body, content: content,
	})
	return id.EventID(fmt.Sprintf("$evt%d", len(i.m.events))), nil
}

func (i *fakeIntent) SendStateEvent(_ context.Context, roomID id.RoomID, evtType event.Type, stateKey string, _ any) error {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	if evtType == event.StateMember {
		i.m.membershipWrites[i.userID]++
		if i.m.denyMembershipOnce[i.userID] {
			delete(i.m.denyMembershipOnce, i.userID)
			return mautrix.MForbidden
		}
		i.m.members[roomID] = append(i.m.members[roomID], id.UserID(stateKey))
	}
	i.m.events = append(i.m.events, sentEvent{sender: i.userID, room: roomID, kind: "state:" + evtType.Type, body: stateKey})
	return nil
}

func (i *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.displaynames[i.userID] = name
	return nil
}

func (i *fakeIntent) SetAvatarURL(_ context.Context, uri id.ContentURI) error {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.avatars[i.userID] = uri
	return nil
}

func (i *fakeIntent) UploadMedia(_ context.Context, data []byte, _, _ string) (id.ContentURI, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.nextUpload++
	uri := id.ContentURI{Homeserver: testDomain, FileID: fmt.Sprintf("upload%d", i.m.nextUpload)}
	i.m.media[uri.String()] = data
	return uri, nil
}

func (i *fakeIntent) DownloadMedia(_ context.Context, uri id.ContentURI) ([]byte, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	data, ok := i.m.media[uri.String()]
	if !ok {
		return nil, fmt.Errorf("no media at %s", uri.String())
	}
	return data, nil
}

type testBridge struct {
	*Bridge
	fm   *fakeMatrix
	conn *stubConn
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "http://localhost:8008", Domain: testDomain},
		Bridge: BridgeConfig{
			AuthKeyPassword:     "operator secret",
			MTProtoRelay:        "localhost:29331",
			UsernameTemplate:    "telegram_{{.ID}}",
			DisplaynameTemplate: "{{.FirstName}} {{.LastName}}",
		},
	}
	require.NoError(t, cfg.PostProcess())
	return cfg
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fm := newFakeMatrix()
	conn := newStubConn()
	br := New(newTestConfig(t), zerolog.Nop(), db, fm, &stubDialer{conn: conn})
	return &testBridge{Bridge: br, fm: fm, conn: conn}
}

// readyUser returns a MatrixUser whose session is already signed in.
func (tb *testBridge) readyUser(t *testing.T) *MatrixUser {
	t.Helper()
	user, err := tb.GetOrCreateMatrixUser(context.Background(), testOwner)
	require.NoError(t, err)
	sealed, err := cryptox.Seal([]byte("stub-auth-key"), tb.Config.Bridge.AuthKeyPassword)
	require.NoError(t, err)
	require.NoError(t, user.Ghost().LoadSession(&telegram.SessionData{
		DC:      2,
		AuthKey: sealed,
		UserID:  ownerTGID,
	}, tb.Config.Bridge.AuthKeyPassword))
	return user
}

func TestGetOrCreateMatrixUserCaches(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)

	first, err := tb.GetOrCreateMatrixUser(ctx, testOwner)
	require.NoError(t, err)
	second, err := tb.GetOrCreateMatrixUser(ctx, testOwner)
	require.NoError(t, err)
	assert.Same(t, first, second)

	record, err := tb.DB.MatrixUsers.Get(ctx, string(testOwner))
	require.NoError(t, err)
	require.NotNil(t, record)
}

func TestGhostMXIDRoundtrip(t *testing.T) {
	tb := newTestBridge(t)

	ghostID := tb.GhostMXID(123)
	assert.Equal(t, id.UserID("@telegram_123:example.org"), ghostID)
	assert.True(t, tb.IsGhost(ghostID))

	tgid, ok := tb.ParseGhostMXID(ghostID)
	assert.True(t, ok)
	assert.EqualValues(t, 123, tgid)

	assert.False(t, tb.IsGhost(testOwner))
	assert.False(t, tb.IsGhost(id.UserID("@telegram_123:other.org")))
	assert.False(t, tb.IsGhost(id.UserID("@telegram_abc:example.org")))
}

func TestConcurrentGetOrCreatePortal(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	user := tb.readyUser(t)
	peer := telegram.NewChatPeer(7)

	const workers = 8
	portals := make([]*Portal, workers)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			portal, err := tb.GetOrCreatePortal(ctx, user, peer)
			assert.NoError(t, err)
			portals[w] = portal
		}()
	}
	wg.Wait()

	for _, portal := range portals[1:] {
		assert.Same(t, portals[0], portal)
	}
	record, err := tb.DB.Portals.Get(ctx, portals[0].Key())
	require.NoError(t, err)
	require.NotNil(t, record)
}

func TestGetOrCreatePortalValidatesPeer(t *testing.T) {
	tb := newTestBridge(t)
	user := tb.readyUser(t)

	_, err := tb.GetOrCreatePortal(context.Background(), user, telegram.Peer{Kind: telegram.PeerChannel, ID: 55})
	assert.Error(t, err)
}

func TestGetExistingPortalDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)

	portal, err := tb.GetExistingPortal(ctx, testOwner, telegram.NewChatPeer(7))
	require.NoError(t, err)
	assert.Nil(t, portal)

	record, err := tb.DB.Portals.Get(ctx, portalKey(testOwner, telegram.NewChatPeer(7)))
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestHandleMatrixEventIgnoresGhostsAndUnbridgedRooms(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	tb.readyUser(t)

	// Events echoed back from our own ghosts must not loop.
	tb.HandleMatrixEvent(ctx, &event.Event{
		Type:   event.EventMessage,
		RoomID: "!room1:example.org",
		Sender: tb.GhostMXID(123),
	})
	// Events for rooms without a portal are dropped.
	tb.HandleMatrixEvent(ctx, &event.Event{
		Type:   event.EventMessage,
		RoomID: "!unbridged:example.org",
		Sender: testOwner,
	})

	assert.Empty(t, tb.conn.calledMethods())
	assert.Empty(t, tb.fm.sentEvents())
}
