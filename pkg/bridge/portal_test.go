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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/telegram/pkg/telegram"
)

func scriptChatInfo(conn *stubConn, chatID int64, title string, participants []map[string]any) {
	conn.handle["messages.getFullChat"] = func(map[string]any) (any, error) {
		return map[string]any{
			"full_chat": map[string]any{},
			"chats":     []map[string]any{{"id": chatID, "title": title}},
			"users":     participants,
		}, nil
	}
}

func TestProvisionRoomIdempotent(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	user := tb.readyUser(t)
	scriptChatInfo(tb.conn, 7, "Friends", []map[string]any{
		{"id": 1, "first_name": "Bob"},
		{"id": ownerTGID, "first_name": "Alice"},
	})

	portal, err := tb.GetOrCreatePortal(ctx, user, telegram.NewChatPeer(7))
	require.NoError(t, err)
	require.NoError(t, portal.ProvisionRoom(ctx))

	roomID := portal.RoomID()
	require.NotEmpty(t, roomID)
	assert.Equal(t, "Friends", tb.fm.roomName(roomID))

	// The remote participant joined as a ghost; the session owner is
	// represented by their real account, so only an invite.
	assert.Contains(t, tb.fm.invites, invite{room: roomID, user: testOwner})
	assert.Equal(t, 1, tb.fm.membershipWrites[tb.GhostMXID(1)])
	assert.Zero(t, tb.fm.membershipWrites[tb.GhostMXID(ownerTGID)])
	assert.Equal(t, "Bob", tb.fm.displaynames[tb.GhostMXID(1)])

	// Provisioning again is a no-op.
	require.NoError(t, portal.ProvisionRoom(ctx))
	assert.Equal(t, 1, tb.fm.nextRoom)
	assert.Equal(t, roomID, portal.RoomID())

	// The room id is persisted and indexed for inbound routing.
	found, err := tb.FindPortalByMXID(ctx, roomID)
	require.NoError(t, err)
	assert.Same(t, portal, found)
	record, err := tb.DB.Portals.Get(ctx, portal.Key())
	require.NoError(t, err)
	assert.Equal(t, string(roomID), record.MXID)
}

func TestProvisionRoomTitleFallback(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	user := tb.readyUser(t)
	tb.conn.handle["messages.getFullChat"] = func(map[string]any) (any, error) {
		return nil, &telegram.RPCError{Code: 400, Message: "CHAT_ID_INVALID"}
	}

	portal, err := tb.GetOrCreatePortal(ctx, user, telegram.NewChatPeer(7))
	require.NoError(t, err)
	require.NoError(t, portal.ProvisionRoom(ctx))

	assert.Equal(t, "[Telegram chat 7]", tb.fm.roomName(portal.RoomID()))
}

func TestProvisionRoomRequiresLogin(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	user, err := tb.GetOrCreateMatrixUser(ctx, testOwner)
	require.NoError(t, err)

	portal, err := tb.GetOrCreatePortal(ctx, user, telegram.NewChatPeer(7))
	require.NoError(t, err)
	assert.Error(t, portal.ProvisionRoom(ctx))
	assert.Zero(t, tb.fm.nextRoom)
}

func TestFixParticipantsPermissionRetry(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	user := tb.readyUser(t)
	scriptChatInfo(tb.conn, 7, "Friends", []map[string]any{{"id": 1, "first_name": "Bob"}})

	ghostMXID := tb.GhostMXID(1)
	tb.fm.denyMembershipOnce[ghostMXID] = true

	portal, err := tb.GetOrCreatePortal(ctx, user, telegram.NewChatPeer(7))
	require.NoError(t, err)
	require.NoError(t, portal.ProvisionRoom(ctx))

	// Rejected write, bot invite, then exactly one retry.
	assert.Equal(t, 2, tb.fm.membershipWrites[ghostMXID])
	assert.Contains(t, tb.fm.invites, invite{room: portal.RoomID(), user: ghostMXID})
}

func TestFixRoomRenames(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	user := tb.readyUser(t)
	scriptChatInfo(tb.conn, 7, "Friends", nil)

	portal, err := tb.GetOrCreatePortal(ctx, user, telegram.NewChatPeer(7))
	require.NoError(t, err)
	require.NoError(t, portal.ProvisionRoom(ctx))

	scriptChatInfo(tb.conn, 7, "Enemies", nil)
	require.NoError(t, portal.FixRoom(ctx))
	assert.Equal(t, "Enemies", tb.fm.roomName(portal.RoomID()))
}

// registeredPortal creates a portal with an already provisioned room,
// bypassing room creation.
func registeredPortal(t *testing.T, tb *testBridge, peer telegram.Peer, roomID id.RoomID) *Portal {
	t.Helper()
	portal := newPortal(tb.Bridge, testOwner, peer)
	portal.MXID = roomID
	require.NoError(t, tb.DB.Portals.Upsert(context.Background(), portal.toRecord()))
	return tb.registerPortal(portal)
}

func TestMatrixTextToTelegram(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	tb.readyUser(t)
	roomID := id.RoomID("!friends:example.org")
	registeredPortal(t, tb, telegram.NewChatPeer(7), roomID)

	tb.HandleMatrixEvent(ctx, &event.Event{
		Type:   event.EventMessage,
		RoomID: roomID,
		Sender: testOwner,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    "hello from matrix",
		}},
	})

	sent := tb.conn.callParams("messages.sendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "hello from matrix", sent[0]["message"])
	peer, ok := sent[0]["peer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "inputPeerChat", peer["_"])
	assert.NotNil(t, sent[0]["random_id"])
}

func TestMatrixImageToTelegram(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	tb.readyUser(t)
	roomID := id.RoomID("!friends:example.org")
	registeredPortal(t, tb, telegram.NewChatPeer(7), roomID)

	uri := id.ContentURI{Homeserver: testDomain, FileID: "cat"}
	tb.fm.storeMedia(uri, []byte("picture bytes"))

	tb.HandleMatrixEvent(ctx, &event.Event{
		Type:   event.EventMessage,
		RoomID: roomID,
		Sender: testOwner,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgImage,
			Body:    "cat.png",
			URL:     uri.CUString(),
		}},
	})

	// One part was enough for a small file.
	assert.Len(t, tb.conn.callParams("upload.saveFilePart"), 1)
	sent := tb.conn.callParams("messages.sendMedia")
	require.Len(t, sent, 1)
	media, ok := sent[0]["media"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "inputMediaUploadedPhoto", media["_"])
}

func TestTelegramPhotoToMatrix(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	user := tb.readyUser(t)
	roomID := id.RoomID("!friends:example.org")
	portal := registeredPortal(t, tb, telegram.NewChatPeer(7), roomID)

	photoBytes := []byte("jpeg-ish bytes")
	tb.conn.handle["upload.getFile"] = func(map[string]any) (any, error) {
		return map[string]any{"bytes": photoBytes}, nil
	}

	update := &telegram.Update{
		Type:   telegram.UpdateNewMessage,
		ChatID: 7,
		Message: &telegram.Message{
			ID:     100,
			FromID: 9,
			Media: &telegram.Media{
				Type:    telegram.MediaPhoto,
				Caption: "look at this",
				Photo: &telegram.Photo{
					ID: 500,
					Sizes: []*telegram.PhotoSize{
						{Type: "s", Width: 90, Height: 60, Location: &telegram.FileLocation{VolumeID: 1}},
						{Type: "x", Width: 800, Height: 600, Location: &telegram.FileLocation{VolumeID: 2}},
					},
				},
			},
		},
	}
	require.NoError(t, portal.HandleTelegramUpdate(ctx, user.Ghost(), update, &telegram.User{ID: 9}))

	// The image event lands first, the caption as a separate text event,
	// both under the sender's ghost.
	events := tb.fm.sentEvents()
	require.Len(t, events, 2)
	assert.Equal(t, string(event.MsgImage), events[0].kind)
	assert.Equal(t, tb.GhostMXID(9), events[0].sender)
	require.NotNil(t, events[0].content)
	assert.NotEmpty(t, events[0].content.URL)
	assert.Equal(t, "text", events[1].kind)
	assert.Equal(t, "look at this", events[1].body)
	assert.Equal(t, tb.GhostMXID(9), events[1].sender)

	// The largest size variant was the one fetched.
	got := tb.conn.callParams("upload.getFile")
	require.NotEmpty(t, got)
	loc, ok := got[0]["location"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, loc["volume_id"])
}

func TestDrainAndLeaveRoom(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	user := tb.readyUser(t)
	scriptChatInfo(tb.conn, 7, "Friends", []map[string]any{{"id": 1, "first_name": "Bob"}})

	portal, err := tb.GetOrCreatePortal(ctx, user, telegram.NewChatPeer(7))
	require.NoError(t, err)
	require.NoError(t, portal.ProvisionRoom(ctx))
	roomID := portal.RoomID()

	ghosts, err := tb.ListGhostParticipants(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []id.UserID{tb.GhostMXID(1)}, ghosts)

	require.NoError(t, tb.DrainAndLeaveRoom(ctx, roomID))
	assert.Contains(t, tb.fm.leaves, invite{room: roomID, user: tb.GhostMXID(1)})
	assert.Contains(t, tb.fm.leaves, invite{room: roomID, user: tb.fm.BotIntent().UserID()})

	// The portal record stays.
	record, err := tb.DB.Portals.Get(ctx, portal.Key())
	require.NoError(t, err)
	require.NotNil(t, record)
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	ghost := tb.readyUser(t).Ghost()

	_, err := tb.uploadTelegramFile(ctx, ghost, nil, "empty.png")
	require.Error(t, err)
	// No zero-part file handle must ever reach the remote side.
	assert.NotContains(t, tb.conn.calledMethods(), "upload.saveFilePart")
}
