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
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/telegram/pkg/telegram"
)

func newTestRouter(t *testing.T, tb *testBridge) *Router {
	t.Helper()
	return newRouter(tb.Bridge, tb.readyUser(t))
}

func TestRouterDiscardsEphemeralUpdates(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	r := newTestRouter(t, tb)
	registeredPortal(t, tb, telegram.NewChatPeer(7), "!friends:example.org")

	for _, updateType := range []string{
		telegram.UpdateChatUserTyping,
		telegram.UpdateUserTyping,
		telegram.UpdateUserStatus,
		telegram.UpdateReadChannelInbox,
		telegram.UpdateReadHistoryInbox,
		telegram.UpdateReadHistoryOutbox,
	} {
		r.dispatch(ctx, &telegram.Update{Type: updateType, ChatID: 7, UserID: 9, MaxID: 100}, nil)
	}

	assert.Empty(t, tb.fm.sentEvents())
}

func TestRouterDropsUnbridgedPeer(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	r := newTestRouter(t, tb)

	r.dispatch(ctx, &telegram.Update{
		Type: telegram.UpdateNewChannelMessage,
		Message: &telegram.Message{
			ID:     100,
			FromID: 9,
			ToID:   &telegram.PeerRef{Type: telegram.PeerRefChannel, ChannelID: 42},
			Body:   "hello",
		},
	}, nil)

	assert.Empty(t, tb.fm.sentEvents())
	// Dropping must not create a portal as a side effect.
	record, err := tb.DB.Portals.Get(ctx, portalKey(testOwner, telegram.Peer{Kind: telegram.PeerChannel, ID: 42}))
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestRouterBatchEnvelope(t *testing.T) {
	tb := newTestBridge(t)
	r := newTestRouter(t, tb)
	roomID := id.RoomID("!friends:example.org")
	registeredPortal(t, tb, telegram.NewChatPeer(7), roomID)

	r.handleEnvelope(&telegram.UpdateEnvelope{
		Type: telegram.EnvUpdates,
		Updates: []*telegram.Update{{
			Type: telegram.UpdateNewMessage,
			Message: &telegram.Message{
				ID:     100,
				FromID: 9,
				ToID:   &telegram.PeerRef{Type: telegram.PeerRefChat, ChatID: 7},
				Body:   "hi from the batch",
			},
		}},
		Users: []*telegram.User{{ID: 9, FirstName: "Ida"}},
	})

	events := tb.fm.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, tb.GhostMXID(9), events[0].sender)
	assert.Equal(t, roomID, events[0].room)
	assert.Equal(t, "hi from the batch", events[0].body)
	// The batch's user list fed the ghost profile.
	assert.Equal(t, "Ida", tb.fm.displaynames[tb.GhostMXID(9)])
}

func TestRouterShortEnvelope(t *testing.T) {
	tb := newTestBridge(t)
	r := newTestRouter(t, tb)
	roomID := id.RoomID("!friends:example.org")
	registeredPortal(t, tb, telegram.NewChatPeer(7), roomID)

	r.handleEnvelope(&telegram.UpdateEnvelope{
		Type: telegram.EnvUpdateShort,
		Update: &telegram.Update{
			Type: telegram.UpdateNewMessage,
			Message: &telegram.Message{
				ID:     101,
				FromID: 9,
				ToID:   &telegram.PeerRef{Type: telegram.PeerRefChat, ChatID: 7},
				Body:   "wrapped single",
			},
		},
	})

	events := tb.fm.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "wrapped single", events[0].body)
}

func TestRouterShortChatMessageSynthesis(t *testing.T) {
	tb := newTestBridge(t)
	r := newTestRouter(t, tb)
	roomID := id.RoomID("!friends:example.org")
	registeredPortal(t, tb, telegram.NewChatPeer(7), roomID)

	r.handleEnvelope(&telegram.UpdateEnvelope{
		Type:    telegram.EnvUpdateShortChatMessage,
		ID:      102,
		FromID:  9,
		ChatID:  7,
		Message: "inlined chat message",
	})

	events := tb.fm.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, tb.GhostMXID(9), events[0].sender)
	assert.Equal(t, "inlined chat message", events[0].body)
}

func TestRouterChannelOutSelfAttribution(t *testing.T) {
	tb := newTestBridge(t)
	r := newTestRouter(t, tb)
	roomID := id.RoomID("!news:example.org")
	registeredPortal(t, tb, telegram.Peer{Kind: telegram.PeerChannel, ID: 55, AccessHash: 42}, roomID)

	// Channel messages sent from another client of the same account come
	// in with no sender, only the outgoing flag.
	r.handleEnvelope(&telegram.UpdateEnvelope{
		Type: telegram.EnvUpdateShort,
		Update: &telegram.Update{
			Type: telegram.UpdateNewChannelMessage,
			Message: &telegram.Message{
				ID:   103,
				Out:  true,
				ToID: &telegram.PeerRef{Type: telegram.PeerRefChannel, ChannelID: 55},
				Body: "posted elsewhere",
			},
		},
	})

	events := tb.fm.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, tb.GhostMXID(ownerTGID), events[0].sender)
	assert.Equal(t, "posted elsewhere", events[0].body)
}

func TestRouterDirectMessagePeer(t *testing.T) {
	r := newTestRouter(t, newTestBridge(t))

	// Inbound: keyed on the sender.
	peer, ok := r.resolvePeer(&telegram.Update{
		Type: telegram.UpdateNewMessage,
		Message: &telegram.Message{
			FromID: 9,
			ToID:   &telegram.PeerRef{Type: telegram.PeerRefUser, UserID: ownerTGID},
		},
	})
	require.True(t, ok)
	assert.Equal(t, telegram.Peer{Kind: telegram.PeerUser, ID: 9}, peer)

	// Outgoing from another client: keyed on the destination.
	peer, ok = r.resolvePeer(&telegram.Update{
		Type: telegram.UpdateNewMessage,
		Message: &telegram.Message{
			FromID: ownerTGID,
			Out:    true,
			ToID:   &telegram.PeerRef{Type: telegram.PeerRefUser, UserID: 9},
		},
	})
	require.True(t, ok)
	assert.Equal(t, telegram.Peer{Kind: telegram.PeerUser, ID: 9}, peer)
}

func TestRouterUnknownEnvelopeAndUpdate(t *testing.T) {
	tb := newTestBridge(t)
	r := newTestRouter(t, tb)
	registeredPortal(t, tb, telegram.NewChatPeer(7), "!friends:example.org")

	r.handleEnvelope(&telegram.UpdateEnvelope{Type: "updatesTooLong"})
	r.dispatch(context.Background(), &telegram.Update{Type: "updateDraftMessage", ChatID: 7}, nil)

	assert.Empty(t, tb.fm.sentEvents())
}

func TestRouterSurvivesPanics(t *testing.T) {
	tb := newTestBridge(t)
	r := newTestRouter(t, tb)

	// A short envelope with a nil update would panic without the guard.
	assert.NotPanics(t, func() {
		r.handleEnvelope(&telegram.UpdateEnvelope{
			Type: telegram.EnvUpdates,
			Updates: []*telegram.Update{
				nil,
			},
		})
	})
}
