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

	"github.com/rs/zerolog"

	"github.com/lrhodin/telegram/pkg/telegram"
)

// Router consumes one session's update stream and routes each update to
// its portal. One router per logged-in user; updates for a user are
// processed in arrival order on a single goroutine.
type Router struct {
	bridge *Bridge
	user   *MatrixUser
	log    zerolog.Logger
}

func newRouter(br *Bridge, user *MatrixUser) *Router {
	return &Router{
		bridge: br,
		user:   user,
		log:    br.Log.With().Str("component", "router").Stringer("mxid", user.MXID).Logger(),
	}
}

// Run consumes the session's update channel until it closes. A panic
// while handling one envelope is logged and the loop continues with the
// next.
func (r *Router) Run() {
	for envelope := range r.user.Ghost().Updates() {
		r.handleEnvelope(envelope)
	}
	r.log.Debug().Msg("Update stream closed, router exiting")
}

func (r *Router) handleEnvelope(envelope *telegram.UpdateEnvelope) {
	defer func() {
		if panicked := recover(); panicked != nil {
			r.log.Error().Any("panic", panicked).Str("envelope_type", envelope.Type).
				Msg("Panic while handling update envelope")
		}
	}()
	ctx := r.log.WithContext(context.Background())

	switch envelope.Type {
	case telegram.EnvUpdateShort:
		if envelope.Update != nil {
			r.dispatch(ctx, envelope.Update, nil)
		}
	case telegram.EnvUpdates:
		// Batch envelopes share one user list; each update resolves its
		// sender against it.
		for _, update := range envelope.Updates {
			r.dispatch(ctx, update, envelope.Users)
		}
	case telegram.EnvUpdateShortChatMessage:
		// The short form is itself a complete chat message with the
		// fields inlined. Synthesize the regular shape before routing.
		r.dispatch(ctx, &telegram.Update{
			Type:   telegram.UpdateNewMessage,
			ChatID: envelope.ChatID,
			FromID: envelope.FromID,
			Body:   envelope.Message,
			Date:   envelope.Date,
		}, nil)
	default:
		r.log.Debug().Str("envelope_type", envelope.Type).Msg("Dropping unknown envelope type")
	}
}

// dispatch normalizes one update and routes it to its portal. Typing,
// status and read-marker updates are ephemeral and discarded without
// logging; message updates for peers with no existing portal are logged
// and dropped, never provisioned.
func (r *Router) dispatch(ctx context.Context, update *telegram.Update, users []*telegram.User) {
	switch update.Type {
	case telegram.UpdateChatUserTyping, telegram.UpdateUserTyping,
		telegram.UpdateUserStatus, telegram.UpdateReadChannelInbox,
		telegram.UpdateReadHistoryInbox, telegram.UpdateReadHistoryOutbox:
		return
	case telegram.UpdateNewMessage, telegram.UpdateNewChannelMessage,
		telegram.UpdateEditChannelMessage:
	default:
		r.log.Debug().Str("update_type", update.Type).Msg("Dropping unhandled update type")
		return
	}

	peer, ok := r.resolvePeer(update)
	if !ok {
		r.log.Debug().Str("update_type", update.Type).Msg("Dropping update with unresolvable peer")
		return
	}
	portal, err := r.bridge.GetExistingPortal(ctx, r.user.MXID, peer)
	if err != nil {
		r.log.Err(err).Str("peer", peer.Key()).Msg("Failed to look up portal for update")
		return
	}
	if portal == nil {
		r.log.Debug().Str("peer", peer.Key()).Msg("Dropping update for unbridged peer")
		return
	}

	sender := r.resolveSender(update, users)
	if err = portal.HandleTelegramUpdate(ctx, r.user.Ghost(), update, sender); err != nil {
		r.log.Err(err).Str("peer", peer.Key()).Msg("Failed to bridge update")
	}
}

// resolvePeer extracts the portal peer from an update. The id lives in a
// different place per update shape: directly on chat updates, nested in
// the message destination on channel message updates.
func (r *Router) resolvePeer(update *telegram.Update) (telegram.Peer, bool) {
	if update.ChatID != 0 {
		return telegram.Peer{Kind: telegram.PeerChat, ID: update.ChatID}, true
	}
	if msg := update.Message; msg != nil && msg.ToID != nil {
		switch msg.ToID.Type {
		case telegram.PeerRefChat:
			return telegram.Peer{Kind: telegram.PeerChat, ID: msg.ToID.ChatID}, true
		case telegram.PeerRefChannel:
			return telegram.Peer{Kind: telegram.PeerChannel, ID: msg.ToID.ChannelID}, true
		case telegram.PeerRefUser:
			// Direct chats key on the counterpart, which for our own
			// outgoing messages is the destination rather than the sender.
			if msg.Out {
				return telegram.Peer{Kind: telegram.PeerUser, ID: msg.ToID.UserID}, true
			}
			return telegram.Peer{Kind: telegram.PeerUser, ID: msg.FromID}, true
		}
	}
	if update.ChannelID != 0 {
		return telegram.Peer{Kind: telegram.PeerChannel, ID: update.ChannelID}, true
	}
	return telegram.Peer{}, false
}

// resolveSender determines who authored the update. An explicit from id
// wins; channel messages flagged as outgoing are attributed to the
// session owner, since the wire omits the sender on those.
func (r *Router) resolveSender(update *telegram.Update, users []*telegram.User) *telegram.User {
	senderID := update.FromID
	if msg := update.Message; msg != nil {
		if msg.FromID != 0 {
			senderID = msg.FromID
		} else if msg.Out {
			senderID = r.user.Ghost().TelegramID()
		}
	}
	if senderID == 0 {
		return nil
	}
	for _, user := range users {
		if user.ID == senderID {
			return user
		}
	}
	return &telegram.User{ID: senderID}
}
