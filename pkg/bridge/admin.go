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
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/telegram/pkg/telegram"
)

// ListGhostParticipants returns the ghost members currently joined to a
// room.
func (br *Bridge) ListGhostParticipants(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	members, err := br.Matrix.BotIntent().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}
	var ghosts []id.UserID
	for _, member := range members {
		if br.IsGhost(member) {
			ghosts = append(ghosts, member)
		}
	}
	return ghosts, nil
}

// DrainAndLeaveRoom makes every ghost leave the room, then the bot
// itself, abandoning it. The portal record is kept so history stays
// attributable.
func (br *Bridge) DrainAndLeaveRoom(ctx context.Context, roomID id.RoomID) error {
	ghosts, err := br.ListGhostParticipants(ctx, roomID)
	if err != nil {
		return err
	}
	for _, ghost := range ghosts {
		if err = br.Matrix.Intent(ghost).Leave(ctx, roomID); err != nil {
			br.Log.Warn().Err(err).Stringer("ghost", ghost).Stringer("room_id", roomID).
				Msg("Failed to remove ghost from room")
		}
	}
	return br.Matrix.BotIntent().Leave(ctx, roomID)
}

// ListChats returns the user's legacy group chats, skipping ones
// deactivated by migration to a channel.
func (u *MatrixUser) ListChats(ctx context.Context) ([]*telegram.Dialog, error) {
	return u.listDialogs(ctx, telegram.PeerChat)
}

// ListChannels returns the user's channels and supergroups.
func (u *MatrixUser) ListChannels(ctx context.Context) ([]*telegram.Dialog, error) {
	return u.listDialogs(ctx, telegram.PeerChannel)
}

func (u *MatrixUser) listDialogs(ctx context.Context, kind telegram.PeerKind) ([]*telegram.Dialog, error) {
	ghost := u.Ghost()
	if ghost.State() != telegram.StateReady {
		return nil, fmt.Errorf("%s is not signed in to Telegram", u.MXID)
	}
	dialogs, err := ghost.ListDialogs(ctx)
	if err != nil {
		return nil, err
	}
	var filtered []*telegram.Dialog
	for _, dialog := range dialogs {
		if dialog.Peer.Kind != kind || dialog.Deactivated {
			continue
		}
		filtered = append(filtered, dialog)
	}
	return filtered, nil
}
