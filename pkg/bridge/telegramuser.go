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
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/telegram/pkg/database"
	"github.com/lrhodin/telegram/pkg/matrix"
	"github.com/lrhodin/telegram/pkg/telegram"
)

// TelegramUser is one real remote account observed as a conversation
// participant, and the Matrix ghost puppeting it. The profile fields are
// a cache of the last remote state; the avatar is only re-uploaded when
// the remote photo reference changes.
type TelegramUser struct {
	bridge *Bridge
	log    zerolog.Logger

	TGID int64

	mu        sync.Mutex
	FirstName string
	LastName  string
	PhotoID   string
	AvatarMXC id.ContentURI

	intent matrix.Intent
}

func newTelegramUser(br *Bridge, tgid int64) *TelegramUser {
	return &TelegramUser{
		bridge: br,
		log:    br.Log.With().Str("component", "telegram_user").Int64("tgid", tgid).Logger(),
		TGID:   tgid,
	}
}

func (tu *TelegramUser) loadRecord(record *database.TelegramUser) {
	tu.FirstName = record.FirstName
	tu.LastName = record.LastName
	tu.PhotoID = record.PhotoID
	if record.AvatarMXC != "" {
		uri, err := id.ParseContentURI(record.AvatarMXC)
		if err == nil {
			tu.AvatarMXC = uri
		}
	}
}

func (tu *TelegramUser) toRecord() *database.TelegramUser {
	return &database.TelegramUser{
		TGID:      tu.TGID,
		FirstName: tu.FirstName,
		LastName:  tu.LastName,
		PhotoID:   tu.PhotoID,
		AvatarMXC: tu.AvatarMXC.String(),
	}
}

// MXID returns the ghost user id for this remote account.
func (tu *TelegramUser) MXID() id.UserID {
	return tu.bridge.GhostMXID(tu.TGID)
}

// Intent returns the Matrix intent for this user's ghost.
func (tu *TelegramUser) Intent() matrix.Intent {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	if tu.intent == nil {
		tu.intent = tu.bridge.Matrix.Intent(tu.MXID())
	}
	return tu.intent
}

// Displayname renders the configured displayname for the cached profile.
func (tu *TelegramUser) Displayname() string {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	return tu.bridge.Config.Bridge.FormatDisplayname(DisplaynameParams{
		FirstName: tu.FirstName,
		LastName:  tu.LastName,
		ID:        strconv.FormatInt(tu.TGID, 10),
	})
}

// UpdateProfile refreshes the cached name parts and avatar from a remote
// user object, pushing changes to the ghost's Matrix profile and
// persisting the cache. The avatar is only downloaded and re-uploaded
// when the remote photo id differs from the cached one.
func (tu *TelegramUser) UpdateProfile(ctx context.Context, ghost *telegram.Ghost, remote *telegram.User) error {
	tu.mu.Lock()
	nameChanged := tu.FirstName != remote.FirstName || tu.LastName != remote.LastName
	tu.FirstName = remote.FirstName
	tu.LastName = remote.LastName
	tu.mu.Unlock()

	if nameChanged {
		if err := tu.Intent().SetDisplayName(ctx, tu.Displayname()); err != nil {
			tu.log.Warn().Err(err).Msg("Failed to set ghost displayname")
		}
	}

	avatarChanged, err := tu.updateAvatar(ctx, ghost, remote.Photo)
	if err != nil {
		tu.log.Warn().Err(err).Msg("Failed to update ghost avatar")
	}

	if nameChanged || avatarChanged {
		tu.mu.Lock()
		record := tu.toRecord()
		tu.mu.Unlock()
		if err = tu.bridge.DB.TelegramUsers.Upsert(ctx, record); err != nil {
			return fmt.Errorf("failed to persist telegram user: %w", err)
		}
	}
	return nil
}

// updateAvatar refreshes the ghost's avatar if the remote photo
// reference changed. Returns whether anything was updated.
func (tu *TelegramUser) updateAvatar(ctx context.Context, ghost *telegram.Ghost, photo *telegram.UserProfilePhoto) (bool, error) {
	var photoID string
	if photo != nil {
		photoID = strconv.FormatInt(photo.PhotoID, 10)
	}
	tu.mu.Lock()
	cached := tu.PhotoID
	tu.mu.Unlock()
	if photoID == cached {
		return false, nil
	}

	if photo == nil || photo.PhotoSmall == nil {
		// The remote photo was removed; clear the Matrix avatar too.
		if err := tu.Intent().SetAvatarURL(ctx, id.ContentURI{}); err != nil {
			return false, err
		}
		tu.mu.Lock()
		tu.PhotoID = ""
		tu.AvatarMXC = id.ContentURI{}
		tu.mu.Unlock()
		return true, nil
	}

	data, err := tu.bridge.downloadTelegramFile(ctx, ghost, photo.PhotoSmall)
	if err != nil {
		return false, fmt.Errorf("failed to download profile photo: %w", err)
	}
	uri, err := tu.bridge.uploadMatrixMedia(ctx, tu.Intent(), data, "avatar")
	if err != nil {
		return false, fmt.Errorf("failed to upload profile photo: %w", err)
	}
	if err = tu.Intent().SetAvatarURL(ctx, uri); err != nil {
		return false, err
	}

	tu.mu.Lock()
	tu.PhotoID = photoID
	tu.AvatarMXC = uri
	tu.mu.Unlock()
	return true, nil
}

// SendText sends a text message into a room as this user's ghost.
func (tu *TelegramUser) SendText(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := tu.Intent().SendText(ctx, roomID, text)
	return err
}

// SendImage sends an already-uploaded image into a room as this user's
// ghost.
func (tu *TelegramUser) SendImage(ctx context.Context, roomID id.RoomID, uri id.ContentURI, name string, info *event.FileInfo) error {
	_, err := tu.Intent().SendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    name,
		URL:     uri.CUString(),
		Info:    info,
	})
	return err
}

// SendMembership writes this ghost's own membership state into a room.
func (tu *TelegramUser) SendMembership(ctx context.Context, roomID id.RoomID, membership event.Membership) error {
	return tu.Intent().SendStateEvent(ctx, roomID, event.StateMember, string(tu.MXID()), &event.MemberEventContent{
		Membership:  membership,
		Displayname: tu.Displayname(),
	})
}
