// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package matrix is the boundary to the homeserver-side SDK. The bridge
// core consumes only the capability set below; the appservice transport,
// registration handling and webhook listener live behind it.
package matrix

import (
	"context"
	"errors"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// API vends per-identity intents and receives the inbound event stream.
type API interface {
	// BotIntent is the bridge bot's own identity.
	BotIntent() Intent
	// Intent returns the intent for a ghost (puppeted) user id.
	Intent(userID id.UserID) Intent
	// OnEvent registers the single handler for inbound room events.
	// Events for one room are delivered in order.
	OnEvent(handler func(ctx context.Context, evt *event.Event))
	// Start begins processing inbound events. It returns once the
	// listener is up.
	Start(ctx context.Context) error
	Stop()
}

// Intent is the capability set scoped to one controllable identity.
type Intent interface {
	UserID() id.UserID

	CreateRoom(ctx context.Context, name string, visibility string) (id.RoomID, error)
	Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	SetRoomName(ctx context.Context, roomID id.RoomID, name string) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	Leave(ctx context.Context, roomID id.RoomID) error

	SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error

	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, uri id.ContentURI) error

	UploadMedia(ctx context.Context, data []byte, name, mimeType string) (id.ContentURI, error)
	DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error)
}

// IsPermissionError reports whether err is the homeserver rejecting a
// write for lack of power in the room.
func IsPermissionError(err error) bool {
	return errors.Is(err, mautrix.MForbidden)
}
