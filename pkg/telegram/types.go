// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package telegram

// Wire shapes delivered by the MTProto client. The client decodes TL
// objects into these structs; the bridge never sees raw TL. Type names
// in the Type fields follow the schema constructor names.

// Envelope type names.
const (
	EnvUpdateShort            = "updateShort"
	EnvUpdates                = "updates"
	EnvUpdateShortChatMessage = "updateShortChatMessage"
)

// Update type names the bridge cares about. Anything else is dropped by
// the router.
const (
	UpdateNewMessage         = "updateNewMessage"
	UpdateNewChannelMessage  = "updateNewChannelMessage"
	UpdateEditChannelMessage = "updateEditChannelMessage"
	UpdateReadChannelInbox   = "updateReadChannelInbox"
	UpdateChatUserTyping     = "updateChatUserTyping"
	UpdateUserTyping         = "updateUserTyping"
	UpdateUserStatus         = "updateUserStatus"
	UpdateReadHistoryInbox   = "updateReadHistoryInbox"
	UpdateReadHistoryOutbox  = "updateReadHistoryOutbox"
)

// UpdateEnvelope is one inbound delivery from the connection. The remote
// protocol has several envelope shapes: a single wrapped update, a batch
// of updates sharing a user list, and a "short chat message" that is
// itself a complete message update with the fields inlined.
type UpdateEnvelope struct {
	Type string `json:"_"`

	// updateShort
	Update *Update `json:"update,omitempty"`

	// updates (batch)
	Updates []*Update `json:"updates,omitempty"`
	Users   []*User   `json:"users,omitempty"`

	// updateShortChatMessage inline fields
	ID      int64  `json:"id,omitempty"`
	FromID  int64  `json:"from_id,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
	Message string `json:"message,omitempty"`
	Date    int64  `json:"date,omitempty"`
}

// Update is one decoded update from inside an envelope.
type Update struct {
	Type string `json:"_"`

	// Chat-scoped updates carry the chat id directly.
	ChatID int64 `json:"chat_id,omitempty"`
	// Channel read markers carry the channel id at the top level.
	ChannelID int64 `json:"channel_id,omitempty"`
	UserID    int64 `json:"user_id,omitempty"`
	FromID    int64 `json:"from_id,omitempty"`
	MaxID     int64 `json:"max_id,omitempty"`

	// Inline message body for short chat message updates.
	Body string `json:"message,omitempty"`
	Date int64  `json:"date,omitempty"`

	// Channel message updates carry the channel id nested inside the
	// message's destination.
	Message *Message `json:"message_obj,omitempty"`
}

// Message is a decoded message object.
type Message struct {
	ID     int64    `json:"id"`
	FromID int64    `json:"from_id,omitempty"`
	ToID   *PeerRef `json:"to_id,omitempty"`
	Out    bool     `json:"out,omitempty"`
	Date   int64    `json:"date,omitempty"`
	Body   string   `json:"message,omitempty"`
	Media  *Media   `json:"media,omitempty"`
}

// PeerRef is a message destination. It is polymorphic on the wire
// (peerUser/peerChat/peerChannel); exactly one id field is set according
// to Type.
type PeerRef struct {
	Type      string `json:"_"`
	UserID    int64  `json:"user_id,omitempty"`
	ChatID    int64  `json:"chat_id,omitempty"`
	ChannelID int64  `json:"channel_id,omitempty"`
}

// Destination peer constructor names.
const (
	PeerRefUser    = "peerUser"
	PeerRefChat    = "peerChat"
	PeerRefChannel = "peerChannel"
)

// Media is the attachment part of a message. Only photos are bridged;
// other media types surface as unsupported.
type Media struct {
	Type    string `json:"_"`
	Photo   *Photo `json:"photo,omitempty"`
	Caption string `json:"caption,omitempty"`
}

const MediaPhoto = "messageMediaPhoto"

// Photo is a remote photo with its available size variants.
type Photo struct {
	ID         int64        `json:"id"`
	AccessHash int64        `json:"access_hash,omitempty"`
	Sizes      []*PhotoSize `json:"sizes,omitempty"`
}

// PhotoSize is one size variant of a photo.
type PhotoSize struct {
	Type     string        `json:"type,omitempty"`
	Location *FileLocation `json:"location,omitempty"`
	Width    int           `json:"w,omitempty"`
	Height   int           `json:"h,omitempty"`
	Size     int           `json:"size,omitempty"`
}

// FileLocation addresses a stored file on the remote side.
type FileLocation struct {
	DCID     int64 `json:"dc_id,omitempty"`
	VolumeID int64 `json:"volume_id,omitempty"`
	LocalID  int64 `json:"local_id,omitempty"`
	Secret   int64 `json:"secret,omitempty"`
}

// InputLocation returns the RPC parameter form for upload.getFile.
func (fl *FileLocation) InputLocation() map[string]any {
	return map[string]any{
		"_":         "inputFileLocation",
		"volume_id": fl.VolumeID,
		"local_id":  fl.LocalID,
		"secret":    fl.Secret,
	}
}

// User is a remote account as revealed by participant lists, batch user
// lists and dialog listings.
type User struct {
	ID         int64             `json:"id"`
	AccessHash int64             `json:"access_hash,omitempty"`
	FirstName  string            `json:"first_name,omitempty"`
	LastName   string            `json:"last_name,omitempty"`
	Username   string            `json:"username,omitempty"`
	Photo      *UserProfilePhoto `json:"photo,omitempty"`
}

// UserProfilePhoto is the profile photo reference of a User. PhotoID
// changes whenever the user changes their photo, which is what the
// avatar cache compares against.
type UserProfilePhoto struct {
	PhotoID    int64         `json:"photo_id"`
	PhotoSmall *FileLocation `json:"photo_small,omitempty"`
	PhotoBig   *FileLocation `json:"photo_big,omitempty"`
}

// ChatMetadata is the assembled metadata for a chat or channel: its
// title plus the resolved participant list.
type ChatMetadata struct {
	Title        string
	Participants []*User
}

// InputFile references a file previously uploaded in parts via
// upload.saveFilePart.
type InputFile struct {
	ID    int64
	Parts int
	Name  string
}

// InputMedia returns the RPC parameter form for messages.sendMedia with
// an uploaded photo.
func (f *InputFile) InputMedia(caption string) map[string]any {
	return map[string]any{
		"_": "inputMediaUploadedPhoto",
		"file": map[string]any{
			"_":     "inputFile",
			"id":    f.ID,
			"parts": f.Parts,
			"name":  f.Name,
		},
		"caption": caption,
	}
}

// Dialog is one entry from messages.getDialogs, already joined against
// the response's chat list.
type Dialog struct {
	Peer              Peer
	Title             string
	ParticipantsCount int
	Deactivated       bool
}
