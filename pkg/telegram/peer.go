// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package telegram

import (
	"fmt"
)

// PeerKind is the type of conversation target a Peer points at.
type PeerKind string

const (
	PeerChat    PeerKind = "chat"
	PeerChannel PeerKind = "channel"
	PeerUser    PeerKind = "user"
)

// Peer identifies a remote conversation target: a legacy group chat, a
// channel/supergroup or a single user. Channels and users additionally
// carry an access hash proving this session is allowed to talk to them.
// Peers are immutable values; identity is (Kind, ID) only, the access
// hash is carried but never part of the key.
type Peer struct {
	Kind       PeerKind `json:"type"`
	ID         int64    `json:"id"`
	AccessHash int64    `json:"access_hash,omitempty"`
}

// NewChatPeer returns a Peer for a legacy group chat. Chats have no
// access hash.
func NewChatPeer(id int64) Peer {
	return Peer{Kind: PeerChat, ID: id}
}

// NewChannelPeer returns a Peer for a channel or supergroup.
func NewChannelPeer(id, accessHash int64) Peer {
	return Peer{Kind: PeerChannel, ID: id, AccessHash: accessHash}
}

// NewUserPeer returns a Peer for a direct conversation with a user.
func NewUserPeer(id, accessHash int64) Peer {
	return Peer{Kind: PeerUser, ID: id, AccessHash: accessHash}
}

// Key returns the canonical lookup key for this peer. Two peers with the
// same kind and ID have the same key regardless of access hash.
func (p Peer) Key() string {
	return fmt.Sprintf("%s %d", p.Kind, p.ID)
}

func (p Peer) String() string {
	return p.Key()
}

// Validate checks the kind/access-hash pairing rules: channel and user
// peers require an access hash, chat peers must not have one.
func (p Peer) Validate() error {
	switch p.Kind {
	case PeerChat:
		if p.AccessHash != 0 {
			return fmt.Errorf("chat peer %d must not carry an access hash", p.ID)
		}
	case PeerChannel, PeerUser:
		if p.AccessHash == 0 {
			return fmt.Errorf("%s peer %d requires an access hash", p.Kind, p.ID)
		}
	default:
		return fmt.Errorf("unrecognized peer kind %q", p.Kind)
	}
	return nil
}

// InputPeer returns the RPC parameter form of this peer for use in
// messages.* calls.
func (p Peer) InputPeer() map[string]any {
	switch p.Kind {
	case PeerChat:
		return map[string]any{"_": "inputPeerChat", "chat_id": p.ID}
	case PeerChannel:
		return map[string]any{"_": "inputPeerChannel", "channel_id": p.ID, "access_hash": p.AccessHash}
	case PeerUser:
		return map[string]any{"_": "inputPeerUser", "user_id": p.ID, "access_hash": p.AccessHash}
	}
	return nil
}

// InputChannel returns the channel RPC parameter form. Only valid for
// channel peers.
func (p Peer) InputChannel() (map[string]any, error) {
	if p.Kind != PeerChannel {
		return nil, fmt.Errorf("cannot make an input channel out of a %s peer", p.Kind)
	}
	return map[string]any{"_": "inputChannel", "channel_id": p.ID, "access_hash": p.AccessHash}, nil
}
