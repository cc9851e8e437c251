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
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/telegram/pkg/database"
	"github.com/lrhodin/telegram/pkg/matrix"
	"github.com/lrhodin/telegram/pkg/telegram"
)

// Portal is one bridged room: an owning Matrix user, a remote peer and,
// once provisioned, a Matrix room. Portal identity is (owner, peer
// kind, peer id); the room id is a secondary index used for inbound
// Matrix routing.
type Portal struct {
	bridge *Bridge
	log    zerolog.Logger

	Owner id.UserID
	Peer  telegram.Peer

	// roomLock guards MXID and makes provisioning idempotent.
	roomLock sync.Mutex
	MXID     id.RoomID
}

func newPortal(br *Bridge, owner id.UserID, peer telegram.Peer) *Portal {
	return &Portal{
		bridge: br,
		log: br.Log.With().
			Str("component", "portal").
			Stringer("owner", owner).
			Str("peer", peer.Key()).
			Logger(),
		Owner: owner,
		Peer:  peer,
	}
}

func portalFromRecord(br *Bridge, record *database.Portal) (*Portal, error) {
	var peer telegram.Peer
	if err := json.Unmarshal(record.Peer, &peer); err != nil {
		return nil, fmt.Errorf("failed to parse persisted peer: %w", err)
	}
	portal := newPortal(br, id.UserID(record.Owner), peer)
	portal.MXID = id.RoomID(record.MXID)
	return portal, nil
}

func (p *Portal) toRecord() *database.Portal {
	peer, _ := json.Marshal(p.Peer)
	return &database.Portal{
		Key:   p.Key(),
		Owner: string(p.Owner),
		MXID:  string(p.MXID),
		Peer:  peer,
	}
}

// Key returns the canonical portal key: owner and peer identity, access
// hash excluded.
func (p *Portal) Key() string {
	return portalKey(p.Owner, p.Peer)
}

// RoomID returns the provisioned Matrix room id, or "" before
// provisioning.
func (p *Portal) RoomID() id.RoomID {
	p.roomLock.Lock()
	defer p.roomLock.Unlock()
	return p.MXID
}

// ownerGhost returns the owning user's Ready session.
func (p *Portal) ownerGhost(ctx context.Context) (*telegram.Ghost, error) {
	user, err := p.bridge.GetOrCreateMatrixUser(ctx, p.Owner)
	if err != nil {
		return nil, err
	}
	ghost := user.Ghost()
	if ghost.State() != telegram.StateReady {
		return nil, fmt.Errorf("%s is not signed in to Telegram", p.Owner)
	}
	return ghost, nil
}

// ProvisionRoom creates the Matrix room for this portal. Idempotent: a
// portal that already has a room is left untouched. The room is named
// after the remote chat, participants are reconciled and the owning
// user is invited.
func (p *Portal) ProvisionRoom(ctx context.Context) error {
	p.roomLock.Lock()
	defer p.roomLock.Unlock()
	if p.MXID != "" {
		return nil
	}

	ghost, err := p.ownerGhost(ctx)
	if err != nil {
		return err
	}
	meta, err := ghost.GetChatInfo(ctx, p.Peer)
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to fetch chat metadata, using placeholder title")
		meta = &telegram.ChatMetadata{
			Title: fmt.Sprintf("[Telegram %s %d]", p.Peer.Kind, p.Peer.ID),
		}
	}

	bot := p.bridge.Matrix.BotIntent()
	roomID, err := bot.CreateRoom(ctx, meta.Title, "private")
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	p.MXID = roomID
	p.bridge.registerPortalMXID(p)
	if err = p.bridge.DB.Portals.Upsert(ctx, p.toRecord()); err != nil {
		return fmt.Errorf("failed to persist provisioned portal: %w", err)
	}
	p.log.Info().Stringer("room_id", roomID).Msg("Provisioned portal room")

	p.fixParticipants(ctx, ghost, roomID, meta.Participants)

	if err = bot.Invite(ctx, roomID, p.Owner); err != nil {
		return fmt.Errorf("failed to invite %s: %w", p.Owner, err)
	}
	return nil
}

// FixRoom re-synchronizes the room title and participant list against
// current remote metadata. This is an operator repair action, not run on
// any schedule.
func (p *Portal) FixRoom(ctx context.Context) error {
	roomID := p.RoomID()
	if roomID == "" {
		return fmt.Errorf("portal has no room to fix")
	}
	ghost, err := p.ownerGhost(ctx)
	if err != nil {
		return err
	}
	meta, err := ghost.GetChatInfo(ctx, p.Peer)
	if err != nil {
		return fmt.Errorf("failed to fetch chat metadata: %w", err)
	}
	if err = p.bridge.Matrix.BotIntent().SetRoomName(ctx, roomID, meta.Title); err != nil {
		return fmt.Errorf("failed to set room name: %w", err)
	}
	p.fixParticipants(ctx, ghost, roomID, meta.Participants)
	return nil
}

// fixParticipants reconciles the room's ghost members against a remote
// participant list. Profile refreshes skip unchanged avatars. A
// membership write rejected for lack of power gets the ghost invited by
// the bot and the identical write retried exactly once.
func (p *Portal) fixParticipants(ctx context.Context, ghost *telegram.Ghost, roomID id.RoomID, participants []*telegram.User) {
	for _, remote := range participants {
		if remote.ID == ghost.TelegramID() {
			// The owner participates as their real Matrix account.
			continue
		}
		tu, err := p.bridge.GetOrCreateTelegramUser(ctx, remote.ID)
		if err != nil {
			p.log.Err(err).Int64("tgid", remote.ID).Msg("Failed to resolve participant")
			continue
		}
		if err = tu.UpdateProfile(ctx, ghost, remote); err != nil {
			p.log.Warn().Err(err).Int64("tgid", remote.ID).Msg("Failed to refresh participant profile")
		}

		err = tu.SendMembership(ctx, roomID, event.MembershipJoin)
		if matrix.IsPermissionError(err) {
			if inviteErr := p.bridge.Matrix.BotIntent().Invite(ctx, roomID, tu.MXID()); inviteErr != nil {
				p.log.Err(inviteErr).Stringer("ghost", tu.MXID()).Msg("Failed to invite ghost after permission error")
				continue
			}
			err = tu.SendMembership(ctx, roomID, event.MembershipJoin)
		}
		if err != nil {
			p.log.Err(err).Stringer("ghost", tu.MXID()).Msg("Failed to join ghost to room")
		}
	}
}

// HandleMatrixEvent translates one inbound Matrix room event into an
// outbound remote call issued over the sender's session. Unknown event
// and message types are logged and dropped.
func (p *Portal) HandleMatrixEvent(ctx context.Context, user *MatrixUser, evt *event.Event) error {
	if evt.Type != event.EventMessage {
		p.log.Debug().Str("type", evt.Type.Type).Msg("Dropping unhandled matrix event type")
		return nil
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return fmt.Errorf("unparsed message content in %s", evt.ID)
	}
	ghost := user.Ghost()
	if ghost.State() != telegram.StateReady {
		return fmt.Errorf("%s is not signed in to Telegram", user.MXID)
	}

	switch content.MsgType {
	case event.MsgText:
		return ghost.SendText(ctx, p.Peer, content.Body)
	case event.MsgImage:
		return p.handleMatrixImage(ctx, ghost, content)
	default:
		p.log.Debug().Str("msgtype", string(content.MsgType)).Msg("Dropping unhandled matrix message type")
		return nil
	}
}

// handleMatrixImage moves an image across the boundary: down from the
// Matrix media repo, up to the remote side in chunks, then sent as
// remote media.
func (p *Portal) handleMatrixImage(ctx context.Context, ghost *telegram.Ghost, content *event.MessageEventContent) error {
	uri, err := content.URL.Parse()
	if err != nil {
		return fmt.Errorf("invalid media URL: %w", err)
	}
	data, err := p.bridge.Matrix.BotIntent().DownloadMedia(ctx, uri)
	if err != nil {
		return fmt.Errorf("failed to download media from homeserver: %w", err)
	}
	file, err := p.bridge.uploadTelegramFile(ctx, ghost, data, content.Body)
	if err != nil {
		return fmt.Errorf("failed to upload media to Telegram: %w", err)
	}
	return ghost.SendMedia(ctx, p.Peer, file, "")
}

// HandleTelegramUpdate renders one normalized remote update into the
// room under the sender's ghost. Called by the router, which owns
// ordering; errors are returned for the router to log.
func (p *Portal) HandleTelegramUpdate(ctx context.Context, ghost *telegram.Ghost, update *telegram.Update, sender *telegram.User) error {
	roomID := p.RoomID()
	if roomID == "" {
		return fmt.Errorf("portal has no provisioned room")
	}
	if sender == nil || sender.ID == 0 {
		return fmt.Errorf("update has no resolvable sender")
	}
	tu, err := p.bridge.GetOrCreateTelegramUser(ctx, sender.ID)
	if err != nil {
		return err
	}
	if sender.FirstName != "" || sender.LastName != "" {
		if err = tu.UpdateProfile(ctx, ghost, sender); err != nil {
			p.log.Warn().Err(err).Msg("Failed to refresh sender profile")
		}
	}

	msg := update.Message
	switch {
	case msg != nil && msg.Media != nil:
		return p.handleTelegramMedia(ctx, ghost, tu, roomID, msg)
	case msg != nil:
		return tu.SendText(ctx, roomID, msg.Body)
	case update.Body != "":
		// Short chat message updates carry the body inline.
		return tu.SendText(ctx, roomID, update.Body)
	default:
		p.log.Debug().Str("update_type", update.Type).Msg("Dropping update with no renderable content")
		return nil
	}
}

// handleTelegramMedia renders a remote media message: the file is pulled
// from the remote side, pushed to the Matrix media repo and sent as an
// image event. A caption becomes a separate follow-up text event, since
// this bridge's event model cannot attach both to one event.
func (p *Portal) handleTelegramMedia(ctx context.Context, ghost *telegram.Ghost, tu *TelegramUser, roomID id.RoomID, msg *telegram.Message) error {
	if msg.Media.Type != telegram.MediaPhoto || msg.Media.Photo == nil {
		p.log.Debug().Str("media_type", msg.Media.Type).Msg("Dropping unsupported media type")
		if msg.Body != "" {
			return tu.SendText(ctx, roomID, msg.Body)
		}
		return nil
	}

	uri, info, err := p.bridge.transferTelegramPhoto(ctx, ghost, tu.Intent(), msg.Media.Photo)
	if err != nil {
		return fmt.Errorf("failed to transfer photo: %w", err)
	}
	if err = tu.SendImage(ctx, roomID, uri, "image", info); err != nil {
		return err
	}
	if caption := msg.Media.Caption; caption != "" {
		return tu.SendText(ctx, roomID, caption)
	}
	return nil
}
