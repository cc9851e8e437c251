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
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/telegram/pkg/database"
	"github.com/lrhodin/telegram/pkg/matrix"
	"github.com/lrhodin/telegram/pkg/telegram"
)

// Bridge is one bridge instance: it owns every registry and cache, so
// multiple instances can coexist in a process (which the tests rely on).
// The in-memory caches are the only mutable state shared between
// concurrent call paths; all of them follow lookup-then-insert with
// first-writer-wins.
type Bridge struct {
	Config *Config
	Log    zerolog.Logger
	DB     *database.Database
	Matrix matrix.API
	Dialer telegram.Dialer

	usersByMXID map[id.UserID]*MatrixUser
	usersLock   sync.Mutex

	tgUsersByID map[int64]*TelegramUser
	tgUsersLock sync.Mutex

	portalsByKey  map[string]*Portal
	portalsByMXID map[id.RoomID]*Portal
	portalsLock   sync.Mutex
}

// New assembles a bridge instance from its collaborators. Call Start to
// hydrate persisted users and begin processing events.
func New(cfg *Config, log zerolog.Logger, db *database.Database, matrixAPI matrix.API, dialer telegram.Dialer) *Bridge {
	return &Bridge{
		Config: cfg,
		Log:    log,
		DB:     db,
		Matrix: matrixAPI,
		Dialer: dialer,

		usersByMXID:   make(map[id.UserID]*MatrixUser),
		tgUsersByID:   make(map[int64]*TelegramUser),
		portalsByKey:  make(map[string]*Portal),
		portalsByMXID: make(map[id.RoomID]*Portal),
	}
}

// Start hydrates persisted Matrix users, restores their sessions and
// begins processing inbound Matrix events.
func (br *Bridge) Start(ctx context.Context) error {
	users, err := br.DB.MatrixUsers.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load matrix users: %w", err)
	}
	for _, record := range users {
		user, err := br.GetOrCreateMatrixUser(ctx, id.UserID(record.MXID))
		if err != nil {
			br.Log.Err(err).Str("mxid", record.MXID).Msg("Failed to hydrate matrix user")
			continue
		}
		user.startIfLoggedIn(ctx)
	}

	br.Matrix.OnEvent(br.HandleMatrixEvent)
	return br.Matrix.Start(ctx)
}

// Stop shuts down all sessions and the Matrix listener.
func (br *Bridge) Stop() {
	br.Matrix.Stop()
	br.usersLock.Lock()
	users := make([]*MatrixUser, 0, len(br.usersByMXID))
	for _, user := range br.usersByMXID {
		users = append(users, user)
	}
	br.usersLock.Unlock()
	for _, user := range users {
		user.stopGhost()
	}
}

// GetOrCreateMatrixUser returns the MatrixUser for the given id,
// hydrating from storage or creating a fresh record on first reference.
func (br *Bridge) GetOrCreateMatrixUser(ctx context.Context, mxid id.UserID) (*MatrixUser, error) {
	br.usersLock.Lock()
	if user, ok := br.usersByMXID[mxid]; ok {
		br.usersLock.Unlock()
		return user, nil
	}
	br.usersLock.Unlock()

	record, err := br.DB.MatrixUsers.Get(ctx, string(mxid))
	if err != nil {
		return nil, fmt.Errorf("failed to look up matrix user: %w", err)
	}
	user := newMatrixUser(br, mxid)
	if record != nil {
		if err = user.loadRecord(record); err != nil {
			// A lost session is fatal for this user's session only; the
			// user object itself stays usable for a fresh login.
			user.log.Err(err).Msg("Failed to restore persisted session")
		}
	} else if err = br.DB.MatrixUsers.Upsert(ctx, user.toRecord()); err != nil {
		return nil, fmt.Errorf("failed to persist new matrix user: %w", err)
	}

	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	if existing, ok := br.usersByMXID[mxid]; ok {
		// Another caller won the race; defer to the registered instance.
		return existing, nil
	}
	br.usersByMXID[mxid] = user
	return user, nil
}

// GetOrCreateTelegramUser returns the puppet for a remote account id,
// hydrating from storage or creating it on first sight.
func (br *Bridge) GetOrCreateTelegramUser(ctx context.Context, tgid int64) (*TelegramUser, error) {
	br.tgUsersLock.Lock()
	if user, ok := br.tgUsersByID[tgid]; ok {
		br.tgUsersLock.Unlock()
		return user, nil
	}
	br.tgUsersLock.Unlock()

	record, err := br.DB.TelegramUsers.Get(ctx, tgid)
	if err != nil {
		return nil, fmt.Errorf("failed to look up telegram user: %w", err)
	}
	user := newTelegramUser(br, tgid)
	if record != nil {
		user.loadRecord(record)
	} else if err = br.DB.TelegramUsers.Upsert(ctx, user.toRecord()); err != nil {
		return nil, fmt.Errorf("failed to persist new telegram user: %w", err)
	}

	br.tgUsersLock.Lock()
	defer br.tgUsersLock.Unlock()
	if existing, ok := br.tgUsersByID[tgid]; ok {
		return existing, nil
	}
	br.tgUsersByID[tgid] = user
	return user, nil
}

// GetOrCreatePortal returns the portal for (owner, peer), creating and
// persisting an unprovisioned one if none exists yet. At most one live
// instance exists per key: concurrent callers racing the storage lookup
// converge on whichever instance was registered first.
func (br *Bridge) GetOrCreatePortal(ctx context.Context, user *MatrixUser, peer telegram.Peer) (*Portal, error) {
	if err := peer.Validate(); err != nil {
		return nil, err
	}
	key := portalKey(user.MXID, peer)

	br.portalsLock.Lock()
	if portal, ok := br.portalsByKey[key]; ok {
		br.portalsLock.Unlock()
		return portal, nil
	}
	br.portalsLock.Unlock()

	record, err := br.DB.Portals.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up portal: %w", err)
	}
	var portal *Portal
	if record != nil {
		portal, err = portalFromRecord(br, record)
		if err != nil {
			return nil, err
		}
	} else {
		portal = newPortal(br, user.MXID, peer)
		// Persist immediately so a concurrent caller finds the record in
		// storage instead of double-creating.
		if err = br.DB.Portals.Upsert(ctx, portal.toRecord()); err != nil {
			return nil, fmt.Errorf("failed to persist new portal: %w", err)
		}
	}
	return br.registerPortal(portal), nil
}

// GetExistingPortal is the non-creating lookup used by the update
// router: cache, then storage, never a new portal.
func (br *Bridge) GetExistingPortal(ctx context.Context, owner id.UserID, peer telegram.Peer) (*Portal, error) {
	key := portalKey(owner, peer)
	br.portalsLock.Lock()
	if portal, ok := br.portalsByKey[key]; ok {
		br.portalsLock.Unlock()
		return portal, nil
	}
	br.portalsLock.Unlock()

	record, err := br.DB.Portals.Get(ctx, key)
	if err != nil || record == nil {
		return nil, err
	}
	portal, err := portalFromRecord(br, record)
	if err != nil {
		return nil, err
	}
	return br.registerPortal(portal), nil
}

// FindPortalByMXID looks a portal up by its Matrix room id, populating
// both caches on a storage hit.
func (br *Bridge) FindPortalByMXID(ctx context.Context, roomID id.RoomID) (*Portal, error) {
	br.portalsLock.Lock()
	if portal, ok := br.portalsByMXID[roomID]; ok {
		br.portalsLock.Unlock()
		return portal, nil
	}
	br.portalsLock.Unlock()

	record, err := br.DB.Portals.GetByMXID(ctx, string(roomID))
	if err != nil || record == nil {
		return nil, err
	}
	portal, err := portalFromRecord(br, record)
	if err != nil {
		return nil, err
	}
	return br.registerPortal(portal), nil
}

// registerPortal inserts a portal into the caches, deferring to a
// concurrently registered instance for the same key (first writer wins).
func (br *Bridge) registerPortal(portal *Portal) *Portal {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	if existing, ok := br.portalsByKey[portal.Key()]; ok {
		return existing
	}
	br.portalsByKey[portal.Key()] = portal
	if portal.MXID != "" {
		br.portalsByMXID[portal.MXID] = portal
	}
	return portal
}

// registerPortalMXID indexes a freshly provisioned portal by room id.
func (br *Bridge) registerPortalMXID(portal *Portal) {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	br.portalsByMXID[portal.MXID] = portal
}

// HandleMatrixEvent routes an inbound Matrix room event to its portal.
// Events from ghosts and events for unbridged rooms are ignored. Errors
// are logged per event; one bad event never affects the next.
func (br *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	log := br.Log.With().
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Str("type", evt.Type.Type).
		Logger()
	if br.IsGhost(evt.Sender) || evt.Sender == br.Matrix.BotIntent().UserID() {
		return
	}

	portal, err := br.FindPortalByMXID(ctx, evt.RoomID)
	if err != nil {
		log.Err(err).Msg("Failed to look up portal for event")
		return
	}
	if portal == nil {
		log.Debug().Msg("Dropping event for unbridged room")
		return
	}

	user, err := br.GetOrCreateMatrixUser(ctx, evt.Sender)
	if err != nil {
		log.Err(err).Msg("Failed to get matrix user for event")
		return
	}
	user.BumpActivity(ctx)

	if err = portal.HandleMatrixEvent(ctx, user, evt); err != nil {
		log.Err(err).Msg("Failed to bridge matrix event")
	}
}

// IsGhost reports whether the user id is one of this bridge's puppets.
func (br *Bridge) IsGhost(userID id.UserID) bool {
	_, ok := br.ParseGhostMXID(userID)
	return ok
}

// ParseGhostMXID extracts the remote account id from a ghost user id.
func (br *Bridge) ParseGhostMXID(userID id.UserID) (int64, bool) {
	localpart, domain, err := userID.Parse()
	if err != nil || domain != br.Config.Homeserver.Domain {
		return 0, false
	}
	return br.Config.Bridge.ParseGhostLocalpart(localpart)
}

// GhostMXID builds the ghost user id for a remote account id.
func (br *Bridge) GhostMXID(tgid int64) id.UserID {
	return id.NewUserID(br.Config.Bridge.FormatGhostLocalpart(tgid), br.Config.Homeserver.Domain)
}

func portalKey(owner id.UserID, peer telegram.Peer) string {
	return string(owner) + " " + peer.Key()
}
