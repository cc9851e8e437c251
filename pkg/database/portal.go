// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
)

// Portal is the persisted record of a bridged room. Key is
// "<owner mxid> <peer kind> <peer id>"; MXID is empty until the room has
// been provisioned. Peer is the serialized peer value.
type Portal struct {
	Key   string
	Owner string
	MXID  string
	Peer  json.RawMessage
}

type PortalStore struct {
	db *Database
}

func scanPortal(row interface{ Scan(...any) error }) (*Portal, error) {
	var portal Portal
	var mxid sql.NullString
	var peer string
	if err := row.Scan(&portal.Key, &portal.Owner, &mxid, &peer); err != nil {
		return nil, scanMaybeRow(err)
	}
	portal.MXID = mxid.String
	portal.Peer = json.RawMessage(peer)
	return &portal, nil
}

// Get returns the record for the given portal key, or nil if none
// exists.
func (s *PortalStore) Get(ctx context.Context, key string) (*Portal, error) {
	return scanPortal(s.db.db.QueryRowContext(ctx,
		"SELECT key, owner, mxid, peer FROM portal WHERE key = ?", key))
}

// GetByMXID returns the record for the given Matrix room id, or nil.
func (s *PortalStore) GetByMXID(ctx context.Context, mxid string) (*Portal, error) {
	return scanPortal(s.db.db.QueryRowContext(ctx,
		"SELECT key, owner, mxid, peer FROM portal WHERE mxid = ?", mxid))
}

// Upsert writes the record, replacing any existing row for the same key.
func (s *PortalStore) Upsert(ctx context.Context, portal *Portal) error {
	var mxid any
	if portal.MXID != "" {
		mxid = portal.MXID
	}
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO portal (key, owner, mxid, peer) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			owner = excluded.owner,
			mxid = excluded.mxid,
			peer = excluded.peer
	`, portal.Key, portal.Owner, mxid, string(portal.Peer))
	return err
}
