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
)

// TelegramUser is the persisted record of an observed remote account:
// cached name parts plus the avatar cache (remote photo reference and
// the content URI it was last uploaded as).
type TelegramUser struct {
	TGID      int64
	FirstName string
	LastName  string
	PhotoID   string
	AvatarMXC string
}

type TelegramUserStore struct {
	db *Database
}

// Get returns the record for the given remote id, or nil if none exists.
func (s *TelegramUserStore) Get(ctx context.Context, tgid int64) (*TelegramUser, error) {
	row := s.db.db.QueryRowContext(ctx,
		"SELECT tgid, first_name, last_name, photo_id, avatar_mxc FROM telegram_user WHERE tgid = ?", tgid)
	var user TelegramUser
	if err := row.Scan(&user.TGID, &user.FirstName, &user.LastName, &user.PhotoID, &user.AvatarMXC); err != nil {
		return nil, scanMaybeRow(err)
	}
	return &user, nil
}

// Upsert writes the record, replacing any existing row for the same id.
func (s *TelegramUserStore) Upsert(ctx context.Context, user *TelegramUser) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO telegram_user (tgid, first_name, last_name, photo_id, avatar_mxc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tgid) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			photo_id = excluded.photo_id,
			avatar_mxc = excluded.avatar_mxc
	`, user.TGID, user.FirstName, user.LastName, user.PhotoID, user.AvatarMXC)
	return err
}
