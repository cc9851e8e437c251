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

// MatrixUser is the persisted record of a real Matrix account. Session
// is the opaque session sub-record owned by the user's Ghost; the
// database does not interpret it.
type MatrixUser struct {
	MXID    string
	ATime   int64
	Session json.RawMessage
}

type MatrixUserStore struct {
	db *Database
}

// Get returns the record for the given Matrix id, or nil if none exists.
func (s *MatrixUserStore) Get(ctx context.Context, mxid string) (*MatrixUser, error) {
	row := s.db.db.QueryRowContext(ctx,
		"SELECT mxid, atime, session FROM matrix_user WHERE mxid = ?", mxid)
	var user MatrixUser
	var session sql.NullString
	if err := row.Scan(&user.MXID, &user.ATime, &session); err != nil {
		return nil, scanMaybeRow(err)
	}
	if session.Valid {
		user.Session = json.RawMessage(session.String)
	}
	return &user, nil
}

// GetAll returns every persisted Matrix user, for startup hydration.
func (s *MatrixUserStore) GetAll(ctx context.Context) ([]*MatrixUser, error) {
	rows, err := s.db.db.QueryContext(ctx, "SELECT mxid, atime, session FROM matrix_user")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*MatrixUser
	for rows.Next() {
		var user MatrixUser
		var session sql.NullString
		if err = rows.Scan(&user.MXID, &user.ATime, &session); err != nil {
			return nil, err
		}
		if session.Valid {
			user.Session = json.RawMessage(session.String)
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

// UpdateATime bumps only the activity timestamp, leaving the session
// sub-record untouched.
func (s *MatrixUserStore) UpdateATime(ctx context.Context, mxid string, atime int64) error {
	_, err := s.db.db.ExecContext(ctx,
		"UPDATE matrix_user SET atime = ? WHERE mxid = ?", atime, mxid)
	return err
}

// Upsert writes the record, replacing any existing row for the same id.
func (s *MatrixUserStore) Upsert(ctx context.Context, user *MatrixUser) error {
	var session any
	if user.Session != nil {
		session = string(user.Session)
	}
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO matrix_user (mxid, atime, session) VALUES (?, ?, ?)
		ON CONFLICT (mxid) DO UPDATE SET atime = excluded.atime, session = excluded.session
	`, user.MXID, user.ATime, session)
	return err
}
