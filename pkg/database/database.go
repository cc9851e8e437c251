// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package database is the persistence layer: three upsert-by-id stores
// backed by sqlite. Upserts are atomic per (table, primary key), which
// is all the bridge relies on.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

type Database struct {
	db  *sql.DB
	log zerolog.Logger

	MatrixUsers   *MatrixUserStore
	TelegramUsers *TelegramUserStore
	Portals       *PortalStore
}

const schema = `
CREATE TABLE IF NOT EXISTS matrix_user (
	mxid    TEXT PRIMARY KEY,
	atime   INTEGER NOT NULL DEFAULT 0,
	session TEXT
);

CREATE TABLE IF NOT EXISTS telegram_user (
	tgid       INTEGER PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	photo_id   TEXT NOT NULL DEFAULT '',
	avatar_mxc TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS portal (
	key   TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	mxid  TEXT,
	peer  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS portal_mxid_idx ON portal (mxid);
`

// New opens (creating if needed) the bridge database at path.
func New(path string, log zerolog.Logger) (*Database, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err = conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	db := &Database{
		db:  conn,
		log: log.With().Str("component", "database").Logger(),
	}
	db.MatrixUsers = &MatrixUserStore{db}
	db.TelegramUsers = &TelegramUserStore{db}
	db.Portals = &PortalStore{db}
	return db, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func scanMaybeRow(err error) error {
	if err == sql.ErrNoRows {
		return nil
	}
	return err
}
