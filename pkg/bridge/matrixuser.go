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
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/telegram/pkg/database"
	"github.com/lrhodin/telegram/pkg/telegram"
)

// MatrixUser is one real Matrix account using the bridge. It owns at
// most one Ghost (remote session), constructed lazily, and the router
// goroutine consuming that session's update stream.
type MatrixUser struct {
	bridge *Bridge
	log    zerolog.Logger

	MXID id.UserID

	atimeLock sync.Mutex
	atime     int64

	ghostLock sync.Mutex
	ghost     *telegram.Ghost
	router    *Router
}

func newMatrixUser(br *Bridge, mxid id.UserID) *MatrixUser {
	return &MatrixUser{
		bridge: br,
		log:    br.Log.With().Str("component", "matrix_user").Stringer("mxid", mxid).Logger(),
		MXID:   mxid,
	}
}

func (u *MatrixUser) loadRecord(record *database.MatrixUser) error {
	u.atime = record.ATime
	if len(record.Session) == 0 {
		return nil
	}
	var session telegram.SessionData
	if err := json.Unmarshal(record.Session, &session); err != nil {
		return fmt.Errorf("failed to parse session sub-record: %w", err)
	}
	return u.Ghost().LoadSession(&session, u.bridge.Config.Bridge.AuthKeyPassword)
}

func (u *MatrixUser) toRecord() *database.MatrixUser {
	u.atimeLock.Lock()
	atime := u.atime
	u.atimeLock.Unlock()
	return &database.MatrixUser{MXID: string(u.MXID), ATime: atime}
}

// Ghost returns this user's session manager, constructing it on first
// use.
func (u *MatrixUser) Ghost() *telegram.Ghost {
	u.ghostLock.Lock()
	defer u.ghostLock.Unlock()
	if u.ghost == nil {
		u.ghost = telegram.NewGhost(telegram.GhostOpts{
			Log:    u.bridge.Log,
			Dialer: u.bridge.Dialer,
			Owner:  string(u.MXID),
		})
	}
	return u.ghost
}

// startIfLoggedIn starts the session and its update router for users
// hydrated with a working persisted session.
func (u *MatrixUser) startIfLoggedIn(ctx context.Context) {
	ghost := u.Ghost()
	if ghost.State() != telegram.StateReady {
		return
	}
	if err := ghost.Start(ctx); err != nil {
		u.log.Err(err).Msg("Failed to start restored session")
		return
	}
	u.startRouter()
}

// startRouter launches the goroutine that consumes this session's
// update stream. Idempotent.
func (u *MatrixUser) startRouter() {
	u.ghostLock.Lock()
	defer u.ghostLock.Unlock()
	if u.router != nil {
		return
	}
	u.router = newRouter(u.bridge, u)
	go u.router.Run()
}

func (u *MatrixUser) stopGhost() {
	u.ghostLock.Lock()
	ghost := u.ghost
	u.ghostLock.Unlock()
	if ghost != nil {
		ghost.Stop()
	}
}

// saveSession persists the session sub-record with the auth key sealed.
func (u *MatrixUser) saveSession(ctx context.Context) error {
	session, err := u.Ghost().SessionData(u.bridge.Config.Bridge.AuthKeyPassword)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session sub-record: %w", err)
	}
	record := u.toRecord()
	record.Session = raw
	return u.bridge.DB.MatrixUsers.Upsert(ctx, record)
}

// RequestLoginCode starts the remote login handshake for this user.
func (u *MatrixUser) RequestLoginCode(ctx context.Context, phoneNumber string) error {
	if err := u.Ghost().RequestLoginCode(ctx, phoneNumber); err != nil {
		return err
	}
	// Persist the in-flight login so a restart can resume it.
	if err := u.saveSession(ctx); err != nil {
		u.log.Err(err).Msg("Failed to persist pending login state")
	}
	return nil
}

// SubmitLoginCode confirms the phone code. A non-nil hint means the
// account needs SubmitPassword to finish; nothing is persisted in that
// case since the credentials are not yet proven.
func (u *MatrixUser) SubmitLoginCode(ctx context.Context, code string) (*telegram.PasswordHint, error) {
	hint, err := u.Ghost().SubmitLoginCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if hint != nil {
		return hint, nil
	}
	return nil, u.finishLogin(ctx)
}

// SubmitPassword finishes a two-factor login.
func (u *MatrixUser) SubmitPassword(ctx context.Context, passwordHash []byte) error {
	if err := u.Ghost().SubmitPassword(ctx, passwordHash); err != nil {
		return err
	}
	return u.finishLogin(ctx)
}

func (u *MatrixUser) finishLogin(ctx context.Context) error {
	if err := u.saveSession(ctx); err != nil {
		return fmt.Errorf("signed in, but failed to persist session: %w", err)
	}
	u.startRouter()
	u.log.Info().Int64("telegram_id", u.Ghost().TelegramID()).Msg("Login complete")
	return nil
}

// BumpActivity updates the user's last-activity timestamp. Persistence
// is best effort.
func (u *MatrixUser) BumpActivity(ctx context.Context) {
	u.atimeLock.Lock()
	u.atime = time.Now().Unix()
	atime := u.atime
	u.atimeLock.Unlock()
	if err := u.bridge.DB.MatrixUsers.UpdateATime(ctx, string(u.MXID), atime); err != nil {
		u.log.Warn().Err(err).Msg("Failed to persist activity time")
	}
}

// ATime returns the last-activity timestamp in epoch seconds.
func (u *MatrixUser) ATime() int64 {
	u.atimeLock.Lock()
	defer u.atimeLock.Unlock()
	return u.atime
}
