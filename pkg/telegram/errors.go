// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package telegram

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// AuthError is a login failure: bad credentials, login-state misuse or a
// required-but-missing login step. It is surfaced to the caller of the
// login step and never retried internally.
type AuthError struct {
	Message string
	Cause   error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth: %s: %v", e.Message, e.Cause)
	}
	return "auth: " + e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// RPCError is any rejection from the remote side. The remote protocol
// encodes machine-readable conditions in the Message string.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is makes RPCError comparisons by message work with errors.Is.
func (e *RPCError) Is(target error) bool {
	var other *RPCError
	if !errors.As(target, &other) {
		return false
	}
	return other.Message == e.Message
}

// ErrSessionPasswordNeeded is the rejection auth.signIn returns when the
// account has two-factor authentication enabled.
var ErrSessionPasswordNeeded = &RPCError{Code: 401, Message: "SESSION_PASSWORD_NEEDED"}

// The remote service rejects calls that must be issued against a
// different regional server with a message of the form XXX_MIGRATE_n,
// where n is the index of the data center to talk to instead. The index
// is only ever communicated inside the error message.
var migrateRegex = regexp.MustCompile(`^(?:PHONE|NETWORK|USER|FILE)_MIGRATE_(\d+)$`)

// RedirectDC extracts the target data center index from a regional
// redirect rejection. Returns false for any other error.
func RedirectDC(err error) (int, bool) {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return 0, false
	}
	m := migrateRegex.FindStringSubmatch(rpcErr.Message)
	if m == nil {
		return 0, false
	}
	dc, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return dc, true
}

// RedirectError is returned when a call was redirected a second time on
// its retry. One redirect per call is recovered transparently; two in a
// row is fatal for that call to avoid migration loops.
type RedirectError struct {
	DC    int
	Cause error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirected again to DC %d on retry: %v", e.DC, e.Cause)
}

func (e *RedirectError) Unwrap() error {
	return e.Cause
}
