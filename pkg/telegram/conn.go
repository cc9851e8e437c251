// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package telegram

import (
	"context"
	"encoding/json"
)

// Conn is one authenticated-at-the-transport-level connection to a data
// center, provided by the external MTProto client. The encryption
// handshake, request framing and TL codec all live behind this
// interface; the bridge only issues calls and consumes decoded updates.
//
// A Conn is owned exclusively by the Ghost that dialed it. Call rejects
// from the remote side are returned as *RPCError.
type Conn interface {
	// Call issues one RPC and returns the decoded result.
	Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
	// Updates is the inbound update stream. The channel is closed when
	// the connection is closed.
	Updates() <-chan *UpdateEnvelope
	// AuthKey returns the authentication key negotiated for this
	// connection. For connections dialed with an existing key it returns
	// that key.
	AuthKey() []byte
	Close() error
}

// Endpoint is a data center address.
type Endpoint struct {
	Host string
	Port int
}

// Dialer opens connections to data centers. Dialing with a nil authKey
// performs a fresh key negotiation; the resulting key is available from
// Conn.AuthKey but must not be treated as proven until a login completes
// over it.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, authKey []byte) (Conn, error)
}
