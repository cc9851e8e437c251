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
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// RelayDialer dials data centers through the MTProto relay daemon. The
// relay owns the TL codec and transport encryption; this side speaks
// newline-delimited JSON frames: requests with ids, matching responses,
// and unsolicited update frames.
type RelayDialer struct {
	// Addr is the relay's listen address, e.g. "localhost:29331" or a
	// unix socket path prefixed with "unix:".
	Addr string
	Log  zerolog.Logger
}

var _ Dialer = (*RelayDialer)(nil)

// NewRelayDialer returns a dialer that opens connections through the
// relay at addr.
func NewRelayDialer(addr string, log zerolog.Logger) *RelayDialer {
	return &RelayDialer{Addr: addr, Log: log.With().Str("component", "relay").Logger()}
}

// Dial connects to the relay and asks it to open a session against the
// given data center. A nil authKey makes the relay negotiate a fresh
// key, returned in the handshake response.
func (rd *RelayDialer) Dial(ctx context.Context, ep Endpoint, authKey []byte) (Conn, error) {
	network, addr := "tcp", rd.Addr
	if path, ok := strings.CutPrefix(rd.Addr, "unix:"); ok {
		network, addr = "unix", path
	}
	var nd net.Dialer
	netConn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach relay at %s: %w", rd.Addr, err)
	}

	conn := &relayConn{
		log:     rd.Log.With().Str("dc_host", ep.Host).Logger(),
		conn:    netConn,
		enc:     json.NewEncoder(netConn),
		dec:     json.NewDecoder(netConn),
		pending: make(map[int64]chan *relayFrame),
		updates: make(chan *UpdateEnvelope, 64),
	}
	go conn.readLoop()

	res, err := conn.Call(ctx, "connect", map[string]any{
		"host":     ep.Host,
		"port":     ep.Port,
		"auth_key": authKey,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay handshake failed: %w", err)
	}
	var handshake struct {
		AuthKey []byte `json:"auth_key"`
	}
	if err = json.Unmarshal(res, &handshake); err != nil || len(handshake.AuthKey) == 0 {
		_ = conn.Close()
		return nil, fmt.Errorf("relay handshake returned no auth key")
	}
	conn.authKey = handshake.AuthKey
	return conn, nil
}

// relayFrame is one JSON frame in either direction. Frames with an id
// are requests or their responses; frames carrying an update are
// unsolicited deliveries from the remote side.
type relayFrame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params map[string]any  `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *relayError     `json:"error,omitempty"`
	Update *UpdateEnvelope `json:"update,omitempty"`
}

type relayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type relayConn struct {
	log  zerolog.Logger
	conn net.Conn

	writeLock sync.Mutex
	enc       *json.Encoder
	dec       *json.Decoder

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *relayFrame
	closed  bool

	authKey []byte
	updates chan *UpdateEnvelope
}

var _ Conn = (*relayConn)(nil)

func (c *relayConn) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection is closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *relayFrame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeLock.Lock()
	err := c.enc.Encode(&relayFrame{ID: id, Method: method, Params: params})
	c.writeLock.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed while waiting for %s", method)
		}
		if frame.Error != nil {
			return nil, &RPCError{Code: frame.Error.Code, Message: frame.Error.Message}
		}
		return frame.Result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *relayConn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *relayConn) readLoop() {
	for {
		var frame relayFrame
		if err := c.dec.Decode(&frame); err != nil {
			c.teardown(err)
			return
		}
		switch {
		case frame.Update != nil:
			select {
			case c.updates <- frame.Update:
			default:
				c.log.Warn().Msg("Update buffer full, dropping update")
			}
		case frame.ID != 0:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ok {
				ch <- &frame
			}
		default:
			c.log.Warn().Msg("Dropping relay frame with no id and no update")
		}
	}
}

// teardown fails every in-flight call and closes the update stream.
func (c *relayConn) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan *relayFrame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(c.updates)
	if err != nil {
		c.log.Debug().Err(err).Msg("Relay connection closed")
	}
}

func (c *relayConn) Updates() <-chan *UpdateEnvelope {
	return c.updates
}

func (c *relayConn) AuthKey() []byte {
	return c.authKey
}

func (c *relayConn) Close() error {
	err := c.conn.Close()
	// The read loop notices the closed socket and tears down.
	return err
}
