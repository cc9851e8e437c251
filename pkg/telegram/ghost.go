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
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/telegram/pkg/cryptox"
)

// State is the login state of a Ghost session.
type State string

const (
	StateNoSession         State = "no_session"
	StateConnecting        State = "connecting"
	StateAwaitingPhoneCode State = "awaiting_phone_code"
	StateAwaitingPassword  State = "awaiting_password"
	StateReady             State = "ready"
)

// keepaliveInterval is how often a Ready session issues updates.getState
// as a defensive measure against the connection silently losing update
// delivery.
const keepaliveInterval = time.Minute

// updateBuffer is the capacity of the normalized inbound update channel.
const updateBuffer = 64

// SessionData is the opaque persisted sub-record of a session. The
// authentication key is stored sealed; everything else is plain. Pending
// phone number and code hash are only present while a login is in
// flight.
type SessionData struct {
	DC            int                `json:"data_center,omitempty"`
	AuthKey       *cryptox.SealedKey `json:"auth_key,omitempty"`
	UserID        int64              `json:"user_id,omitempty"`
	PhoneNumber   string             `json:"phone_number,omitempty"`
	PhoneCodeHash string             `json:"phone_code_hash,omitempty"`
}

// GhostOpts configures a new Ghost.
type GhostOpts struct {
	Log    zerolog.Logger
	Dialer Dialer
	// Owner is a label for log context only, typically the Matrix user
	// id this session belongs to.
	Owner string
}

// Ghost owns exactly one remote-protocol session: the connection, the
// login state machine, regional redirect recovery and the inbound update
// stream. The connection handle is owned exclusively by its Ghost; no
// other component may hold or reuse it.
type Ghost struct {
	log    zerolog.Logger
	dialer Dialer

	mu            sync.Mutex
	conn          Conn
	dc            int
	authKey       []byte
	userID        int64
	phoneNumber   string
	phoneCodeHash string
	state         State
	started       bool
	stopped       bool

	updates  chan *UpdateEnvelope
	pumpWG   sync.WaitGroup
	stopChan chan struct{}
}

// NewGhost creates a Ghost with no session. Call LoadSession to restore
// a persisted one.
func NewGhost(opts GhostOpts) *Ghost {
	return &Ghost{
		log:      opts.Log.With().Str("component", "ghost").Str("owner", opts.Owner).Logger(),
		dialer:   opts.Dialer,
		dc:       DefaultDC,
		state:    StateNoSession,
		updates:  make(chan *UpdateEnvelope, updateBuffer),
		stopChan: make(chan struct{}),
	}
}

// LoadSession restores persisted session state. A sealed auth key that
// cannot be opened with the configured secret surfaces as
// cryptox.ErrUnrecoverable: that session is permanently lost, but only
// that session.
func (g *Ghost) LoadSession(data *SessionData, secret string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if data.DC != 0 {
		g.dc = data.DC
	}
	g.userID = data.UserID
	g.phoneNumber = data.PhoneNumber
	g.phoneCodeHash = data.PhoneCodeHash
	if data.AuthKey != nil {
		key, err := data.AuthKey.Open(secret)
		if err != nil {
			return fmt.Errorf("failed to restore session auth key: %w", err)
		}
		g.authKey = key
	}
	switch {
	case g.authKey != nil && g.userID != 0:
		g.state = StateReady
	case g.phoneCodeHash != "":
		g.state = StateAwaitingPhoneCode
	default:
		g.state = StateNoSession
	}
	return nil
}

// SessionData returns the persistable form of the current session state,
// with the auth key sealed under the operator secret.
func (g *Ghost) SessionData(secret string) (*SessionData, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data := &SessionData{
		DC:            g.dc,
		UserID:        g.userID,
		PhoneNumber:   g.phoneNumber,
		PhoneCodeHash: g.phoneCodeHash,
	}
	if g.authKey != nil && g.state == StateReady {
		sealed, err := cryptox.Seal(g.authKey, secret)
		if err != nil {
			return nil, fmt.Errorf("failed to seal auth key: %w", err)
		}
		data.AuthKey = sealed
	}
	return data, nil
}

// State returns the current login state.
func (g *Ghost) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// TelegramID returns the remote account id once authorized, else 0.
func (g *Ghost) TelegramID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userID
}

// Updates is the normalized inbound update stream. It survives
// reconnects and regional migration; it is closed by Stop.
func (g *Ghost) Updates() <-chan *UpdateEnvelope {
	return g.updates
}

// ensureConn returns the live connection, dialing one if needed. A dial
// without an existing auth key negotiates a fresh one, which is adopted
// as the candidate key but not persisted until a login proves it.
func (g *Ghost) ensureConn(ctx context.Context) (Conn, error) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil, fmt.Errorf("session is stopped")
	}
	if g.conn != nil {
		conn := g.conn
		g.mu.Unlock()
		return conn, nil
	}
	prev := g.state
	g.state = StateConnecting
	dc := g.dc
	authKey := g.authKey
	g.mu.Unlock()

	ep, err := DataCenter(dc)
	if err != nil {
		g.restoreState(prev)
		return nil, err
	}
	g.log.Debug().Int("dc", dc).Str("host", ep.Host).Msg("Dialing data center")
	conn, err := g.dialer.Dial(ctx, ep, authKey)
	if err != nil {
		g.restoreState(prev)
		return nil, fmt.Errorf("failed to connect to DC %d: %w", dc, err)
	}

	g.mu.Lock()
	g.conn = conn
	if g.authKey == nil {
		g.authKey = conn.AuthKey()
	}
	g.state = prev
	g.mu.Unlock()
	g.startPump(conn)
	return conn, nil
}

func (g *Ghost) restoreState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// startPump forwards one connection's update envelopes onto the stable
// update channel. The pump ends when the connection is closed; the
// stable channel is only closed by Stop.
func (g *Ghost) startPump(conn Conn) {
	g.pumpWG.Add(1)
	go func() {
		defer g.pumpWG.Done()
		for env := range conn.Updates() {
			select {
			case g.updates <- env:
			case <-g.stopChan:
				return
			}
		}
	}()
}

// migrate implements the regional redirect protocol: resolve the target
// region against the fixed table, discard the current connection and
// open a new one carrying over the auth key and any pending login state.
func (g *Ghost) migrate(ctx context.Context, dc int) error {
	ep, err := DataCenter(dc)
	if err != nil {
		return err
	}
	g.log.Info().Int("dc", dc).Str("host", ep.Host).Msg("Redirected to regional data center")

	g.mu.Lock()
	old := g.conn
	g.conn = nil
	g.dc = dc
	g.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	_, err = g.ensureConn(ctx)
	return err
}

// Call issues an outbound RPC, transparently recovering from a single
// regional redirect. A second redirect on the retry is fatal for the
// call.
func (g *Ghost) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	conn, err := g.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	res, err := conn.Call(ctx, method, params)
	dc, redirected := RedirectDC(err)
	if !redirected {
		return res, err
	}

	if migErr := g.migrate(ctx, dc); migErr != nil {
		return nil, migErr
	}
	g.mu.Lock()
	conn = g.conn
	g.mu.Unlock()
	res, err = conn.Call(ctx, method, params)
	if dc2, again := RedirectDC(err); again {
		return nil, &RedirectError{DC: dc2, Cause: err}
	}
	return res, err
}

// RequestLoginCode starts the login handshake by asking the service to
// send a confirmation code to the given phone number. A login already in
// flight for a different number must be explicitly Reset first.
func (g *Ghost) RequestLoginCode(ctx context.Context, phoneNumber string) error {
	g.mu.Lock()
	if g.phoneCodeHash != "" && g.phoneNumber != phoneNumber {
		pending := g.phoneNumber
		g.mu.Unlock()
		return &AuthError{Message: fmt.Sprintf("a login for %s is already in flight", pending)}
	}
	g.mu.Unlock()

	res, err := g.Call(ctx, "auth.sendCode", map[string]any{
		"phone_number":    phoneNumber,
		"current_number":  true,
		"allow_flashcall": false,
	})
	if err != nil {
		return fmt.Errorf("auth.sendCode failed: %w", err)
	}
	var sent struct {
		PhoneCodeHash string `json:"phone_code_hash"`
	}
	if err = json.Unmarshal(res, &sent); err != nil {
		return fmt.Errorf("failed to parse auth.sendCode response: %w", err)
	}

	g.mu.Lock()
	g.phoneNumber = phoneNumber
	g.phoneCodeHash = sent.PhoneCodeHash
	g.state = StateAwaitingPhoneCode
	g.mu.Unlock()
	return nil
}

// PasswordHint is returned by SubmitLoginCode when the account requires
// a two-factor password: the salt and hint needed to construct the
// password proof for SubmitPassword.
type PasswordHint struct {
	CurrentSalt []byte `json:"current_salt"`
	Hint        string `json:"hint"`
}

type authorization struct {
	User *User `json:"user"`
}

// SubmitLoginCode confirms the phone code sent by RequestLoginCode. On
// success the session becomes Ready. If the account has two-factor
// authentication enabled, a PasswordHint is returned instead and the
// session waits for SubmitPassword; the auth key is not persisted yet
// because the credentials are not proven.
func (g *Ghost) SubmitLoginCode(ctx context.Context, code string) (*PasswordHint, error) {
	g.mu.Lock()
	phone, hash := g.phoneNumber, g.phoneCodeHash
	g.mu.Unlock()
	if hash == "" {
		return nil, &AuthError{Message: "no login code has been requested"}
	}

	res, err := g.Call(ctx, "auth.signIn", map[string]any{
		"phone_number":    phone,
		"phone_code_hash": hash,
		"phone_code":      code,
	})
	if err != nil {
		if isSessionPasswordNeeded(err) {
			return g.fetchPasswordHint(ctx)
		}
		return nil, &AuthError{Message: "sign-in rejected", Cause: err}
	}

	if err = g.handleAuthorization(ctx, res); err != nil {
		return nil, err
	}
	return nil, nil
}

func isSessionPasswordNeeded(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Message == ErrSessionPasswordNeeded.Message
}

func (g *Ghost) fetchPasswordHint(ctx context.Context) (*PasswordHint, error) {
	g.mu.Lock()
	g.state = StateAwaitingPassword
	g.mu.Unlock()

	res, err := g.Call(ctx, "account.getPassword", map[string]any{})
	if err != nil {
		return nil, &AuthError{Message: "failed to fetch password parameters", Cause: err}
	}
	var hint PasswordHint
	if err = json.Unmarshal(res, &hint); err != nil {
		return nil, fmt.Errorf("failed to parse account.getPassword response: %w", err)
	}
	return &hint, nil
}

// SubmitPassword finalizes a two-factor login with the hashed password
// proof. Only valid while the session is awaiting a password.
func (g *Ghost) SubmitPassword(ctx context.Context, passwordHash []byte) error {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()
	if state != StateAwaitingPassword {
		return &AuthError{Message: "session is not awaiting a password"}
	}

	res, err := g.Call(ctx, "auth.checkPassword", map[string]any{
		"password_hash": passwordHash,
	})
	if err != nil {
		return &AuthError{Message: "password rejected", Cause: err}
	}
	return g.handleAuthorization(ctx, res)
}

// handleAuthorization completes a successful login: capture the remote
// account id, clear in-flight login state and mark the session Ready.
func (g *Ghost) handleAuthorization(ctx context.Context, res json.RawMessage) error {
	var auth authorization
	if err := json.Unmarshal(res, &auth); err != nil {
		return fmt.Errorf("failed to parse authorization response: %w", err)
	}
	if auth.User == nil {
		return fmt.Errorf("authorization response has no user")
	}

	g.mu.Lock()
	g.userID = auth.User.ID
	g.phoneCodeHash = ""
	g.state = StateReady
	g.mu.Unlock()
	g.log.Info().Int64("telegram_id", auth.User.ID).Msg("Signed in")

	if err := g.Start(ctx); err != nil {
		// The login itself succeeded; update registration problems are
		// recoverable on the next start.
		g.log.Warn().Err(err).Msg("Post-login session start failed")
	}
	return nil
}

// Reset abandons an in-flight login so a different phone number can be
// used.
func (g *Ghost) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.phoneNumber = ""
	g.phoneCodeHash = ""
	if g.state == StateAwaitingPhoneCode || g.state == StateAwaitingPassword {
		g.state = StateNoSession
	}
}

// Start makes a Ready session live: it connects, tells the service the
// account is online and fetches the update state once, which the
// protocol requires before updates are delivered at all. It also starts
// the periodic keepalive. Safe to call more than once.
func (g *Ghost) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.mu.Unlock()

	if _, err := g.Call(ctx, "account.updateStatus", map[string]any{"offline": false}); err != nil {
		g.log.Warn().Err(err).Msg("account.updateStatus failed on session start")
	}
	if _, err := g.Call(ctx, "updates.getState", map[string]any{}); err != nil {
		// Without the state fetch no updates will flow, so the start
		// didn't take; let the next Start try again.
		g.mu.Lock()
		g.started = false
		g.mu.Unlock()
		return fmt.Errorf("updates.getState failed on session start: %w", err)
	}

	go g.keepaliveLoop()
	return nil
}

// keepaliveLoop periodically refreshes the update state. Failures are
// logged, never fatal.
func (g *Ghost) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := g.Call(ctx, "updates.getState", map[string]any{})
			cancel()
			if err != nil {
				g.log.Warn().Err(err).Msg("Keepalive updates.getState failed")
			}
		}
	}
}

// Stop shuts the session down: the connection is closed, the pump
// drained and the update channel closed.
func (g *Ghost) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()

	close(g.stopChan)
	if conn != nil {
		_ = conn.Close()
	}
	g.pumpWG.Wait()
	close(g.updates)
}

// SendText sends a plain text message to a peer.
func (g *Ghost) SendText(ctx context.Context, peer Peer, text string) error {
	_, err := g.Call(ctx, "messages.sendMessage", map[string]any{
		"peer":      peer.InputPeer(),
		"message":   text,
		"random_id": rand.Int64(),
	})
	return err
}

// SendMedia sends previously uploaded media to a peer.
func (g *Ghost) SendMedia(ctx context.Context, peer Peer, file *InputFile, caption string) error {
	_, err := g.Call(ctx, "messages.sendMedia", map[string]any{
		"peer":      peer.InputPeer(),
		"media":     file.InputMedia(caption),
		"random_id": rand.Int64(),
	})
	return err
}

type chatsResult struct {
	FullChat *struct {
		Participants struct {
			Participants []struct {
				UserID int64 `json:"user_id"`
			} `json:"participants"`
		} `json:"participants"`
	} `json:"full_chat"`
	Chats []struct {
		ID          int64  `json:"id"`
		Title       string `json:"title"`
		Deactivated bool   `json:"deactivated"`
	} `json:"chats"`
	Users []*User `json:"users"`
}

type participantsResult struct {
	Participants []struct {
		UserID int64 `json:"user_id"`
	} `json:"participants"`
	Users []*User `json:"users"`
}

// GetChatInfo fetches the title and participant list for a chat or
// channel peer. For a chat one call suffices; the full-channel response
// does not include participants, so channels need a second call.
func (g *Ghost) GetChatInfo(ctx context.Context, peer Peer) (*ChatMetadata, error) {
	switch peer.Kind {
	case PeerChat:
		res, err := g.Call(ctx, "messages.getFullChat", map[string]any{"chat_id": peer.ID})
		if err != nil {
			return nil, err
		}
		var full chatsResult
		if err = json.Unmarshal(res, &full); err != nil {
			return nil, fmt.Errorf("failed to parse messages.getFullChat response: %w", err)
		}
		return assembleChatMetadata(&full, full.Users)
	case PeerChannel:
		input, err := peer.InputChannel()
		if err != nil {
			return nil, err
		}
		res, err := g.Call(ctx, "channels.getFullChannel", map[string]any{"channel": input})
		if err != nil {
			return nil, err
		}
		var full chatsResult
		if err = json.Unmarshal(res, &full); err != nil {
			return nil, fmt.Errorf("failed to parse channels.getFullChannel response: %w", err)
		}
		partRes, err := g.Call(ctx, "channels.getParticipants", map[string]any{
			"channel": input,
			"filter":  map[string]any{"_": "channelParticipantsRecent"},
			"offset":  0,
			"limit":   1000,
		})
		if err != nil {
			return nil, err
		}
		var parts participantsResult
		if err = json.Unmarshal(partRes, &parts); err != nil {
			return nil, fmt.Errorf("failed to parse channels.getParticipants response: %w", err)
		}
		return assembleChatMetadata(&full, parts.Users)
	default:
		return nil, fmt.Errorf("cannot get chat info for a %s peer", peer.Kind)
	}
}

func assembleChatMetadata(full *chatsResult, users []*User) (*ChatMetadata, error) {
	if len(full.Chats) == 0 {
		return nil, fmt.Errorf("chat metadata response contained no chats")
	}
	return &ChatMetadata{
		Title:        full.Chats[0].Title,
		Participants: users,
	}, nil
}

type dialogsResult struct {
	Dialogs []struct {
		Peer *PeerRef `json:"peer"`
	} `json:"dialogs"`
	Chats []struct {
		ID                int64  `json:"id"`
		AccessHash        int64  `json:"access_hash"`
		Title             string `json:"title"`
		ParticipantsCount int    `json:"participants_count"`
		Deactivated       bool   `json:"deactivated"`
	} `json:"chats"`
}

// ListDialogs returns the session's conversations as peers with titles.
// Despite the name, the response's chat list also contains channels;
// their id ranges are disjoint so joining by id is safe.
func (g *Ghost) ListDialogs(ctx context.Context) ([]*Dialog, error) {
	res, err := g.Call(ctx, "messages.getDialogs", map[string]any{
		"offset_date": 0,
		"offset_id":   0,
		"offset_peer": map[string]any{"_": "inputPeerEmpty"},
		"limit":       100,
	})
	if err != nil {
		return nil, err
	}
	var parsed dialogsResult
	if err = json.Unmarshal(res, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse messages.getDialogs response: %w", err)
	}

	chats := make(map[int64]int, len(parsed.Chats))
	for i, chat := range parsed.Chats {
		chats[chat.ID] = i
	}
	var dialogs []*Dialog
	for _, d := range parsed.Dialogs {
		if d.Peer == nil {
			continue
		}
		var id int64
		var kind PeerKind
		switch d.Peer.Type {
		case PeerRefChat:
			id, kind = d.Peer.ChatID, PeerChat
		case PeerRefChannel:
			id, kind = d.Peer.ChannelID, PeerChannel
		default:
			continue
		}
		idx, ok := chats[id]
		if !ok {
			continue
		}
		chat := parsed.Chats[idx]
		var peer Peer
		if kind == PeerChat {
			peer = NewChatPeer(chat.ID)
		} else {
			peer = NewChannelPeer(chat.ID, chat.AccessHash)
		}
		dialogs = append(dialogs, &Dialog{
			Peer:              peer,
			Title:             chat.Title,
			ParticipantsCount: chat.ParticipantsCount,
			Deactivated:       chat.Deactivated,
		})
	}
	return dialogs, nil
}
