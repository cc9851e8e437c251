// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package matrix

import (
	"context"
	"fmt"
	"regexp"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config is the appservice half of the bridge configuration.
type Config struct {
	HomeserverURL string
	Domain        string

	ID           string
	ASToken      string
	HSToken      string
	BotLocalpart string
	// GhostRegex matches the localparts of puppeted user ids, for the
	// exclusive registration namespace.
	GhostRegex *regexp.Regexp

	Hostname string
	Port     uint16
}

// AppServiceAPI implements API on top of a mautrix appservice.
type AppServiceAPI struct {
	as *appservice.AppService
	ep *appservice.EventProcessor
}

var _ API = (*AppServiceAPI)(nil)

// NewAppService builds the appservice transport from config.
func NewAppService(cfg Config) (*AppServiceAPI, error) {
	as := appservice.Create()
	as.HomeserverDomain = cfg.Domain
	if err := as.SetHomeserverURL(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("invalid homeserver URL: %w", err)
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.Hostname,
		Port:     cfg.Port,
	}
	as.Registration = &appservice.Registration{
		ID:              cfg.ID,
		URL:             fmt.Sprintf("http://%s:%d", cfg.Hostname, cfg.Port),
		AppToken:        cfg.ASToken,
		ServerToken:     cfg.HSToken,
		SenderLocalpart: cfg.BotLocalpart,
	}
	as.Registration.Namespaces.UserIDs.Register(cfg.GhostRegex, true)

	return &AppServiceAPI{
		as: as,
		ep: appservice.NewEventProcessor(as),
	}, nil
}

// SaveRegistration writes the registration YAML for the homeserver to
// the given path.
func (a *AppServiceAPI) SaveRegistration(path string) error {
	return a.as.Registration.Save(path)
}

func (a *AppServiceAPI) BotIntent() Intent {
	return &asIntent{a.as.BotIntent()}
}

func (a *AppServiceAPI) Intent(userID id.UserID) Intent {
	return &asIntent{a.as.Intent(userID)}
}

func (a *AppServiceAPI) OnEvent(handler func(ctx context.Context, evt *event.Event)) {
	wrapped := appservice.EventHandler(handler)
	a.ep.On(event.EventMessage, wrapped)
	a.ep.On(event.EventSticker, wrapped)
}

func (a *AppServiceAPI) Start(ctx context.Context) error {
	go a.as.Start()
	go a.ep.Start(ctx)
	return nil
}

func (a *AppServiceAPI) Stop() {
	a.ep.Stop()
	a.as.Stop()
}

// asIntent adapts appservice.IntentAPI to the Intent capability set.
type asIntent struct {
	intent *appservice.IntentAPI
}

var _ Intent = (*asIntent)(nil)

func (i *asIntent) UserID() id.UserID {
	return i.intent.UserID
}

func (i *asIntent) CreateRoom(ctx context.Context, name string, visibility string) (id.RoomID, error) {
	resp, err := i.intent.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:       name,
		Visibility: visibility,
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (i *asIntent) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := i.intent.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (i *asIntent) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := i.intent.SendStateEvent(ctx, roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	return err
}

func (i *asIntent) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := i.intent.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

func (i *asIntent) Leave(ctx context.Context, roomID id.RoomID) error {
	_, err := i.intent.LeaveRoom(ctx, roomID)
	return err
}

func (i *asIntent) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	resp, err := i.intent.SendText(ctx, roomID, text)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *asIntent) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := i.intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *asIntent) SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	_, err := i.intent.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	return err
}

func (i *asIntent) SetDisplayName(ctx context.Context, name string) error {
	return i.intent.SetDisplayName(ctx, name)
}

func (i *asIntent) SetAvatarURL(ctx context.Context, uri id.ContentURI) error {
	return i.intent.SetAvatarURL(ctx, uri)
}

func (i *asIntent) UploadMedia(ctx context.Context, data []byte, name, mimeType string) (id.ContentURI, error) {
	resp, err := i.intent.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     name,
	})
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

func (i *asIntent) DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	return i.intent.DownloadBytes(ctx, uri)
}
