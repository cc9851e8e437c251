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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/telegram/pkg/telegram"
)

func TestAvatarClearedWhenRemotePhotoRemoved(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t)
	ghost := tb.readyUser(t).Ghost()
	tb.conn.handle["upload.getFile"] = func(map[string]any) (any, error) {
		return map[string]any{"bytes": []byte("avatar bytes")}, nil
	}

	tu, err := tb.GetOrCreateTelegramUser(ctx, 9)
	require.NoError(t, err)

	require.NoError(t, tu.UpdateProfile(ctx, ghost, &telegram.User{
		ID:        9,
		FirstName: "Ida",
		Photo: &telegram.UserProfilePhoto{
			PhotoID:    500,
			PhotoSmall: &telegram.FileLocation{VolumeID: 1},
		},
	}))
	require.NotEmpty(t, tb.fm.avatars[tu.MXID()].String())

	// The photo disappearing remotely clears the Matrix avatar too, not
	// just the cache.
	require.NoError(t, tu.UpdateProfile(ctx, ghost, &telegram.User{
		ID:        9,
		FirstName: "Ida",
	}))
	uri, ok := tb.fm.avatars[tu.MXID()]
	require.True(t, ok)
	assert.True(t, uri.IsEmpty())

	record, err := tb.DB.TelegramUsers.Get(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, record.PhotoID)
	assert.Empty(t, record.AvatarMXC)
}
