// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand/v2"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/tiff"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/telegram/pkg/matrix"
	"github.com/lrhodin/telegram/pkg/telegram"
)

// chunkSize is the part size for remote file transfer in both
// directions.
const chunkSize = 512 * 1024

// uploadTelegramFile pushes a file to the remote side in parts and
// returns the handle for attaching it to an outgoing message.
func (br *Bridge) uploadTelegramFile(ctx context.Context, ghost *telegram.Ghost, data []byte, name string) (*telegram.InputFile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("refusing to upload empty file %q", name)
	}
	fileID := rand.Int64()
	parts := 0
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		_, err := ghost.Call(ctx, "upload.saveFilePart", map[string]any{
			"file_id":   fileID,
			"file_part": parts,
			"bytes":     data[offset:end],
		})
		if err != nil {
			return nil, fmt.Errorf("failed to save file part %d: %w", parts, err)
		}
		parts++
	}
	return &telegram.InputFile{ID: fileID, Parts: parts, Name: name}, nil
}

// downloadTelegramFile pulls a stored file from the remote side chunk by
// chunk until a short read signals the end.
func (br *Bridge) downloadTelegramFile(ctx context.Context, ghost *telegram.Ghost, loc *telegram.FileLocation) ([]byte, error) {
	var buf bytes.Buffer
	for offset := 0; ; offset += chunkSize {
		res, err := ghost.Call(ctx, "upload.getFile", map[string]any{
			"location": loc.InputLocation(),
			"offset":   offset,
			"limit":    chunkSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get file chunk at %d: %w", offset, err)
		}
		var chunk struct {
			Bytes []byte `json:"bytes"`
		}
		if err = json.Unmarshal(res, &chunk); err != nil {
			return nil, fmt.Errorf("failed to parse file chunk: %w", err)
		}
		buf.Write(chunk.Bytes)
		if len(chunk.Bytes) < chunkSize {
			return buf.Bytes(), nil
		}
	}
}

// uploadMatrixMedia uploads a blob to the Matrix media repo under the
// given intent, sniffing the content type from the data.
func (br *Bridge) uploadMatrixMedia(ctx context.Context, intent matrix.Intent, data []byte, name string) (id.ContentURI, error) {
	mime := mimetype.Detect(data)
	return intent.UploadMedia(ctx, data, name, mime.String())
}

// transferTelegramPhoto moves a remote photo into the Matrix media repo:
// pick the largest size variant, download it, upload it under the
// intent. Returns the content URI and the decoded image info for the
// event body.
func (br *Bridge) transferTelegramPhoto(ctx context.Context, ghost *telegram.Ghost, intent matrix.Intent, photo *telegram.Photo) (id.ContentURI, *event.FileInfo, error) {
	size := largestPhotoSize(photo)
	if size == nil || size.Location == nil {
		return id.ContentURI{}, nil, fmt.Errorf("photo %d has no downloadable size", photo.ID)
	}
	data, err := br.downloadTelegramFile(ctx, ghost, size.Location)
	if err != nil {
		return id.ContentURI{}, nil, err
	}
	uri, err := br.uploadMatrixMedia(ctx, intent, data, "image")
	if err != nil {
		return id.ContentURI{}, nil, err
	}
	return uri, describeImage(data), nil
}

// largestPhotoSize returns the size variant with the most pixels.
func largestPhotoSize(photo *telegram.Photo) *telegram.PhotoSize {
	var best *telegram.PhotoSize
	for _, size := range photo.Sizes {
		if best == nil || size.Width*size.Height > best.Width*best.Height {
			best = size
		}
	}
	return best
}

// describeImage builds event file info from the image bytes. Unknown
// formats still get a mimetype and byte size, just no dimensions.
func describeImage(data []byte) *event.FileInfo {
	info := &event.FileInfo{
		MimeType: mimetype.Detect(data).String(),
		Size:     len(data),
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		info.Width = cfg.Width
		info.Height = cfg.Height
	}
	return info
}
