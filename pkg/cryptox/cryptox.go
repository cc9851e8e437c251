// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package cryptox seals session authentication keys for storage at rest.
// Keys are encrypted with AES-256-GCM under a key derived from the
// operator-supplied secret with argon2id. The secret never touches the
// database; losing it makes every sealed key permanently unrecoverable.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrUnrecoverable is returned when a sealed key fails authentication,
// which in practice means the operator secret changed. This is fatal for
// the session the key belonged to; it is never retried.
var ErrUnrecoverable = errors.New("sealed key cannot be decrypted with the configured secret")

const (
	saltSize  = 16
	nonceSize = 12
)

// SealedKey is the at-rest form of an authentication key: ciphertext
// with its GCM tag, plus the nonce and derivation salt needed to open it
// again.
type SealedKey struct {
	Ciphertext []byte `json:"ct"`
	Nonce      []byte `json:"nonce"`
	Salt       []byte `json:"salt"`
}

func deriveKey(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
}

// Seal encrypts an authentication key under the operator secret. A fresh
// salt and nonce are generated for every seal.
func Seal(plaintext []byte, secret string) (*SealedKey, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(secret, salt))
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &SealedKey{
		Ciphertext: aesgcm.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
		Salt:       salt,
	}, nil
}

// Open decrypts a sealed key. An authentication failure (wrong or
// changed secret) is reported as ErrUnrecoverable rather than silently
// producing wrong bytes.
func (s *SealedKey) Open(secret string) ([]byte, error) {
	if len(s.Nonce) != nonceSize || len(s.Salt) == 0 {
		return nil, fmt.Errorf("%w: malformed sealed key", ErrUnrecoverable)
	}

	block, err := aes.NewCipher(deriveKey(secret, s.Salt))
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	}
	return plaintext, nil
}
