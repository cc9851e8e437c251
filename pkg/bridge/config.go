// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppserviceConfig struct {
	ID           string `yaml:"id"`
	ASToken      string `yaml:"as_token"`
	HSToken      string `yaml:"hs_token"`
	BotLocalpart string `yaml:"bot_localpart"`
	Hostname     string `yaml:"hostname"`
	Port         uint16 `yaml:"port"`
}

type BridgeConfig struct {
	Database string `yaml:"database"`

	// AuthKeyPassword is the operator secret the session auth keys are
	// sealed with before being persisted. Changing it makes every
	// existing session permanently unrecoverable.
	AuthKeyPassword string `yaml:"auth_key_password"`

	// MTProtoRelay is the address of the relay daemon that owns the
	// actual wire protocol.
	MTProtoRelay string `yaml:"mtproto_relay"`

	// UsernameTemplate builds ghost user localparts from the remote
	// account id. Must contain {{.ID}} exactly once.
	UsernameTemplate string `yaml:"username_template"`
	// DisplaynameTemplate builds ghost displaynames from remote profile
	// name parts.
	DisplaynameTemplate string `yaml:"displayname_template"`

	usernameTemplate    *template.Template
	displaynameTemplate *template.Template
	ghostPrefix         string
	ghostSuffix         string
}

type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Appservice AppserviceConfig `yaml:"appservice"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Logging    string           `yaml:"logging"`
}

type umConfig Config

func (cfg *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(cfg))
	if err != nil {
		return err
	}
	return cfg.PostProcess()
}

func (cfg *Config) PostProcess() error {
	var err error
	br := &cfg.Bridge
	br.usernameTemplate, err = template.New("username").Parse(br.UsernameTemplate)
	if err != nil {
		return fmt.Errorf("invalid username_template: %w", err)
	}
	br.displaynameTemplate, err = template.New("displayname").Parse(br.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}
	// Split the username template around the id so ghost localparts can
	// be parsed back. The template must keep the id in one contiguous
	// spot for that to work.
	var buf strings.Builder
	if err = br.usernameTemplate.Execute(&buf, usernameParams{ID: "\x00"}); err != nil {
		return fmt.Errorf("invalid username_template: %w", err)
	}
	prefix, suffix, found := strings.Cut(buf.String(), "\x00")
	if !found {
		return fmt.Errorf("username_template must reference {{.ID}}")
	}
	br.ghostPrefix, br.ghostSuffix = prefix, suffix
	return nil
}

// LoadConfig reads and validates the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Bridge.AuthKeyPassword == "" {
		return nil, fmt.Errorf("bridge.auth_key_password must be set")
	}
	if cfg.Homeserver.Domain == "" || cfg.Homeserver.Address == "" {
		return nil, fmt.Errorf("homeserver.address and homeserver.domain must be set")
	}
	if cfg.Bridge.MTProtoRelay == "" {
		return nil, fmt.Errorf("bridge.mtproto_relay must be set")
	}
	return &cfg, nil
}

type usernameParams struct {
	ID string
}

// DisplaynameParams are the fields available to displayname_template.
type DisplaynameParams struct {
	FirstName string
	LastName  string
	Username  string
	ID        string
}

// FormatDisplayname renders the ghost displayname for a remote profile,
// falling back to the raw id if the template produces nothing.
func (br *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	var buf strings.Builder
	err := br.displaynameTemplate.Execute(&buf, &params)
	if err != nil {
		return params.ID
	}
	name := strings.TrimSpace(buf.String())
	if name == "" {
		return params.ID
	}
	return name
}

// FormatGhostLocalpart renders the ghost localpart for a remote id.
func (br *BridgeConfig) FormatGhostLocalpart(tgid int64) string {
	var buf strings.Builder
	if err := br.usernameTemplate.Execute(&buf, usernameParams{ID: strconv.FormatInt(tgid, 10)}); err != nil {
		// PostProcess validated the template; this cannot fail on a
		// string id.
		return fmt.Sprintf("telegram_%d", tgid)
	}
	return buf.String()
}

// ParseGhostLocalpart extracts the remote id from a ghost localpart.
// Returns false for localparts that don't match the template.
func (br *BridgeConfig) ParseGhostLocalpart(localpart string) (int64, bool) {
	inner, ok := strings.CutPrefix(localpart, br.ghostPrefix)
	if !ok {
		return 0, false
	}
	inner, ok = strings.CutSuffix(inner, br.ghostSuffix)
	if !ok {
		return 0, false
	}
	tgid, err := strconv.ParseInt(inner, 10, 64)
	if err != nil {
		return 0, false
	}
	return tgid, true
}

// GhostRegex returns the registration namespace regex matching all ghost
// localparts.
func (br *BridgeConfig) GhostRegex(domain string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^@%s\\d+%s:%s$",
		regexp.QuoteMeta(br.ghostPrefix), regexp.QuoteMeta(br.ghostSuffix), regexp.QuoteMeta(domain)))
}
