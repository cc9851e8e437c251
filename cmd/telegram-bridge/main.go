// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/random"

	"github.com/lrhodin/telegram/pkg/bridge"
	"github.com/lrhodin/telegram/pkg/database"
	"github.com/lrhodin/telegram/pkg/matrix"
	"github.com/lrhodin/telegram/pkg/telegram"
)

func main() {
	app := &cli.App{
		Name:    "telegram-bridge",
		Usage:   "A Matrix-Telegram puppeting bridge",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
			},
		},
		Commands: []*cli.Command{
			exampleConfigCommand,
			generateRegistrationCommand,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var exampleConfigCommand = &cli.Command{
	Name:  "example-config",
	Usage: "Print an example config file",
	Action: func(ctx *cli.Context) error {
		fmt.Print(bridge.ExampleConfig)
		return nil
	},
}

var generateRegistrationCommand = &cli.Command{
	Name:  "generate-registration",
	Usage: "Generate the appservice registration file for the homeserver",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "registration",
			Aliases: []string{"r"},
			Usage:   "Where to write the registration file",
			Value:   "registration.yaml",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := bridge.LoadConfig(ctx.String("config"))
		if err != nil {
			return err
		}
		generated := false
		if cfg.Appservice.ASToken == "generate" {
			cfg.Appservice.ASToken = random.String(64)
			generated = true
		}
		if cfg.Appservice.HSToken == "generate" {
			cfg.Appservice.HSToken = random.String(64)
			generated = true
		}
		matrixAPI, err := matrix.NewAppService(matrixConfig(cfg))
		if err != nil {
			return err
		}
		if err = matrixAPI.SaveRegistration(ctx.String("registration")); err != nil {
			return fmt.Errorf("failed to write registration: %w", err)
		}
		fmt.Println("Wrote registration to", ctx.String("registration"))
		if generated {
			fmt.Println("Generated tokens, update your config to match:")
			fmt.Println("  as_token:", cfg.Appservice.ASToken)
			fmt.Println("  hs_token:", cfg.Appservice.HSToken)
		}
		return nil
	},
}

func matrixConfig(cfg *bridge.Config) matrix.Config {
	return matrix.Config{
		HomeserverURL: cfg.Homeserver.Address,
		Domain:        cfg.Homeserver.Domain,
		ID:            cfg.Appservice.ID,
		ASToken:       cfg.Appservice.ASToken,
		HSToken:       cfg.Appservice.HSToken,
		BotLocalpart:  cfg.Appservice.BotLocalpart,
		GhostRegex:    cfg.Bridge.GhostRegex(cfg.Homeserver.Domain),
		Hostname:      cfg.Appservice.Hostname,
		Port:          cfg.Appservice.Port,
	}
}

func makeLogger(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func run(ctx *cli.Context) error {
	configPath := ctx.String("config")
	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := makeLogger(cfg.Logging)

	db, err := database.New(cfg.Bridge.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	matrixAPI, err := matrix.NewAppService(matrixConfig(cfg))
	if err != nil {
		return err
	}
	dialer := telegram.NewRelayDialer(cfg.Bridge.MTProtoRelay, log)

	br := bridge.New(cfg, log, db, matrixAPI, dialer)
	runCtx := context.Background()
	if err = br.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	log.Info().Msg("Bridge started")

	stopWatcher := watchConfig(log, configPath)
	defer stopWatcher()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Stringer("signal", sig).Msg("Shutting down")
	br.Stop()
	return nil
}

// watchConfig reloads the log level when the config file changes. Other
// settings need a restart; a broken config on disk is logged and the
// running values kept.
func watchConfig(log zerolog.Logger, path string) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
		return func() {}
	}
	if err = watcher.Add(path); err != nil {
		log.Warn().Err(err).Msg("Failed to watch config file")
		_ = watcher.Close()
		return func() {}
	}
	go func() {
		for evt := range watcher.Events {
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			cfg, err := bridge.LoadConfig(path)
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring config change: reload failed")
				continue
			}
			level, err := zerolog.ParseLevel(cfg.Logging)
			if err == nil && level != zerolog.NoLevel {
				zerolog.SetGlobalLevel(level)
				log.Info().Str("level", level.String()).Msg("Reloaded log level from config")
			}
		}
	}()
	return func() { _ = watcher.Close() }
}
