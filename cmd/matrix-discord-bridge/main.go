// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-discord-bridge is a Matrix-Discord puppeting bridge. It
// mirrors Discord channels into Matrix rooms, represents Discord users as
// appservice ghosts and Matrix users as per-room Discord webhooks, and keeps
// presence, typing, and custom emotes in sync between the two platforms.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-discord-bridge/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	generateConfig := flag.Bool("generate-config", false, "write the example config to the config path and exit")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger()

	if *generateConfig {
		if err := bridge.WriteExampleConfig(*configPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to write example config")
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}

	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting matrix-discord-bridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := bridge.OpenSQLStore(ctx, cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	matrix, err := bridge.NewMatrixClient(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up Matrix connection")
	}
	discord, err := bridge.NewDiscordClient(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up Discord session")
	}

	puppets := bridge.NewPuppetManager(matrix, discord, store, cfg, log)
	transcoder := bridge.NewContentTranscoder(matrix, discord, store, cfg, log)
	registry := bridge.NewRegistry(matrix, discord, store, puppets, cfg, log)
	commands := bridge.NewCommandDispatcher(matrix, discord, store, registry, cfg, log)
	presence := bridge.NewPresenceSync(matrix, discord, store, cfg, log)
	emotes := bridge.NewEmoteSync(matrix, discord, store, log)
	router := bridge.NewEventRouter(matrix, discord, store, transcoder, puppets, registry, commands, presence, emotes, cfg, log)

	matrix.AttachSink(router, registry)
	discord.AttachSink(router)

	go matrix.Start(ctx)
	if err = discord.Open(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Discord gateway")
	}
	presence.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	presence.Stop()
	if err = discord.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing Discord session")
	}
	cancel()
}
