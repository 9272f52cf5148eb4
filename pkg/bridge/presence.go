// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// PresenceSync runs the background cycle that projects Discord online
// status and activity onto the Matrix ghosts of every user the bridge has
// seen. Per-user failures are logged and never stop a cycle.
type PresenceSync struct {
	matrix  MatrixGhostAPI
	discord DiscordAPI
	store   Store
	log     zerolog.Logger

	domain   string
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewPresenceSync(matrix MatrixGhostAPI, discord DiscordAPI, store Store, cfg *Config, log zerolog.Logger) *PresenceSync {
	return &PresenceSync{
		matrix:   matrix,
		discord:  discord,
		store:    store,
		log:      log.With().Str("component", "presence").Logger(),
		domain:   cfg.Homeserver.Domain,
		interval: cfg.PresenceInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the update loop. Stop cancels it and waits for the
// in-progress cycle to finish.
func (ps *PresenceSync) Start() {
	go ps.loop()
}

func (ps *PresenceSync) Stop() {
	close(ps.stop)
	<-ps.done
}

func (ps *PresenceSync) loop() {
	defer close(ps.done)
	ps.log.Info().Msg("Discord presence updating started")
	ticker := time.NewTicker(ps.interval)
	defer ticker.Stop()
	for {
		ps.cycle(context.Background())
		select {
		case <-ticker.C:
		case <-ps.stop:
			ps.log.Info().Msg("Discord presence updating stopped")
			return
		}
	}
}

func (ps *PresenceSync) cycle(ctx context.Context) {
	for _, guild := range ps.discord.Guilds() {
		for _, member := range guild.Members {
			// Users never seen in a bridged channel have no ghost to update.
			known, err := ps.store.UserExists(ctx, member.User.ID)
			if err != nil || !known {
				continue
			}
			if err := ps.SyncUser(ctx, guild.ID, member.User.ID); err != nil {
				ps.log.Warn().Err(err).Str("discord_id", member.User.ID).Msg("Failed to set presence")
			}
		}
	}
}

// SyncUser pushes one user's current Discord presence to their ghost.
func (ps *PresenceSync) SyncUser(ctx context.Context, guildID, userID string) error {
	presence, err := ps.discord.Presence(guildID, userID)
	if err != nil {
		return err
	}
	matrixPresence, statusMsg := ComputePresence(presence)
	return ps.matrix.SetPresence(ctx, GhostMXID(userID, ps.domain), matrixPresence, statusMsg)
}

// ComputePresence maps a Discord presence to a Matrix presence state and
// status message. Do-not-disturb shows as online with a status text since
// Matrix has no equivalent state; idle maps to unavailable. The status and
// activity fragments are joined only when both are present.
func ComputePresence(presence *discordgo.Presence) (event.Presence, string) {
	var matrixPresence event.Presence
	var statusMsg string

	switch presence.Status {
	case discordgo.StatusDoNotDisturb:
		matrixPresence = event.PresenceOnline
		statusMsg = "Do Not Disturb"
	case discordgo.StatusOnline:
		matrixPresence = event.PresenceOnline
	case discordgo.StatusIdle:
		matrixPresence = event.PresenceUnavailable
		statusMsg = "Idling"
	default:
		matrixPresence = event.PresenceOffline
	}

	if activity := primaryActivity(presence); activity != "" {
		if statusMsg == "" {
			statusMsg = activity
		} else {
			statusMsg += " | " + activity
		}
	}
	return matrixPresence, statusMsg
}

func primaryActivity(presence *discordgo.Presence) string {
	if len(presence.Activities) == 0 {
		return ""
	}
	activity := presence.Activities[0]
	switch activity.Type {
	case discordgo.ActivityTypeGame:
		return "Playing " + activity.Name
	case discordgo.ActivityTypeWatching:
		return "Watching " + activity.Name
	case discordgo.ActivityTypeListening:
		return "Listening to " + activity.Name
	case discordgo.ActivityTypeStreaming:
		return "Streaming " + activity.Name + " at " + activity.URL
	default:
		return ""
	}
}
