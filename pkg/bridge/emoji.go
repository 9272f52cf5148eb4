// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// EmoteSync mirrors guild custom emotes into the Matrix media repository so
// the transcoder can render them inline. Uploaded emotes are remembered in
// the store under "emote-<id>" keys; an emote is only ever uploaded once.
type EmoteSync struct {
	matrix  MatrixMediaAPI
	discord DiscordAPI
	store   Store
	log     zerolog.Logger
}

func NewEmoteSync(matrix MatrixMediaAPI, discord DiscordAPI, store Store, log zerolog.Logger) *EmoteSync {
	return &EmoteSync{
		matrix:  matrix,
		discord: discord,
		store:   store,
		log:     log.With().Str("component", "emotes").Logger(),
	}
}

// SyncAll uploads every not-yet-cached emote across all connected guilds.
// Individual failures are logged and skipped.
func (es *EmoteSync) SyncAll(ctx context.Context) {
	for _, guild := range es.discord.Guilds() {
		es.SyncGuild(ctx, guild.ID)
	}
}

// SyncGuild reconciles the cache with one guild's current emote list.
func (es *EmoteSync) SyncGuild(ctx context.Context, guildID string) {
	emojis, err := es.discord.GuildEmojis(guildID)
	if err != nil {
		es.log.Warn().Err(err).Str("guild_id", guildID).Msg("Failed to list guild emotes")
		return
	}
	es.reconcile(ctx, guildID, emojis)
}

// reconcile uploads new emotes, drops cache entries for emotes the guild no
// longer has, and records the guild's current emote IDs so the next diff
// has a baseline. The flat KV keys carry no guild, so the per-guild index
// lives under its own key.
func (es *EmoteSync) reconcile(ctx context.Context, guildID string, emojis []*discordgo.Emoji) {
	current := make(map[string]bool, len(emojis))
	ids := make([]string, 0, len(emojis))
	for _, emoji := range emojis {
		current[emoji.ID] = true
		ids = append(ids, emoji.ID)
		if err := es.SyncEmote(ctx, emoji); err != nil {
			es.log.Warn().Err(err).Str("emote_id", emoji.ID).Str("guild_id", guildID).Msg("Failed to sync emote")
		}
	}
	known, err := es.knownEmotes(ctx, guildID)
	if err != nil {
		es.log.Warn().Err(err).Str("guild_id", guildID).Msg("Failed to load emote index")
	}
	for _, emoteID := range known {
		if current[emoteID] {
			continue
		}
		if err := es.RemoveEmote(ctx, emoteID); err != nil {
			es.log.Warn().Err(err).Str("emote_id", emoteID).Str("guild_id", guildID).Msg("Failed to drop deleted emote")
		}
	}
	if err := es.rememberEmotes(ctx, guildID, ids); err != nil {
		es.log.Warn().Err(err).Str("guild_id", guildID).Msg("Failed to store emote index")
	}
}

func guildEmotesKey(guildID string) string {
	return "guild-emotes-" + guildID
}

func (es *EmoteSync) knownEmotes(ctx context.Context, guildID string) ([]string, error) {
	raw, ok, err := es.store.GetExtra(ctx, guildEmotesKey(guildID))
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err = json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (es *EmoteSync) rememberEmotes(ctx context.Context, guildID string, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return es.store.PutExtra(ctx, guildEmotesKey(guildID), string(raw))
}

// SyncEmote uploads a single emote if it isn't cached yet.
func (es *EmoteSync) SyncEmote(ctx context.Context, emoji *discordgo.Emoji) error {
	_, ok, err := es.store.GetExtra(ctx, emoteKey(emoji.ID))
	if err != nil {
		return fmt.Errorf("failed to check emote cache: %w", err)
	} else if ok {
		return nil
	}

	data, err := es.discord.DownloadFile(discordgo.EndpointEmoji(emoji.ID))
	if err != nil {
		return fmt.Errorf("failed to download emote %s: %w", emoji.Name, err)
	}
	uri, err := es.matrix.UploadMedia(ctx, data, emoji.Name+".png", "image/png")
	if err != nil {
		return fmt.Errorf("failed to upload emote %s: %w", emoji.Name, err)
	}
	if err = es.store.PutExtra(ctx, emoteKey(emoji.ID), uri.String()); err != nil {
		return fmt.Errorf("failed to record emote %s: %w", emoji.Name, err)
	}
	es.log.Debug().Str("emote", emoji.Name).Str("mxc", uri.String()).Msg("Cached new emote")
	return nil
}

// RemoveEmote forgets a deleted emote. The uploaded media stays on the
// homeserver; only the mapping is dropped.
func (es *EmoteSync) RemoveEmote(ctx context.Context, emoteID string) error {
	return es.store.DeleteExtra(ctx, emoteKey(emoteID))
}

// HandleEmojisUpdate reconciles the cache after a guild's emote list
// changes: new emotes are uploaded, cached emotes missing from the
// authoritative list are removed.
func (es *EmoteSync) HandleEmojisUpdate(ctx context.Context, guildID string, emojis []*discordgo.Emoji) {
	es.reconcile(ctx, guildID, emojis)
}
