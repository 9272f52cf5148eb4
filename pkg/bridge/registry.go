// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Registry owns the correlation lifecycle between a Discord channel and a
// Matrix room: alias-driven creation, manual bridging, metadata and
// power-level projection, and teardown. All read-modify-write cycles on a
// room record serialize on a per-key lock.
type Registry struct {
	matrix  MatrixAPI
	discord DiscordAPI
	store   Store
	puppets *PuppetManager
	log     zerolog.Logger

	domain    string
	botMXID   id.UserID
	modRole   string
	adminRole string
	locks     keyedLocks
}

func NewRegistry(matrix MatrixAPI, discord DiscordAPI, store Store, puppets *PuppetManager, cfg *Config, log zerolog.Logger) *Registry {
	return &Registry{
		matrix:    matrix,
		discord:   discord,
		store:     store,
		puppets:   puppets,
		log:       log.With().Str("component", "registry").Logger(),
		domain:    cfg.Homeserver.Domain,
		botMXID:   id.UserID(cfg.BotMXID()),
		modRole:   cfg.Discord.ModRole,
		adminRole: cfg.Discord.AdminRole,
	}
}

// roomName renders the Matrix-side name of a bridged channel.
func (r *Registry) roomName(channel *discordgo.Channel) string {
	guildName := ""
	if guild, err := r.discord.Guild(channel.GuildID); err == nil {
		guildName = guild.Name
	}
	return "#" + channel.Name + " (" + guildName + ") [Discord]"
}

// RequestCorrelation answers a homeserver alias query. A known key yields
// the room-creation payload derived from the Discord channel; an unknown
// key yields nil, which the appservice layer turns into "no such room".
func (r *Registry) RequestCorrelation(ctx context.Context, alias id.RoomAlias) (*mautrix.ReqCreateRoom, error) {
	key, ok := LocalKeyFromAlias(alias)
	if !ok {
		return nil, nil
	}
	room, ok, err := r.store.GetRoom(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up room %s: %w", key, err)
	} else if !ok {
		return nil, nil
	}
	channel, err := r.discord.Channel(room.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel %s: %w", room.ChannelID, err)
	}

	req := &mautrix.ReqCreateRoom{
		Name:          r.roomName(channel),
		Topic:         channel.Topic,
		RoomAliasName: AliasLocalpart(alias),
	}
	if room.Private {
		req.Preset = "private_chat"
		req.Visibility = "private"
	} else {
		req.Preset = "public_chat"
		req.Visibility = "public"
	}
	return req, nil
}

// DefaultPowerLevels is the moderation baseline applied to automatically
// bridged rooms. The bridge's own account stays pinned at 100 so it can
// always undo its work.
func (r *Registry) DefaultPowerLevels() *event.PowerLevelsEventContent {
	ban, kick, redact, invite, eventsDefault := 50, 50, 50, 0, 0
	return &event.PowerLevelsEventContent{
		BanPtr:        &ban,
		KickPtr:       &kick,
		RedactPtr:     &redact,
		InvitePtr:     &invite,
		EventsDefault: eventsDefault,
		Events: map[string]int{
			event.StateRoomName.Type:       100,
			event.StateTopic.Type:          100,
			event.StateCanonicalAlias.Type: 100,
			event.StatePowerLevels.Type:    75,
			event.StateJoinRules.Type:      75,
		},
		Users: map[id.UserID]int{
			r.botMXID: 100,
		},
	}
}

// appendMemberLevels elevates channel members based on their Discord roles.
// The configured moderator role grants 50, the admin role 75, and a native
// administrator permission 75; rules apply in that order, last one wins.
func (r *Registry) appendMemberLevels(levels *event.PowerLevelsEventContent, guildID, channelID string, members []*discordgo.Member) {
	for _, member := range members {
		ghost := GhostMXID(member.User.ID, r.domain)
		for _, role := range r.discord.MemberRoleNames(guildID, member) {
			if role == r.modRole {
				levels.Users[ghost] = 50
			}
			if role == r.adminRole {
				levels.Users[ghost] = 75
			}
		}
		if admin, err := r.discord.MemberHasPermission(channelID, member.User.ID, discordgo.PermissionAdministrator); err == nil && admin {
			levels.Users[ghost] = 75
		}
	}
}

// OnCorrelationEstablished finishes a bridge after the Matrix room exists:
// records the room ID and manual flag, joins every channel member's ghost,
// projects power levels (automatic bridges only), and announces the result
// in the Discord channel.
func (r *Registry) OnCorrelationEstablished(ctx context.Context, key string, roomID id.RoomID, manual bool) error {
	unlock := r.locks.Lock(key)
	defer unlock()

	room, ok, err := r.store.GetRoom(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load room %s: %w", key, err)
	} else if !ok {
		return fmt.Errorf("no room record for %s", key)
	}
	room.MatrixID = roomID
	room.Manual = manual
	if err = r.store.PutRoom(ctx, room); err != nil {
		return fmt.Errorf("failed to store correlation for %s: %w", key, err)
	}

	members, err := r.discord.ChannelMembers(room.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to list members of %s: %w", room.ChannelID, err)
	}

	levels := r.DefaultPowerLevels()
	r.appendMemberLevels(levels, room.GuildID, room.ChannelID, members)

	for _, member := range members {
		ghost, err := r.puppets.EnsureGhost(ctx, member.User)
		if err != nil {
			r.log.Warn().Err(err).Str("discord_id", member.User.ID).Msg("Failed to provision ghost during bridging")
			continue
		}
		if err = r.matrix.InviteUser(ctx, roomID, ghost); err != nil {
			r.log.Warn().Err(err).Stringer("ghost", ghost).Msg("Failed to invite ghost")
			continue
		}
		if err = r.matrix.GhostJoin(ctx, ghost, roomID); err != nil {
			r.log.Warn().Err(err).Stringer("ghost", ghost).Msg("Failed to join ghost")
		}
	}

	if !manual {
		if err = r.matrix.SetPowerLevels(ctx, roomID, levels); err != nil {
			r.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to set power levels")
		}
	}

	alias := RoomAlias(key, r.domain)
	if err = r.discord.SendMessage(room.ChannelID, "**This room is now bridged to** ***"+string(alias)+"***"); err != nil {
		r.log.Warn().Err(err).Str("channel_id", room.ChannelID).Msg("Failed to announce bridge")
	}
	r.log.Info().Str("room_key", key).Stringer("room_id", roomID).Bool("manual", manual).Msg("Channel bridged")
	return nil
}

// Teardown unbridges a room: posts the departure message, removes every
// ghost and webhook puppet, optionally kicks all remaining members, leaves,
// and clears the stored correlation. Per-member failures are logged and
// skipped. The room record survives with an empty Matrix ID.
func (r *Registry) Teardown(ctx context.Context, key string, kickAll bool, message string) error {
	unlock := r.locks.Lock(key)
	defer unlock()

	room, ok, err := r.store.GetRoom(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load room %s: %w", key, err)
	} else if !ok || !room.Bridged() {
		return nil
	}

	if err = r.matrix.SendNotice(ctx, room.MatrixID, message); err != nil {
		r.log.Warn().Err(err).Stringer("room_id", room.MatrixID).Msg("Failed to post teardown notice")
	}

	if members, err := r.discord.ChannelMembers(room.ChannelID); err == nil {
		for _, member := range members {
			ghost := GhostMXID(member.User.ID, r.domain)
			if err := r.matrix.GhostLeave(ctx, ghost, room.MatrixID); err != nil {
				r.log.Warn().Err(err).Stringer("ghost", ghost).Msg("Failed to remove ghost during teardown")
			}
		}
	} else {
		r.log.Warn().Err(err).Str("channel_id", room.ChannelID).Msg("Failed to list channel members during teardown")
	}

	if kickAll {
		if members, err := r.matrix.JoinedMembers(ctx, room.MatrixID); err == nil {
			for _, member := range members {
				if member == r.botMXID {
					continue
				}
				if err := r.matrix.KickUser(ctx, room.MatrixID, member, "This room is being unbridged!"); err != nil {
					r.log.Warn().Err(err).Stringer("user_id", member).Msg("Failed to kick member during teardown")
				}
			}
		} else {
			r.log.Warn().Err(err).Stringer("room_id", room.MatrixID).Msg("Failed to list room members, not kicking anyone")
		}
	}

	if err = r.matrix.LeaveRoom(ctx, room.MatrixID); err != nil {
		r.log.Warn().Err(err).Stringer("room_id", room.MatrixID).Msg("Failed to leave room during teardown")
	}

	for dataKey, raw := range room.Data {
		if !strings.HasPrefix(dataKey, "webhook-") {
			continue
		}
		var puppet webhookPuppet
		if err := json.Unmarshal([]byte(raw), &puppet); err == nil {
			if err := r.discord.DeleteWebhook(puppet.ID); err != nil {
				r.log.Warn().Err(err).Str("webhook_id", puppet.ID).Msg("Failed to delete webhook during teardown")
			}
		}
		delete(room.Data, dataKey)
	}

	room.MatrixID = ""
	room.Manual = false
	if err = r.store.PutRoom(ctx, room); err != nil {
		return fmt.Errorf("failed to clear correlation for %s: %w", key, err)
	}
	r.log.Info().Str("room_key", key).Msg("Channel unbridged")
	return nil
}

// SyncChannel creates or refreshes the room record for a channel and
// provisions ghosts for its members. The private flag is derived from
// whether @everyone is denied reading the channel.
func (r *Registry) SyncChannel(ctx context.Context, channel *discordgo.Channel) error {
	key := LocalRoomKey(channel.Name, channel.ID)
	unlock := r.locks.Lock(key)
	defer unlock()

	room, ok, err := r.store.GetRoom(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load room %s: %w", key, err)
	}
	if !ok {
		room = &RoomRecord{Key: key, Data: make(map[string]string)}
	}
	room.ChannelID = channel.ID
	room.GuildID = channel.GuildID
	room.Private = channelIsPrivate(channel)
	if err = r.store.PutRoom(ctx, room); err != nil {
		return fmt.Errorf("failed to store room %s: %w", key, err)
	}

	members, err := r.discord.ChannelMembers(channel.ID)
	if err != nil {
		return fmt.Errorf("failed to list members of %s: %w", channel.ID, err)
	}
	for _, member := range members {
		if _, err := r.puppets.EnsureGhost(ctx, member.User); err != nil {
			r.log.Warn().Err(err).Str("discord_id", member.User.ID).Msg("Failed to sync member ghost")
		}
	}
	return nil
}

// channelIsPrivate reports whether @everyone (the role sharing the guild's
// ID) is denied reading the channel.
func channelIsPrivate(channel *discordgo.Channel) bool {
	for _, overwrite := range channel.PermissionOverwrites {
		if overwrite.Type == discordgo.PermissionOverwriteTypeRole && overwrite.ID == channel.GuildID {
			if overwrite.Deny&discordgo.PermissionViewChannel != 0 {
				return true
			}
		}
	}
	return false
}

// HandleChannelCreate syncs a newly created channel and advertises its
// Matrix alias in the channel itself.
func (r *Registry) HandleChannelCreate(ctx context.Context, channel *discordgo.Channel) error {
	if err := r.SyncChannel(ctx, channel); err != nil {
		return err
	}
	alias := RoomAlias(LocalRoomKey(channel.Name, channel.ID), r.domain)
	return r.discord.SendMessage(channel.ID, "**You can join this room on Matrix at** ***"+string(alias)+"***")
}

// HandleChannelDelete tears down the bridge of a deleted channel and drops
// its record.
func (r *Registry) HandleChannelDelete(ctx context.Context, channel *discordgo.Channel) error {
	key := LocalRoomKey(channel.Name, channel.ID)
	if err := r.Teardown(ctx, key, true, "The Discord channel this room was bridged to has been deleted."); err != nil {
		return err
	}
	return r.store.DeleteRoom(ctx, key)
}

// HandleNameChange migrates the room record to the key derived from the new
// name and, for automatic bridges, re-points the alias and renames the
// Matrix room. Manual bridges keep their Matrix-side metadata untouched.
func (r *Registry) HandleNameChange(ctx context.Context, channel *discordgo.Channel, oldName string) error {
	oldKey := LocalRoomKeyNamed(oldName, channel.ID)
	newKey := LocalRoomKey(channel.Name, channel.ID)
	if oldKey == newKey {
		return nil
	}
	unlock := r.locks.Lock(oldKey)
	defer unlock()

	room, ok, err := r.store.GetRoom(ctx, oldKey)
	if err != nil {
		return fmt.Errorf("failed to load room %s: %w", oldKey, err)
	} else if !ok {
		return r.SyncChannel(ctx, channel)
	}

	room.Key = newKey
	if err = r.store.PutRoom(ctx, room); err != nil {
		return fmt.Errorf("failed to store room %s: %w", newKey, err)
	}
	if err = r.store.DeleteRoom(ctx, oldKey); err != nil {
		return fmt.Errorf("failed to drop old room key %s: %w", oldKey, err)
	}

	if !room.Bridged() || room.Manual {
		return nil
	}
	alias := RoomAlias(newKey, r.domain)
	if err = r.matrix.CreateRoomAlias(ctx, alias, room.MatrixID); err != nil {
		r.log.Warn().Err(err).Stringer("alias", alias).Msg("Failed to create new room alias")
	}
	if err = r.matrix.SetCanonicalAlias(ctx, room.MatrixID, alias); err != nil {
		r.log.Warn().Err(err).Stringer("alias", alias).Msg("Failed to set canonical alias")
	}
	return r.matrix.SetRoomName(ctx, room.MatrixID, r.roomName(channel))
}

// HandleTopicChange mirrors a Discord topic change into the Matrix room.
// No-op for unbridged or manually bridged rooms.
func (r *Registry) HandleTopicChange(ctx context.Context, channel *discordgo.Channel) error {
	key := LocalRoomKey(channel.Name, channel.ID)
	room, ok, err := r.store.GetRoom(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load room %s: %w", key, err)
	}
	if !ok || !room.Bridged() || room.Manual {
		return nil
	}
	return r.matrix.SetRoomTopic(ctx, room.MatrixID, channel.Topic)
}

// BridgeManually links an existing Matrix room to a channel via its alias,
// used by the $bridge command. The Matrix room stays under its owners'
// control: no power levels or metadata are touched.
func (r *Registry) BridgeManually(ctx context.Context, key string, alias id.RoomAlias) error {
	roomID, err := r.matrix.ResolveAlias(ctx, alias)
	if err != nil {
		return fmt.Errorf("failed to resolve alias %s: %w", alias, err)
	}
	if _, err = r.matrix.JoinRoom(ctx, string(alias)); err != nil {
		return fmt.Errorf("failed to join %s: %w", alias, err)
	}
	return r.OnCorrelationEstablished(ctx, key, roomID, true)
}
