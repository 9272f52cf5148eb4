// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

const (
	SoftwareName    = "matrix-discord-bridge"
	SoftwareVersion = "0.1.0"
)

// CommandDispatcher handles the in-band administrative commands Discord
// users can issue in a channel. Every reply is addressed at the caller.
// Messages that don't start with a known command fall through unconsumed so
// they still get bridged as ordinary chat.
type CommandDispatcher struct {
	matrix   MatrixAPI
	discord  DiscordAPI
	store    Store
	registry *Registry
	log      zerolog.Logger

	domain    string
	modRole   string
	adminRole string
}

func NewCommandDispatcher(matrix MatrixAPI, discord DiscordAPI, store Store, registry *Registry, cfg *Config, log zerolog.Logger) *CommandDispatcher {
	return &CommandDispatcher{
		matrix:    matrix,
		discord:   discord,
		store:     store,
		registry:  registry,
		log:       log.With().Str("component", "commands").Logger(),
		domain:    cfg.Homeserver.Domain,
		modRole:   cfg.Discord.ModRole,
		adminRole: cfg.Discord.AdminRole,
	}
}

func (cd *CommandDispatcher) reply(channelID string, user *discordgo.User, text string) {
	if err := cd.discord.SendMessage(channelID, user.Mention()+", "+text); err != nil {
		cd.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to send command reply")
	}
}

// Handle processes a message as a potential command. Returns true when the
// message was consumed, false when it should be bridged as ordinary chat.
func (cd *CommandDispatcher) Handle(ctx context.Context, channel *discordgo.Channel, msg *discordgo.Message) bool {
	if msg.Author == nil || msg.Author.Bot {
		return false
	}
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "$invite":
		err = cd.handleInvite(ctx, channel, msg, fields)
	case "$ping":
		cd.reply(channel.ID, msg.Author, fmt.Sprintf("PONG! My ping is %dms!", cd.discord.Latency().Milliseconds()))
	case "$mod":
		err = cd.handleElevate(ctx, channel, msg, fields, cd.modRole, 50, "moderator")
	case "$admin":
		err = cd.handleElevate(ctx, channel, msg, fields, cd.adminRole, 75, "admin")
	case "$info":
		cd.handleInfo(channel, msg)
	case "$bridge":
		err = cd.handleBridge(ctx, channel, msg, fields)
	case "$unbridge":
		err = cd.handleUnbridge(ctx, channel, msg)
	default:
		return false
	}

	if err != nil {
		cd.log.Warn().Err(err).Str("command", fields[0]).Msg("Command failed")
		cd.reply(channel.ID, msg.Author, "There was an error while processing that command!")
	}
	return true
}

// room loads and checks the record behind a channel, replying to the caller
// when it is absent or unbridged. The returned record is nil if a reply was
// already sent.
func (cd *CommandDispatcher) room(ctx context.Context, channel *discordgo.Channel, user *discordgo.User) (*RoomRecord, error) {
	key := LocalRoomKey(channel.Name, channel.ID)
	room, ok, err := cd.store.GetRoom(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		cd.reply(channel.ID, user, "I couldn't find this channel in my database, something is wrong!")
		return nil, nil
	}
	if !room.Bridged() {
		cd.reply(channel.ID, user, "This channel isn't bridged!")
		return nil, nil
	}
	return room, nil
}

func (cd *CommandDispatcher) handleInvite(ctx context.Context, channel *discordgo.Channel, msg *discordgo.Message, fields []string) error {
	if len(fields) != 2 {
		cd.reply(channel.ID, msg.Author, "Correct usage: **$invite [userId]**")
		return nil
	}
	allowed, err := cd.discord.MemberHasPermission(channel.ID, msg.Author.ID, discordgo.PermissionCreateInstantInvite)
	if err != nil {
		return err
	}
	if !allowed {
		cd.reply(channel.ID, msg.Author, "You don't have permissions to invite someone, you need to have the **CREATE_INSTANT_INVITE** permission.")
		return nil
	}
	room, err := cd.room(ctx, channel, msg.Author)
	if err != nil || room == nil {
		return err
	}
	if err = cd.matrix.InviteUser(ctx, room.MatrixID, id.UserID(fields[1])); err != nil {
		return err
	}
	cd.reply(channel.ID, msg.Author, "**Successfully invited** *"+fields[1]+"* **to this room on Matrix.**")
	return nil
}

func (cd *CommandDispatcher) memberHasRole(guildID string, member *discordgo.Member, roleName string) bool {
	for _, name := range cd.discord.MemberRoleNames(guildID, member) {
		if name == roleName {
			return true
		}
	}
	return false
}

func (cd *CommandDispatcher) handleElevate(ctx context.Context, channel *discordgo.Channel, msg *discordgo.Message, fields []string, requiredRole string, level int, label string) error {
	if len(fields) != 2 {
		cd.reply(channel.ID, msg.Author, "Correct usage: **$"+fields[0][1:]+" [userId]**")
		return nil
	}
	room, err := cd.room(ctx, channel, msg.Author)
	if err != nil || room == nil {
		return err
	}
	if msg.Member == nil || !cd.memberHasRole(channel.GuildID, msg.Member, requiredRole) {
		cd.reply(channel.ID, msg.Author, "You don't have permissions to make a Matrix user a "+label+", you need to have the **\""+requiredRole+"\"** role.")
		return nil
	}

	members, err := cd.discord.ChannelMembers(channel.ID)
	if err != nil {
		return err
	}
	levels := cd.registry.DefaultPowerLevels()
	cd.registry.appendMemberLevels(levels, channel.GuildID, channel.ID, members)
	levels.Users[id.UserID(fields[1])] = level

	if err = cd.matrix.SetPowerLevels(ctx, room.MatrixID, levels); err != nil {
		return err
	}
	cd.reply(channel.ID, msg.Author, "Successfully made **"+fields[1]+"** a Matrix "+label+" for this room.")
	return nil
}

func (cd *CommandDispatcher) handleInfo(channel *discordgo.Channel, msg *discordgo.Message) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	cd.reply(channel.ID, msg.Author, fmt.Sprintf(
		"I'm running %s v%s\nSystem:       %s %s\nRuntime:      %s\nRAM In Use:   %dMB (%dMB from OS)\nDiscord Ping: %dms",
		SoftwareName, SoftwareVersion,
		runtime.GOOS, runtime.GOARCH,
		runtime.Version(),
		mem.HeapInuse/1048576, mem.Sys/1048576,
		cd.discord.Latency().Milliseconds(),
	))
}

func (cd *CommandDispatcher) handleBridge(ctx context.Context, channel *discordgo.Channel, msg *discordgo.Message, fields []string) error {
	if len(fields) != 2 {
		cd.reply(channel.ID, msg.Author, "Correct usage: **$bridge [roomId** ***OR*** **roomAlias]**")
		return nil
	}
	allowed, err := cd.discord.MemberHasPermission(channel.ID, msg.Author.ID, discordgo.PermissionManageChannels)
	if err != nil {
		return err
	}
	if !allowed {
		cd.reply(channel.ID, msg.Author, "You don't have permissions to manually bridge, you need to have the **MANAGE_CHANNEL** permission.")
		return nil
	}

	key := LocalRoomKey(channel.Name, channel.ID)
	room, ok, err := cd.store.GetRoom(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		cd.reply(channel.ID, msg.Author, "I couldn't find this channel in my database, something is wrong!")
		return nil
	}
	if room.Bridged() {
		cd.reply(channel.ID, msg.Author, "This channel is already bridged!")
		return nil
	}

	target := fields[1]
	var roomID id.RoomID
	if strings.HasPrefix(target, "!") {
		roomID = id.RoomID(target)
	} else {
		roomID, err = cd.matrix.ResolveAlias(ctx, id.RoomAlias(target))
		if err != nil {
			cd.reply(channel.ID, msg.Author, "That room alias doesn't exist!")
			return nil
		}
	}
	if _, err = cd.matrix.JoinRoom(ctx, target); err != nil {
		cd.reply(channel.ID, msg.Author, "I couldn't join that matrix room, maybe it doesn't exist or I'm not invited?")
		return nil
	}
	return cd.registry.OnCorrelationEstablished(ctx, key, roomID, true)
}

func (cd *CommandDispatcher) handleUnbridge(ctx context.Context, channel *discordgo.Channel, msg *discordgo.Message) error {
	allowed, err := cd.discord.MemberHasPermission(channel.ID, msg.Author.ID, discordgo.PermissionManageChannels)
	if err != nil {
		return err
	}
	if !allowed {
		cd.reply(channel.ID, msg.Author, "You don't have permissions to manually unbridge, you need to have the **MANAGE_CHANNEL** permission.")
		return nil
	}
	room, err := cd.room(ctx, channel, msg.Author)
	if err != nil || room == nil {
		return err
	}

	// A manual bridge belongs to its Matrix owners, so only our own
	// accounts leave. Automatic bridges are fully evacuated.
	kickAll := !room.Manual
	if err = cd.registry.Teardown(ctx, room.Key, kickAll, "Received request to unbridge room, unbridging room."); err != nil {
		return err
	}
	cd.reply(channel.ID, msg.Author, "**Room unbridged.**")
	return nil
}
