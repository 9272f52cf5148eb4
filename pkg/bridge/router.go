// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const typingTimeout = 7 * time.Second

// EventSink is the bridge's view of inbound platform events, one method per
// event kind. The adapters translate raw gateway callbacks into these calls;
// EventRouter implements them.
type EventSink interface {
	OnDiscordReady(ctx context.Context)
	OnDiscordMessage(ctx context.Context, msg *discordgo.Message)
	OnDiscordTyping(ctx context.Context, channelID, userID string)
	OnDiscordPresenceUpdate(ctx context.Context, guildID, userID string)
	OnDiscordUserUpdate(ctx context.Context, user *discordgo.User)
	OnDiscordChannelCreate(ctx context.Context, channel *discordgo.Channel)
	OnDiscordChannelDelete(ctx context.Context, channel *discordgo.Channel)
	OnDiscordChannelUpdate(ctx context.Context, channel *discordgo.Channel, oldName string)
	OnDiscordEmojisUpdate(ctx context.Context, guildID string, emojis []*discordgo.Emoji)

	OnMatrixMessage(ctx context.Context, evt *event.Event)
	OnMatrixMembership(ctx context.Context, evt *event.Event)
}

// EventRouter wires inbound events to the bridge components: the command
// dispatcher gets first chance to consume a Discord message, then content
// flows through the transcoder to the other side. Events originating from
// the bridge's own identities are dropped before any processing.
type EventRouter struct {
	matrix     MatrixAPI
	discord    DiscordAPI
	store      Store
	transcoder *ContentTranscoder
	puppets    *PuppetManager
	registry   *Registry
	commands   *CommandDispatcher
	presence   *PresenceSync
	emotes     *EmoteSync
	log        zerolog.Logger

	domain       string
	botLocalpart string
}

var _ EventSink = (*EventRouter)(nil)

func NewEventRouter(
	matrix MatrixAPI,
	discord DiscordAPI,
	store Store,
	transcoder *ContentTranscoder,
	puppets *PuppetManager,
	registry *Registry,
	commands *CommandDispatcher,
	presence *PresenceSync,
	emotes *EmoteSync,
	cfg *Config,
	log zerolog.Logger,
) *EventRouter {
	return &EventRouter{
		matrix:       matrix,
		discord:      discord,
		store:        store,
		transcoder:   transcoder,
		puppets:      puppets,
		registry:     registry,
		commands:     commands,
		presence:     presence,
		emotes:       emotes,
		log:          log.With().Str("component", "router").Logger(),
		domain:       cfg.Homeserver.Domain,
		botLocalpart: cfg.Appservice.BotLocalpart,
	}
}

// isOwnMatrixUser reports whether a Matrix event sender is one of the
// bridge's identities: a ghost or the service account.
func (er *EventRouter) isOwnMatrixUser(sender id.UserID) bool {
	return IsGhostMXID(sender) || strings.HasPrefix(string(sender), "@"+er.botLocalpart+":")
}

// isOwnDiscordMessage reports whether a Discord message came from the
// bridge itself: its bot account or one of its webhook puppets.
func (er *EventRouter) isOwnDiscordMessage(ctx context.Context, msg *discordgo.Message) bool {
	if msg.Author != nil && msg.Author.ID == er.discord.BotUserID() {
		return true
	}
	if msg.WebhookID == "" {
		return false
	}
	room, ok, err := er.store.GetRoomByChannelID(ctx, msg.ChannelID)
	if err != nil || !ok {
		return false
	}
	for key, raw := range room.Data {
		if strings.HasPrefix(key, "webhook-") && strings.Contains(raw, `"id":"`+msg.WebhookID+`"`) {
			return true
		}
	}
	return false
}

// OnDiscordReady runs the initial full sync: every readable channel gets a
// room record and member ghosts, then the emote cache is filled.
func (er *EventRouter) OnDiscordReady(ctx context.Context) {
	er.log.Info().Msg("Discord connection ready, running initial sync")
	start := time.Now()
	for _, guild := range er.discord.Guilds() {
		for _, channel := range guild.Channels {
			if channel.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			if err := er.registry.SyncChannel(ctx, channel); err != nil {
				er.log.Warn().Err(err).Str("channel_id", channel.ID).Msg("Failed to sync channel")
			}
		}
	}
	er.emotes.SyncAll(ctx)
	er.log.Info().Dur("duration", time.Since(start)).Msg("Initial sync complete")
}

func (er *EventRouter) OnDiscordMessage(ctx context.Context, msg *discordgo.Message) {
	if er.isOwnDiscordMessage(ctx, msg) {
		return
	}
	channel, err := er.discord.Channel(msg.ChannelID)
	if err != nil {
		er.log.Warn().Err(err).Str("channel_id", msg.ChannelID).Msg("Failed to resolve message channel")
		return
	}

	if er.commands.Handle(ctx, channel, msg) {
		return
	}

	room, ok, err := er.store.GetRoom(ctx, LocalRoomKey(channel.Name, channel.ID))
	if err != nil {
		er.log.Err(err).Str("channel_id", channel.ID).Msg("Failed to load room for message")
		return
	}
	if !ok || !room.Bridged() {
		return
	}

	ghost, err := er.puppets.EnsureGhost(ctx, msg.Author)
	if err != nil {
		er.log.Err(err).Str("discord_id", msg.Author.ID).Msg("Failed to provision ghost for message")
		return
	}
	// The message lands now, so the ghost is no longer typing.
	if err = er.matrix.SetTyping(ctx, ghost, room.MatrixID, false, 0); err != nil {
		er.log.Debug().Err(err).Stringer("ghost", ghost).Msg("Failed to clear typing state")
	}

	if msg.Content != "" {
		content := er.transcoder.ToMatrixText(ctx, msg)
		if err = er.matrix.SendMessageAs(ctx, ghost, room.MatrixID, content); err != nil {
			er.log.Err(err).Stringer("ghost", ghost).Msg("Failed to bridge message text")
		}
	}
	for _, att := range msg.Attachments {
		content, err := er.transcoder.ToMatrixAttachment(ctx, att)
		if err != nil {
			er.log.Err(err).Str("attachment", att.Filename).Msg("Failed to transcode attachment")
			continue
		}
		if err = er.matrix.SendMessageAs(ctx, ghost, room.MatrixID, content); err != nil {
			er.log.Err(err).Stringer("ghost", ghost).Msg("Failed to bridge attachment")
		}
	}
}

func (er *EventRouter) OnDiscordTyping(ctx context.Context, channelID, userID string) {
	if userID == er.discord.BotUserID() {
		return
	}
	known, err := er.store.UserExists(ctx, userID)
	if err != nil || !known {
		return
	}
	room, ok, err := er.store.GetRoomByChannelID(ctx, channelID)
	if err != nil || !ok || !room.Bridged() {
		return
	}
	ghost := GhostMXID(userID, er.domain)
	if err = er.matrix.SetTyping(ctx, ghost, room.MatrixID, true, typingTimeout); err != nil {
		er.log.Debug().Err(err).Stringer("ghost", ghost).Msg("Failed to bridge typing state")
	}
}

func (er *EventRouter) OnDiscordPresenceUpdate(ctx context.Context, guildID, userID string) {
	known, err := er.store.UserExists(ctx, userID)
	if err != nil || !known {
		return
	}
	if err = er.presence.SyncUser(ctx, guildID, userID); err != nil {
		er.log.Warn().Err(err).Str("discord_id", userID).Msg("Failed to bridge presence update")
	}
}

func (er *EventRouter) OnDiscordUserUpdate(ctx context.Context, user *discordgo.User) {
	known, err := er.store.UserExists(ctx, user.ID)
	if err != nil || !known {
		return
	}
	if _, err = er.puppets.EnsureGhost(ctx, user); err != nil {
		er.log.Warn().Err(err).Str("discord_id", user.ID).Msg("Failed to sync updated profile")
	}
}

func (er *EventRouter) OnDiscordChannelCreate(ctx context.Context, channel *discordgo.Channel) {
	if channel.Type != discordgo.ChannelTypeGuildText {
		return
	}
	if err := er.registry.HandleChannelCreate(ctx, channel); err != nil {
		er.log.Err(err).Str("channel_id", channel.ID).Msg("Failed to handle channel creation")
	}
}

func (er *EventRouter) OnDiscordChannelDelete(ctx context.Context, channel *discordgo.Channel) {
	if channel.Type != discordgo.ChannelTypeGuildText {
		return
	}
	if err := er.registry.HandleChannelDelete(ctx, channel); err != nil {
		er.log.Err(err).Str("channel_id", channel.ID).Msg("Failed to handle channel deletion")
	}
}

// OnDiscordChannelUpdate covers both renames and topic changes; oldName is
// "" when the name did not change.
func (er *EventRouter) OnDiscordChannelUpdate(ctx context.Context, channel *discordgo.Channel, oldName string) {
	if channel.Type != discordgo.ChannelTypeGuildText {
		return
	}
	if oldName != "" && oldName != channel.Name {
		if err := er.registry.HandleNameChange(ctx, channel, oldName); err != nil {
			er.log.Err(err).Str("channel_id", channel.ID).Msg("Failed to handle channel rename")
			return
		}
	}
	if err := er.registry.HandleTopicChange(ctx, channel); err != nil {
		er.log.Err(err).Str("channel_id", channel.ID).Msg("Failed to handle topic change")
	}
}

func (er *EventRouter) OnDiscordEmojisUpdate(ctx context.Context, guildID string, emojis []*discordgo.Emoji) {
	er.emotes.HandleEmojisUpdate(ctx, guildID, emojis)
}

func (er *EventRouter) OnMatrixMessage(ctx context.Context, evt *event.Event) {
	if er.isOwnMatrixUser(evt.Sender) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	room, found, err := er.store.GetRoomByMatrixID(ctx, evt.RoomID)
	if err != nil {
		er.log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to load room for Matrix message")
		return
	}
	if !found || !room.Bridged() {
		return
	}

	webhookID, token, err := er.puppets.EnsureWebhook(ctx, room.Key, evt.Sender)
	if err != nil {
		er.log.Err(err).Stringer("sender", evt.Sender).Msg("Failed to provision webhook for message")
		return
	}
	out, err := er.transcoder.ToDiscord(ctx, room, content)
	if err != nil {
		er.log.Err(err).Stringer("sender", evt.Sender).Msg("Failed to transcode Matrix message")
		return
	}
	params := &discordgo.WebhookParams{Content: out.Content, Files: out.Files}
	if err = er.discord.ExecuteWebhook(webhookID, token, params); err != nil {
		er.log.Err(err).Str("webhook_id", webhookID).Msg("Failed to execute webhook")
	}
}

// OnMatrixMembership mirrors membership changes into the Discord channel
// and keeps webhook puppets in step: join provisions, leave releases.
func (er *EventRouter) OnMatrixMembership(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	if er.isOwnMatrixUser(target) {
		return
	}
	room, found, err := er.store.GetRoomByMatrixID(ctx, evt.RoomID)
	if err != nil || !found || !room.Bridged() {
		return
	}

	switch content.Membership {
	case event.MembershipJoin:
		if _, hadWebhook := room.Data[webhookKey(target)]; hadWebhook {
			// Rejoin with an existing puppet: push the current profile so
			// displayname and avatar changes reach the webhook.
			er.puppets.UpdateWebhooks(ctx, []*RoomRecord{room}, target)
			return
		}
		er.announce(room.ChannelID, "__**Matrix:**__ ***"+content.Displayname+"*** (*"+string(target)+"*) has joined the room.")
		if _, _, err = er.puppets.EnsureWebhook(ctx, room.Key, target); err != nil {
			er.log.Warn().Err(err).Stringer("user_id", target).Msg("Failed to provision webhook on join")
		}
	case event.MembershipLeave, event.MembershipBan:
		if err = er.puppets.ReleaseWebhook(ctx, room.Key, target); err != nil {
			er.log.Warn().Err(err).Stringer("user_id", target).Msg("Failed to release webhook on leave")
		}
		er.announce(room.ChannelID, "__**Matrix:**__ *"+string(target)+"* has left the room.")
	case event.MembershipInvite:
		er.announce(room.ChannelID, "__**Matrix:**__ ***"+content.Displayname+"*** (*"+string(target)+"*) was invited to the room by *"+string(evt.Sender)+"*.")
	}
}

func (er *EventRouter) announce(channelID, message string) {
	if err := er.discord.SendMessage(channelID, message); err != nil {
		er.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to send membership notice")
	}
}
