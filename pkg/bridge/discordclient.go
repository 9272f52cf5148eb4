// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// DiscordClient implements DiscordAPI over a discordgo gateway session. It
// prefers the session state cache and falls back to REST lookups when an
// entity is not cached.
type DiscordClient struct {
	session *discordgo.Session
	http    *http.Client
	log     zerolog.Logger
}

var _ DiscordAPI = (*DiscordClient)(nil)

func NewDiscordClient(cfg *Config, log zerolog.Logger) (*DiscordClient, error) {
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildPresences |
		discordgo.IntentMessageContent
	session.StateEnabled = true
	session.State.TrackPresences = true
	session.State.TrackMembers = true
	return &DiscordClient{
		session: session,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "discord").Logger(),
	}, nil
}

// AttachSink registers gateway event handlers that forward to the sink. Must
// be called before Open.
func (dc *DiscordClient) AttachSink(sink EventSink) {
	ctx := context.Background()
	dc.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		sink.OnDiscordReady(ctx)
	})
	dc.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.MessageCreate) {
		sink.OnDiscordMessage(ctx, evt.Message)
	})
	dc.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.TypingStart) {
		sink.OnDiscordTyping(ctx, evt.ChannelID, evt.UserID)
	})
	dc.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.PresenceUpdate) {
		sink.OnDiscordPresenceUpdate(ctx, evt.GuildID, evt.User.ID)
	})
	dc.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.UserUpdate) {
		sink.OnDiscordUserUpdate(ctx, evt.User)
	})
	dc.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.ChannelCreate) {
		sink.OnDiscordChannelCreate(ctx, evt.Channel)
	})
	dc.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.ChannelDelete) {
		sink.OnDiscordChannelDelete(ctx, evt.Channel)
	})
	dc.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.ChannelUpdate) {
		oldName := ""
		if evt.BeforeUpdate != nil {
			oldName = evt.BeforeUpdate.Name
		}
		sink.OnDiscordChannelUpdate(ctx, evt.Channel, oldName)
	})
	dc.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.GuildEmojisUpdate) {
		sink.OnDiscordEmojisUpdate(ctx, evt.GuildID, evt.Emojis)
	})
}

// Open connects to the gateway. Close disconnects.
func (dc *DiscordClient) Open() error {
	return dc.session.Open()
}

func (dc *DiscordClient) Close() error {
	return dc.session.Close()
}

func (dc *DiscordClient) BotUserID() string {
	if dc.session.State.User == nil {
		return ""
	}
	return dc.session.State.User.ID
}

func (dc *DiscordClient) Guilds() []*discordgo.Guild {
	return dc.session.State.Guilds
}

func (dc *DiscordClient) Guild(guildID string) (*discordgo.Guild, error) {
	guild, err := dc.session.State.Guild(guildID)
	if err == nil {
		return guild, nil
	}
	return dc.session.Guild(guildID)
}

func (dc *DiscordClient) Channel(channelID string) (*discordgo.Channel, error) {
	channel, err := dc.session.State.Channel(channelID)
	if err == nil {
		return channel, nil
	}
	return dc.session.Channel(channelID)
}

// ChannelMembers returns the guild members that can see the channel.
func (dc *DiscordClient) ChannelMembers(channelID string) ([]*discordgo.Member, error) {
	channel, err := dc.Channel(channelID)
	if err != nil {
		return nil, err
	}
	guild, err := dc.Guild(channel.GuildID)
	if err != nil {
		return nil, err
	}
	var members []*discordgo.Member
	for _, member := range guild.Members {
		visible, err := dc.MemberHasPermission(channelID, member.User.ID, discordgo.PermissionViewChannel)
		if err != nil {
			dc.log.Warn().Err(err).
				Str("channel_id", channelID).
				Str("user_id", member.User.ID).
				Msg("Failed to check channel visibility")
			continue
		}
		if visible {
			members = append(members, member)
		}
	}
	return members, nil
}

func (dc *DiscordClient) MemberRoleNames(guildID string, member *discordgo.Member) []string {
	guild, err := dc.Guild(guildID)
	if err != nil {
		return nil
	}
	byID := make(map[string]string, len(guild.Roles))
	for _, role := range guild.Roles {
		byID[role.ID] = role.Name
	}
	names := make([]string, 0, len(member.Roles))
	for _, roleID := range member.Roles {
		if name, ok := byID[roleID]; ok {
			names = append(names, name)
		}
	}
	return names
}

func (dc *DiscordClient) MemberHasPermission(channelID, userID string, permission int64) (bool, error) {
	perms, err := dc.session.UserChannelPermissions(userID, channelID)
	if err != nil {
		return false, err
	}
	return perms&permission == permission, nil
}

func (dc *DiscordClient) Presence(guildID, userID string) (*discordgo.Presence, error) {
	return dc.session.State.Presence(guildID, userID)
}

func (dc *DiscordClient) GuildEmojis(guildID string) ([]*discordgo.Emoji, error) {
	guild, err := dc.session.State.Guild(guildID)
	if err == nil && len(guild.Emojis) > 0 {
		return guild.Emojis, nil
	}
	return dc.session.GuildEmojis(guildID)
}

func (dc *DiscordClient) SendMessage(channelID, content string) error {
	_, err := dc.session.ChannelMessageSend(channelID, content)
	return err
}

func (dc *DiscordClient) CreateWebhook(channelID, name, avatarDataURI string) (*discordgo.Webhook, error) {
	return dc.session.WebhookCreate(channelID, name, avatarDataURI)
}

func (dc *DiscordClient) EditWebhook(webhookID, name, avatarDataURI string) error {
	_, err := dc.session.WebhookEdit(webhookID, name, avatarDataURI, "")
	return err
}

func (dc *DiscordClient) DeleteWebhook(webhookID string) error {
	return dc.session.WebhookDelete(webhookID)
}

func (dc *DiscordClient) ExecuteWebhook(webhookID, token string, params *discordgo.WebhookParams) error {
	_, err := dc.session.WebhookExecute(webhookID, token, false, params)
	return err
}

func (dc *DiscordClient) DownloadFile(url string) ([]byte, error) {
	resp, err := dc.http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s downloading %s", resp.Status, url)
	}
	return io.ReadAll(resp.Body)
}

func (dc *DiscordClient) Latency() time.Duration {
	return dc.session.HeartbeatLatency()
}
