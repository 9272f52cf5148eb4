// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// The core components never talk to the platform SDKs directly. They receive
// the narrow capability interfaces below, implemented by the adapters in
// matrixclient.go and discordclient.go, so every component is testable with
// fakes and only sees the operations it needs.

// MatrixRoomAPI covers room lifecycle and state operations performed as the
// bridge's service account.
type MatrixRoomAPI interface {
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	SetPowerLevels(ctx context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error
	SetRoomName(ctx context.Context, roomID id.RoomID, name string) error
	SetRoomTopic(ctx context.Context, roomID id.RoomID, topic string) error
	CreateRoomAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error
	SetCanonicalAlias(ctx context.Context, roomID id.RoomID, alias id.RoomAlias) error
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
}

// MatrixGhostAPI covers operations performed as a ghost user via appservice
// intents.
type MatrixGhostAPI interface {
	EnsureRegistered(ctx context.Context, ghost id.UserID) error
	GhostJoin(ctx context.Context, ghost id.UserID, roomID id.RoomID) error
	GhostLeave(ctx context.Context, ghost id.UserID, roomID id.RoomID) error
	SendMessageAs(ctx context.Context, ghost id.UserID, roomID id.RoomID, content *event.MessageEventContent) error
	SetDisplayName(ctx context.Context, ghost id.UserID, name string) error
	SetAvatarURL(ctx context.Context, ghost id.UserID, url id.ContentURI) error
	SetTyping(ctx context.Context, ghost id.UserID, roomID id.RoomID, typing bool, timeout time.Duration) error
	SetPresence(ctx context.Context, ghost id.UserID, presence event.Presence, statusMsg string) error
}

// MatrixMediaAPI covers the media repository and profile lookups.
type MatrixMediaAPI interface {
	UploadMedia(ctx context.Context, data []byte, filename, mimeType string) (id.ContentURI, error)
	DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error)
	Profile(ctx context.Context, userID id.UserID) (displayname string, avatarURL id.ContentURI, err error)
}

// MatrixAPI is the full Matrix capability surface.
type MatrixAPI interface {
	MatrixRoomAPI
	MatrixGhostAPI
	MatrixMediaAPI
}

// DiscordAPI is the capability surface of the Discord side. Entity types are
// discordgo's; the adapter owns the session, gateway, and rate limiting.
type DiscordAPI interface {
	BotUserID() string
	Guilds() []*discordgo.Guild
	Guild(guildID string) (*discordgo.Guild, error)
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMembers(channelID string) ([]*discordgo.Member, error)
	MemberRoleNames(guildID string, member *discordgo.Member) []string
	MemberHasPermission(channelID, userID string, permission int64) (bool, error)
	Presence(guildID, userID string) (*discordgo.Presence, error)
	GuildEmojis(guildID string) ([]*discordgo.Emoji, error)

	SendMessage(channelID, content string) error

	CreateWebhook(channelID, name, avatarDataURI string) (*discordgo.Webhook, error)
	EditWebhook(webhookID, name, avatarDataURI string) error
	DeleteWebhook(webhookID string) error
	ExecuteWebhook(webhookID, token string, params *discordgo.WebhookParams) error

	DownloadFile(url string) ([]byte, error)
	Latency() time.Duration
}
