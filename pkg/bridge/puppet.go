// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// webhookPuppet is the persisted webhook identity backing one Matrix user in
// one channel, stored in the room record's data map under
// "webhook-<mxid>".
type webhookPuppet struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func webhookKey(mxid id.UserID) string {
	return "webhook-" + string(mxid)
}

type matrixProfile struct {
	Displayname string
	AvatarURL   id.ContentURI
}

// PuppetManager provisions the virtual identities on both sides of the
// bridge: Discord webhooks impersonating Matrix users, and Matrix ghosts
// impersonating Discord users. Provisioning is idempotent; concurrent events
// for the same identity serialize on a per-identity lock so at most one
// webhook or ghost ever exists per identity.
type PuppetManager struct {
	matrix  MatrixAPI
	discord DiscordAPI
	store   Store
	log     zerolog.Logger

	domain string
	locks  keyedLocks

	// profiles caches Matrix profile lookups so bursts of messages from
	// the same user don't hammer the profile endpoint.
	profiles *ttlcache.Cache[id.UserID, matrixProfile]
}

func NewPuppetManager(matrix MatrixAPI, discord DiscordAPI, store Store, cfg *Config, log zerolog.Logger) *PuppetManager {
	return &PuppetManager{
		matrix:  matrix,
		discord: discord,
		store:   store,
		log:     log.With().Str("component", "puppets").Logger(),
		domain:  cfg.Homeserver.Domain,
		profiles: ttlcache.New[id.UserID, matrixProfile](
			ttlcache.WithTTL[id.UserID, matrixProfile](5 * time.Minute),
		),
	}
}

func (pm *PuppetManager) profile(ctx context.Context, mxid id.UserID) (matrixProfile, error) {
	if item := pm.profiles.Get(mxid); item != nil {
		return item.Value(), nil
	}
	name, avatarURL, err := pm.matrix.Profile(ctx, mxid)
	if err != nil {
		return matrixProfile{}, err
	}
	if name == "" {
		name = string(mxid)
	}
	profile := matrixProfile{Displayname: name, AvatarURL: avatarURL}
	pm.profiles.Set(mxid, profile, ttlcache.DefaultTTL)
	return profile, nil
}

// avatarDataURI fetches a Matrix avatar and encodes it the way Discord's
// webhook API wants inline images. An unset or unfetchable avatar yields ""
// and the webhook simply has no avatar.
func (pm *PuppetManager) avatarDataURI(ctx context.Context, avatarURL id.ContentURI) string {
	if avatarURL.FileID == "" {
		return ""
	}
	data, err := pm.matrix.DownloadMedia(ctx, avatarURL)
	if err != nil {
		pm.log.Warn().Err(err).Str("mxc", avatarURL.String()).Msg("Failed to download avatar for webhook")
		return ""
	}
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func webhookName(displayname string, mxid id.UserID) string {
	return displayname + " (" + UserDomain(mxid) + ")"
}

// EnsureWebhook returns the webhook puppet for a Matrix user in a bridged
// channel, creating it on first use. The webhook is persisted before it is
// returned, so a crash between creation and first use never orphans it
// silently on the next attempt.
func (pm *PuppetManager) EnsureWebhook(ctx context.Context, roomKey string, mxid id.UserID) (webhookID, token string, err error) {
	unlock := pm.locks.Lock(roomKey + "/" + string(mxid))
	defer unlock()

	room, ok, err := pm.store.GetRoom(ctx, roomKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to load room %s: %w", roomKey, err)
	} else if !ok {
		return "", "", fmt.Errorf("no room record for %s", roomKey)
	}

	if raw, ok := room.Data[webhookKey(mxid)]; ok {
		var puppet webhookPuppet
		if err = json.Unmarshal([]byte(raw), &puppet); err != nil {
			return "", "", fmt.Errorf("corrupt webhook record for %s in %s: %w", mxid, roomKey, err)
		}
		return puppet.ID, puppet.Token, nil
	}

	profile, err := pm.profile(ctx, mxid)
	if err != nil {
		// The puppet must exist even when the profile endpoint is down;
		// the MXID stands in for the displayname until the next update.
		pm.log.Warn().Err(err).Stringer("user_id", mxid).Msg("Failed to fetch profile, naming webhook after the MXID")
		profile = matrixProfile{Displayname: string(mxid)}
	}
	webhook, err := pm.discord.CreateWebhook(room.ChannelID, webhookName(profile.Displayname, mxid), pm.avatarDataURI(ctx, profile.AvatarURL))
	if err != nil {
		return "", "", fmt.Errorf("failed to create webhook for %s: %w", mxid, err)
	}

	raw, err := json.Marshal(webhookPuppet{ID: webhook.ID, Token: webhook.Token})
	if err != nil {
		return "", "", err
	}
	room.Data[webhookKey(mxid)] = string(raw)
	if err = pm.store.PutRoom(ctx, room); err != nil {
		return "", "", fmt.Errorf("failed to persist webhook for %s: %w", mxid, err)
	}
	pm.log.Debug().Stringer("user_id", mxid).Str("room_key", roomKey).Str("webhook_id", webhook.ID).Msg("Created webhook puppet")
	return webhook.ID, webhook.Token, nil
}

// UpdateWebhooks pushes a Matrix user's new profile to every webhook puppet
// the user has across bridged channels. Best effort per channel.
func (pm *PuppetManager) UpdateWebhooks(ctx context.Context, rooms []*RoomRecord, mxid id.UserID) {
	pm.profiles.Delete(mxid)
	profile, err := pm.profile(ctx, mxid)
	if err != nil {
		pm.log.Warn().Err(err).Stringer("user_id", mxid).Msg("Failed to fetch profile for webhook update")
		return
	}
	name := webhookName(profile.Displayname, mxid)
	avatar := pm.avatarDataURI(ctx, profile.AvatarURL)
	for _, room := range rooms {
		raw, ok := room.Data[webhookKey(mxid)]
		if !ok {
			continue
		}
		var puppet webhookPuppet
		if err := json.Unmarshal([]byte(raw), &puppet); err != nil {
			continue
		}
		if err := pm.discord.EditWebhook(puppet.ID, name, avatar); err != nil {
			pm.log.Warn().Err(err).Str("webhook_id", puppet.ID).Msg("Failed to update webhook profile")
		}
	}
}

// ReleaseWebhook deletes a Matrix user's webhook puppet in one channel, for
// example after the user leaves the room.
func (pm *PuppetManager) ReleaseWebhook(ctx context.Context, roomKey string, mxid id.UserID) error {
	unlock := pm.locks.Lock(roomKey + "/" + string(mxid))
	defer unlock()

	room, ok, err := pm.store.GetRoom(ctx, roomKey)
	if err != nil || !ok {
		return err
	}
	raw, ok := room.Data[webhookKey(mxid)]
	if !ok {
		return nil
	}
	var puppet webhookPuppet
	if err = json.Unmarshal([]byte(raw), &puppet); err == nil {
		if err := pm.discord.DeleteWebhook(puppet.ID); err != nil {
			pm.log.Warn().Err(err).Str("webhook_id", puppet.ID).Msg("Failed to delete webhook")
		}
	}
	delete(room.Data, webhookKey(mxid))
	return pm.store.PutRoom(ctx, room)
}

// ghostDisplayname is the name pushed to a Discord user's Matrix ghost.
// Bot accounts are labeled so Matrix users can tell them apart.
func ghostDisplayname(user *discordgo.User) string {
	if user.Bot {
		return "[BOT] " + user.Username
	}
	return user.Username
}

// EnsureGhost registers the Matrix ghost for a Discord user and keeps its
// profile in sync, skipping remote calls when the cached fingerprint already
// matches. Returns the ghost's MXID.
func (pm *PuppetManager) EnsureGhost(ctx context.Context, user *discordgo.User) (id.UserID, error) {
	unlock := pm.locks.Lock("ghost/" + user.ID)
	defer unlock()

	ghost := GhostMXID(user.ID, pm.domain)
	record, known, err := pm.store.GetUser(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load user %s: %w", user.ID, err)
	}

	name := ghostDisplayname(user)
	avatar := user.Avatar
	if known && record.Name == name && record.Avatar == avatar {
		return ghost, nil
	}

	if !known {
		if err = pm.matrix.EnsureRegistered(ctx, ghost); err != nil {
			return "", fmt.Errorf("failed to register ghost %s: %w", ghost, err)
		}
	}
	if !known || record.Name != name {
		if err = pm.matrix.SetDisplayName(ctx, ghost, name); err != nil {
			return "", fmt.Errorf("failed to set ghost displayname: %w", err)
		}
	}
	if !known || record.Avatar != avatar {
		if err = pm.syncGhostAvatar(ctx, ghost, user); err != nil {
			pm.log.Warn().Err(err).Str("discord_id", user.ID).Msg("Failed to sync ghost avatar")
		}
	}

	err = pm.store.PutUser(ctx, &UserRecord{
		DiscordID: user.ID,
		Name:      name,
		Avatar:    avatar,
		LastSync:  time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist user %s: %w", user.ID, err)
	}
	pm.log.Debug().Str("discord_id", user.ID).Stringer("ghost", ghost).Msg("Synced ghost profile")
	return ghost, nil
}

func (pm *PuppetManager) syncGhostAvatar(ctx context.Context, ghost id.UserID, user *discordgo.User) error {
	if user.Avatar == "" {
		return pm.matrix.SetAvatarURL(ctx, ghost, id.ContentURI{})
	}
	data, err := pm.discord.DownloadFile(user.AvatarURL("256"))
	if err != nil {
		return fmt.Errorf("failed to download avatar: %w", err)
	}
	uri, err := pm.matrix.UploadMedia(ctx, data, "avatar.png", http.DetectContentType(data))
	if err != nil {
		return fmt.Errorf("failed to upload avatar: %w", err)
	}
	return pm.matrix.SetAvatarURL(ctx, ghost, uri)
}
