// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// Prefixes for bridge-owned Matrix identifiers. Ghost user IDs and room
// aliases both carry the "!discord_" marker so they can be recognized (and
// ignored for echo prevention) anywhere in the bridge.
const (
	UserPrefix = "!discord_"
	RoomPrefix = "!discord_"
)

// LocalRoomKey derives the store key for a Discord channel from its name and
// the last four characters of its snowflake ID. The suffix keeps two channels
// with the same name in different guilds from colliding.
func LocalRoomKey(channelName, channelID string) string {
	return LocalRoomKeyNamed(channelName, channelID)
}

// LocalRoomKeyNamed is LocalRoomKey with an explicit name, used when handling
// a rename where the channel object already carries the new name.
func LocalRoomKeyNamed(name, channelID string) string {
	suffix := channelID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return "#" + name + ";" + suffix
}

// RoomAlias builds the full Matrix alias for a local room key.
func RoomAlias(localKey, domain string) id.RoomAlias {
	return id.RoomAlias("#" + RoomPrefix + localKey + ":" + domain)
}

// AliasLocalpart returns the localpart of a bridge room alias, i.e. the part
// between "#" and ":domain".
func AliasLocalpart(alias id.RoomAlias) string {
	localpart := strings.TrimPrefix(string(alias), "#")
	if idx := strings.IndexByte(localpart, ':'); idx >= 0 {
		localpart = localpart[:idx]
	}
	return localpart
}

// LocalKeyFromAlias extracts the store key from a bridge room alias. The
// second return value is false when the alias does not carry the bridge
// prefix.
func LocalKeyFromAlias(alias id.RoomAlias) (string, bool) {
	localpart := AliasLocalpart(alias)
	if !strings.HasPrefix(localpart, RoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(localpart, RoomPrefix), true
}

// GhostMXID builds the Matrix user ID of the ghost representing a Discord
// user.
func GhostMXID(discordUserID, domain string) id.UserID {
	return id.UserID("@" + UserPrefix + discordUserID + ":" + domain)
}

// IsGhostMXID reports whether the given Matrix user ID belongs to a ghost
// managed by this bridge.
func IsGhostMXID(userID id.UserID) bool {
	return strings.HasPrefix(string(userID), "@"+UserPrefix)
}

// DiscordIDFromGhost extracts the Discord user ID from a ghost MXID. Returns
// false when the MXID is not a ghost.
func DiscordIDFromGhost(userID id.UserID) (string, bool) {
	if !IsGhostMXID(userID) {
		return "", false
	}
	rest := strings.TrimPrefix(string(userID), "@"+UserPrefix)
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		rest = rest[:idx]
	}
	return rest, true
}

// UserDomain returns the server name of a Matrix user ID, used when naming
// webhook puppets "<displayname> (<domain>)".
func UserDomain(userID id.UserID) string {
	if idx := strings.IndexByte(string(userID), ':'); idx >= 0 {
		return string(userID)[idx+1:]
	}
	return ""
}
