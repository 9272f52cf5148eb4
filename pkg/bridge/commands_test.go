// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

func testDispatcher(t *testing.T) (*CommandDispatcher, *Registry, *fakeMatrix, *fakeDiscord, *memStore) {
	t.Helper()
	matrix := newFakeMatrix()
	discord := newFakeDiscord()
	store := newMemStore()
	cfg := &Config{}
	cfg.Homeserver.Domain = "example.org"
	cfg.Appservice.BotLocalpart = "_discord_bridge"
	cfg.Discord.ModRole = "Mods"
	cfg.Discord.AdminRole = "Admins"
	puppets := NewPuppetManager(matrix, discord, store, cfg, zerolog.Nop())
	registry := NewRegistry(matrix, discord, store, puppets, cfg, zerolog.Nop())
	cd := NewCommandDispatcher(matrix, discord, store, registry, cfg, zerolog.Nop())
	return cd, registry, matrix, discord, store
}

func command(content string) *discordgo.Message {
	author := &discordgo.User{ID: "caller", Username: "Caller"}
	return &discordgo.Message{
		Content: content,
		Author:  author,
		Member:  &discordgo.Member{User: author},
	}
}

func lastReply(t *testing.T, discord *fakeDiscord) string {
	t.Helper()
	if len(discord.sent) == 0 {
		t.Fatal("no reply sent")
	}
	return discord.sent[len(discord.sent)-1]
}

func TestHandleFallsThroughNonCommands(t *testing.T) {
	t.Parallel()
	cd, _, _, discord, _ := testDispatcher(t)
	channel := &discordgo.Channel{ID: "chan1234", GuildID: "g1", Name: "general"}

	for _, content := range []string{"hello world", "$unknown thing", "", "money = $100"} {
		if cd.Handle(context.Background(), channel, command(content)) {
			t.Errorf("Handle(%q) consumed a non-command", content)
		}
	}
	if len(discord.sent) != 0 {
		t.Errorf("non-commands produced replies: %v", discord.sent)
	}
}

func TestHandleIgnoresBots(t *testing.T) {
	t.Parallel()
	cd, _, _, _, _ := testDispatcher(t)
	channel := &discordgo.Channel{ID: "chan1234", GuildID: "g1", Name: "general"}
	msg := command("$ping")
	msg.Author.Bot = true

	if cd.Handle(context.Background(), channel, msg) {
		t.Error("bot-authored command must not be consumed")
	}
}

func TestPingCommand(t *testing.T) {
	t.Parallel()
	cd, _, _, discord, _ := testDispatcher(t)
	discord.latency = 42 * time.Millisecond
	channel := &discordgo.Channel{ID: "chan1234", GuildID: "g1", Name: "general"}

	if !cd.Handle(context.Background(), channel, command("$ping")) {
		t.Fatal("$ping not consumed")
	}
	want := "chan1234: <@caller>, PONG! My ping is 42ms!"
	if got := lastReply(t, discord); got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

func TestInviteCommand(t *testing.T) {
	t.Parallel()
	cd, _, matrix, discord, store := testDispatcher(t)
	channel := &discordgo.Channel{ID: "chan1234", GuildID: "g1", Name: "general"}
	ctx := context.Background()

	// Malformed: wrong arity.
	if !cd.Handle(ctx, channel, command("$invite")) {
		t.Fatal("$invite not consumed")
	}
	if !strings.Contains(lastReply(t, discord), "Correct usage") {
		t.Errorf("reply = %q, want usage", lastReply(t, discord))
	}

	// Missing permission.
	if !cd.Handle(ctx, channel, command("$invite @alice:remote.net")) {
		t.Fatal("$invite not consumed")
	}
	if !strings.Contains(lastReply(t, discord), "CREATE_INSTANT_INVITE") {
		t.Errorf("reply = %q, want permission message", lastReply(t, discord))
	}
	if len(matrix.invited) != 0 {
		t.Error("permission failure must not mutate state")
	}

	// Not bridged.
	discord.perms["chan1234/caller"] = discordgo.PermissionCreateInstantInvite
	if err := store.PutRoom(ctx, &RoomRecord{Key: "#general;1234", ChannelID: "chan1234"}); err != nil {
		t.Fatal(err)
	}
	cd.Handle(ctx, channel, command("$invite @alice:remote.net"))
	if !strings.Contains(lastReply(t, discord), "isn't bridged") {
		t.Errorf("reply = %q, want not-bridged", lastReply(t, discord))
	}

	// Success.
	if err := store.PutRoom(ctx, &RoomRecord{Key: "#general;1234", ChannelID: "chan1234", MatrixID: "!room:example.org"}); err != nil {
		t.Fatal(err)
	}
	cd.Handle(ctx, channel, command("$invite @alice:remote.net"))
	if len(matrix.invited) != 1 || matrix.invited[0] != "!room:example.org/@alice:remote.net" {
		t.Errorf("invited = %v", matrix.invited)
	}
	if !strings.Contains(lastReply(t, discord), "Successfully invited") {
		t.Errorf("reply = %q", lastReply(t, discord))
	}
}

func TestModCommandRequiresRole(t *testing.T) {
	t.Parallel()
	cd, _, matrix, discord, store := testDispatcher(t)
	discord.guilds = []*discordgo.Guild{{ID: "g1", Roles: []*discordgo.Role{{ID: "r-mod", Name: "Mods"}}}}
	channel := &discordgo.Channel{ID: "chan1234", GuildID: "g1", Name: "general"}
	ctx := context.Background()
	if err := store.PutRoom(ctx, &RoomRecord{Key: "#general;1234", ChannelID: "chan1234", MatrixID: "!room:example.org"}); err != nil {
		t.Fatal(err)
	}

	cd.Handle(ctx, channel, command("$mod @alice:remote.net"))
	if !strings.Contains(lastReply(t, discord), `**"Mods"** role`) {
		t.Errorf("reply = %q, want role requirement", lastReply(t, discord))
	}
	if len(matrix.powerLevels) != 0 {
		t.Error("unauthorized $mod must not set power levels")
	}

	msg := command("$mod @alice:remote.net")
	msg.Member.Roles = []string{"r-mod"}
	cd.Handle(ctx, channel, msg)
	levels := matrix.powerLevels["!room:example.org"]
	if levels == nil {
		t.Fatal("no power levels applied")
	}
	if levels.Users["@alice:remote.net"] != 50 {
		t.Errorf("target level = %d, want 50", levels.Users["@alice:remote.net"])
	}
}

func TestAdminCommandLevel(t *testing.T) {
	t.Parallel()
	cd, _, matrix, discord, store := testDispatcher(t)
	discord.guilds = []*discordgo.Guild{{ID: "g1", Roles: []*discordgo.Role{{ID: "r-admin", Name: "Admins"}}}}
	channel := &discordgo.Channel{ID: "chan1234", GuildID: "g1", Name: "general"}
	ctx := context.Background()
	if err := store.PutRoom(ctx, &RoomRecord{Key: "#general;1234", ChannelID: "chan1234", MatrixID: "!room:example.org"}); err != nil {
		t.Fatal(err)
	}

	msg := command("$admin @alice:remote.net")
	msg.Member.Roles = []string{"r-admin"}
	cd.Handle(ctx, channel, msg)
	levels := matrix.powerLevels["!room:example.org"]
	if levels == nil || levels.Users["@alice:remote.net"] != 75 {
		t.Fatalf("admin elevation failed: %+v", levels)
	}
}

func TestBridgeCommandManualFlag(t *testing.T) {
	t.Parallel()
	cd, _, matrix, discord, store := testDispatcher(t)
	channel := &discordgo.Channel{ID: "chan1234", GuildID: "g1", Name: "general"}
	discord.perms["chan1234/caller"] = discordgo.PermissionManageChannels
	ctx := context.Background()
	if err := store.PutRoom(ctx, &RoomRecord{Key: "#general;1234", ChannelID: "chan1234", GuildID: "g1"}); err != nil {
		t.Fatal(err)
	}
	matrix.aliases["#existing:example.org"] = "!manual:example.org"

	if !cd.Handle(ctx, channel, command("$bridge #existing:example.org")) {
		t.Fatal("$bridge not consumed")
	}

	room, _, err := store.GetRoom(ctx, "#general;1234")
	if err != nil {
		t.Fatal(err)
	}
	if room.MatrixID != "!manual:example.org" {
		t.Errorf("MatrixID = %q", room.MatrixID)
	}
	if !room.Manual {
		t.Error("command bridging must set the manual flag")
	}
	if matrix.powerLevels["!manual:example.org"] != nil {
		t.Error("manual bridge must not project power levels")
	}
}

func TestUnbridgeCommand(t *testing.T) {
	t.Parallel()
	cd, _, _, discord, store := testDispatcher(t)
	channel := &discordgo.Channel{ID: "chan1234", GuildID: "g1", Name: "general"}
	discord.perms["chan1234/caller"] = discordgo.PermissionManageChannels
	ctx := context.Background()
	if err := store.PutRoom(ctx, &RoomRecord{Key: "#general;1234", ChannelID: "chan1234", MatrixID: "!room:example.org"}); err != nil {
		t.Fatal(err)
	}

	if !cd.Handle(ctx, channel, command("$unbridge")) {
		t.Fatal("$unbridge not consumed")
	}
	room, _, _ := store.GetRoom(ctx, "#general;1234")
	if room.Bridged() {
		t.Error("room still bridged after $unbridge")
	}
	if !strings.Contains(lastReply(t, discord), "Room unbridged") {
		t.Errorf("reply = %q", lastReply(t, discord))
	}
}
