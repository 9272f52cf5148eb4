// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// memStore is a map-backed Store for tests that don't need SQL semantics.
type memStore struct {
	mu    sync.Mutex
	rooms map[string]*RoomRecord
	users map[string]*UserRecord
	extra map[string]string
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		rooms: make(map[string]*RoomRecord),
		users: make(map[string]*UserRecord),
		extra: make(map[string]string),
	}
}

func copyRoom(r *RoomRecord) *RoomRecord {
	out := *r
	out.Data = make(map[string]string, len(r.Data))
	for k, v := range r.Data {
		out.Data[k] = v
	}
	return &out
}

func (m *memStore) GetRoom(_ context.Context, key string) (*RoomRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[key]
	if !ok {
		return nil, false, nil
	}
	return copyRoom(room), true, nil
}

func (m *memStore) GetRoomByMatrixID(_ context.Context, matrixID id.RoomID) (*RoomRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if matrixID == "" {
		return nil, false, nil
	}
	for _, room := range m.rooms {
		if room.MatrixID == matrixID {
			return copyRoom(room), true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) GetRoomByChannelID(_ context.Context, channelID string) (*RoomRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, room := range m.rooms {
		if room.ChannelID == channelID {
			return copyRoom(room), true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) PutRoom(_ context.Context, room *RoomRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.Key] = copyRoom(room)
	return nil
}

func (m *memStore) DeleteRoom(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, key)
	return nil
}

func (m *memStore) RoomExists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[key]
	return ok, nil
}

func (m *memStore) GetUser(_ context.Context, discordID string) (*UserRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[discordID]
	if !ok {
		return nil, false, nil
	}
	out := *user
	return &out, true, nil
}

func (m *memStore) PutUser(_ context.Context, user *UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *user
	m.users[user.DiscordID] = &out
	return nil
}

func (m *memStore) UserExists(_ context.Context, discordID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[discordID]
	return ok, nil
}

func (m *memStore) AllUsers(_ context.Context) ([]*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*UserRecord, 0, len(m.users))
	for _, user := range m.users {
		u := *user
		out = append(out, &u)
	}
	return out, nil
}

func (m *memStore) GetExtra(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.extra[key]
	return value, ok, nil
}

func (m *memStore) PutExtra(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extra[key] = value
	return nil
}

func (m *memStore) DeleteExtra(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.extra, key)
	return nil
}

// fakeMatrix records Matrix API calls. Zero value is usable; hooks override
// individual operations.
type fakeMatrix struct {
	mu sync.Mutex

	createRoomHook func(req *mautrix.ReqCreateRoom) (id.RoomID, error)
	profileHook    func(userID id.UserID) (string, id.ContentURI, error)

	createdRooms  []*mautrix.ReqCreateRoom
	joined        map[id.UserID][]id.RoomID
	left          map[id.UserID][]id.RoomID
	invited       []string
	kicked        []string
	notices       []string
	messages      []sentMessage
	powerLevels   map[id.RoomID]*event.PowerLevelsEventContent
	roomNames     map[id.RoomID]string
	roomTopics    map[id.RoomID]string
	aliases       map[id.RoomAlias]id.RoomID
	displayNames  map[id.UserID]string
	avatars       map[id.UserID]id.ContentURI
	presences     map[id.UserID]event.Presence
	statusMsgs    map[id.UserID]string
	typing        map[id.UserID]bool
	registered    map[id.UserID]bool
	uploaded      [][]byte
	members       map[id.RoomID][]id.UserID
	downloadMedia map[id.ContentURI][]byte

	nextRoomID int
}

type sentMessage struct {
	ghost   id.UserID
	roomID  id.RoomID
	content *event.MessageEventContent
}

var _ MatrixAPI = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		joined:        make(map[id.UserID][]id.RoomID),
		left:          make(map[id.UserID][]id.RoomID),
		powerLevels:   make(map[id.RoomID]*event.PowerLevelsEventContent),
		roomNames:     make(map[id.RoomID]string),
		roomTopics:    make(map[id.RoomID]string),
		aliases:       make(map[id.RoomAlias]id.RoomID),
		displayNames:  make(map[id.UserID]string),
		avatars:       make(map[id.UserID]id.ContentURI),
		presences:     make(map[id.UserID]event.Presence),
		statusMsgs:    make(map[id.UserID]string),
		typing:        make(map[id.UserID]bool),
		registered:    make(map[id.UserID]bool),
		members:       make(map[id.RoomID][]id.UserID),
		downloadMedia: make(map[id.ContentURI][]byte),
	}
}

func (f *fakeMatrix) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRoomHook != nil {
		return f.createRoomHook(req)
	}
	f.createdRooms = append(f.createdRooms, req)
	f.nextRoomID++
	return id.RoomID(fmt.Sprintf("!room%d:example.org", f.nextRoomID)), nil
}

func (f *fakeMatrix) JoinRoom(_ context.Context, roomIDOrAlias string) (id.RoomID, error) {
	return id.RoomID(roomIDOrAlias), nil
}

func (f *fakeMatrix) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roomID, ok := f.aliases[alias]
	if !ok {
		return "", fmt.Errorf("alias %s not found", alias)
	}
	return roomID, nil
}

func (f *fakeMatrix) InviteUser(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invited = append(f.invited, string(roomID)+"/"+string(userID))
	return nil
}

func (f *fakeMatrix) KickUser(_ context.Context, roomID id.RoomID, userID id.UserID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, string(roomID)+"/"+string(userID))
	return nil
}

func (f *fakeMatrix) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left["@bot"] = append(f.left["@bot"], roomID)
	return nil
}

func (f *fakeMatrix) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.UserID(nil), f.members[roomID]...), nil
}

func (f *fakeMatrix) SetPowerLevels(_ context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerLevels[roomID] = levels
	return nil
}

func (f *fakeMatrix) SetRoomName(_ context.Context, roomID id.RoomID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomNames[roomID] = name
	return nil
}

func (f *fakeMatrix) SetRoomTopic(_ context.Context, roomID id.RoomID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomTopics[roomID] = topic
	return nil
}

func (f *fakeMatrix) CreateRoomAlias(_ context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[alias] = roomID
	return nil
}

func (f *fakeMatrix) SetCanonicalAlias(_ context.Context, _ id.RoomID, _ id.RoomAlias) error {
	return nil
}

func (f *fakeMatrix) SendNotice(_ context.Context, roomID id.RoomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, string(roomID)+": "+text)
	return nil
}

func (f *fakeMatrix) EnsureRegistered(_ context.Context, ghost id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[ghost] = true
	return nil
}

func (f *fakeMatrix) GhostJoin(_ context.Context, ghost id.UserID, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[ghost] = append(f.joined[ghost], roomID)
	return nil
}

func (f *fakeMatrix) GhostLeave(_ context.Context, ghost id.UserID, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left[ghost] = append(f.left[ghost], roomID)
	return nil
}

func (f *fakeMatrix) SendMessageAs(_ context.Context, ghost id.UserID, roomID id.RoomID, content *event.MessageEventContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{ghost: ghost, roomID: roomID, content: content})
	return nil
}

func (f *fakeMatrix) SetDisplayName(_ context.Context, ghost id.UserID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displayNames[ghost] = name
	return nil
}

func (f *fakeMatrix) SetAvatarURL(_ context.Context, ghost id.UserID, url id.ContentURI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avatars[ghost] = url
	return nil
}

func (f *fakeMatrix) SetTyping(_ context.Context, ghost id.UserID, _ id.RoomID, typing bool, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing[ghost] = typing
	return nil
}

func (f *fakeMatrix) SetPresence(_ context.Context, ghost id.UserID, presence event.Presence, statusMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences[ghost] = presence
	f.statusMsgs[ghost] = statusMsg
	return nil
}

func (f *fakeMatrix) UploadMedia(_ context.Context, data []byte, _, _ string) (id.ContentURI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, data)
	return id.ContentURI{Homeserver: "example.org", FileID: fmt.Sprintf("file%d", len(f.uploaded))}, nil
}

func (f *fakeMatrix) DownloadMedia(_ context.Context, uri id.ContentURI) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.downloadMedia[uri]
	if !ok {
		return nil, fmt.Errorf("no media at %s", uri)
	}
	return data, nil
}

func (f *fakeMatrix) Profile(_ context.Context, userID id.UserID) (string, id.ContentURI, error) {
	if f.profileHook != nil {
		return f.profileHook(userID)
	}
	return string(userID), id.ContentURI{}, nil
}

// fakeDiscord is a canned-data DiscordAPI.
type fakeDiscord struct {
	mu sync.Mutex

	botID    string
	guilds   []*discordgo.Guild
	channels map[string]*discordgo.Channel
	members  map[string][]*discordgo.Member
	emojis   map[string][]*discordgo.Emoji
	presence map[string]*discordgo.Presence
	perms    map[string]int64
	files    map[string][]byte
	latency  time.Duration

	createWebhookHook func(channelID, name string) (*discordgo.Webhook, error)

	webhooksCreated int
	webhooksEdited  []string
	webhooksDeleted []string
	executed        []*discordgo.WebhookParams
	sent            []string
}

var _ DiscordAPI = (*fakeDiscord)(nil)

func newFakeDiscord() *fakeDiscord {
	return &fakeDiscord{
		botID:    "botid",
		channels: make(map[string]*discordgo.Channel),
		members:  make(map[string][]*discordgo.Member),
		emojis:   make(map[string][]*discordgo.Emoji),
		presence: make(map[string]*discordgo.Presence),
		perms:    make(map[string]int64),
		files:    make(map[string][]byte),
	}
}

func (f *fakeDiscord) BotUserID() string { return f.botID }

func (f *fakeDiscord) Guilds() []*discordgo.Guild { return f.guilds }

func (f *fakeDiscord) Guild(guildID string) (*discordgo.Guild, error) {
	for _, guild := range f.guilds {
		if guild.ID == guildID {
			return guild, nil
		}
	}
	return nil, fmt.Errorf("guild %s not found", guildID)
}

func (f *fakeDiscord) Channel(channelID string) (*discordgo.Channel, error) {
	channel, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	return channel, nil
}

func (f *fakeDiscord) ChannelMembers(channelID string) ([]*discordgo.Member, error) {
	return f.members[channelID], nil
}

func (f *fakeDiscord) MemberRoleNames(guildID string, member *discordgo.Member) []string {
	guild, err := f.Guild(guildID)
	if err != nil {
		return nil
	}
	var names []string
	for _, roleID := range member.Roles {
		for _, role := range guild.Roles {
			if role.ID == roleID {
				names = append(names, role.Name)
			}
		}
	}
	return names
}

func (f *fakeDiscord) MemberHasPermission(channelID, userID string, permission int64) (bool, error) {
	return f.perms[channelID+"/"+userID]&permission != 0, nil
}

func (f *fakeDiscord) Presence(guildID, userID string) (*discordgo.Presence, error) {
	p, ok := f.presence[guildID+"/"+userID]
	if !ok {
		return nil, fmt.Errorf("no presence for %s in %s", userID, guildID)
	}
	return p, nil
}

func (f *fakeDiscord) GuildEmojis(guildID string) ([]*discordgo.Emoji, error) {
	return f.emojis[guildID], nil
}

func (f *fakeDiscord) SendMessage(channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, channelID+": "+content)
	return nil
}

func (f *fakeDiscord) CreateWebhook(channelID, name, _ string) (*discordgo.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createWebhookHook != nil {
		return f.createWebhookHook(channelID, name)
	}
	f.webhooksCreated++
	return &discordgo.Webhook{
		ID:        fmt.Sprintf("wh%d", f.webhooksCreated),
		Token:     fmt.Sprintf("token%d", f.webhooksCreated),
		ChannelID: channelID,
		Name:      name,
	}, nil
}

func (f *fakeDiscord) EditWebhook(webhookID, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooksEdited = append(f.webhooksEdited, webhookID+"/"+name)
	return nil
}

func (f *fakeDiscord) DeleteWebhook(webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooksDeleted = append(f.webhooksDeleted, webhookID)
	return nil
}

func (f *fakeDiscord) ExecuteWebhook(_, _ string, params *discordgo.WebhookParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, params)
	return nil
}

func (f *fakeDiscord) DownloadFile(url string) ([]byte, error) {
	data, ok := f.files[url]
	if !ok {
		return nil, fmt.Errorf("no file at %s", url)
	}
	return data, nil
}

func (f *fakeDiscord) Latency() time.Duration { return f.latency }
