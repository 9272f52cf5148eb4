// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixClient implements MatrixAPI on top of a mautrix appservice
// connection: bot operations run as the service account's intent, ghost
// operations as per-user intents.
type MatrixClient struct {
	as  *appservice.AppService
	ep  *appservice.EventProcessor
	log zerolog.Logger

	sink EventSink
}

var _ MatrixAPI = (*MatrixClient)(nil)

// NewMatrixClient builds the appservice connection from config. The sink is
// attached later with AttachSink since the router needs the client first.
func NewMatrixClient(cfg *Config, log zerolog.Logger) (*MatrixClient, error) {
	as := appservice.Create()
	as.Log = log.With().Str("component", "appservice").Logger()
	as.HomeserverDomain = cfg.Homeserver.Domain
	as.Host = appservice.HostConfig{
		Hostname: cfg.Appservice.Hostname,
		Port:     cfg.Appservice.Port,
	}
	as.Registration = &appservice.Registration{
		ID:              SoftwareName,
		AppToken:        cfg.Appservice.ASToken,
		ServerToken:     cfg.Appservice.HSToken,
		SenderLocalpart: cfg.Appservice.BotLocalpart,
	}
	userRegex := regexp.MustCompile(fmt.Sprintf("^@%s.*:%s$",
		regexp.QuoteMeta(UserPrefix), regexp.QuoteMeta(cfg.Homeserver.Domain)))
	aliasRegex := regexp.MustCompile(fmt.Sprintf("^#%s.*:%s$",
		regexp.QuoteMeta(RoomPrefix), regexp.QuoteMeta(cfg.Homeserver.Domain)))
	as.Registration.Namespaces.UserIDs.Register(userRegex, true)
	as.Registration.Namespaces.RoomAliases.Register(aliasRegex, true)
	if err := as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}

	mc := &MatrixClient{
		as:  as,
		log: log.With().Str("component", "matrix").Logger(),
	}
	mc.ep = appservice.NewEventProcessor(as)
	return mc, nil
}

// AttachSink registers the event sink and the alias query handler, then
// hooks the event types the bridge cares about.
func (mc *MatrixClient) AttachSink(sink EventSink, registry *Registry) {
	mc.sink = sink
	mc.as.QueryHandler = &aliasQueryHandler{client: mc, registry: registry, log: mc.log}
	mc.ep.On(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		mc.sink.OnMatrixMessage(ctx, evt)
	})
	mc.ep.On(event.StateMember, func(ctx context.Context, evt *event.Event) {
		mc.sink.OnMatrixMembership(ctx, evt)
	})
}

// Start runs the appservice HTTP listener and event processor until the
// context is cancelled.
func (mc *MatrixClient) Start(ctx context.Context) {
	go mc.ep.Start(ctx)
	go mc.as.Start()
	<-ctx.Done()
	mc.as.Stop()
	mc.ep.Stop()
}

func (mc *MatrixClient) bot() *appservice.IntentAPI {
	return mc.as.BotIntent()
}

func (mc *MatrixClient) ghost(ghost id.UserID) *appservice.IntentAPI {
	return mc.as.Intent(ghost)
}

func (mc *MatrixClient) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := mc.bot().CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (mc *MatrixClient) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	resp, err := mc.bot().JoinRoom(ctx, roomIDOrAlias, nil)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (mc *MatrixClient) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := mc.bot().ResolveAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (mc *MatrixClient) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := mc.bot().InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (mc *MatrixClient) KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := mc.bot().KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
	return err
}

func (mc *MatrixClient) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := mc.bot().LeaveRoom(ctx, roomID)
	return err
}

func (mc *MatrixClient) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := mc.bot().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for member := range resp.Joined {
		members = append(members, member)
	}
	return members, nil
}

func (mc *MatrixClient) SetPowerLevels(ctx context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error {
	_, err := mc.bot().SendStateEvent(ctx, roomID, event.StatePowerLevels, "", levels)
	return err
}

func (mc *MatrixClient) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := mc.bot().SendStateEvent(ctx, roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	return err
}

func (mc *MatrixClient) SetRoomTopic(ctx context.Context, roomID id.RoomID, topic string) error {
	_, err := mc.bot().SendStateEvent(ctx, roomID, event.StateTopic, "", &event.TopicEventContent{Topic: topic})
	return err
}

func (mc *MatrixClient) CreateRoomAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	_, err := mc.bot().CreateAlias(ctx, alias, roomID)
	return err
}

func (mc *MatrixClient) SetCanonicalAlias(ctx context.Context, roomID id.RoomID, alias id.RoomAlias) error {
	_, err := mc.bot().SendStateEvent(ctx, roomID, event.StateCanonicalAlias, "", &event.CanonicalAliasEventContent{Alias: alias})
	return err
}

func (mc *MatrixClient) SendNotice(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := mc.bot().SendNotice(ctx, roomID, text)
	return err
}

func (mc *MatrixClient) EnsureRegistered(ctx context.Context, ghost id.UserID) error {
	return mc.ghost(ghost).EnsureRegistered(ctx)
}

func (mc *MatrixClient) GhostJoin(ctx context.Context, ghost id.UserID, roomID id.RoomID) error {
	return mc.ghost(ghost).EnsureJoined(ctx, roomID)
}

func (mc *MatrixClient) GhostLeave(ctx context.Context, ghost id.UserID, roomID id.RoomID) error {
	_, err := mc.ghost(ghost).LeaveRoom(ctx, roomID)
	return err
}

func (mc *MatrixClient) SendMessageAs(ctx context.Context, ghost id.UserID, roomID id.RoomID, content *event.MessageEventContent) error {
	_, err := mc.ghost(ghost).SendMessageEvent(ctx, roomID, event.EventMessage, content)
	return err
}

func (mc *MatrixClient) SetDisplayName(ctx context.Context, ghost id.UserID, name string) error {
	return mc.ghost(ghost).SetDisplayName(ctx, name)
}

func (mc *MatrixClient) SetAvatarURL(ctx context.Context, ghost id.UserID, url id.ContentURI) error {
	return mc.ghost(ghost).SetAvatarURL(ctx, url)
}

func (mc *MatrixClient) SetTyping(ctx context.Context, ghost id.UserID, roomID id.RoomID, typing bool, timeout time.Duration) error {
	_, err := mc.ghost(ghost).UserTyping(ctx, roomID, typing, timeout)
	return err
}

func (mc *MatrixClient) SetPresence(ctx context.Context, ghost id.UserID, presence event.Presence, statusMsg string) error {
	return mc.ghost(ghost).SetPresence(ctx, mautrix.ReqPresence{Presence: presence, StatusMsg: statusMsg})
}

func (mc *MatrixClient) UploadMedia(ctx context.Context, data []byte, filename, mimeType string) (id.ContentURI, error) {
	resp, err := mc.bot().UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     filename,
	})
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

func (mc *MatrixClient) DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	return mc.bot().DownloadBytes(ctx, uri)
}

func (mc *MatrixClient) Profile(ctx context.Context, userID id.UserID) (string, id.ContentURI, error) {
	resp, err := mc.bot().GetProfile(ctx, userID)
	if err != nil {
		return "", id.ContentURI{}, err
	}
	return resp.DisplayName, resp.AvatarURL, nil
}

// aliasQueryHandler answers homeserver queries for rooms and users in the
// bridge's namespaces. An alias query for a known channel creates the room;
// ghost user queries always succeed since ghosts are registered on demand.
type aliasQueryHandler struct {
	client   *MatrixClient
	registry *Registry
	log      zerolog.Logger
}

var _ appservice.QueryHandler = (*aliasQueryHandler)(nil)

func (qh *aliasQueryHandler) QueryAlias(alias string) bool {
	ctx := context.Background()
	req, err := qh.registry.RequestCorrelation(ctx, id.RoomAlias(alias))
	if err != nil {
		qh.log.Err(err).Str("alias", alias).Msg("Failed to process alias query")
		return false
	}
	if req == nil {
		return false
	}
	roomID, err := qh.client.CreateRoom(ctx, req)
	if err != nil {
		qh.log.Err(err).Str("alias", alias).Msg("Failed to create room for alias query")
		return false
	}
	key, _ := LocalKeyFromAlias(id.RoomAlias(alias))
	if err = qh.registry.OnCorrelationEstablished(ctx, key, roomID, false); err != nil {
		qh.log.Err(err).Str("alias", alias).Msg("Failed to finish bridging after alias query")
	}
	return true
}

func (qh *aliasQueryHandler) QueryUser(userID id.UserID) bool {
	return IsGhostMXID(userID)
}
