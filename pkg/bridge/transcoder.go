// Copyright 2024-2026 Aiku AI

package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-discord-bridge/pkg/bridge/discordfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/bridge/matrixfmt"
)

// MaxDiscordAttachment is the largest payload re-uploaded to Discord as a
// native attachment. Anything at or above this size goes out as a download
// link instead.
const MaxDiscordAttachment = 8 * 1024 * 1024

var emoteTokenRe = regexp.MustCompile(`<:(\w+):(\d+)>`)

// ContentTranscoder converts message content between the two platforms'
// models: markup, mentions, custom emotes, and attachments.
type ContentTranscoder struct {
	matrix  MatrixAPI
	discord DiscordAPI
	store   Store
	log     zerolog.Logger

	domain         string
	publicMediaURL string
}

func NewContentTranscoder(matrix MatrixAPI, discord DiscordAPI, store Store, cfg *Config, log zerolog.Logger) *ContentTranscoder {
	return &ContentTranscoder{
		matrix:         matrix,
		discord:        discord,
		store:          store,
		log:            log.With().Str("component", "transcoder").Logger(),
		domain:         cfg.Homeserver.Domain,
		publicMediaURL: strings.TrimSuffix(cfg.Homeserver.PublicMediaURL, "/"),
	}
}

// ToMatrixText converts a Discord message's text body to Matrix message
// content.
func (ct *ContentTranscoder) ToMatrixText(ctx context.Context, msg *discordgo.Message) *event.MessageEventContent {
	parsed := discordfmt.Parse(ct.discordMessage(msg), &discordfmt.Params{
		Domain: ct.domain,
		EmoteURL: func(emoteID string) string {
			mxc, ok, err := ct.store.GetExtra(ctx, emoteKey(emoteID))
			if err != nil || !ok {
				return ""
			}
			return mxc
		},
	})
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          parsed.Body,
		Format:        parsed.Format,
		FormattedBody: parsed.FormattedBody,
	}
}

func (ct *ContentTranscoder) discordMessage(msg *discordgo.Message) *discordfmt.Message {
	out := &discordfmt.Message{Content: msg.Content}
	for _, user := range msg.Mentions {
		out.Mentions = append(out.Mentions, discordfmt.Mention{ID: user.ID, Name: user.Username})
	}
	for _, match := range emoteTokenRe.FindAllStringSubmatch(msg.Content, -1) {
		out.Emotes = append(out.Emotes, discordfmt.Emote{Name: match[1], ID: match[2]})
	}
	return out
}

// ToMatrixAttachment downloads a Discord attachment, re-uploads it to the
// Matrix media repository, and builds the matching content descriptor. The
// MIME type is sniffed from the payload, falling back to the filename
// extension.
func (ct *ContentTranscoder) ToMatrixAttachment(ctx context.Context, att *discordgo.MessageAttachment) (*event.MessageEventContent, error) {
	data, err := ct.discord.DownloadFile(att.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}

	mimeType := sniffMIME(data, att.Filename)
	uri, err := ct.matrix.UploadMedia(ctx, data, att.Filename, mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload attachment to media repo: %w", err)
	}

	content := &event.MessageEventContent{
		Body: att.Filename,
		URL:  uri.CUString(),
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     len(data),
		},
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		content.MsgType = event.MsgImage
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			content.Info.Width = cfg.Width
			content.Info.Height = cfg.Height
		}
	case strings.HasPrefix(mimeType, "audio/"):
		content.MsgType = event.MsgAudio
		if d, ok := wavDuration(data); ok {
			content.Info.Duration = int(d.Milliseconds())
		}
	case strings.HasPrefix(mimeType, "video/"):
		content.MsgType = event.MsgVideo
		content.Info.Width = att.Width
		content.Info.Height = att.Height
	default:
		content.MsgType = event.MsgFile
		content.FileName = att.Filename
	}
	return content, nil
}

// OutgoingDiscordMessage is the transcoded form of a Matrix event, ready to
// hand to a webhook.
type OutgoingDiscordMessage struct {
	Content string
	Files   []*discordgo.File
}

// ToDiscord converts Matrix message content to an outgoing Discord message.
// Binary payloads at or above MaxDiscordAttachment become download links
// instead of re-uploads, except images which Discord size-limits itself.
func (ct *ContentTranscoder) ToDiscord(ctx context.Context, room *RoomRecord, content *event.MessageEventContent) (*OutgoingDiscordMessage, error) {
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		return &OutgoingDiscordMessage{Content: ct.discordText(room, content)}, nil
	case event.MsgEmote:
		return &OutgoingDiscordMessage{Content: "* *" + ct.discordText(room, content) + "*"}, nil
	case event.MsgImage:
		return ct.discordFile(ctx, content)
	case event.MsgVideo:
		if contentSize(content) >= MaxDiscordAttachment {
			return &OutgoingDiscordMessage{Content: "**Large Video:** " + ct.downloadLink(content)}, nil
		}
		return ct.discordFile(ctx, content)
	case event.MsgAudio:
		if contentSize(content) >= MaxDiscordAttachment {
			return &OutgoingDiscordMessage{Content: "**Large Audio File:** " + ct.downloadLink(content)}, nil
		}
		return ct.discordFile(ctx, content)
	case event.MsgFile:
		if contentSize(content) >= MaxDiscordAttachment {
			return &OutgoingDiscordMessage{Content: "**Large File**: " + ct.downloadLink(content)}, nil
		}
		return ct.discordFile(ctx, content)
	default:
		return &OutgoingDiscordMessage{Content: "**" + string(content.MsgType) + "**: " + content.Body}, nil
	}
}

func (ct *ContentTranscoder) discordText(room *RoomRecord, content *event.MessageEventContent) string {
	text := matrixfmt.Parse(content)
	emojis, err := ct.discord.GuildEmojis(room.GuildID)
	if err != nil {
		ct.log.Warn().Err(err).Str("guild_id", room.GuildID).Msg("Failed to fetch guild emotes for substitution")
		return text
	}
	emotes := make([]matrixfmt.Emote, len(emojis))
	for i, emoji := range emojis {
		emotes[i] = matrixfmt.Emote{ID: emoji.ID, Name: emoji.Name}
	}
	return matrixfmt.SubstituteEmotes(text, emotes)
}

func (ct *ContentTranscoder) discordFile(ctx context.Context, content *event.MessageEventContent) (*OutgoingDiscordMessage, error) {
	uri, err := content.URL.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid media URI %q: %w", content.URL, err)
	}
	data, err := ct.matrix.DownloadMedia(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to download media %s: %w", uri, err)
	}
	mimeType := ""
	if content.Info != nil {
		mimeType = content.Info.MimeType
	}
	if mimeType == "" {
		mimeType = sniffMIME(data, content.Body)
	}
	return &OutgoingDiscordMessage{Files: []*discordgo.File{{
		Name:        content.Body,
		ContentType: mimeType,
		Reader:      bytes.NewReader(data),
	}}}, nil
}

func (ct *ContentTranscoder) downloadLink(content *event.MessageEventContent) string {
	return ct.publicMediaURL + "/_matrix/media/v1/download/" + strings.TrimPrefix(string(content.URL), "mxc://")
}

func contentSize(content *event.MessageEventContent) int {
	if content.Info == nil {
		return 0
	}
	return content.Info.Size
}

func sniffMIME(data []byte, filename string) string {
	sniffed := http.DetectContentType(data)
	if sniffed != "application/octet-stream" {
		return sniffed
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return sniffed
}

// wavDuration derives the play time of a RIFF/WAVE payload from its fmt
// and data chunks. Non-WAV audio reports false and the duration field is
// left unset.
func wavDuration(data []byte) (time.Duration, bool) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, false
	}
	var byteRate uint32
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		body := offset + 8
		switch chunkID {
		case "fmt ":
			if body+16 > len(data) {
				return 0, false
			}
			byteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
		case "data":
			if byteRate == 0 {
				return 0, false
			}
			return time.Duration(size) * time.Second / time.Duration(byteRate), true
		}
		// Chunks are word-aligned.
		offset = body + int(size)
		if size%2 == 1 {
			offset++
		}
	}
	return 0, false
}

func emoteKey(emoteID string) string {
	return "emote-" + emoteID
}
