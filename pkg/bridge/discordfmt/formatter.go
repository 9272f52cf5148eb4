// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discordfmt converts Discord messages to Matrix event content.
//
// Plain messages stay plain. A message containing mentions, custom emotes,
// or markdown emphasis markers is rendered to HTML, with mention
// placeholders rewritten into matrix.to links at the mentioned user's ghost
// and emote tokens rewritten into inline images from the emote cache.
package discordfmt

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

// Mention is a user mentioned in a Discord message.
type Mention struct {
	ID   string
	Name string
}

// Emote is a custom Discord emote referenced in a message.
type Emote struct {
	ID   string
	Name string
}

// Message is the platform-independent view of a Discord message the
// formatter works on.
type Message struct {
	Content  string
	Mentions []Mention
	Emotes   []Emote
}

// Params carries the environment needed to resolve mention links and emote
// images.
type Params struct {
	// Domain is the homeserver domain used in ghost MXIDs.
	Domain string
	// EmoteURL resolves a Discord emote ID to an uploaded mxc:// URI.
	// Returning "" leaves the token as text.
	EmoteURL func(emoteID string) string
}

// ParsedMessage is the converted Matrix message content.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

var markerRe = regexp.MustCompile(`[*_~]`)

// Parse converts a Discord message. Messages without mentions, emotes, or
// emphasis markers take the cheap plain-text path.
func Parse(msg *Message, params *Params) *ParsedMessage {
	text := msg.Content

	// Rewrite raw mention and emote tokens into readable placeholders
	// before deciding which path to take.
	for _, mention := range msg.Mentions {
		text = strings.ReplaceAll(text, "<@!"+mention.ID+">", "@"+mention.Name)
		text = strings.ReplaceAll(text, "<@"+mention.ID+">", "@"+mention.Name)
	}
	for _, emote := range msg.Emotes {
		text = strings.ReplaceAll(text, "<:"+emote.Name+":"+emote.ID+">", ":"+emote.Name+":")
	}

	if len(msg.Mentions) == 0 && len(msg.Emotes) == 0 && !markerRe.MatchString(text) {
		return &ParsedMessage{Body: text}
	}

	rendered := format.RenderMarkdown(text, true, false)
	formatted := rendered.FormattedBody
	if formatted == "" {
		formatted = html.EscapeString(rendered.Body)
	}

	for _, mention := range msg.Mentions {
		ghost := "@!discord_" + mention.ID + ":" + params.Domain
		link := fmt.Sprintf(`<a href="https://matrix.to/#/%s">%s</a>`, ghost, html.EscapeString(mention.Name))
		formatted = strings.ReplaceAll(formatted, "@"+html.EscapeString(mention.Name), link)
	}

	for _, emote := range msg.Emotes {
		mxc := ""
		if params.EmoteURL != nil {
			mxc = params.EmoteURL(emote.ID)
		}
		if mxc == "" {
			continue
		}
		img := fmt.Sprintf(`<img src="%s" alt=":%s:"/>`, mxc, html.EscapeString(emote.Name))
		formatted = strings.ReplaceAll(formatted, ":"+emote.Name+":", img)
	}

	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}
