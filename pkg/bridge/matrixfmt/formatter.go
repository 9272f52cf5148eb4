// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to Discord markdown.
package matrixfmt

import (
	"html"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	strongRe     = regexp.MustCompile(`<strong>(.*?)</strong>`)
	emRe         = regexp.MustCompile(`<em>(.*?)</em>`)
	delRe        = regexp.MustCompile(`<del>(.*?)</del>`)
	uRe          = regexp.MustCompile(`<u>(.*?)</u>`)
	codeRe       = regexp.MustCompile(`<code>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre><code(?: class="language-([^"]*)")?>(.*?)</code></pre>`)
	mentionRe    = regexp.MustCompile(`<a href="https://matrix\.to/#/([^"]+)"[^>]*>(.*?)</a>`)
	linkRe       = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	liRe         = regexp.MustCompile(`<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// Emote is a custom Discord emote available in the destination guild.
type Emote struct {
	ID   string
	Name string
}

// Parse converts Matrix message content to Discord markdown. Content
// without an HTML variant passes through as-is.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}

	text := content.FormattedBody

	// Code blocks first so nothing inside them gets rewritten.
	text = preRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := preRe.FindStringSubmatch(match)
		return "```" + parts[1] + "\n" + parts[2] + "\n```"
	})
	text = codeRe.ReplaceAllString(text, "`$1`")

	text = strongRe.ReplaceAllString(text, "**$1**")
	text = emRe.ReplaceAllString(text, "*$1*")
	text = delRe.ReplaceAllString(text, "~~$1~~")
	text = uRe.ReplaceAllString(text, "__${1}__")

	// Matrix user mentions render as plain @name on Discord; other links
	// become masked links, which Discord accepts from webhooks.
	text = mentionRe.ReplaceAllString(text, "@$2")
	text = linkRe.ReplaceAllString(text, "[$2]($1)")

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		lines := strings.Split(strings.TrimSpace(parts[1]), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n")
	})

	text = liRe.ReplaceAllString(text, "- $1\n")
	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	return strings.TrimSpace(text)
}

// SubstituteEmotes rewrites :name: tokens into Discord's <:name:id> form for
// every emote available in the destination guild.
func SubstituteEmotes(text string, emotes []Emote) string {
	for _, emote := range emotes {
		text = strings.ReplaceAll(text, ":"+emote.Name+":", "<:"+emote.Name+":"+emote.ID+">")
	}
	return text
}
