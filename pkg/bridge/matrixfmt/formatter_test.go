// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixfmt

import (
	"testing"

	"maunium.net/go/mautrix/event"
)

func htmlContent(body, formatted string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

func TestParsePlainPassthrough(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: "hello world"}
	if got := Parse(content); got != "hello world" {
		t.Errorf("Parse() = %q, want %q", got, "hello world")
	}
}

func TestParseInlineFormatting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		formatted string
		want      string
	}{
		{"bold", "<strong>hi</strong>", "**hi**"},
		{"italic", "<em>hi</em>", "*hi*"},
		{"strike", "<del>hi</del>", "~~hi~~"},
		{"underline", "<u>hi</u>", "__hi__"},
		{"inline code", "<code>x := 1</code>", "`x := 1`"},
		{"nested", "<strong><em>hi</em></strong>", "***hi***"},
		{"line break", "one<br/>two", "one\ntwo"},
		{"entities", "a &amp; b", "a & b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(htmlContent("fallback", tt.formatted)); got != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.formatted, got, tt.want)
			}
		})
	}
}

func TestParseCodeBlock(t *testing.T) {
	t.Parallel()
	got := Parse(htmlContent("x", `<pre><code class="language-go">func main() {}</code></pre>`))
	want := "```go\nfunc main() {}\n```"
	if got != want {
		t.Errorf("Parse() = %q, want %q", got, want)
	}
}

func TestParseUserMention(t *testing.T) {
	t.Parallel()
	got := Parse(htmlContent("x", `hey <a href="https://matrix.to/#/@alice:example.org">Alice</a>!`))
	if got != "hey @Alice!" {
		t.Errorf("Parse() = %q, want %q", got, "hey @Alice!")
	}
}

func TestParseRegularLink(t *testing.T) {
	t.Parallel()
	got := Parse(htmlContent("x", `see <a href="https://example.com/doc">the docs</a>`))
	if got != "see [the docs](https://example.com/doc)" {
		t.Errorf("Parse() = %q", got)
	}
}

func TestParseBlockquote(t *testing.T) {
	t.Parallel()
	got := Parse(htmlContent("x", "<blockquote>one\ntwo</blockquote>"))
	if got != "> one\n> two" {
		t.Errorf("Parse() = %q", got)
	}
}

func TestSubstituteEmotes(t *testing.T) {
	t.Parallel()
	emotes := []Emote{{ID: "1234", Name: "pog"}, {ID: "5678", Name: "kek"}}
	got := SubstituteEmotes("hi :pog: and :kek:", emotes)
	want := "hi <:pog:1234> and <:kek:5678>"
	if got != want {
		t.Errorf("SubstituteEmotes() = %q, want %q", got, want)
	}
	if got := SubstituteEmotes("no emotes here", emotes); got != "no emotes here" {
		t.Errorf("SubstituteEmotes() = %q, want unchanged", got)
	}
}
