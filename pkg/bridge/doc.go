// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements a Matrix-Discord puppeting bridge as a Matrix
// appservice with a Discord bot session on the other side.
//
// Each Discord text channel maps to a Matrix room through a stable local key
// derived from the channel name and ID. Discord users appear in Matrix as
// appservice ghosts; Matrix users appear in Discord through per-room webhooks
// named after their display name and homeserver. Rooms can be bridged
// automatically by joining the channel's room alias, or manually with the
// $bridge chat command.
//
// # Core Types
//
// [Registry] owns channel-room correlations: room creation for alias
// queries, power level computation from Discord roles, teardown, and
// channel lifecycle (create, rename, delete).
//
// [PuppetManager] maintains the two puppet directions: Matrix ghost profiles
// for Discord users and Discord webhooks for Matrix users.
//
// [ContentTranscoder] converts message content between the platforms,
// including attachments, custom emotes, and large-file download links.
//
// [EventRouter] receives all inbound platform events and dispatches them
// through the components above. Chat commands are consumed before any
// bridging so command text never leaks into the other platform.
//
// # Echo Prevention
//
// Matrix events from the bridge's own ghosts or service account are dropped
// by MXID shape; Discord messages from the bot or from any webhook the
// bridge owns are dropped by author and webhook ID. Both checks run before
// any other processing.
//
// # Sub-packages
//
//   - discordfmt converts Discord markdown to Matrix HTML.
//   - matrixfmt converts Matrix HTML to Discord markdown.
package bridge
