// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history provides the bounded conversation history store.
//
// A Store holds the ordered user and assistant turns of one session, bounded
// to MaxItems with oldest-first eviction, plus a bounded log of presentation
// events that were forwarded during those turns.
//
// # Usage
//
//	store := history.NewStore(history.DefaultConfig())
//	store.AppendUser("What is 2+2?", history.SourceChat)
//	view := store.RecentView(10)
//
// Turns are immutable once appended. Every view returns copies.
package history
