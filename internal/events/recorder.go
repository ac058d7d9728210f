// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jeranaias/overlaychat/internal/history"
)

// Recorder appends every forwarded event to the history event log before
// passing it on to next.
func Recorder(store *history.Store, next Sink) Sink {
	return SinkFunc(func(ctx context.Context, turnID string, ev Event) error {
		payload, err := json.Marshal(ev)
		if err == nil {
			store.RecordEvent(history.EventRecord{
				Type:      string(ev.Type()),
				Payload:   payload,
				Timestamp: time.Now(),
			})
		}
		if next == nil {
			return nil
		}
		return next.Forward(ctx, turnID, ev)
	})
}
