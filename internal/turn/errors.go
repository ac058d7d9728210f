// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"errors"
	"fmt"

	"github.com/jeranaias/overlaychat/internal/tools"
)

// ErrTurnCancelled is returned when a turn is cancelled by Clear or by its
// caller.
var ErrTurnCancelled = errors.New("turn cancelled")

// ValidationError rejects input before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// PartialGenerationError means one corrective invocation failed. It is
// logged and never aborts the turn.
type PartialGenerationError struct {
	Modality tools.Modality
	Tool     string
	Err      error
}

func (e *PartialGenerationError) Error() string {
	return fmt.Sprintf("corrective %s (%s) failed: %v", e.Modality, e.Tool, e.Err)
}

func (e *PartialGenerationError) Unwrap() error {
	return e.Err
}
