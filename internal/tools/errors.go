// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned when a call names a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// ValidationError represents a parameter validation error.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Param + ": " + e.Message
}

// GenerationError means the gateway answered (or failed to) and the tool
// could not produce usable content: wrong modality, missing payload,
// disallowed finish reason, or a transport failure underneath.
type GenerationError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
