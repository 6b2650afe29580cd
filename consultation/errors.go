// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import "errors"

var (
	// ErrQuestionNotFound is returned when a question ID does not exist
	ErrQuestionNotFound = errors.New("question not found")

	// ErrTransferNotFound is returned when a transfer ID does not exist
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrForbidden is returned when the caller may not act on the resource
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition is returned when a state change is not allowed
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrActiveTransferExists is returned when a question already has a pending or processing transfer
	ErrActiveTransferExists = errors.New("question already has an active transfer")

	// ErrInvalidInput is returned for malformed requests
	ErrInvalidInput = errors.New("invalid input")

	// ErrDispatchInProgress is returned when another dispatch holds the question lock
	ErrDispatchInProgress = errors.New("dispatch already in progress for question")

	// ErrPoolClosed is returned when work is submitted after shutdown
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrPoolFull is returned when a pool queue cannot take more work
	ErrPoolFull = errors.New("worker pool queue full")
)
