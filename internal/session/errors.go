package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyOpen is returned by Open while a session is open.
	ErrAlreadyOpen = errors.New("connection already open")
	// ErrNotOpen is returned by every operation other than Open while no
	// session is open. Close returns it as an informational result.
	ErrNotOpen = errors.New("connection not open")
	// ErrMissingParameters is returned when a required input is absent.
	ErrMissingParameters = errors.New("missing request parameters")
	// ErrNotInitialized is returned by Render before a scene was staged.
	ErrNotInitialized = fmt.Errorf("%w: no scene has been initialized", ErrMissingParameters)
	// ErrRenderInProgress is returned when a render is already pending.
	ErrRenderInProgress = errors.New("a render is already in progress")
	// ErrInitInProgress is returned while a scene is still loading.
	ErrInitInProgress = errors.New("a scene is already being initialized")
	// ErrEngineInit wraps renderer initialization failures.
	ErrEngineInit = errors.New("renderer initialization failed")
	// ErrRenderCanceled is returned when the session closes before a pending
	// render resolves.
	ErrRenderCanceled = errors.New("render canceled by session close")
	// ErrOutputMissing is returned when a render reports success but the
	// output artifact is gone.
	ErrOutputMissing = errors.New("render output missing")
)

// RenderDispatchError reports that the renderer refused a dispatch.
type RenderDispatchError struct {
	Code int
}

func (e *RenderDispatchError) Error() string {
	return fmt.Sprintf("render dispatch failed with code %d", e.Code)
}

// RenderError reports a non-zero completion status.
type RenderError struct {
	Code int
	// Raw is the marker text when it was not a valid status.
	Raw string
}

func (e *RenderError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("render failed with code %d (marker %q)", e.Code, e.Raw)
	}
	return fmt.Sprintf("render failed with code %d", e.Code)
}

// RenderTimeoutError reports that no completion marker appeared in time.
type RenderTimeoutError struct {
	After time.Duration
}

func (e *RenderTimeoutError) Error() string {
	return fmt.Sprintf("render timed out after %v", e.After)
}
