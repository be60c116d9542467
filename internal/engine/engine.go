// Package engine defines the boundary between the coordinator and an external
// renderer.
//
// A renderer loads a scene plus a patch descriptor, renders asynchronously,
// and reports completion by writing the output buffer followed by a marker
// file that holds a single integer status. Status 0 is success.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// StatusOK is the dispatch and completion status for success.
	StatusOK = 0
	// StatusFailed is a generic non-zero status used when the renderer gives
	// no more specific code.
	StatusFailed = 1
	// StatusBusy is returned by Render when a previous render is still running.
	StatusBusy = 16
	// StatusMalformed is reported when a marker cannot be parsed.
	StatusMalformed = -1
)

// ErrEmptyMarker is returned by ParseMarker when the marker has been created
// but its status has not been written yet.
var ErrEmptyMarker = errors.New("engine: empty completion marker")

// Artifacts names the files an engine writes while rendering. Paths are
// relative to the artifact store root unless absolute.
type Artifacts struct {
	// Output is the rendered frame buffer.
	Output string
	// Marker is the completion marker written after Output.
	Marker string
	// Progress optionally holds the current completion percentage.
	Progress string
}

// Engine is the capability set of a renderer.
//
// Render must not block on the render itself: it returns a dispatch status and
// the render proceeds in the background until the marker is written.
type Engine interface {
	// Init loads the scene at scenePath and applies the patch descriptor.
	Init(ctx context.Context, patch []byte, scenePath string) error
	// Dimensions returns the output size of the loaded scene.
	Dimensions() (width, height int)
	// Render dispatches a render. A non-zero status is an immediate failure.
	Render(parameters, settings []byte) int
	// Interrupt aborts the running render, if any.
	Interrupt()
	// Progress returns the completion percentage in [0, 100].
	Progress() float64
	// Close releases everything the engine holds.
	Close() error
}

// FormatMarker encodes a completion status.
func FormatMarker(status int) []byte {
	return []byte(strconv.Itoa(status))
}

// ParseMarker decodes a completion status. Surrounding whitespace is ignored.
func ParseMarker(raw []byte) (int, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return 0, ErrEmptyMarker
	}
	status, err := strconv.Atoi(text)
	if err != nil {
		return StatusMalformed, fmt.Errorf("engine: malformed completion marker %q", text)
	}
	return status, nil
}

// ClampPercent limits p to [0, 100].
func ClampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
