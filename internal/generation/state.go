// Package generation drives one image-generation attempt at a time against
// the backend and tracks its progress until it settles.
package generation

import (
	"context"
	"errors"
	"math"
	"time"

	"vnhis2image/internal/backend"
)

type State int

const (
	Idle State = iota
	Composing
	Requesting
	Active
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Composing:
		return "composing"
	case Requesting:
		return "requesting"
	case Active:
		return "active"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Busy reports whether an attempt is in flight.
func (s State) Busy() bool {
	return s == Composing || s == Requesting || s == Active
}

func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

var (
	ErrBusy = errors.New("a generation is already in progress")
	// ErrCancelled marks a user-cancelled attempt. It is never shown as an error.
	ErrCancelled = errors.New("generation cancelled")
)

type GenerationError struct {
	EpisodeID string
	Err       error
}

func (e *GenerationError) Error() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return "image generation timed out"
	}
	return "image generation failed: " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Snapshot is the latest normalized progress report of an active attempt.
type Snapshot struct {
	Percent    float64
	ETASeconds *float64
	Preview    string
}

type Status struct {
	State     State
	EpisodeID string
	Prompt    string
	Progress  Snapshot
	Image     *backend.Image
	Err       error
	UpdatedAt time.Time
}

// Outcome is nil after success, ErrCancelled after a cancel and the visible
// error otherwise.
func (s Status) Outcome() error {
	switch s.State {
	case Succeeded:
		return nil
	case Cancelled:
		return ErrCancelled
	default:
		return s.Err
	}
}

func normalize(prev Snapshot, p backend.Progress) Snapshot {
	out := Snapshot{Preview: prev.Preview}

	switch {
	case p.Percent != nil:
		out.Percent = *p.Percent
	case p.Progress != nil:
		out.Percent = *p.Progress * 100
	}
	if !finite(out.Percent) {
		out.Percent = 0
	}
	out.Percent = math.Max(0, math.Min(100, out.Percent))

	if p.ETASeconds != nil && finite(*p.ETASeconds) {
		eta := *p.ETASeconds
		out.ETASeconds = &eta
	}
	if p.HasPreview && p.PreviewB64 != "" {
		out.Preview = backend.DataURI(p.PreviewB64)
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
