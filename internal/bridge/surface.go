// Package bridge mirrors agent activity into chat topics: a throttled progress
// bubble per active generation, finalized on session idle, plus permission
// prompts with inline buttons. The bridge owns per-session streaming state and
// borrows session identifiers from the router.
package bridge

import (
	"context"
	"errors"
	"time"
)

// SendOptions tune one surface send or edit.
type SendOptions struct {
	Plain          bool // skip rich formatting (fallback after parse errors)
	DisablePreview bool
	Keyboard       [][]Button
}

// Button is one inline keyboard button.
type Button struct {
	Label string
	Data  string
}

// Surface is the chat side of the bridge. Implementations translate their
// transport errors into the error kinds below.
type Surface interface {
	// Send posts a message into a topic, returning the surface message ID.
	Send(ctx context.Context, chatID int64, topicID int, html string, opts SendOptions) (int, error)
	// Edit replaces the text of an existing message.
	Edit(ctx context.Context, chatID int64, messageID int, html string, opts SendOptions) error
	// Delete removes a message. Deleting an already-gone message is not an error.
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// ErrKind classifies a surface failure for the retry ladder.
type ErrKind int

const (
	KindOther ErrKind = iota
	KindRateLimited
	KindNotModified
	KindNotFound
	KindParse
)

// SurfaceError wraps a transport error with its retry classification.
type SurfaceError struct {
	Kind       ErrKind
	RetryAfter time.Duration // set for KindRateLimited
	Err        error
}

func (e *SurfaceError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "surface error"
}

func (e *SurfaceError) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain.
func KindOf(err error) ErrKind {
	var se *SurfaceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// RetryAfterOf returns the advertised rate-limit delay, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var se *SurfaceError
	if errors.As(err, &se) && se.Kind == KindRateLimited {
		if se.RetryAfter <= 0 {
			return time.Second, true
		}
		return se.RetryAfter, true
	}
	return 0, false
}
