// Package sensor delivers raw device motion samples to the controller. The
// motion sensor itself lives on the handheld device; this package only
// subscribes to it, changes its rate and unsubscribes.
package sensor

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/tiltdrive/internal/control"
)

// ErrUnavailable is returned by Subscribe when no motion data can be
// obtained.
var ErrUnavailable = errors.New("motion sensor unavailable")

// Handler receives each sample. It is never called after Unsubscribe returns.
type Handler func(control.RawMotionSample)

// Subscription is a live sample feed.
type Subscription interface {
	// SetInterval changes the delivery period.
	SetInterval(time.Duration)
	// Unsubscribe stops delivery. It is synchronous and idempotent.
	Unsubscribe()
}

// Source can be subscribed to at a requested sample interval.
type Source interface {
	Subscribe(ctx context.Context, interval time.Duration, h Handler) (Subscription, error)
}

// OrientationFunc is told about screen orientation changes.
type OrientationFunc func(control.Orientation)
