// Package reactor provides the single-goroutine event loop that drives the
// resolver and server ports: level-triggered fd readiness, one-shot timers,
// and functions posted from other goroutines.
package reactor

import "time"

// Source is a registered fd whose readiness callbacks fire on the loop
// goroutine. Write interest starts disabled.
type Source interface {
	// SetWriteInterest enables or disables writability callbacks.
	SetWriteInterest(enable bool) error

	// Close unregisters the fd. The fd itself is not closed.
	Close() error
}

// Timer is a one-shot timer whose callback fires on the loop goroutine.
type Timer interface {
	// Reset re-arms the timer to fire after d.
	Reset(d time.Duration)

	// Stop disarms the timer. The callback will not fire unless Reset is
	// called again.
	Stop()
}

// Reactor is the event-notification capability consumed by the resolver and
// server ports. Callbacks are invoked on the loop goroutine, one at a time.
type Reactor interface {
	// OnReady registers fd for readiness callbacks. onRead fires when fd is
	// readable. onWrite fires when fd is writable, once write interest has
	// been enabled on the returned source.
	OnReady(fd int, onRead, onWrite func()) (Source, error)

	// AfterFunc arms a one-shot timer.
	AfterFunc(d time.Duration, fn func()) Timer

	// Submit schedules fn to run on the loop goroutine. It may be called
	// from any goroutine.
	Submit(fn func())
}
