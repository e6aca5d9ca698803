// Package execmode selects how a storage round trip is driven: on the
// calling goroutine, or detached on its own goroutine so the caller can
// be released as soon as its context is cancelled. The mode travels as
// an explicit context value, so callers running in different modes never
// interfere with each other.
package execmode

import "context"

type Mode int

const (
	// Blocking runs the store call on the calling goroutine. The call
	// returns when the store responds or the caller's context fires,
	// whichever the underlying transport observes first.
	Blocking Mode = iota

	// Detached runs the store call on its own goroutine. The caller is
	// released the moment its context fires; the in-flight request is
	// left to complete, so a cancelled write may still have been applied.
	Detached
)

func (m Mode) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case Detached:
		return "detached"
	}
	return "unknown"
}

type modeKey struct{}

// WithMode binds an execution mode to the context for the duration of the
// calls made with it.
func WithMode(ctx context.Context, m Mode) context.Context {
	return context.WithValue(ctx, modeKey{}, m)
}

// FromContext reports the mode bound to ctx. Blocking is the default.
func FromContext(ctx context.Context) Mode {
	if m, ok := ctx.Value(modeKey{}).(Mode); ok {
		return m
	}
	return Blocking
}

// Invoke runs a single store call according to the mode carried by ctx.
// Both modes return the exact same value and error for the same remote
// state; they differ only in how cancellation is observed. Invoke never
// retries and performs no I/O of its own.
func Invoke[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	if FromContext(ctx) == Blocking {
		return op(ctx)
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		// The detached call must not be torn down with the caller:
		// once the store has applied a write there is no undoing it,
		// so the request is left to run to completion.
		v, err := op(context.WithoutCancel(ctx))
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
