package pipeline

import "errors"

var (
	// ErrNextCalledTwice is returned to a middleware's second call to next.
	// A middleware must pass an envelope forward exactly once or not at
	// all; calling next twice is a programming error and must be visible.
	ErrNextCalledTwice = errors.New("pipeline: next called more than once by the same middleware")
)
