package protocol

import "errors"

// Sentinel errors for callers to match with errors.Is.
var (
	ErrAuth            = errors.New("authentication failed")
	ErrContextOverflow = errors.New("context window exceeded")

	// ErrStream marks a failure reported inside an open stream (an SSE
	// error event or an undecodable payload). It is transient.
	ErrStream = errors.New("stream error")
)
