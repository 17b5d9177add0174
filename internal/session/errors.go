package session

import (
	"errors"

	"github.com/mayla-rppg/ingest/internal/guardrail"
)

// Sentinel errors surfaced verbatim (as their wire kind string) to the
// stream handler and REST adapter. The chunk-shape/cap errors live in
// package guardrail; these are the session lifecycle errors.
var (
	ErrNotFoundOrExpired = errors.New("session_not_found_or_expired")
	ErrAlreadyFinished   = errors.New("session_already_finished")
	ErrRateLimited       = errors.New("rate_limited")
	ErrInvalidConfig     = errors.New("invalid_config")
)

// Kind returns the wire-level error kind string for a sentinel error
// produced by this package or by package guardrail, or "" if err is none
// of them.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFoundOrExpired):
		return "session_not_found_or_expired"
	case errors.Is(err, ErrAlreadyFinished):
		return "session_already_finished"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, guardrail.ErrChunkSizeExceeded):
		return "chunk_size_exceeded"
	case errors.Is(err, guardrail.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, guardrail.ErrMaxFramesExceeded):
		return "max_frames_exceeded"
	case errors.Is(err, guardrail.ErrMaxBytesExceeded):
		return "max_bytes_exceeded"
	default:
		return ""
	}
}
