// Package guardrail implements the pure validation function that gates
// chunk ingestion against a session's caps. It owns no state of its own;
// callers pass in the current counters and apply the returned, updated
// counters themselves.
package guardrail

import "errors"

// Sentinel errors for the chunk-shape and session-cap checks. The
// session package's Kind() maps these to their wire kind strings
// alongside its own lifecycle errors.
var (
	ErrChunkSizeExceeded = errors.New("chunk_size_exceeded")
	ErrFrameTooLarge     = errors.New("frame_too_large")
	ErrMaxFramesExceeded = errors.New("max_frames_exceeded")
	ErrMaxBytesExceeded  = errors.New("max_bytes_exceeded")
)

// Counters are the ingest accounting fields a chunk evaluation reads and,
// on success, advances.
type Counters struct {
	FramesReceived int
	BytesReceived  int
	ChunksReceived int
}

// Caps are the hard per-session limits a chunk is evaluated against.
type Caps struct {
	MaxChunkSize  int
	MaxFrameBytes int
	MaxFrames     int
	MaxBytesMB    int
}

// Evaluate validates a chunk against caps and the current counters, in
// the prescribed order: chunk shape, per-frame size, session caps. The
// first failing check determines the returned error; on success it
// returns the counters advanced by this chunk. It does not consult or
// mutate a "finished" flag — callers must check that themselves first,
// since only they know a session's lifecycle state.
func Evaluate(counters Counters, caps Caps, nFrames, totalBytes int, frameSizes []int) (Counters, error) {
	if nFrames <= 0 || nFrames > caps.MaxChunkSize {
		return counters, ErrChunkSizeExceeded
	}

	for _, sz := range frameSizes {
		if sz > caps.MaxFrameBytes {
			return counters, ErrFrameTooLarge
		}
	}

	if counters.FramesReceived+nFrames > caps.MaxFrames {
		return counters, ErrMaxFramesExceeded
	}

	maxBytes := caps.MaxBytesMB * 1024 * 1024
	if counters.BytesReceived+totalBytes > maxBytes {
		return counters, ErrMaxBytesExceeded
	}

	counters.FramesReceived += nFrames
	counters.BytesReceived += totalBytes
	counters.ChunksReceived++
	return counters, nil
}
