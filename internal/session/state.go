package session

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/mayla-rppg/ingest/internal/guardrail"
	"github.com/mayla-rppg/ingest/internal/workerpool"
)

// decodePoolDrainTimeout bounds how long ReleaseBuffer waits for a
// session's own in-flight decode tasks to finish before abandoning them
// and closing the pool's worker goroutine anyway.
const decodePoolDrainTimeout = 10 * time.Second

// Params are the capture parameters snapshotted from Config at session
// creation; immutable for the life of the session.
type Params struct {
	CaptureSeconds     int
	TargetFPS          int
	Resolution         string
	JPEGQuality        float64
	ROIRefreshInterval int
	TTLSeconds         int
	MaxFrames          int
	MaxBytesMB         int
	MaxChunkSize       int
	MaxFrameBytes      int
	MockMode           bool
}

// Counters are the monotonically non-decreasing ingest accounting fields.
// FramesReceived/BytesReceived/ChunksReceived are only ever advanced by
// guardrail.Evaluate via State.IngestChunk.
type Counters struct {
	guardrail.Counters
	DecodeMsTotal int64
}

// State is a single session's record. SessionRegistry exclusively owns
// State values; callers obtained via Registry.Get/Create must not retain
// a reference past the terminal transition.
type State struct {
	ID        string
	Params    Params
	CreatedAt time.Time
	ExpiresAt time.Time

	mu         sync.Mutex
	startedAt  *time.Time
	finished   bool
	counters   Counters
	buffer     []*image.RGBA
	decodePool *workerpool.Pool
}

func newState(id string, params Params, now time.Time) *State {
	return &State{
		ID:        id,
		Params:    params,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(params.TTLSeconds) * time.Second),
	}
}

// TouchStarted sets startedAt to now iff currently unset.
func (s *State) TouchStarted(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt == nil {
		t := now
		s.startedAt = &t
	}
}

// StartedAt returns the attach time, or the zero time and false if the
// session has never been attached to a stream.
func (s *State) StartedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt == nil {
		return time.Time{}, false
	}
	return *s.startedAt, true
}

// Finished reports whether the session has reached the terminal state.
func (s *State) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Counters returns a snapshot of the current ingest counters.
func (s *State) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// ElapsedSinceStart returns the duration since attach and whether the
// session has been attached at all.
func (s *State) ElapsedSinceStart(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt == nil {
		return 0, false
	}
	return now.Sub(*s.startedAt), true
}

// IngestChunk applies the guardrail evaluator against the current
// counters, and, on success, commits the evaluator's updated counters.
// This is the only call site that mutates counters (invariant: guardrail
// is the sole writer).
func (s *State) IngestChunk(nFrames, totalBytes int, frameSizes []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return ErrAlreadyFinished
	}

	caps := guardrail.Caps{
		MaxChunkSize:  s.Params.MaxChunkSize,
		MaxFrameBytes: s.Params.MaxFrameBytes,
		MaxFrames:     s.Params.MaxFrames,
		MaxBytesMB:    s.Params.MaxBytesMB,
	}

	updated, err := guardrail.Evaluate(s.counters.Counters, caps, nFrames, totalBytes, frameSizes)
	if err != nil {
		return err
	}
	s.counters.Counters = updated
	return nil
}

// AppendFrame stores a decoded, downscaled frame into the session buffer.
// Only called from the ingestor's real-mode decode path (mock mode never
// calls this).
func (s *State) AppendFrame(img *image.RGBA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.buffer = append(s.buffer, img)
}

// DecodePool returns this session's dedicated decode worker pool,
// creating it on first use. Each session owns one pool, sized to a
// single worker with a queue capacity of MaxChunkSize tasks — a busy or
// slow-decoding session can only ever back up its own queue, never a
// sibling session's.
func (s *State) DecodePool() *workerpool.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decodePool == nil {
		s.decodePool = workerpool.New(1, s.Params.MaxChunkSize)
	}
	return s.decodePool
}

// AwaitDecodes blocks until every decode task already submitted for this
// session has finished, or ctx expires first. Safe to call once
// finalization has begun: IngestChunk rejects further chunks once
// finished is set, so no new decodes can be submitted underneath it.
func (s *State) AwaitDecodes(ctx context.Context) {
	s.mu.Lock()
	pool := s.decodePool
	s.mu.Unlock()
	if pool == nil {
		return
	}
	pool.StopAccepting()
	pool.Drain(ctx)
}

// AddDecodeTime accumulates wall-clock JPEG decode time.
func (s *State) AddDecodeTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.DecodeMsTotal += d.Milliseconds()
}

// Frames returns the current decoded-frame buffer. Callers must not
// mutate the returned slice's backing array after the session finalizes.
func (s *State) Frames() []*image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// BufferLen reports the number of frames currently buffered.
func (s *State) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// MarkFinished performs the atomic check-and-set terminal transition.
// Returns true iff this call performed the transition (the caller that
// gets true is the one that must run the finalizer); a concurrent second
// caller (elapsed-timeout racing with an explicit "end") gets false and
// must not finalize again.
func (s *State) MarkFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	return true
}

// ReleaseBuffer drops the decoded-frame buffer, freeing its memory, and
// tears down the session's decode pool so its worker goroutine does not
// leak. Safe to call multiple times and on any exit path (success,
// exception, timeout, TTL sweep) — the teardown runs in the background
// since callers may be holding the registry lock.
func (s *State) ReleaseBuffer() {
	s.mu.Lock()
	pool := s.decodePool
	s.decodePool = nil
	s.buffer = nil
	s.mu.Unlock()

	if pool != nil {
		go func() {
			pool.StopAccepting()
			ctx, cancel := context.WithTimeout(context.Background(), decodePoolDrainTimeout)
			defer cancel()
			pool.Drain(ctx)
		}()
	}
}
