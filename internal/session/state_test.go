package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mayla-rppg/ingest/internal/guardrail"
)

func newTestState() *State {
	params := Params{
		TTLSeconds:    180,
		MaxFrames:     400,
		MaxBytesMB:    20,
		MaxChunkSize:  10,
		MaxFrameBytes: 300_000,
	}
	return newState("test-id", params, time.Now())
}

func TestIngestChunkCommitsCounters(t *testing.T) {
	s := newTestState()
	if err := s.IngestChunk(3, 300, []int{100, 100, 100}); err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}
	c := s.Counters()
	if c.FramesReceived != 3 || c.BytesReceived != 300 || c.ChunksReceived != 1 {
		t.Fatalf("unexpected counters: %+v", c)
	}
}

func TestIngestChunkRejectsAfterFinished(t *testing.T) {
	s := newTestState()
	s.MarkFinished()
	err := s.IngestChunk(1, 10, []int{10})
	if !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("got %v, want ErrAlreadyFinished", err)
	}
}

func TestIngestChunkPropagatesGuardrailError(t *testing.T) {
	s := newTestState()
	err := s.IngestChunk(11, 10, make([]int, 11))
	if !errors.Is(err, guardrail.ErrChunkSizeExceeded) {
		t.Fatalf("got %v, want ErrChunkSizeExceeded", err)
	}
	if s.Counters().ChunksReceived != 0 {
		t.Fatal("failed chunk must not advance counters")
	}
}

func TestMarkFinishedIsCheckAndSet(t *testing.T) {
	s := newTestState()
	if !s.MarkFinished() {
		t.Fatal("first MarkFinished call should return true")
	}
	if s.MarkFinished() {
		t.Fatal("second MarkFinished call should return false")
	}
}

func TestReleaseBufferClearsFrames(t *testing.T) {
	s := newTestState()
	s.AppendFrame(nil)
	if s.BufferLen() != 1 {
		t.Fatalf("BufferLen() = %d, want 1", s.BufferLen())
	}
	s.ReleaseBuffer()
	if s.BufferLen() != 0 {
		t.Fatal("buffer should be empty after ReleaseBuffer")
	}
}

func TestDecodePoolIsPerSession(t *testing.T) {
	s1 := newTestState()
	s2 := newTestState()

	if s1.DecodePool() == s2.DecodePool() {
		t.Fatal("two sessions must not share a decode pool")
	}
	if s1.DecodePool() != s1.DecodePool() {
		t.Fatal("repeated calls on the same session must return the same pool")
	}
}

func TestReleaseBufferTornDownPoolIsReplacedOnNextUse(t *testing.T) {
	s := newTestState()
	first := s.DecodePool()

	s.ReleaseBuffer()

	second := s.DecodePool()
	if second == first {
		t.Fatal("DecodePool must not hand back a pool torn down by ReleaseBuffer")
	}
	done := make(chan struct{})
	if !second.Submit(func() { close(done) }) {
		t.Fatal("expected decode task to be accepted on the replacement pool")
	}
	<-done
}

func TestAwaitDecodesWaitsForSubmittedTasks(t *testing.T) {
	s := newTestState()

	var ran bool
	done := make(chan struct{})
	if !s.DecodePool().Submit(func() {
		ran = true
		close(done)
	}) {
		t.Fatal("expected decode task to be accepted")
	}
	<-done

	s.AwaitDecodes(context.Background())
	if !ran {
		t.Fatal("expected submitted decode task to have run before AwaitDecodes returns")
	}
}

func TestElapsedSinceStartBeforeAttach(t *testing.T) {
	s := newTestState()
	if _, ok := s.ElapsedSinceStart(time.Now()); ok {
		t.Fatal("expected no elapsed duration before attach")
	}
}

func TestElapsedSinceStartAfterAttach(t *testing.T) {
	s := newTestState()
	now := time.Now()
	s.TouchStarted(now)
	elapsed, ok := s.ElapsedSinceStart(now.Add(2 * time.Second))
	if !ok {
		t.Fatal("expected elapsed duration after attach")
	}
	if elapsed != 2*time.Second {
		t.Fatalf("elapsed = %v, want 2s", elapsed)
	}
}
