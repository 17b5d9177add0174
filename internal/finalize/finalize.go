// Package finalize implements the bounded-time invocation of the
// external signal processor and shapes its output (or a deterministic
// mock result) into the wire Result schema.
package finalize

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"github.com/mayla-rppg/ingest/internal/logging"
	"github.com/mayla-rppg/ingest/internal/rppg"
	"github.com/mayla-rppg/ingest/internal/session"
)

var log = logging.L("finalize")

// hardTimeout bounds every finalizer invocation, mock or real.
const hardTimeout = 10 * time.Second

const (
	timeoutMessage = "Processamento excedeu o tempo limite."
	failureMessage = "Falha no processamento rPPG."
)

// Result is the terminal object sent over the stream or returned from
// the REST end endpoints.
type Result struct {
	Type           string    `json:"type"`
	BPM            *float64  `json:"bpm"`
	Confidence     float64   `json:"confidence"`
	Quality        string    `json:"quality"`
	Message        *string   `json:"message"`
	DurationS      float64   `json:"duration_s"`
	FramesReceived int       `json:"frames_received"`
	FaceDetectRate float64   `json:"face_detect_rate"`
	SNRDB          *float64  `json:"snr_db"`
	BPMSeries      []float64 `json:"bpm_series"`
}

// poorQualityFallback builds the fallback result shape shared by every
// failure path (processor exception, timeout). duration/framesReceived
// are still reported because they were already known before the
// processor was invoked.
func poorQualityFallback(duration float64, framesReceived int, message string) Result {
	msg := message
	return Result{
		Type:           "result",
		BPM:            nil,
		Confidence:     0,
		Quality:        "poor",
		Message:        &msg,
		DurationS:      round2(duration),
		FramesReceived: framesReceived,
		FaceDetectRate: 0,
		SNRDB:          nil,
		BPMSeries:      nil,
	}
}

// Finalizer runs the mock or real finalization branch, always under a
// 10s hard deadline, and always releases the session's frame buffer
// before returning.
type Finalizer struct {
	Processor rppg.Processor
}

// New builds a Finalizer that dispatches to proc in non-mock sessions.
// proc may be nil if no session is ever configured with mock_mode=false.
func New(proc rppg.Processor) *Finalizer {
	return &Finalizer{Processor: proc}
}

// Finalize performs the one-shot terminal transition for s. Callers must
// have already won the check-and-set via s.MarkFinished() before calling
// this — Finalize does not call MarkFinished itself, since the stream
// handler needs to distinguish "I am the one who finalizes" from "someone
// else already did" before deciding whether to invoke this at all.
func (f *Finalizer) Finalize(ctx context.Context, s *session.State) Result {
	defer s.ReleaseBuffer()

	now := time.Now()
	duration := 0.0
	if startedAt, ok := s.StartedAt(); ok {
		duration = math.Max(0, now.Sub(startedAt).Seconds())
	}

	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	if s.Params.MockMode {
		return f.finalizeMock(s, duration)
	}
	return f.finalizeReal(ctx, s, duration)
}

func (f *Finalizer) finalizeMock(s *session.State, duration float64) Result {
	counters := s.Counters()

	bpm := 68 + float64(deterministicHash(s.ID)%18)
	threshold := math.Max(10, math.Floor(float64(s.Params.CaptureSeconds)*float64(s.Params.TargetFPS)*0.6))

	confidence := 0.35
	if float64(counters.FramesReceived) >= threshold {
		confidence = 0.6
	}

	quality := "medium"
	snrDB := 6.0
	if confidence >= 0.6 {
		quality = "good"
		snrDB = 12.0
	}

	return Result{
		Type:           "result",
		BPM:            &bpm,
		Confidence:     confidence,
		Quality:        quality,
		Message:        nil,
		DurationS:      round2(duration),
		FramesReceived: counters.FramesReceived,
		FaceDetectRate: 1.0,
		SNRDB:          &snrDB,
		BPMSeries:      nil,
	}
}

func (f *Finalizer) finalizeReal(ctx context.Context, s *session.State, duration float64) Result {
	counters := s.Counters()

	type outcome struct {
		estimate rppg.Estimate
		err      error
	}
	done := make(chan outcome, 1)

	// Every chunk's decode was submitted to the session's own pool
	// (internal/ingest.Ingestor); wait for it to drain so a chunk that
	// was acked but not yet decoded is not silently missing from frames.
	s.AwaitDecodes(ctx)

	proc := f.Processor
	frames := s.Frames()
	fps := float64(s.Params.TargetFPS)

	go func() {
		est, err := proc.Process(ctx, frames, fps, 5, 1)
		done <- outcome{est, err}
	}()

	select {
	case <-ctx.Done():
		log.Warn("finalizer deadline exceeded", logging.KeySessionID, s.ID)
		return poorQualityFallback(duration, counters.FramesReceived, timeoutMessage)
	case out := <-done:
		if out.err != nil {
			log.Warn("processor returned an error", logging.KeySessionID, s.ID, logging.KeyError, out.err)
			return poorQualityFallback(duration, counters.FramesReceived, failureMessage)
		}
		return shapeEstimate(out.estimate, duration, counters.FramesReceived)
	}
}

func shapeEstimate(est rppg.Estimate, duration float64, framesReceived int) Result {
	quality := est.Quality
	if quality == "" {
		quality = "poor"
	}

	var message *string
	if est.Message != "" {
		m := est.Message
		message = &m
	}

	snrDB := est.SNRDB
	if snrDB == nil && est.SNRScore > 0 {
		v := est.SNRScore*20 - 5
		snrDB = &v
	}

	return Result{
		Type:           "result",
		BPM:            est.BPM,
		Confidence:     est.Confidence,
		Quality:        quality,
		Message:        message,
		DurationS:      round2(duration),
		FramesReceived: framesReceived,
		FaceDetectRate: est.FaceDetectRate,
		SNRDB:          snrDB,
		BPMSeries:      est.BPMSeries,
	}
}

// deterministicHash maps a session ID to a stable non-negative integer,
// used by the mock branch to derive a BPM that is stable across repeated
// finalize calls for the same session ID.
func deterministicHash(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32())
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
