package finalize

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/mayla-rppg/ingest/internal/rppg"
	"github.com/mayla-rppg/ingest/internal/session"
)

func mockParams(captureSeconds, targetFPS int) session.Params {
	return session.Params{
		TTLSeconds:     180,
		MaxFrames:      100_000,
		MaxBytesMB:     20,
		MaxChunkSize:   10,
		MaxFrameBytes:  300_000,
		MockMode:       true,
		CaptureSeconds: captureSeconds,
		TargetFPS:      targetFPS,
	}
}

func mockState(framesReceived, captureSeconds, targetFPS int) *session.State {
	s := session.NewStateForTest(mockParams(captureSeconds, targetFPS))
	s.TouchStarted(time.Now().Add(-time.Second))
	session.SetCountersForTest(s, framesReceived, framesReceived*10, 1)
	return s
}

func TestFinalizeMockIsDeterministicForSameSessionID(t *testing.T) {
	s1 := mockState(5, 25, 8)
	s2 := mockState(5, 25, 8)
	session.SetIDForTest(s2, s1.ID)

	f := New(nil)
	r1 := f.Finalize(context.Background(), s1)
	r2 := f.Finalize(context.Background(), s2)

	if *r1.BPM != *r2.BPM {
		t.Fatalf("bpm not deterministic: %v vs %v", *r1.BPM, *r2.BPM)
	}
	if r1.Confidence != r2.Confidence || r1.Quality != r2.Quality {
		t.Fatalf("confidence/quality not deterministic: %+v vs %+v", r1, r2)
	}
}

func TestFinalizeMockLowFramesYieldsMediumQuality(t *testing.T) {
	s := mockState(1, 25, 8)
	f := New(nil)
	r := f.Finalize(context.Background(), s)

	if r.Quality != "medium" {
		t.Fatalf("quality = %s, want medium", r.Quality)
	}
	if r.Confidence != 0.35 {
		t.Fatalf("confidence = %v, want 0.35", r.Confidence)
	}
	if *r.SNRDB != 6.0 {
		t.Fatalf("snr_db = %v, want 6.0", *r.SNRDB)
	}
}

func TestFinalizeMockHighFramesYieldsGoodQuality(t *testing.T) {
	// threshold = max(10, floor(25*8*0.6)) = max(10, 120) = 120
	s := mockState(120, 25, 8)
	f := New(nil)
	r := f.Finalize(context.Background(), s)

	if r.Quality != "good" {
		t.Fatalf("quality = %s, want good", r.Quality)
	}
	if r.Confidence != 0.6 {
		t.Fatalf("confidence = %v, want 0.6", r.Confidence)
	}
	if *r.SNRDB != 12.0 {
		t.Fatalf("snr_db = %v, want 12.0", *r.SNRDB)
	}
}

func TestFinalizeMockBPMInExpectedRange(t *testing.T) {
	s := mockState(5, 25, 8)
	f := New(nil)
	r := f.Finalize(context.Background(), s)

	if *r.BPM < 68 || *r.BPM > 85 {
		t.Fatalf("bpm = %v, want in [68,85]", *r.BPM)
	}
}

func TestFinalizeReleasesBuffer(t *testing.T) {
	s := session.NewStateForTest(session.Params{TTLSeconds: 180, MaxFrames: 400, MaxBytesMB: 20, MaxChunkSize: 10, MaxFrameBytes: 300_000, MockMode: false, CaptureSeconds: 25, TargetFPS: 8})
	s.AppendFrame(image.NewRGBA(image.Rect(0, 0, 1, 1)))
	f := New(rppg.NopProcessor{})
	f.Finalize(context.Background(), s)

	if s.BufferLen() != 0 {
		t.Fatal("buffer must be released after finalize")
	}
}

func TestFinalizeRealProcessorErrorYieldsPoorFallback(t *testing.T) {
	s := session.NewStateForTest(session.Params{TTLSeconds: 180, MaxFrames: 400, MaxBytesMB: 20, MaxChunkSize: 10, MaxFrameBytes: 300_000, MockMode: false, CaptureSeconds: 25, TargetFPS: 8})
	f := New(rppg.NopProcessor{})
	r := f.Finalize(context.Background(), s)

	if r.Quality != "poor" {
		t.Fatalf("quality = %s, want poor", r.Quality)
	}
	if r.BPM != nil {
		t.Fatal("bpm should be nil on processor error")
	}
	if r.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", r.Confidence)
	}
	if r.Message == nil || *r.Message != failureMessage {
		t.Fatalf("message = %v, want %q", r.Message, failureMessage)
	}
}

type slowProcessor struct{ delay time.Duration }

func (p slowProcessor) Process(ctx context.Context, frames []*image.RGBA, fps, winSize, stride float64) (rppg.Estimate, error) {
	select {
	case <-time.After(p.delay):
		return rppg.Estimate{Quality: "good"}, nil
	case <-ctx.Done():
		return rppg.Estimate{}, ctx.Err()
	}
}

func TestFinalizeRealTimeoutYieldsPoorFallbackWithTimeoutMessage(t *testing.T) {
	s := session.NewStateForTest(session.Params{TTLSeconds: 180, MaxFrames: 400, MaxBytesMB: 20, MaxChunkSize: 10, MaxFrameBytes: 300_000, MockMode: false, CaptureSeconds: 25, TargetFPS: 8})
	f := New(slowProcessor{delay: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	r := f.Finalize(ctx, s)
	if r.Quality != "poor" {
		t.Fatalf("quality = %s, want poor", r.Quality)
	}
	if r.Message == nil || *r.Message != timeoutMessage {
		t.Fatalf("message = %v, want %q", r.Message, timeoutMessage)
	}
}

func TestFinalizeRealShapesSuccessfulEstimate(t *testing.T) {
	s := session.NewStateForTest(session.Params{TTLSeconds: 180, MaxFrames: 400, MaxBytesMB: 20, MaxChunkSize: 10, MaxFrameBytes: 300_000, MockMode: false, CaptureSeconds: 25, TargetFPS: 8})
	bpm := 72.0
	f := New(fixedProcessor{estimate: rppg.Estimate{BPM: &bpm, Confidence: 0.8, Quality: "good", FaceDetectRate: 0.9, SNRScore: 0.5}})

	r := f.Finalize(context.Background(), s)
	if r.Quality != "good" || *r.BPM != 72.0 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.SNRDB == nil || *r.SNRDB != 0.5*20-5 {
		t.Fatalf("snr_db = %v, want derived from snr_score", r.SNRDB)
	}
}

type fixedProcessor struct{ estimate rppg.Estimate }

func (p fixedProcessor) Process(ctx context.Context, frames []*image.RGBA, fps, winSize, stride float64) (rppg.Estimate, error) {
	return p.estimate, nil
}
