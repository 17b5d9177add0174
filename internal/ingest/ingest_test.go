package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/mayla-rppg/ingest/internal/guardrail"
	"github.com/mayla-rppg/ingest/internal/session"
)

func testState(mockMode bool) *session.State {
	return session.NewStateForTest(session.Params{
		TTLSeconds:    180,
		MaxFrames:     400,
		MaxBytesMB:    20,
		MaxChunkSize:  10,
		MaxFrameBytes: 300_000,
		MockMode:      mockMode,
	})
}

func b64JPEGFrame(t *testing.T, w, h int) json.RawMessage {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	raw, err := json.Marshal(encoded)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return raw
}

func TestIngestChunkDecodesAndStoresFrames(t *testing.T) {
	s := testState(false)
	frames := []json.RawMessage{b64JPEGFrame(t, 32, 32), b64JPEGFrame(t, 32, 32)}

	ig := New(0)
	n, total, err := ig.IngestChunk(s, frames)
	if err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if total <= 0 {
		t.Fatalf("total = %d, want > 0", total)
	}
	s.AwaitDecodes(context.Background())
	if s.BufferLen() != 2 {
		t.Fatalf("BufferLen() = %d, want 2", s.BufferLen())
	}
	for _, f := range s.Frames() {
		if f.Bounds().Dx() != targetWidth || f.Bounds().Dy() != targetHeight {
			t.Fatalf("decoded frame size = %dx%d, want %dx%d", f.Bounds().Dx(), f.Bounds().Dy(), targetWidth, targetHeight)
		}
	}
}

func TestIngestChunkMockModeSkipsDecode(t *testing.T) {
	s := testState(true)
	frames := []json.RawMessage{b64JPEGFrame(t, 32, 32)}

	ig := New(0)
	n, _, err := ig.IngestChunk(s, frames)
	if err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	if s.BufferLen() != 0 {
		t.Fatal("mock mode must not populate the frame buffer")
	}
}

func TestIngestChunkDropsInvalidBase64(t *testing.T) {
	s := testState(false)
	bad, _ := json.Marshal("not-base64!!!")
	good := b64JPEGFrame(t, 16, 16)
	frames := []json.RawMessage{bad, good}

	ig := New(0)
	n, _, err := ig.IngestChunk(s, frames)
	if err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1 (invalid base64 silently dropped)", n)
	}
}

func TestIngestChunkDropsNonStringElements(t *testing.T) {
	s := testState(false)
	num, _ := json.Marshal(42)
	good := b64JPEGFrame(t, 16, 16)
	frames := []json.RawMessage{num, good}

	ig := New(0)
	n, _, err := ig.IngestChunk(s, frames)
	if err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1 (non-string element silently dropped)", n)
	}
}

func TestIngestChunkGuardrailFailurePropagatesWithoutDecoding(t *testing.T) {
	s := testState(false)
	frames := make([]json.RawMessage, 11)
	for i := range frames {
		frames[i] = b64JPEGFrame(t, 8, 8)
	}

	ig := New(0)
	n, _, err := ig.IngestChunk(s, frames)
	if !errors.Is(err, guardrail.ErrChunkSizeExceeded) {
		t.Fatalf("got %v, want ErrChunkSizeExceeded", err)
	}
	if n != 11 {
		t.Fatalf("n = %d, want 11 (count asserted against guardrail even on failure)", n)
	}
	if s.BufferLen() != 0 {
		t.Fatal("guardrail failure must not decode any frame")
	}
}

func TestIngestChunkCorruptJPEGSkippedButCounted(t *testing.T) {
	s := testState(false)
	corrupt, _ := json.Marshal(base64.StdEncoding.EncodeToString([]byte("not a jpeg")))
	frames := []json.RawMessage{corrupt}

	ig := New(0)
	n, _, err := ig.IngestChunk(s, frames)
	if err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1 (counted toward guardrail tally)", n)
	}
	s.AwaitDecodes(context.Background())
	if s.BufferLen() != 0 {
		t.Fatal("frame that fails JPEG decode must not appear in the buffer")
	}
}
