// Package ingest implements the frame ingestor: base64 decode, guardrail
// check, then (outside mock mode) JPEG decode and downscale into the
// session's frame buffer.
package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"time"

	"github.com/mayla-rppg/ingest/internal/logging"
	"github.com/mayla-rppg/ingest/internal/session"
	"golang.org/x/image/draw"
)

var log = logging.L("ingest")

// targetWidth/targetHeight are the fixed downscale dimensions: small
// enough to keep memory and decode cost bounded across a full capture
// window, large enough for the external processor's face/ROI detection.
const (
	targetWidth  = 256
	targetHeight = 144
)

// Ingestor decodes chunks of base64-JPEG frames into a session's buffer.
// A single Ingestor is shared by every stream; decode work for a chunk
// is offloaded to the owning session's own decode pool (see
// session.State.DecodePool) so the stream's I/O goroutine is never
// blocked by CPU-bound decode work, and one session's backlog cannot
// starve another's. decodeSem additionally bounds the number of chunks
// decoding concurrently across every session at once, since the
// per-session pools have no such cross-session limit on their own.
type Ingestor struct {
	decodeSem chan struct{}
}

// New builds an Ingestor that runs at most decodeWorkers chunk decodes
// concurrently across all sessions. decodeWorkers <= 0 disables the
// cross-session cap (every session's own pool still bounds its queue).
func New(decodeWorkers int) *Ingestor {
	ig := &Ingestor{}
	if decodeWorkers > 0 {
		ig.decodeSem = make(chan struct{}, decodeWorkers)
	}
	return ig
}

// IngestChunk implements the frame ingestor algorithm: base64-decode
// each element of frames (silently dropping ones that aren't valid
// base64 strings), run the guardrail evaluator against the resulting
// count and byte total, and — unless the session is in mock mode —
// JPEG-decode and downscale each surviving frame into the session
// buffer. It returns the guardrail-asserted (n, totalBytes) whether or
// not decoding proceeds; on guardrail failure it returns the same pair
// alongside the error, without decoding further.
func (ig *Ingestor) IngestChunk(s *session.State, frames []json.RawMessage) (int, int, error) {
	jpegs := make([][]byte, 0, len(frames))
	sizes := make([]int, 0, len(frames))

	for _, raw := range frames {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			continue
		}
		jpegs = append(jpegs, b)
		sizes = append(sizes, len(b))
	}

	n := len(jpegs)
	totalBytes := 0
	for _, sz := range sizes {
		totalBytes += sz
	}

	if err := s.IngestChunk(n, totalBytes, sizes); err != nil {
		return n, totalBytes, err
	}

	if s.Params.MockMode {
		return n, totalBytes, nil
	}

	decode := func() {
		if ig.decodeSem != nil {
			ig.decodeSem <- struct{}{}
			defer func() { <-ig.decodeSem }()
		}

		start := time.Now()
		for _, jb := range jpegs {
			img, err := decodeAndScale(jb)
			if err != nil {
				continue
			}
			s.AppendFrame(img)
		}
		s.AddDecodeTime(time.Since(start))
	}

	if !s.DecodePool().Submit(decode) {
		decode()
	}

	return n, totalBytes, nil
}

// decodeAndScale decodes a JPEG and resamples it to the fixed target
// dimensions with bilinear filtering.
func decodeAndScale(jb []byte) (*image.RGBA, error) {
	src, err := jpeg.Decode(bytes.NewReader(jb))
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst, nil
}
