// Package rppg defines the seam to the external signal-processing
// pipeline. Nothing in this repository implements the pipeline itself —
// ROI detection, color-signal extraction, and spectral estimation are an
// out-of-scope collaborator reached only through the Processor interface.
package rppg

import (
	"context"
	"errors"
	"image"
)

// Estimate is the raw output of a Processor invocation, before the
// Finalizer shapes it into the wire Result schema.
type Estimate struct {
	BPM            *float64
	Confidence     float64
	Quality        string
	Message        string
	FaceDetectRate float64
	SNRScore       float64
	SNRDB          *float64
	BPMSeries      []float64
}

// Processor turns a sequence of downscaled RGB frames into a heart-rate
// estimate. fps is the nominal sampling rate; winSize/stride are the
// sliding-window parameters the reference implementation passes as
// winsize=5, stride=1.
type Processor interface {
	Process(ctx context.Context, frames []*image.RGBA, fps, winSize, stride float64) (Estimate, error)
}

// ErrNotImplemented is returned by NopProcessor. The Finalizer folds it
// into the poor-quality fallback result like any other processor error.
var ErrNotImplemented = errors.New("rppg processor not implemented")

// NopProcessor satisfies Processor for deployments with no real pipeline
// wired in. It documents the seam without reimplementing the out-of-
// scope signal processing.
type NopProcessor struct{}

func (NopProcessor) Process(ctx context.Context, frames []*image.RGBA, fps, winSize, stride float64) (Estimate, error) {
	return Estimate{}, ErrNotImplemented
}
