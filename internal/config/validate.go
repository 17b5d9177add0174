package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationResult separates validation problems that must abort startup
// (Fatals) from ones that were auto-corrected or are merely suspicious
// (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that just want
// to log everything.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

// ValidateTiered checks the config for invalid values. Values that would
// make the service misbehave in an unsafe but non-obvious way (per-chunk
// and per-frame caps, quality fractions, worker counts) are clamped to a
// safe default and reported as warnings; values that make the service
// impossible to run correctly (non-positive ttl_sec, capture_seconds,
// target_fps, max_frames or max_bytes_mb, an unreachable upstream scheme)
// are reported as fatals and do not get clamped.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.TTLSeconds <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("ttl_sec must be positive, got %d", c.TTLSeconds))
	}
	if c.CaptureSeconds <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("capture_seconds must be positive, got %d", c.CaptureSeconds))
	}
	if c.TargetFPS <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("target_fps must be positive, got %d", c.TargetFPS))
	}
	if c.MaxFrames <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("max_frames must be positive, got %d", c.MaxFrames))
	}
	if c.MaxBytesMB <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("max_bytes_mb must be positive, got %d", c.MaxBytesMB))
	}

	if c.MaylaAPIBase != "" {
		u, err := url.Parse(c.MaylaAPIBase)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("mayla_api_base %q is not a valid URL: %w", c.MaylaAPIBase, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("mayla_api_base scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.MaxChunkSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_chunk_size %d is below minimum 1, clamping", c.MaxChunkSize))
		c.MaxChunkSize = 1
	}

	if c.MaxFrameBytes < 1024 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_frame_bytes %d is below minimum 1024, clamping", c.MaxFrameBytes))
		c.MaxFrameBytes = 1024
	}

	if c.JPEGQuality <= 0 || c.JPEGQuality > 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("jpeg_quality %v out of range (0,1], clamping to 0.5", c.JPEGQuality))
		c.JPEGQuality = 0.5
	}

	clampUnit := func(name string, v *float64) {
		if *v < 0 || *v > 1 {
			r.Warnings = append(r.Warnings, fmt.Errorf("%s %v out of range [0,1], clamping to 0.5", name, *v))
			*v = 0.5
		}
	}
	clampUnit("face_detect_min", &c.FaceDetectMin)
	clampUnit("snr_good", &c.SNRGood)
	clampUnit("snr_poor", &c.SNRPoor)

	if c.ROIRefreshInterval <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("roi_refresh_interval %d is below minimum 1, clamping", c.ROIRefreshInterval))
		c.ROIRefreshInterval = 1
	}

	if c.CreateRateLimitPerIP < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("create_rate_limit_per_ip %d is below minimum 1, clamping", c.CreateRateLimitPerIP))
		c.CreateRateLimitPerIP = 1
	}
	if c.CreateRateLimitWindowSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("create_rate_limit_window_seconds %d is below minimum 1, clamping", c.CreateRateLimitWindowSeconds))
		c.CreateRateLimitWindowSeconds = 1
	}

	if c.MaxConcurrentFinalizations < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_concurrent_finalizations %d is below minimum 1, clamping", c.MaxConcurrentFinalizations))
		c.MaxConcurrentFinalizations = 1
	}

	if c.DecodeWorkers < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("decode_workers %d is below minimum 1, clamping", c.DecodeWorkers))
		c.DecodeWorkers = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}
