package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mayla-rppg/ingest/internal/config"
	"github.com/mayla-rppg/ingest/internal/logging"
	"github.com/mayla-rppg/ingest/internal/metrics"
	"github.com/mayla-rppg/ingest/internal/ratelimit"
)

var log = logging.L("session")

// sweepAmortizeEvery bounds how often a full TTL sweep runs on a hot
// lookup path; Create always sweeps unconditionally per spec.
const sweepAmortizeEvery = 32

// Registry is the process-wide, concurrency-safe map of active sessions.
// It is the sole owner of every State it hands out; callers must not
// retain a State past its terminal transition.
type Registry struct {
	cfg *config.Config

	mu          sync.Mutex
	sessions    map[string]*State
	ipCounter   *ratelimit.Limiter
	lookupsSinceSweep int
}

// NewRegistry constructs a registry snapshotting cfg for new sessions and
// admission control. cfg is not retained for mutation; each Create call
// copies the current field values into the new session's Params.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*State),
		ipCounter: ratelimit.New(
			cfg.CreateRateLimitPerIP,
			time.Duration(cfg.CreateRateLimitWindowSeconds)*time.Second,
		),
	}
}

// Create sweeps expired sessions, applies per-IP admission control, then
// allocates a fresh session snapshotting the registry's Config.
func (r *Registry) Create(clientIP string) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.sweepLocked(now)

	if !r.ipCounter.Allow(clientIP) {
		return nil, ErrRateLimited
	}

	params := Params{
		CaptureSeconds:     r.cfg.CaptureSeconds,
		TargetFPS:          r.cfg.TargetFPS,
		Resolution:         r.cfg.Resolution,
		JPEGQuality:        r.cfg.JPEGQuality,
		ROIRefreshInterval: r.cfg.ROIRefreshInterval,
		TTLSeconds:         r.cfg.TTLSeconds,
		MaxFrames:          r.cfg.MaxFrames,
		MaxBytesMB:         r.cfg.MaxBytesMB,
		MaxChunkSize:       r.cfg.MaxChunkSize,
		MaxFrameBytes:      r.cfg.MaxFrameBytes,
		MockMode:           r.cfg.MockMode,
	}
	if params.TTLSeconds <= 0 {
		return nil, ErrInvalidConfig
	}

	id := uuid.NewString()
	s := newState(id, params, now)
	r.sessions[id] = s
	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Set(float64(len(r.sessions)))

	log.Info("session created", logging.KeySessionID, id, logging.KeyClientIP, clientIP)
	return s, nil
}

// Get performs a TTL sweep (amortized) and returns the session, or
// (nil, false) if unknown or expired.
func (r *Registry) Get(id string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lookupsSinceSweep++
	if r.lookupsSinceSweep >= sweepAmortizeEvery {
		r.sweepLocked(time.Now())
	}

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	if !s.ExpiresAt.After(time.Now()) {
		delete(r.sessions, id)
		s.ReleaseBuffer()
		metrics.ActiveSessions.Set(float64(len(r.sessions)))
		return nil, false
	}
	return s, true
}

// End removes the session if present and releases its buffer. Idempotent.
func (r *Registry) End(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if ok {
		s.ReleaseBuffer()
		metrics.ActiveSessions.Set(float64(count))
		log.Info("session ended", logging.KeySessionID, id)
	}
}

// TouchStarted marks the session's attach time iff unset. No-op if the
// session is unknown.
func (r *Registry) TouchStarted(id string) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.TouchStarted(time.Now())
}

// Count reports the number of currently tracked sessions (for health
// checks and metrics).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// sweepLocked removes all sessions whose expiry has passed. Caller must
// hold r.mu.
func (r *Registry) sweepLocked(now time.Time) {
	r.lookupsSinceSweep = 0
	for id, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			delete(r.sessions, id)
			s.ReleaseBuffer()
		}
	}
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
}
