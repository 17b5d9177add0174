// Package httpserver implements the REST adapter: non-streaming session
// endpoints, health/metrics, and the Mayla proxy, all on one
// gorilla/mux router sharing the Registry/Ingestor/Finalizer also used
// by the WebSocket handler.
package httpserver

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/mayla-rppg/ingest/internal/finalize"
	"github.com/mayla-rppg/ingest/internal/health"
	"github.com/mayla-rppg/ingest/internal/ingest"
	"github.com/mayla-rppg/ingest/internal/logging"
	"github.com/mayla-rppg/ingest/internal/mayla"
	"github.com/mayla-rppg/ingest/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var log = logging.L("httpserver")

// Server holds the dependencies wired into the REST adapter's routes.
type Server struct {
	registry        *session.Registry
	ingestor        *ingest.Ingestor
	finalizer       *finalize.Finalizer
	finalizeLimiter *rate.Limiter
	mayla           *mayla.Client
	monitor         *health.Monitor
}

// New builds a Server. mayla may be nil, in which case the /mayla/*
// routes respond 502 (proxy not configured) rather than panicking.
func New(registry *session.Registry, ingestor *ingest.Ingestor, finalizer *finalize.Finalizer, finalizeLimiter *rate.Limiter, maylaClient *mayla.Client, monitor *health.Monitor) *Server {
	return &Server{
		registry:        registry,
		ingestor:        ingestor,
		finalizer:       finalizer,
		finalizeLimiter: finalizeLimiter,
		mayla:           maylaClient,
		monitor:         monitor,
	}
}

// Router builds the *mux.Router exposing every REST endpoint, wrapped
// in the permissive dev CORS policy.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/sessions/start", s.handleSessionsStart).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/sessions/end", s.handleSessionsEndByBody).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/sessions/{id}/chunk", s.handleSessionChunk).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/sessions/{id}/end", s.handleSessionEnd).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/mayla/auth/patient/login", s.handleMaylaLogin).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/mayla/vital-signs", s.handleMaylaVitalSigns).Methods(http.MethodPost, http.MethodOptions)

	return r
}

// corsMiddleware implements the permissive dev-friendly CORS policy
// carried over from the original service's CORSMiddleware configuration.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type startRequest struct {
	Consent bool `json:"consent"`
}

type sessionParamsResponse struct {
	SessionID          string  `json:"session_id"`
	CaptureSeconds     int     `json:"capture_seconds"`
	TargetFPS          int     `json:"target_fps"`
	Resolution         string  `json:"resolution"`
	JPEGQuality        float64 `json:"jpeg_quality"`
	ROIRefreshInterval int     `json:"roi_refresh_interval"`
	TTLSeconds         int     `json:"ttl_sec"`
	MaxFrames          int     `json:"max_frames"`
	MaxBytesMB         int     `json:"max_bytes_mb"`
	MaxChunkSize       int     `json:"max_chunk_size"`
	MockMode           bool    `json:"mock_mode"`
}

func (s *Server) handleSessionsStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request")
		return
	}
	if !req.Consent {
		writeErrorJSON(w, http.StatusBadRequest, "consent_required")
		return
	}

	st, err := s.registry.Create(clientIP(r))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionParamsResponse{
		SessionID:          st.ID,
		CaptureSeconds:     st.Params.CaptureSeconds,
		TargetFPS:          st.Params.TargetFPS,
		Resolution:         st.Params.Resolution,
		JPEGQuality:        st.Params.JPEGQuality,
		ROIRefreshInterval: st.Params.ROIRefreshInterval,
		TTLSeconds:         st.Params.TTLSeconds,
		MaxFrames:          st.Params.MaxFrames,
		MaxBytesMB:         st.Params.MaxBytesMB,
		MaxChunkSize:       st.Params.MaxChunkSize,
		MockMode:           st.Params.MockMode,
	})
}

type chunkRequest struct {
	ChunkSeq int               `json:"chunk_seq"`
	N        *int              `json:"n"`
	Frames   []json.RawMessage `json:"frames"`
}

type ackResponse struct {
	Type     string `json:"type"`
	ChunkSeq int    `json:"chunk_seq"`
	Received int    `json:"received"`
}

func (s *Server) handleSessionChunk(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.registry.Get(id)
	if !ok {
		s.writeSessionError(w, session.ErrNotFoundOrExpired)
		return
	}

	var req chunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request")
		return
	}

	n, _, err := s.ingestor.IngestChunk(st, req.Frames)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	received := n
	if req.N != nil {
		received = *req.N
	}
	writeJSON(w, http.StatusOK, ackResponse{Type: "ack", ChunkSeq: req.ChunkSeq, Received: received})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.registry.Get(id)
	if !ok {
		s.writeSessionError(w, session.ErrNotFoundOrExpired)
		return
	}

	if !st.MarkFinished() {
		writeErrorJSON(w, http.StatusConflict, "session_already_finished")
		s.registry.End(id)
		return
	}

	ctx := r.Context()
	if s.finalizeLimiter != nil {
		if err := s.finalizeLimiter.Wait(ctx); err != nil {
			log.Warn("finalize limiter wait failed", logging.KeyError, err)
		}
	}

	result := s.finalizer.Finalize(ctx, st)
	s.registry.End(id)
	writeJSON(w, http.StatusOK, result)
}

type endByIDRequest struct {
	SessionID string `json:"session_id"`
}

// handleSessionsEndByBody is the idempotent end that never errors: an
// unknown or already-ended session_id still reports {ok:true}.
func (s *Server) handleSessionsEndByBody(w http.ResponseWriter, r *http.Request) {
	var req endByIDRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.SessionID != "" {
		s.registry.End(req.SessionID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := s.monitor.Summary()
	summary["ok"] = s.monitor.Overall() != health.Unhealthy
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMaylaLogin(w http.ResponseWriter, r *http.Request) {
	if s.mayla == nil {
		writeErrorJSON(w, http.StatusBadGateway, "mayla_proxy_not_configured")
		return
	}
	body, err := readRawBody(r)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request")
		return
	}

	resp, err := s.mayla.PatientLogin(r.Context(), body)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMaylaVitalSigns(w http.ResponseWriter, r *http.Request) {
	token, ok := mayla.ExtractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeErrorJSON(w, http.StatusUnauthorized, "missing_bearer_token")
		return
	}
	if s.mayla == nil {
		writeErrorJSON(w, http.StatusBadGateway, "mayla_proxy_not_configured")
		return
	}
	body, err := readRawBody(r)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request")
		return
	}

	resp, err := s.mayla.PostVitalSigns(r.Context(), body, token)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, resp)
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	kind := session.Kind(err)
	status := http.StatusBadRequest
	switch kind {
	case "session_not_found_or_expired":
		status = http.StatusNotFound
	case "rate_limited":
		status = http.StatusTooManyRequests
	case "session_already_finished":
		status = http.StatusConflict
	case "invalid_config":
		status = http.StatusInternalServerError
	}
	writeErrorJSON(w, status, kind)
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	ue, ok := err.(*mayla.UpstreamError)
	if !ok {
		writeErrorJSON(w, http.StatusBadGateway, "mayla_api_error")
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"upstream": "mayla",
		"status":   ue.Status,
		"body":     ue.Body,
	})
}

func readRawBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", logging.KeyError, err)
	}
}

func writeRawJSON(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}

func writeErrorJSON(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]string{"error": kind})
}

// clientIP extracts the caller's address for per-IP rate limiting,
// preferring X-Forwarded-For's first hop (set by a reverse proxy) and
// falling back to the raw remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
