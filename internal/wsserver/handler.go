// Package wsserver implements the bidirectional stream handler: the
// server side of the chunk/ack/end/result protocol described in the
// session ingest specification, built on gorilla/websocket with the
// read/write-pump split the teacher's client package uses for its own
// (client-side) connection.
package wsserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/mayla-rppg/ingest/internal/finalize"
	"github.com/mayla-rppg/ingest/internal/ingest"
	"github.com/mayla-rppg/ingest/internal/logging"
	"github.com/mayla-rppg/ingest/internal/metrics"
	"github.com/mayla-rppg/ingest/internal/session"
	"github.com/mayla-rppg/ingest/internal/wsproto"
	"golang.org/x/time/rate"
)

var log = logging.L("wsserver")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2 * 1024 * 1024 // a chunk carries up to max_chunk_size base64 JPEG frames
	sendBufferSize = 16
)

// Handler upgrades incoming HTTP connections at /ws/sessions/{session_id}
// and runs the per-stream protocol loop. One Handler is shared by every
// connection; per-connection state lives in stream.
type Handler struct {
	registry        *session.Registry
	ingestor        *ingest.Ingestor
	finalizer       *finalize.Finalizer
	finalizeLimiter *rate.Limiter
	upgrader        websocket.Upgrader
}

// New builds a Handler. finalizeLimiter bounds how often finalizer
// invocations may start server-wide, independent of any single session's
// state — a coarse safety valve against bursts of sessions finalizing
// together. It does not cap how many finalizations run concurrently.
func New(registry *session.Registry, ingestor *ingest.Ingestor, finalizer *finalize.Finalizer, finalizeLimiter *rate.Limiter) *Handler {
	return &Handler{
		registry:        registry,
		ingestor:        ingestor,
		finalizer:       finalizer,
		finalizeLimiter: finalizeLimiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its stream to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", logging.KeyError, err)
		return
	}

	st := &stream{
		handler: h,
		conn:    conn,
		send:    make(chan any, sendBufferSize),
	}
	st.run(sessionID)
}

// stream owns one connection's protocol state: ATTACHING/ACTIVE/
// FINALIZING per the state machine. The write pump goroutine owns all
// writes (acks, errors, progress, result, pings); the calling goroutine
// owns the blocking reads.
type stream struct {
	handler *Handler
	conn    *websocket.Conn

	send chan any
}

func (st *stream) run(sessionID string) {
	defer st.conn.Close()

	s, ok := st.handler.registry.Get(sessionID)
	if !ok {
		st.conn.SetWriteDeadline(time.Now().Add(writeWait))
		st.conn.WriteJSON(wsproto.NewError(session.Kind(session.ErrNotFoundOrExpired)))
		st.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4404, ""), time.Now().Add(writeWait))
		return
	}

	st.handler.registry.TouchStarted(sessionID)
	metrics.SessionsAttached.Inc()

	writePumpDone := make(chan struct{})
	go st.writePump(writePumpDone)

	closeCode, closeText := st.readPump(s)

	close(st.send)
	<-writePumpDone

	st.conn.SetWriteDeadline(time.Now().Add(writeWait))
	st.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, closeText), time.Now().Add(writeWait))
}

// writePump is the connection's sole writer. It drains st.send until the
// channel is closed (readPump is done producing), interleaving
// keepalive pings.
func (st *stream) writePump(done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-st.send:
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := st.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump runs the receive/dispatch loop until the stream reaches a
// terminal condition, and returns the close code/text to send.
func (st *stream) readPump(s *session.State) (int, string) {
	st.conn.SetReadLimit(maxMessageSize)
	st.conn.SetReadDeadline(time.Now().Add(pongWait))
	st.conn.SetPongHandler(func(string) error {
		st.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := st.conn.ReadMessage()
		if err != nil {
			// Client disconnect mid-session: release, no result.
			st.handler.registry.End(s.ID)
			return websocket.CloseNormalClosure, ""
		}

		in, err := wsproto.Decode(data)
		if err != nil {
			st.send <- wsproto.NewError(err.Error())
			continue
		}

		if in.Kind == wsproto.KindEnd {
			return st.finalizeAndRespond(s)
		}

		if err := st.dispatchChunk(s, in.Chunk); err != nil {
			st.send <- wsproto.NewError(session.Kind(err))
			st.handler.registry.End(s.ID)
			return 4400, ""
		}

		if elapsed, ok := s.ElapsedSinceStart(time.Now()); ok && int(elapsed.Seconds()) >= s.Params.CaptureSeconds {
			return st.finalizeAndRespond(s)
		}
	}
}

// dispatchChunk ingests one chunk and acks it. It returns a non-nil
// error only for guardrail failures, which are fatal to the stream.
func (st *stream) dispatchChunk(s *session.State, chunk wsproto.Chunk) error {
	n, _, err := st.handler.ingestor.IngestChunk(s, chunk.Frames)
	if err != nil {
		metrics.GuardrailRejections.WithLabelValues(session.Kind(err)).Inc()
		return err
	}

	received := n
	if chunk.N != nil {
		received = *chunk.N
	}
	st.send <- wsproto.NewAck(chunk.ChunkSeq, received)
	metrics.ChunksIngested.Inc()
	return nil
}

// finalizeAndRespond performs the check-and-set terminal transition,
// runs the finalizer (rate-gated server-wide), sends the result, and
// returns the normal-closure code. MarkFinished is the single source of
// truth for who gets to finalize; losing the race here would indicate a
// bug elsewhere (this handler is the only trigger reachable from a
// single stream's reader), so the fallback path reports a server error
// rather than finalizing twice.
func (st *stream) finalizeAndRespond(s *session.State) (int, string) {
	if !s.MarkFinished() {
		st.send <- wsproto.NewError("server_error")
		st.handler.registry.End(s.ID)
		return websocket.CloseInternalServerErr, ""
	}

	st.send <- wsproto.NewProgress("processing")

	ctx := context.Background()
	if st.handler.finalizeLimiter != nil {
		if err := st.handler.finalizeLimiter.Wait(ctx); err != nil {
			log.Warn("finalize limiter wait failed", logging.KeyError, err)
		}
	}

	start := time.Now()
	result := st.handler.finalizer.Finalize(ctx, s)
	metrics.FinalizeLatency.Observe(time.Since(start).Seconds())

	st.send <- result
	st.handler.registry.End(s.ID)
	return websocket.CloseNormalClosure, ""
}
