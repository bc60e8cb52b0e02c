package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/basket/go-studio/internal/bus"
	"github.com/basket/go-studio/internal/events"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/shared"
)

const (
	replayBatch  = 100
	runPageSize  = 200
	writeTimeout = 10 * time.Second
)

// handleProjectEvents streams a project's task events as SSE. A client that
// reconnects with Last-Event-ID (or ?after=) first gets every replayable event
// persisted after that id, then the live feed. The bus subscription is opened
// before the replay so nothing published in between is lost; persisted events
// the replay already covered are skipped on the live side.
func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("after")
	}
	sent, replay := events.ParseID(lastID)

	var live <-chan bus.Event
	if s.cfg.Bus != nil {
		sub := s.cfg.Bus.Subscribe(bus.ProjectChannel(projectID))
		defer s.cfg.Bus.Unsubscribe(sub)
		live = sub.Ch()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	logger := s.logger.With("project_id", projectID, "trace_id", shared.TraceID(ctx))

	if replay {
		for {
			msgs, cursor, err := s.cfg.Events.ReplayAfter(ctx, projectID, sent, replayBatch)
			if err != nil {
				logger.Error("sse: replay failed", "after", sent, "error", err)
				return
			}
			for _, msg := range msgs {
				if err := writeSSE(w, msg); err != nil {
					return
				}
			}
			flusher.Flush()
			if cursor <= sent {
				break
			}
			sent = cursor
		}
		logger.Debug("sse: replay done", "cursor", sent)
	}

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("sse: client disconnected")
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-live:
			if !ok {
				return
			}
			msg, ok := ev.Payload.(events.Message)
			if !ok {
				continue
			}
			if msg.Persisted && msg.EventID <= sent {
				continue
			}
			if err := writeSSE(w, msg); err != nil {
				logger.Debug("sse: write failed", "error", err)
				return
			}
			if msg.Persisted {
				sent = msg.EventID
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one event frame. Ephemeral events carry no id line so the
// client's Last-Event-ID keeps pointing at the last persisted event.
func writeSSE(w io.Writer, msg events.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if msg.Persisted {
		if _, err := fmt.Fprintf(w, "id: %s\n", msg.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleRunWS streams a run's events over a websocket: the persisted log after
// ?after=<seq>, then live events. The socket closes normally after the run's
// terminal event.
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetRun(r.Context(), runID); err != nil {
		s.lookupError(w, r, "get run", err)
		return
	}
	sent := int64(queryInt(r.URL.Query().Get("after"), 0))

	var live <-chan bus.Event
	if s.cfg.Bus != nil {
		sub := s.cfg.Bus.Subscribe(bus.RunChannel(runID))
		defer s.cfg.Bus.Unsubscribe(sub)
		live = sub.Ch()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originHosts(s.cfg.AllowOrigins),
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	logger := s.logger.With("run_id", runID)
	logger.Debug("ws: run subscriber connected", "after", sent)

	// The client never sends; CloseRead answers control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		evs, err := s.cfg.Events.RunEventsAfter(ctx, runID, sent, runPageSize)
		if err != nil {
			logger.Error("ws: replay failed", "after", sent, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "replay failed")
			return
		}
		for _, ev := range evs {
			if err := writeRunEvent(ctx, conn, ev); err != nil {
				return
			}
			sent = ev.Seq
			if persistence.TerminalRunEvent(ev.EventType) {
				_ = conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
		}
		if len(evs) < runPageSize {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			rev, ok := ev.Payload.(persistence.RunEvent)
			if !ok {
				continue
			}
			if rev.Seq > 0 && rev.Seq <= sent {
				continue
			}
			if err := writeRunEvent(ctx, conn, rev); err != nil {
				logger.Debug("ws: write failed", "error", err)
				return
			}
			if rev.Seq > 0 {
				sent = rev.Seq
			}
			if persistence.TerminalRunEvent(rev.EventType) {
				_ = conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
		}
	}
}

func writeRunEvent(ctx context.Context, conn *websocket.Conn, ev persistence.RunEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// originHosts turns configured origins ("https://studio.example.com") into
// the host patterns the websocket handshake matches against.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
