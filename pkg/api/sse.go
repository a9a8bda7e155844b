package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/psaab/tethrx/pkg/notify"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// eventStreamHandler streams offload lifecycle events via SSE.
// Supports ?type= (substring) and ?upstream= (exact) filters, and
// ?replay=N to first send the last N events from the history ring.
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	filter := notify.Filter{
		Type:     r.URL.Query().Get("type"),
		Upstream: r.URL.Query().Get("upstream"),
	}
	replay := queryInt(r, "replay", 0)

	setSSEHeaders(w)

	// Subscribe before replaying so events raised in between are not lost;
	// a live duplicate of a replayed event is possible but harmless.
	sub := s.events.Subscribe(128)
	defer sub.Close()

	var seq uint64
	if replay > 0 {
		history := s.events.LatestFiltered(replay, filter)
		// LatestFiltered is newest-first; replay oldest-first.
		for i := len(history) - 1; i >= 0; i-- {
			seq++
			data, err := json.Marshal(history[i])
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", seq), string(history[i].Type), string(data))
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if !filter.Matches(ev) {
				continue
			}
			seq++
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", seq), string(ev.Type), string(data))
		}
	}
}

// logStreamHandler streams offload events formatted as log messages via
// SSE. Supports ?severity= (minimum level: info, warning, error).
func (s *Server) logStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	minSeverity := parseSeverity(r.URL.Query().Get("severity"))

	setSSEHeaders(w)

	sub := s.events.Subscribe(128)
	defer sub.Close()

	var seq uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			severity := eventSeverity(ev.Type)
			if severity < minSeverity {
				continue
			}
			seq++
			logEntry := LogStreamEntry{
				Time:     ev.Time.Format(time.RFC3339),
				Severity: severityName(severity),
				Message:  formatLogMessage(ev),
			}
			data, err := json.Marshal(logEntry)
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", seq), "log", string(data))
		}
	}
}

// LogStreamEntry is a log message sent via SSE.
type LogStreamEntry struct {
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

const (
	severityInfo = iota
	severityWarning
	severityError
)

func parseSeverity(s string) int {
	switch s {
	case "error":
		return severityError
	case "warning":
		return severityWarning
	default:
		return severityInfo
	}
}

// eventSeverity maps event types to log severity: hardware faults are
// errors, quota stops are warnings, everything else is informational.
func eventSeverity(t notify.EventType) int {
	switch t {
	case notify.EventStoppedError, notify.EventStoppedUnsupported:
		return severityError
	case notify.EventStoppedLimitReached:
		return severityWarning
	default:
		return severityInfo
	}
}

func severityName(s int) string {
	switch s {
	case severityError:
		return "error"
	case severityWarning:
		return "warning"
	default:
		return "info"
	}
}

func formatLogMessage(ev notify.Event) string {
	msg := fmt.Sprintf("OFFLOAD %s", ev.Type)
	if ev.Upstream != "" {
		msg += fmt.Sprintf(" upstream=%s", ev.Upstream)
	}
	if ev.Reason != "" {
		msg += fmt.Sprintf(" reason=%q", ev.Reason)
	}
	return msg
}
