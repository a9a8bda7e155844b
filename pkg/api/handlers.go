package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/psaab/tethrx/pkg/notify"
	"github.com/psaab/tethrx/pkg/offload"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// writeControlError maps the controller error taxonomy onto HTTP status
// codes. Parameter faults are the client's, lifecycle and conflict faults
// are state-dependent, hardware faults are ours.
func writeControlError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, offload.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, offload.ErrNotInitialized),
		errors.Is(err, offload.ErrAlreadyInitialized),
		errors.Is(err, offload.ErrNoActiveUpstream),
		errors.Is(err, offload.ErrDownstreamRejected):
		status = http.StatusConflict
	case errors.Is(err, offload.ErrHardwareUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctrl.Snapshot()
	resp := StatusResponse{
		Uptime:        time.Since(s.startTime).Truncate(time.Second).String(),
		Engine:        s.engineKind,
		State:         snap.State,
		Forwarding:    snap.Upstream.Forwarding(),
		Downstreams:   len(snap.Downstreams),
		LocalPrefixes: len(snap.LocalPrefixes),
		Quotas:        len(snap.Quotas),
		Capacity:      snap.Capacity,
	}
	if snap.Upstream != nil {
		resp.Upstream = snap.Upstream.Iface
	}
	writeOK(w, resp)
}

func (s *Server) stateHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.ctrl.Snapshot())
}

func (s *Server) initHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Init(r.Context(), s.sink); err != nil {
		writeControlError(w, err)
		return
	}
	writeOK(w, map[string]string{"state": offload.StateActive.String()})
}

func (s *Server) teardownHandler(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Teardown(); err != nil {
		writeControlError(w, err)
		return
	}
	writeOK(w, map[string]string{"state": offload.StateUninitialized.String()})
}

func (s *Server) upstreamGetHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.ctrl.Snapshot().Upstream)
}

func (s *Server) upstreamSetHandler(w http.ResponseWriter, r *http.Request) {
	var req UpstreamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.ctrl.SetUpstreamParameters(offload.UpstreamParams{
		Iface:      req.Iface,
		V4Addr:     req.V4Addr,
		V4Gateway:  req.V4Gateway,
		V6Gateways: req.V6Gateways,
	})
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeOK(w, s.ctrl.Snapshot().Upstream)
}

func (s *Server) upstreamClearHandler(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.SetUpstreamParameters(offload.UpstreamParams{}); err != nil {
		writeControlError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) downstreamsHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.ctrl.Snapshot().Downstreams)
}

func (s *Server) downstreamAddHandler(w http.ResponseWriter, r *http.Request) {
	var req DownstreamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ctrl.AddDownstream(req.Iface, req.Prefix); err != nil {
		writeControlError(w, err)
		return
	}
	writeOK(w, req)
}

func (s *Server) downstreamRemoveHandler(w http.ResponseWriter, r *http.Request) {
	var req DownstreamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ctrl.RemoveDownstream(req.Iface, req.Prefix); err != nil {
		writeControlError(w, err)
		return
	}
	writeOK(w, req)
}

func (s *Server) localPrefixesGetHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.ctrl.Snapshot().LocalPrefixes)
}

func (s *Server) localPrefixesSetHandler(w http.ResponseWriter, r *http.Request) {
	var req LocalPrefixesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ctrl.SetLocalPrefixes(req.Prefixes); err != nil {
		writeControlError(w, err)
		return
	}
	writeOK(w, map[string]int{"count": len(req.Prefixes)})
}

func (s *Server) dataLimitHandler(w http.ResponseWriter, r *http.Request) {
	var req DataLimitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ctrl.SetDataLimit(req.Upstream, req.LimitBytes); err != nil {
		writeControlError(w, err)
		return
	}
	writeOK(w, req)
}

func (s *Server) quotasHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.ctrl.Snapshot().Quotas)
}

// statsReadHandler performs the destructive counter read: the returned
// counts are consumed, the next read starts from zero. POST, not GET.
func (s *Server) statsReadHandler(w http.ResponseWriter, r *http.Request) {
	var req StatsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rx, tx, err := s.ctrl.ForwardedStats(req.Upstream)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeOK(w, StatsResponse{Upstream: req.Upstream, RxBytes: rx, TxBytes: tx})
}

func (s *Server) statsTotalsHandler(w http.ResponseWriter, _ *http.Request) {
	ms := s.ctrl.MetricsSnapshot()
	totals := make([]TotalsEntry, 0, len(ms.Totals))
	for upstream, bytes := range ms.Totals {
		totals = append(totals, TotalsEntry{
			Upstream: upstream,
			RxBytes:  bytes[0],
			TxBytes:  bytes[1],
		})
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Upstream < totals[j].Upstream })
	writeOK(w, totals)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeOK(w, []notify.Event{})
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 10000 {
		limit = 10000
	}

	filter := notify.Filter{
		Type:     r.URL.Query().Get("type"),
		Upstream: r.URL.Query().Get("upstream"),
	}

	var events []notify.Event
	if filter.IsEmpty() {
		events = s.events.Latest(limit)
	} else {
		events = s.events.LatestFiltered(limit, filter)
	}
	if events == nil {
		events = []notify.Event{}
	}
	writeOK(w, events)
}

// --- helpers ---

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
