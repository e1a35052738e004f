// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edgefleet/edgefleet/internal/coredb"
	"github.com/edgefleet/edgefleet/internal/inventory"
)

const defaultRecordLimit = 100

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	var nodes []inventory.Node
	if raw := r.URL.Query().Get("role"); raw != "" {
		role, err := inventory.ParseRole(raw)
		if err != nil {
			writeProblem(w, newProblem(http.StatusBadRequest, "invalid role", err.Error()))
			return
		}
		nodes = s.cfg.Inventory.ListByRole(role)
	} else {
		nodes = s.cfg.Inventory.List()
	}
	if nodes == nil {
		nodes = []inventory.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.cfg.Inventory.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type recordView struct {
	Seq           int64     `json:"seq"`
	RunID         string    `json:"run_id"`
	Phase         string    `json:"phase"`
	PhaseSeq      int       `json:"phase_seq"`
	Attempt       int       `json:"attempt"`
	Outcome       string    `json:"outcome"`
	FailureClass  string    `json:"failure_class,omitempty"`
	ExitCode      int       `json:"exit_code"`
	Output        string    `json:"output,omitempty"`
	OutputEvicted bool      `json:"output_evicted,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

func viewRecord(rec coredb.ExecutionRecord) recordView {
	return recordView{
		Seq:           rec.Seq,
		RunID:         rec.RunID,
		Phase:         rec.Phase,
		PhaseSeq:      rec.PhaseSeq,
		Attempt:       rec.Attempt,
		Outcome:       rec.Outcome,
		FailureClass:  rec.FailureClass,
		ExitCode:      rec.ExitCode,
		Output:        string(rec.Output),
		OutputEvicted: rec.OutputEvicted,
		DurationMS:    rec.Duration.Milliseconds(),
		Timestamp:     rec.Timestamp,
	}
}

var errStopIteration = errors.New("stop")

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Inventory.Get(id); err != nil {
		s.writeNodeError(w, err)
		return
	}
	if s.cfg.Records == nil {
		writeProblem(w, newProblem(http.StatusServiceUnavailable, "records unavailable", "").withType("storage-degraded"))
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeProblem(w, newProblem(http.StatusBadRequest, "invalid after", err.Error()))
		return
	}
	limit, err := queryInt(r, "limit", defaultRecordLimit)
	if err != nil || limit <= 0 {
		writeProblem(w, newProblem(http.StatusBadRequest, "invalid limit", "limit must be a positive integer"))
		return
	}

	out := []recordView{}
	err = s.cfg.Records.ForEach(r.Context(), id, int64(after), func(rec coredb.ExecutionRecord) error {
		out = append(out, viewRecord(rec))
		if len(out) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		writeProblem(w, newProblem(http.StatusInternalServerError, "read records", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": id, "records": out})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.Report()
	if !ok {
		w.Header().Set("Retry-After", "30")
		writeProblem(w, newProblem(http.StatusServiceUnavailable, "report pending", "no validation run has completed yet").withType("report-pending"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStorageHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := coredb.CollectStorageStats(r.Context(), s.cfg.DB)
	if err != nil {
		writeProblem(w, newProblem(http.StatusServiceUnavailable, "storage degraded", err.Error()).withType("storage-degraded"))
		return
	}
	if !stats.OK {
		writeProblem(w, newProblem(http.StatusServiceUnavailable, "storage degraded", "").
			withType("storage-degraded").
			with("driver", stats.Driver).
			with("bytes_used", stats.BytesUsed).
			with("max_bytes", stats.MaxBytes).
			with("eviction_active", stats.EvictionActive).
			with("schema_version", stats.SchemaVersion))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeNodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, inventory.ErrUnknownNode) {
		writeProblem(w, newProblem(http.StatusNotFound, "node not found", err.Error()).withType("unknown-node"))
		return
	}
	writeProblem(w, newProblem(http.StatusInternalServerError, "inventory error", err.Error()))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
