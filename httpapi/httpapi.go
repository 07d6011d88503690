// Package httpapi exposes the snapshot engine over HTTP. It owns only
// transport concerns: parsing the client's reference timestamp out of the
// path, forwarding the encoded snapshot verbatim, and the health/status
// surfaces.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/gossnap/ingest"
	"github.com/hazyhaar/gossnap/snapshot"
	"github.com/hazyhaar/gossnap/store"
)

// Server wires the snapshot cache and store into an HTTP handler.
type Server struct {
	store *store.Store
	cache *snapshot.Cache
	stats *ingest.Stats
	log   *slog.Logger
}

// New creates the handler. stats may be nil when no pipeline runs (tests).
func New(st *store.Store, cache *snapshot.Cache, stats *ingest.Stats, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{store: st, cache: cache, stats: stats, log: log}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(log))
	r.Get("/snapshot/{since}", s.handleSnapshot)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/statusz", s.handleStatusz)
	return r
}

// handleSnapshot serves the encoded snapshot for a client synced through
// the {since} reference timestamp (seconds). Out-of-range values are not an
// error: the calculator maps them to a full baseline.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(chi.URLParam(r, "since"), 10, 64)
	if err != nil {
		http.Error(w, "since must be an integer timestamp", http.StatusBadRequest)
		return
	}

	data, err := s.cache.Serve(r.Context(), since)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-computation; nothing to answer.
			return
		}
		s.log.Error("snapshot computation failed", "since", since, "error", err)
		http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	latest, err := s.store.LatestTimestamp(r.Context())
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	hits, misses, entries := s.cache.Stats()

	status := map[string]any{
		"generation":       s.store.Generation(),
		"latest_timestamp": latest,
		"cache": map[string]any{
			"hits":    hits,
			"misses":  misses,
			"entries": entries,
		},
		"time": time.Now().UTC().Format(time.RFC3339),
	}
	if s.stats != nil {
		status["ingest"] = map[string]any{
			"applied":   s.stats.Applied.Load(),
			"stale":     s.stats.Stale.Load(),
			"orphaned":  s.stats.Orphaned.Load(),
			"discarded": s.stats.Discarded.Load(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
