package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"notifyledger/internal/config"
	"notifyledger/internal/metrics"
	"notifyledger/internal/model"
	"notifyledger/internal/results"
	"notifyledger/internal/storage"
)

type EngineControl interface {
	UpdateConfig(cfg *config.Config)
	CancelCandidate(ctx context.Context, sourceApp, candidateID string) (int64, error)
}

type PolicyStore interface {
	Get(ctx context.Context, appID string) (*model.PolicyRecord, error)
	Resolve(ctx context.Context, appID string) (model.PolicyRecord, error)
	List(ctx context.Context) ([]model.PolicyRecord, error)
	Upsert(ctx context.Context, rec model.PolicyRecord) error
	SetMode(ctx context.Context, appID string, mode model.Mode, now time.Time) error
	SetThreshold(ctx context.Context, appID string, threshold float64, now time.Time) error
	SetAmountWindow(ctx context.Context, appID string, seconds int, now time.Time) error
	SetBlacklist(ctx context.Context, appID string, patterns []string, now time.Time) error
	SetWhitelist(ctx context.Context, appID string, patterns []string, now time.Time) error
	Delete(ctx context.Context, appID string) (bool, error)
	ResetAllToDefaults(ctx context.Context, now time.Time) (int64, error)
}

type LedgerAdmin interface {
	Count(ctx context.Context) (int, error)
	StatsByPackage(ctx context.Context) ([]model.PackageStats, error)
	DeleteByPackage(ctx context.Context, packageName string) (int64, error)
	ClearAll(ctx context.Context) (int64, error)
}

type QueueAdmin interface {
	Get(ctx context.Context, id string) (*model.QueueEntry, error)
	ListRecent(ctx context.Context, limit int) ([]model.QueueEntry, error)
	ListByStatus(ctx context.Context, status model.QueueStatus, limit int) ([]model.QueueEntry, error)
	CountByStatus(ctx context.Context) (map[model.QueueStatus]int, error)
	Cancel(ctx context.Context, id string) (bool, error)
	ObserveRecent(ctx context.Context, limit int) (<-chan []model.QueueEntry, error)
}

type Deps struct {
	Config   *config.Manager
	Policies PolicyStore
	Ledger   LedgerAdmin
	Queue    QueueAdmin
	Metrics  *metrics.Store
	Results  *results.Store
	Engine   EngineControl
	Logger   *slog.Logger
	Version  string
	// Outcomes subscribes to live dispositions; nil disables /results/stream.
	Outcomes func(buffer int) (<-chan model.Outcome, func())
}

type Server struct {
	Deps
	now func() time.Time
}

type statusResponse struct {
	Status     string                `json:"status"`
	Time       string                `json:"time"`
	Version    string                `json:"version"`
	ConfigPath string                `json:"config_path"`
	Storage    string                `json:"storage"`
	Ingest     ingestStatus          `json:"ingest"`
	API        apiStatus             `json:"api"`
	Delivery   config.DeliveryConfig `json:"delivery"`
	Ledger     ledgerStatus          `json:"ledger"`
	Queue      map[string]int        `json:"queue"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	UDP       bool `json:"udp"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type ledgerStatus struct {
	Records int `json:"records"`
}

func NewHandler(deps Deps) http.Handler {
	s := &Server{Deps: deps, now: func() time.Time { return time.Now().UTC() }}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /policies", s.handleListPolicies)
	mux.HandleFunc("POST /policies/reset", s.handleResetPolicies)
	mux.HandleFunc("GET /policies/{app}", s.handleGetPolicy)
	mux.HandleFunc("PUT /policies/{app}", s.handlePutPolicy)
	mux.HandleFunc("PATCH /policies/{app}", s.handlePatchPolicy)
	mux.HandleFunc("DELETE /policies/{app}", s.handleDeletePolicy)
	mux.HandleFunc("GET /ledger/stats", s.handleLedgerStats)
	mux.HandleFunc("DELETE /ledger", s.handleLedgerClear)
	mux.HandleFunc("DELETE /ledger/packages/{pkg}", s.handleLedgerDeletePackage)
	mux.HandleFunc("GET /queue", s.handleQueue)
	mux.HandleFunc("GET /queue/stream", s.handleQueueStream)
	mux.HandleFunc("GET /queue/{id}", s.handleQueueEntry)
	mux.HandleFunc("POST /queue/{id}/cancel", s.handleQueueCancel)
	mux.HandleFunc("POST /candidates/cancel", s.handleCandidateCancel)
	mux.HandleFunc("GET /results", s.handleResults)
	mux.HandleFunc("GET /results/stream", s.handleResultsStream)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/{pkg}", s.handleMetrics)
	mux.HandleFunc("GET /config/filters", s.handleFilters)
	mux.HandleFunc("POST /config/filters", s.handleFilters)
	mux.HandleFunc("POST /admin/clear", s.handleClear)
	return mux
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	logger := deps.Logger
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       s.now().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Storage:    cfg.Storage.Driver,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			UDP:       cfg.Ingest.UDP.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API:      apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Delivery: cfg.Delivery,
		Queue:    map[string]int{},
	}
	if s.Ledger != nil {
		n, err := s.Ledger.Count(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		resp.Ledger.Records = n
	}
	if s.Queue != nil {
		counts, err := s.Queue.CountByStatus(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		for status, n := range counts {
			resp.Queue[string(status)] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	list, err := s.Policies.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list, "count": len(list)})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	stored, err := s.Policies.Get(r.Context(), app)
	if err != nil {
		s.fail(w, err)
		return
	}
	policy := model.DefaultPolicy(app)
	if stored != nil {
		policy = *stored
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": policy, "configured": stored != nil})
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var rec model.PolicyRecord
	if !readJSON(w, r, &rec) {
		return
	}
	rec.AppID = r.PathValue("app")
	rec.UpdatedAt = s.now()
	if err := s.Policies.Upsert(r.Context(), rec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writePolicy(w, r, rec.AppID)
}

type policyPatch struct {
	Mode                *string  `json:"mode"`
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
	AmountWindowSeconds *int     `json:"amount_window_seconds"`
	Blacklist           []string `json:"blacklist"`
	Whitelist           []string `json:"whitelist"`
}

// handlePatchPolicy applies each present field through its single-field
// setter so unrelated fields keep their stored values.
func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	var patch policyPatch
	if !readJSON(w, r, &patch) {
		return
	}
	ctx := r.Context()
	app := r.PathValue("app")
	now := s.now()
	var err error
	if patch.Mode != nil {
		mode, ok := model.ParseMode(*patch.Mode)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("unknown mode "+*patch.Mode))
			return
		}
		err = s.Policies.SetMode(ctx, app, mode, now)
	}
	if err == nil && patch.ConfidenceThreshold != nil {
		err = s.Policies.SetThreshold(ctx, app, *patch.ConfidenceThreshold, now)
	}
	if err == nil && patch.AmountWindowSeconds != nil {
		err = s.Policies.SetAmountWindow(ctx, app, *patch.AmountWindowSeconds, now)
	}
	if err == nil && patch.Blacklist != nil {
		err = s.Policies.SetBlacklist(ctx, app, patch.Blacklist, now)
	}
	if err == nil && patch.Whitelist != nil {
		err = s.Policies.SetWhitelist(ctx, app, patch.Whitelist, now)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writePolicy(w, r, app)
}

func (s *Server) writePolicy(w http.ResponseWriter, r *http.Request, app string) {
	rec, err := s.Policies.Resolve(r.Context(), app)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": rec})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.Policies.Delete(r.Context(), r.PathValue("app"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !deleted {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleResetPolicies(w http.ResponseWriter, r *http.Request) {
	n, err := s.Policies.ResetAllToDefaults(r.Context(), s.now())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reset": n})
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.Ledger.Count(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	stats, err := s.Ledger.StatsByPackage(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "packages": stats})
}

func (s *Server) handleLedgerClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.Ledger.ClearAll(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.Logger != nil {
		s.Logger.Info("ledger cleared", "deleted", n)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleLedgerDeletePackage(w http.ResponseWriter, r *http.Request) {
	n, err := s.Ledger.DeleteByPackage(r.Context(), r.PathValue("pkg"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	var (
		list []model.QueueEntry
		err  error
	)
	if status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); status != "" {
		list, err = s.Queue.ListByStatus(r.Context(), model.QueueStatus(status), limit)
	} else {
		list, err = s.Queue.ListRecent(r.Context(), limit)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": list, "count": len(list)})
}

func (s *Server) handleQueueEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Queue.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.Queue.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]any{"status": "not_active"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

func (s *Server) handleCandidateCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceApp   string `json:"source_app"`
		CandidateID string `json:"candidate_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SourceApp) == "" || strings.TrimSpace(req.CandidateID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("source_app and candidate_id are required"))
		return
	}
	n, err := s.Engine.CancelCandidate(r.Context(), req.SourceApp, req.CandidateID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(r, "limit", 0)
	var list []model.Outcome
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.Results.Since(ts)
	case q.Get("disposition") != "":
		list = s.Results.Filter(model.Disposition(strings.ToLower(q.Get("disposition"))), limit)
	default:
		list = s.Results.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": list, "count": len(list)})
}

func (s *Server) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := startEvents(w)
	if !ok {
		return
	}
	updates, err := s.Queue.ObserveRecent(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for list := range updates {
		if err := writeEvent(w, flusher, "queue", list); err != nil {
			return
		}
	}
}

func (s *Server) handleResultsStream(w http.ResponseWriter, r *http.Request) {
	if s.Outcomes == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	flusher, ok := startEvents(w)
	if !ok {
		return
	}
	sub, cancel := s.Outcomes(64)
	defer cancel()
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case out, ok := <-sub:
			if !ok {
				return
			}
			if err := writeEvent(w, flusher, "outcome", out); err != nil {
				return
			}
		}
	}
}

func startEvents(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusNotImplemented)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	return flusher, true
}

func writeEvent(w io.Writer, flusher http.Flusher, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if pkg := r.PathValue("pkg"); pkg != "" {
		counters, ok := s.Metrics.Get(pkg)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, counters)
		return
	}
	all := s.Metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{"metrics": all, "count": len(all)})
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"filters": s.Config.Get().Engine.Filters})
		return
	}
	var filters config.FiltersConfig
	if !readJSON(w, r, &filters) {
		return
	}
	filters.BlockedPackages = sanitizeList(filters.BlockedPackages)
	filters.OrderKeywords = sanitizeList(filters.OrderKeywords)
	filters.PaymentKeywords = sanitizeList(filters.PaymentKeywords)
	next := *s.Config.Get()
	next.Engine.Filters = filters
	if err := s.Config.Update(&next); err != nil {
		s.fail(w, err)
		return
	}
	if s.Engine != nil {
		s.Engine.UpdateConfig(&next)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.Metrics.Clear()
		s.Results.Clear()
	case "results":
		s.Results.Clear()
	case "metrics":
		s.Metrics.Clear()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if s.Logger != nil {
		s.Logger.Error("api request failed", "err", err)
	}
	writeError(w, http.StatusInternalServerError, err)
}

func sanitizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
