package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kpiwatch/internal/cases"
	"github.com/opensource-finance/kpiwatch/internal/detect"
	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/opensource-finance/kpiwatch/internal/metrics"
	"github.com/opensource-finance/kpiwatch/internal/report"
	"github.com/opensource-finance/kpiwatch/internal/repository"
	"github.com/opensource-finance/kpiwatch/internal/rules"
	"github.com/opensource-finance/kpiwatch/internal/series"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	store     domain.Store
	cache     domain.Cache
	reader    *series.Reader
	metrics   *metrics.Recorder
	rulesPath string
	version   string
}

// NewHandler creates a new API handler. Cache, metrics and rulesPath are
// optional.
func NewHandler(store domain.Store, cache domain.Cache, rec *metrics.Recorder, rulesPath, version string) *Handler {
	return &Handler{
		store:     store,
		cache:     cache,
		reader:    series.NewReader(store, cache, 0),
		metrics:   rec,
		rulesPath: rulesPath,
		version:   version,
	}
}

// CaseView is a case as seen on a given as-of date.
type CaseView struct {
	*domain.Case
	EffectiveStatus domain.CaseStatus `json:"effectiveStatus"`
	DisplayStatus   string            `json:"displayStatus"`
}

// CasesResponse is the response for GET /cases.
type CasesResponse struct {
	AsOf  string     `json:"asOf"`
	Cases []CaseView `json:"cases"`
	Count int        `json:"count"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if err := h.store.Ping(r.Context()); err != nil {
		slog.Warn("store ping failed", "error", err)
		status = "degraded"
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			slog.Warn("cache ping failed", "error", err)
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListCases handles GET /cases. Optional query parameters: asOf, status
// (effective OPEN or CLOSED), category and triggerType.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	asOf, ok := asOfParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	status := domain.CaseStatus(strings.ToUpper(q.Get("status")))
	if status != "" && status != domain.CaseOpen && status != domain.CaseClosed {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status must be OPEN or CLOSED",
		})
		return
	}
	category := q.Get("category")
	triggerType := q.Get("triggerType")

	reg, err := cases.Load(r.Context(), h.store, asOf)
	if err != nil {
		slog.Error("failed to load cases", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load cases",
		})
		return
	}

	views := make([]CaseView, 0, reg.Len())
	for _, c := range reg.Cases() {
		if category != "" && c.Category != category {
			continue
		}
		if triggerType != "" && c.TriggerType != triggerType {
			continue
		}
		view := newCaseView(c, reg)
		if status != "" && view.EffectiveStatus != status {
			continue
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, CasesResponse{
		AsOf:  asOf.Format(domain.DateLayout),
		Cases: views,
		Count: len(views),
	})
}

// GetCase handles GET /cases/{id}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "case id is required",
		})
		return
	}

	asOf, ok := asOfParam(w, r)
	if !ok {
		return
	}

	c, err := h.store.GetCase(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "case not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get case", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get case",
		})
		return
	}

	writeJSON(w, http.StatusOK, CaseView{
		Case:            c,
		EffectiveStatus: cases.EffectiveStatus(c, asOf),
		DisplayStatus:   report.DisplayStatus(c),
	})
}

// ListRules returns the active rules of the configured rule table along
// with the rows that were rejected.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.rulesPath == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no rule table configured",
		})
		return
	}

	result, err := rules.LoadFile(h.rulesPath)
	if err != nil {
		slog.Error("failed to load rules", "path", h.rulesPath, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules",
		})
		return
	}

	rejected := make([]string, len(result.Errors))
	for i, e := range result.Errors {
		rejected[i] = e.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":    result.Rules,
		"count":    len(result.Rules),
		"inactive": result.Inactive,
		"rejected": rejected,
	})
}

// ListCutoffs returns the persisted re-trigger cutoff per key.
func (h *Handler) ListCutoffs(w http.ResponseWriter, r *http.Request) {
	cutoffs, err := h.store.ListCutoffs(r.Context())
	if err != nil {
		slog.Error("failed to list cutoffs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list cutoffs",
		})
		return
	}

	type cutoffView struct {
		domain.CaseKey
		ClosedAt string `json:"closedAt"`
	}
	views := make([]cutoffView, 0, len(cutoffs))
	for key, at := range cutoffs {
		views = append(views, cutoffView{CaseKey: key, ClosedAt: at.Format(domain.DateLayout)})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CaseKey.String() < views[j].CaseKey.String()
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"cutoffs": views,
		"count":   len(views),
	})
}

// Report renders the case report for an as-of date without writing
// anything. IsCurrentlyTriggering is computed by a dry detection pass when a
// rule table is configured.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	asOf, ok := asOfParam(w, r)
	if !ok {
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	contentType := "text/csv"
	switch format {
	case "", "csv":
		format = "csv"
	case "tsv":
		contentType = "text/tab-separated-values"
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "format must be csv or tsv",
		})
		return
	}

	ctx := r.Context()
	reg, err := cases.Load(ctx, h.store, asOf)
	if err != nil {
		slog.Error("failed to load cases", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load cases",
		})
		return
	}

	ruleSet, triggered, err := h.preview(ctx, reg, asOf)
	if err != nil {
		slog.Error("report preview failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to evaluate rules",
		})
		return
	}

	rows := report.Build(reg.Cases(), ruleSet, triggered)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if err := report.Write(w, rows, format); err != nil {
		slog.Error("failed to write report", "error", err)
	}
}

// preview runs detection and suppression against reg without persisting.
func (h *Handler) preview(ctx context.Context, reg *cases.Registry, asOf time.Time) ([]*domain.Rule, map[domain.CaseKey]bool, error) {
	triggered := make(map[domain.CaseKey]bool)
	if h.rulesPath == "" {
		return nil, triggered, nil
	}

	result, err := rules.LoadFile(h.rulesPath)
	if err != nil {
		return nil, nil, err
	}
	engine, err := rules.NewEngine()
	if err != nil {
		return nil, nil, err
	}
	defer engine.Close()
	engine.LoadRules(result.Rules)

	detector := detect.NewDetector(h.reader, engine, reg)
	var candidates []domain.CandidateTrigger
	for _, rule := range engine.Rules() {
		found, err := detector.Detect(ctx, rule, asOf)
		if errors.Is(err, detect.ErrEvaluation) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		candidates = append(candidates, found...)
	}

	kept, _ := detect.Suppress(candidates)
	for _, c := range kept {
		triggered[c.Key()] = true
	}
	return engine.Rules(), triggered, nil
}

// Metrics serves the run collectors in Prometheus exposition format.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "metrics not available",
		})
		return
	}
	h.metrics.Handler().ServeHTTP(w, r)
}

func newCaseView(c *domain.Case, reg *cases.Registry) CaseView {
	return CaseView{
		Case:            c,
		EffectiveStatus: reg.Status(c),
		DisplayStatus:   report.DisplayStatus(c),
	}
}

// asOfParam reads the optional asOf query parameter, defaulting to today.
// It writes a 400 and returns false when the value is malformed.
func asOfParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("asOf")
	if v == "" {
		return domain.Today(), true
	}
	asOf, err := domain.ParseDate(v)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "asOf must be YYYY-MM-DD",
		})
		return time.Time{}, false
	}
	return asOf, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
