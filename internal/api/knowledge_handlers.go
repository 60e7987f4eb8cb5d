package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/davidahmann/kpregistry/internal/auth"
	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/reputation"
	"github.com/davidahmann/kpregistry/internal/store"
)

const unitIDPrefix = "kp:ku:"

func (h *Handler) SearchKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.SearchQuery{
		Text:   q.Get("q"),
		Domain: q.Get("domain"),
		Page:   pageFromQuery(r),
	}
	for _, param := range []string{"type", "types"} {
		for _, t := range strings.Split(q.Get(param), ",") {
			if t = strings.TrimSpace(t); t != "" {
				query.Types = append(query.Types, t)
			}
		}
	}
	if raw := q.Get("min_quality"); raw != "" {
		minQuality, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			badRequest(w, "min_quality must be a number")
			return
		}
		query.MinQuality = &minQuality
	}

	units, total, err := h.Knowledge.SearchUnits(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]unitView, 0, len(units))
	for _, u := range units {
		views = append(views, newUnitView(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   views,
		"total":  total,
		"offset": query.Page.Offset,
		"limit":  query.Page.Limit,
	})
}

func (h *Handler) GetKnowledge(w http.ResponseWriter, r *http.Request) {
	u, err := h.Knowledge.GetUnit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, newUnitView(u))
}

type createUnitRequest struct {
	Type         string           `json:"type"`
	Domain       string           `json:"domain"`
	Visibility   store.Visibility `json:"visibility"`
	QualityScore float64          `json:"quality_score"`
	Body         json.RawMessage  `json:"body"`
}

func (req createUnitRequest) validate() string {
	switch {
	case strings.TrimSpace(req.Type) == "":
		return "type is required"
	case strings.TrimSpace(req.Domain) == "":
		return "domain is required"
	case !req.Visibility.Valid():
		return "visibility must be network, org or private"
	case req.QualityScore < 0 || req.QualityScore > 1:
		return "quality_score must be between 0 and 1"
	case len(req.Body) == 0:
		return "body is required"
	}
	return ""
}

func (h *Handler) CreateKnowledge(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !requireScope(w, id, auth.ScopeWrite) {
		return
	}
	ok, err := h.Reputation.CanWrite(r.Context(), id.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "reputation score too low to contribute"})
		return
	}

	var req createUnitRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if msg := req.validate(); msg != "" {
		badRequest(w, msg)
		return
	}

	now := h.now()
	unit := store.KnowledgeUnit{
		ID:           unitIDPrefix + uuid.NewString(),
		AgentID:      id.AgentID,
		Type:         req.Type,
		Domain:       req.Domain,
		Visibility:   req.Visibility,
		QualityScore: req.QualityScore,
		Body:         req.Body,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.Knowledge.PutUnit(r.Context(), unit); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.Reputation.Award(r.Context(), id.AgentID, reputation.ContributionReward, "Contributed "+unit.Type); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, newUnitView(unit))
}

type validateRequest struct {
	Valid    bool   `json:"valid"`
	Feedback string `json:"feedback"`
}

func (h *Handler) ValidateKnowledge(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !requireAuth(w, id) {
		return
	}
	unit, err := h.Knowledge.GetUnit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req validateRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "invalid json")
		return
	}

	vote, err := h.Reputation.Validate(r.Context(), id.AgentID, unit, req.Valid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"id":            unit.ID,
		"validated":     true,
		"valid":         req.Valid,
		"feedback":      req.Feedback,
		"vote_recorded": vote.Recorded,
	})
}

// DeleteKnowledge removes a unit. Only its author or an admin may do so.
func (h *Handler) DeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !requireAuth(w, id) {
		return
	}
	unitID := chi.URLParam(r, "id")
	unit, err := h.Knowledge.GetUnit(r.Context(), unitID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if unit.AgentID != id.AgentID && !id.Has(auth.ScopeAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "can only delete your own contributions"})
		return
	}
	if _, err := h.Knowledge.DeleteUnit(r.Context(), unitID); err != nil {
		writeError(w, r, err)
		return
	}
	logging.Info(r.Context(), "knowledge unit deleted", slog.String("unit_id", unitID))
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":    true,
		"unit_id":    unitID,
		"deleted_at": h.now(),
		"deleted_by": id.AgentID,
	})
}

type reportRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) ReportKnowledge(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !requireAuth(w, id) {
		return
	}
	var req reportRequest
	if err := decodeBody(r, &req, true); err != nil {
		badRequest(w, "invalid json")
		return
	}

	out, err := h.Quarantine.Report(r.Context(), chi.URLParam(r, "id"), id.AgentID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":              newReportView(out.Report),
		"report_count":      out.Count,
		"threshold":         out.Threshold,
		"quarantine_status": out.Status,
	})
}
