package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/kpregistry/internal/auth"
	"github.com/davidahmann/kpregistry/internal/eigentrust"
	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/quarantine"
	"github.com/davidahmann/kpregistry/internal/store"
)

func requireAdmin(w http.ResponseWriter, id auth.Identity) bool {
	if !id.Authenticated || !id.Has(auth.ScopeAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin scope required"})
		return false
	}
	return true
}

func (h *Handler) ListQuarantine(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, auth.FromContext(r.Context())) {
		return
	}
	reported, err := h.Quarantine.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]reportedUnitView, 0, len(reported))
	for _, u := range reported {
		views = append(views, reportedUnitView{UnitID: u.UnitID, Count: u.Count, Status: u.Status})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": views, "total": len(views)})
}

type resolveRequest struct {
	Verdict quarantine.Verdict `json:"verdict"`
}

func (h *Handler) ResolveQuarantine(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, auth.FromContext(r.Context())) {
		return
	}
	var req resolveRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "invalid json")
		return
	}
	res, err := h.Quarantine.Resolve(r.Context(), chi.URLParam(r, "id"), req.Verdict)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Trust(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, auth.FromContext(r.Context())) {
		return
	}
	res, err := h.Reputation.GlobalTrust(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       eigentrust.Ranked(res),
		"iterations": res.Iterations,
		"converged":  res.Converged,
	})
}

func (h *Handler) SweepRetention(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, auth.FromContext(r.Context())) {
		return
	}
	if h.Retention == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "retention not configured"})
		return
	}
	n, err := h.Retention.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.Info(r.Context(), "manual retention sweep", slog.Int("swept", n))
	writeJSON(w, http.StatusOK, map[string]int{"swept": n})
}

// ListAudit filters the audit log by agent_id, action and an RFC 3339
// from/to window.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, auth.FromContext(r.Context())) {
		return
	}
	if h.Audit == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "audit log not configured"})
		return
	}
	query := r.URL.Query()
	q := store.AuditQuery{
		AgentID: query.Get("agent_id"),
		Action:  store.AuditAction(query.Get("action")),
	}
	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = t
	}

	entries, err := h.Audit.AuditEntries(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newAuditView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": views, "total": len(views)})
}
