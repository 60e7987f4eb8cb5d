package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/kpregistry/internal/auth"
	"github.com/davidahmann/kpregistry/internal/credential"
)

func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	recs, total, err := h.Reputation.Leaderboard(r.Context(), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]reputationView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newReputationView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   views,
		"total":  total,
		"offset": page.Offset,
		"limit":  page.Limit,
	})
}

// GetReputation returns the agent's record, or a zero record for agents the
// registry has never seen.
func (h *Handler) GetReputation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Reputation.Snapshot(r.Context(), chi.URLParam(r, "agent"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, newReputationView(rec))
}

type credentialRequest struct {
	Domain *string `json:"domain"`
}

func (h *Handler) IssueCredential(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !requireAuth(w, id) {
		return
	}
	var req credentialRequest
	if err := decodeBody(r, &req, true); err != nil {
		badRequest(w, "invalid json")
		return
	}

	agentID := chi.URLParam(r, "agent")
	rec, err := h.Reputation.Snapshot(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	vc, err := h.Issuer.Issue(credential.Options{
		AgentID:       agentID,
		Score:         rec.Score,
		Contributions: rec.Contributions,
		Validations:   rec.Validations,
		Domain:        req.Domain,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, vc)
}

func (h *Handler) VerifyCredential(w http.ResponseWriter, r *http.Request) {
	// The raw document is verified so members the server does not model stay
	// under the signature.
	var raw json.RawMessage
	if err := decodeBody(r, &raw, false); err != nil {
		badRequest(w, "invalid json")
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"valid": h.Issuer.VerifyJSON(raw)})
}

func (h *Handler) IssuerDocument(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.Issuer.Document())
}
