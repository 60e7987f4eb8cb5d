package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/davidahmann/kpregistry/internal/auth"
	"github.com/davidahmann/kpregistry/internal/logging"
)

type registerRequest struct {
	AgentID string   `json:"agent_id"`
	Scopes  []string `json:"scopes"`
	Tier    string   `json:"tier"`
}

type registerResponse struct {
	APIKey    string    `json:"api_key"`
	KeyPrefix string    `json:"key_prefix"`
	Scopes    []string  `json:"scopes"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "invalid json")
		return
	}

	if err := h.Keys.Claim(r.Context(), auth.FromContext(r.Context()), req.AgentID); err != nil {
		writeError(w, r, err)
		return
	}
	raw, rec, err := h.Keys.Create(r.Context(), req.AgentID, req.Scopes, req.Tier)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, bonus, err := h.Reputation.GrantRegistrationBonus(r.Context(), rec.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.Info(r.Context(), "api key registered",
		slog.String("agent_id", rec.AgentID),
		slog.String("key_prefix", rec.KeyPrefix),
		slog.String("tier", rec.Tier),
		slog.Bool("registration_bonus", bonus),
	)

	writeJSON(w, http.StatusCreated, map[string]any{
		"data": registerResponse{
			APIKey:    raw,
			KeyPrefix: rec.KeyPrefix,
			Scopes:    rec.Scopes,
			Tier:      rec.Tier,
			CreatedAt: rec.CreatedAt,
		},
		"message": "Store this API key securely. It cannot be retrieved again.",
	})
}

type revokeRequest struct {
	KeyPrefix string `json:"key_prefix"`
}

// Revoke revokes one of the caller's keys. Admins may revoke any key.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !requireAuth(w, id) {
		return
	}
	var req revokeRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.KeyPrefix == "" {
		badRequest(w, "key_prefix is required")
		return
	}

	if !id.Has(auth.ScopeAdmin) {
		owned, err := h.Keys.ByAgent(r.Context(), id.AgentID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		found := false
		for _, k := range owned {
			if k.KeyPrefix == req.KeyPrefix {
				found = true
				break
			}
		}
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
			return
		}
	}

	revoked, err := h.Keys.Revoke(r.Context(), req.KeyPrefix)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !revoked {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		return
	}
	writeData(w, http.StatusOK, map[string]any{"revoked": true, "key_prefix": req.KeyPrefix})
}
