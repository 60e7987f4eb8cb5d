package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/kpregistry/internal/auth"
)

const exportContext = "https://knowledgepulse.dev/export/v1"

type exportView struct {
	Context        string         `json:"@context"`
	AgentID        string         `json:"agent_id"`
	ExportedAt     time.Time      `json:"exported_at"`
	KnowledgeUnits []unitView     `json:"knowledge_units"`
	Reputation     reputationView `json:"reputation"`
}

// Export returns everything the registry holds about an agent: its units,
// quarantined ones included, and its reputation record. Only the agent itself
// or an admin may export.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !requireAuth(w, id) {
		return
	}
	agentID := chi.URLParam(r, "agent")
	if id.AgentID != agentID && !id.Has(auth.ScopeAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "can only export your own data"})
		return
	}

	units, err := h.Knowledge.ListUnits(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	owned := make([]unitView, 0)
	for _, u := range units {
		if u.AgentID == agentID {
			owned = append(owned, newUnitView(u))
		}
	}
	rec, err := h.Reputation.Snapshot(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, http.StatusOK, exportView{
		Context:        exportContext,
		AgentID:        agentID,
		ExportedAt:     h.now(),
		KnowledgeUnits: owned,
		Reputation:     newReputationView(rec),
	})
}
