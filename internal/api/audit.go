package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/davidahmann/kpregistry/internal/auth"
	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/store"
)

const anonymousAgent = "anonymous"

// audit records one entry per request once the response is written. A failed
// write is logged and never fails the request.
func (h *Handler) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		id := auth.FromContext(r.Context())
		agentID := id.AgentID
		if agentID == "" {
			agentID = anonymousAgent
		}
		entry := store.AuditEntry{
			ID:           uuid.NewString(),
			Action:       auditAction(r.Method, r.URL.Path),
			AgentID:      agentID,
			ResourceType: auditResource(r.URL.Path),
			ResourceID:   r.URL.Path,
			IP:           auth.RemoteID(r),
			Status:       ww.Status(),
			At:           h.now(),
		}
		if err := h.Audit.RecordAudit(r.Context(), entry); err != nil {
			logging.Warn(r.Context(), "audit write failed", logging.Err(err))
		}
	})
}

func auditAction(method, path string) store.AuditAction {
	switch {
	case strings.HasPrefix(path, "/v1/export/"):
		return store.AuditExport
	case method == http.MethodPost && strings.HasSuffix(path, "/validate"):
		return store.AuditValidate
	}
	switch method {
	case http.MethodPost:
		return store.AuditCreate
	case http.MethodPut, http.MethodPatch:
		return store.AuditUpdate
	case http.MethodDelete:
		return store.AuditDelete
	default:
		return store.AuditRead
	}
}

func auditResource(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/knowledge"):
		return "knowledge"
	case strings.HasPrefix(path, "/v1/reputation"), strings.HasPrefix(path, "/v1/credentials"):
		return "reputation"
	case strings.HasPrefix(path, "/v1/export"):
		return "export"
	case strings.HasPrefix(path, "/v1/auth"):
		return "auth"
	case strings.HasPrefix(path, "/v1/admin"):
		return "admin"
	default:
		return "unknown"
	}
}
