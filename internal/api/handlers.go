package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/davidahmann/kpregistry/internal/admission"
	"github.com/davidahmann/kpregistry/internal/auth"
	"github.com/davidahmann/kpregistry/internal/credential"
	"github.com/davidahmann/kpregistry/internal/idempotency"
	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/quarantine"
	"github.com/davidahmann/kpregistry/internal/reputation"
	"github.com/davidahmann/kpregistry/internal/retention"
	"github.com/davidahmann/kpregistry/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler serves the registry API. Every field is required except Retention
// and Audit.
type Handler struct {
	Auth        auth.Authenticator
	Keys        *auth.Keys
	Admission   *admission.Controller
	Idempotency *idempotency.Cache
	Reputation  *reputation.Service
	Knowledge   store.KnowledgeStore
	Audit       store.AuditLogStore
	Quarantine  *quarantine.Manager
	Retention   *retention.Sweeper
	Issuer      *credential.Issuer
	Now         func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

// writeError maps err to a status. Unknown errors become a generic 500 and
// are logged with the request's attributes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, auth.ErrMissingAgent),
		errors.Is(err, auth.ErrNoScopes),
		errors.Is(err, auth.ErrUnknownTier),
		errors.Is(err, quarantine.ErrInvalidVerdict),
		errors.Is(err, quarantine.ErrMissingReporter):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, auth.ErrAgentClaimed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		logging.Error(r.Context(), "request failed", logging.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	err := dec.Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// requireAuth writes 401 and returns false for anonymous callers.
func requireAuth(w http.ResponseWriter, id auth.Identity) bool {
	if !id.Authenticated {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return false
	}
	return true
}

func requireScope(w http.ResponseWriter, id auth.Identity, scope string) bool {
	if !requireAuth(w, id) {
		return false
	}
	if !id.Has(scope) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": scope + " scope required"})
		return false
	}
	return true
}

func pageFromQuery(r *http.Request) store.Page {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return store.Page{Offset: offset, Limit: limit}.Normalize()
}
