package api

import (
	"encoding/json"
	"time"

	"github.com/davidahmann/kpregistry/internal/store"
)

type reputationView struct {
	AgentID       string               `json:"agent_id"`
	Score         float64              `json:"score"`
	Contributions int                  `json:"contributions"`
	Validations   int                  `json:"validations"`
	History       []store.HistoryEntry `json:"history"`
	CreatedAt     *time.Time           `json:"created_at,omitempty"`
	UpdatedAt     *time.Time           `json:"updated_at,omitempty"`
}

func newReputationView(rec store.ReputationRecord) reputationView {
	v := reputationView{
		AgentID:       rec.AgentID,
		Score:         rec.Score,
		Contributions: rec.Contributions,
		Validations:   rec.Validations,
		History:       rec.History,
	}
	if v.History == nil {
		v.History = []store.HistoryEntry{}
	}
	if !rec.CreatedAt.IsZero() {
		created, updated := rec.CreatedAt, rec.UpdatedAt
		v.CreatedAt, v.UpdatedAt = &created, &updated
	}
	return v
}

type unitView struct {
	ID               string                 `json:"id"`
	AgentID          string                 `json:"agent_id"`
	Type             string                 `json:"type"`
	Domain           string                 `json:"domain"`
	Visibility       store.Visibility       `json:"visibility"`
	QualityScore     float64                `json:"quality_score"`
	Body             json.RawMessage        `json:"body"`
	QuarantineStatus store.QuarantineStatus `json:"quarantine_status,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func newUnitView(u store.KnowledgeUnit) unitView {
	body := u.Body
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	return unitView{
		ID:               u.ID,
		AgentID:          u.AgentID,
		Type:             u.Type,
		Domain:           u.Domain,
		Visibility:       u.Visibility,
		QualityScore:     u.QualityScore,
		Body:             body,
		QuarantineStatus: u.QuarantineStatus,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

type reportView struct {
	ID         string    `json:"id"`
	UnitID     string    `json:"unit_id"`
	ReporterID string    `json:"reporter_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

func newReportView(r store.SecurityReport) reportView {
	return reportView{ID: r.ID, UnitID: r.UnitID, ReporterID: r.ReporterID, Reason: r.Reason, CreatedAt: r.CreatedAt}
}

type reportedUnitView struct {
	UnitID string                 `json:"unit_id"`
	Count  int                    `json:"report_count"`
	Status store.QuarantineStatus `json:"quarantine_status"`
}

type auditView struct {
	ID           string            `json:"id"`
	Action       store.AuditAction `json:"action"`
	AgentID      string            `json:"agent_id"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	IP           string            `json:"ip"`
	Status       int               `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
}

func newAuditView(e store.AuditEntry) auditView {
	return auditView{
		ID:           e.ID,
		Action:       e.Action,
		AgentID:      e.AgentID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		IP:           e.IP,
		Status:       e.Status,
		Timestamp:    e.At,
	}
}
