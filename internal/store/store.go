package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/davidahmann/kpregistry/internal/ratelimit"
)

var ErrNotFound = errors.New("not found")

// APIKeyStore persists hashed API keys. Raw keys never reach the store.
type APIKeyStore interface {
	PutKey(ctx context.Context, rec APIKeyRecord) error
	KeyByHash(ctx context.Context, keyHash string) (APIKeyRecord, error)
	// RevokeKey marks every key with prefix revoked. It reports whether any
	// live key matched.
	RevokeKey(ctx context.Context, keyPrefix string, at time.Time) (bool, error)
	KeysByAgent(ctx context.Context, agentID string) ([]APIKeyRecord, error)
}

type ReputationStore interface {
	GetReputation(ctx context.Context, agentID string) (ReputationRecord, error)
	// UpsertReputation applies delta, clamping the score at zero. A positive
	// delta counts as a contribution.
	UpsertReputation(ctx context.Context, agentID string, delta float64, reason string, at time.Time) (ReputationRecord, error)
	AllReputations(ctx context.Context) ([]ReputationRecord, error)
	Leaderboard(ctx context.Context, page Page) ([]ReputationRecord, int, error)
	// RecordVote appends v and bumps the validator's validation count.
	RecordVote(ctx context.Context, v ValidationVote) error
	Votes(ctx context.Context) ([]ValidationVote, error)
}

type KnowledgeStore interface {
	PutUnit(ctx context.Context, u KnowledgeUnit) error
	GetUnit(ctx context.Context, id string) (KnowledgeUnit, error)
	// SearchUnits never returns quarantined units.
	SearchUnits(ctx context.Context, q SearchQuery) ([]KnowledgeUnit, int, error)
	ListUnits(ctx context.Context) ([]KnowledgeUnit, error)
	DeleteUnit(ctx context.Context, id string) (bool, error)
	SetQuarantineStatus(ctx context.Context, id string, status QuarantineStatus) error
}

type SecurityReportStore interface {
	// PutReport keeps one report per (unit, reporter). A repeat report keeps the
	// original id and creation time and replaces the reason.
	PutReport(ctx context.Context, r SecurityReport) (SecurityReport, error)
	ReportsForUnit(ctx context.Context, unitID string) ([]SecurityReport, error)
	CountReports(ctx context.Context, unitID string) (int, error)
	ReportedUnits(ctx context.Context) ([]ReportedUnit, error)
	DeleteReports(ctx context.Context, unitID string) (int, error)
}

type RateLimitStore interface {
	// Consume runs one refill-check-decrement step for identifier's bucket in
	// dir. It is atomic per bucket.
	Consume(ctx context.Context, identifier string, dir ratelimit.Direction, limit int) (ratelimit.Result, error)
	Record429(ctx context.Context, identifier string) error
	Count429(ctx context.Context, identifier string, window time.Duration) (int, error)
}

type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, key string) (IdempotencyEntry, bool, error)
	// PutIdempotencyIfAbsent stores e unless a live entry already holds the
	// key. It reports whether e was written.
	PutIdempotencyIfAbsent(ctx context.Context, e IdempotencyEntry) (bool, error)
}

// AuditLogStore keeps one entry per API request. Entries older than
// AuditRetention are pruned as new ones are recorded.
type AuditLogStore interface {
	RecordAudit(ctx context.Context, e AuditEntry) error
	// AuditEntries returns matching entries oldest first.
	AuditEntries(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}

// ViolationWindow bounds how long rate-limit violations are kept.
const ViolationWindow = time.Hour

const AuditRetention = 90 * 24 * time.Hour

type APIKeyRecord struct {
	KeyHash   string
	KeyPrefix string
	AgentID   string
	Scopes    []string
	Tier      string
	CreatedAt time.Time
	Revoked   bool
	RevokedAt *time.Time
}

type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Delta     float64   `json:"delta"`
	Reason    string    `json:"reason"`
}

type ReputationRecord struct {
	AgentID       string
	Score         float64
	Contributions int
	Validations   int
	History       []HistoryEntry
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ValidationVote is one agent's judgement of another agent's unit.
type ValidationVote struct {
	ValidatorID string
	TargetID    string
	UnitID      string
	Valid       bool
	Timestamp   time.Time
}

type Visibility string

const (
	VisibilityNetwork Visibility = "network"
	VisibilityOrg     Visibility = "org"
	VisibilityPrivate Visibility = "private"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityNetwork, VisibilityOrg, VisibilityPrivate:
		return true
	default:
		return false
	}
}

type QuarantineStatus string

const (
	StatusNone        QuarantineStatus = ""
	StatusFlagged     QuarantineStatus = "flagged"
	StatusQuarantined QuarantineStatus = "quarantined"
	StatusCleared     QuarantineStatus = "cleared"
)

type KnowledgeUnit struct {
	ID               string
	AgentID          string
	Type             string
	Domain           string
	Visibility       Visibility
	QualityScore     float64
	Body             json.RawMessage
	QuarantineStatus QuarantineStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type SearchQuery struct {
	Text       string
	Types      []string
	Domain     string
	MinQuality *float64
	Page       Page
}

type Page struct {
	Offset int
	Limit  int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize clamps offset and limit into range.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

type SecurityReport struct {
	ID         string
	UnitID     string
	ReporterID string
	Reason     string
	CreatedAt  time.Time
}

type ReportedUnit struct {
	UnitID string
	Count  int
	Status QuarantineStatus
}

type IdempotencyEntry struct {
	Key       string
	Status    int
	Body      []byte
	ExpiresAt time.Time
}

type AuditAction string

const (
	AuditCreate   AuditAction = "create"
	AuditRead     AuditAction = "read"
	AuditUpdate   AuditAction = "update"
	AuditDelete   AuditAction = "delete"
	AuditExport   AuditAction = "export"
	AuditValidate AuditAction = "validate"
)

type AuditEntry struct {
	ID           string
	Action       AuditAction
	AgentID      string
	ResourceType string
	ResourceID   string
	IP           string
	Status       int
	At           time.Time
}

// AuditQuery filters audit entries. Zero fields match everything; From and
// To are inclusive.
type AuditQuery struct {
	AgentID string
	Action  AuditAction
	From    time.Time
	To      time.Time
}

// Matches reports whether e passes every filter set on q.
func (q AuditQuery) Matches(e AuditEntry) bool {
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if !q.From.IsZero() && e.At.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.At.After(q.To) {
		return false
	}
	return true
}
