package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/kpregistry/internal/ratelimit"
	"github.com/davidahmann/kpregistry/internal/store"
)

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	_ store.APIKeyStore         = (*Store)(nil)
	_ store.ReputationStore     = (*Store)(nil)
	_ store.KnowledgeStore      = (*Store)(nil)
	_ store.SecurityReportStore = (*Store)(nil)
	_ store.RateLimitStore      = (*Store)(nil)
	_ store.IdempotencyStore    = (*Store)(nil)
	_ store.AuditLogStore       = (*Store)(nil)
)

type Store struct {
	// Now overrides the clock used for buckets, violations and expiry.
	Now func() time.Time

	db *sql.DB
}

// OpenSQLite opens dsn with a busy timeout on every pooled connection and
// write transactions that take the database lock at BEGIN, so concurrent
// read-modify-write transactions queue instead of failing with SQLITE_BUSY.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, err
	}
	if isMemoryDSN(dsn) {
		// Shared-cache memory databases report table locks as SQLITE_LOCKED,
		// which the busy timeout does not cover.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func sqliteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func isMemoryDSN(dsn string) bool {
	return dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func (s *Store) PutKey(ctx context.Context, rec store.APIKeyRecord) error {
	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return err
	}
	var revokedAt *string
	if rec.RevokedAt != nil {
		v := formatTime(*rec.RevokedAt)
		revokedAt = &v
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys(key_hash, key_prefix, agent_id, scopes, tier, created_at, revoked, revoked_at)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(key_hash) DO UPDATE SET
  scopes=excluded.scopes,
  tier=excluded.tier,
  revoked=excluded.revoked,
  revoked_at=excluded.revoked_at`,
		rec.KeyHash, rec.KeyPrefix, rec.AgentID, string(scopes), rec.Tier, formatTime(rec.CreatedAt), boolToInt(rec.Revoked), revokedAt,
	)
	return err
}

const keyColumns = `key_hash, key_prefix, agent_id, scopes, tier, created_at, revoked, revoked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (store.APIKeyRecord, error) {
	var (
		rec       store.APIKeyRecord
		scopes    string
		created   string
		revoked   int
		revokedAt *string
	)
	if err := row.Scan(&rec.KeyHash, &rec.KeyPrefix, &rec.AgentID, &scopes, &rec.Tier, &created, &revoked, &revokedAt); err != nil {
		return store.APIKeyRecord{}, err
	}
	if err := json.Unmarshal([]byte(scopes), &rec.Scopes); err != nil {
		return store.APIKeyRecord{}, fmt.Errorf("decode scopes: %w", err)
	}
	var err error
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return store.APIKeyRecord{}, err
	}
	rec.Revoked = revoked != 0
	if revokedAt != nil {
		ts, err := parseTime(*revokedAt)
		if err != nil {
			return store.APIKeyRecord{}, err
		}
		rec.RevokedAt = &ts
	}
	return rec, nil
}

func (s *Store) KeyByHash(ctx context.Context, keyHash string) (store.APIKeyRecord, error) {
	rec, err := scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return store.APIKeyRecord{}, store.ErrNotFound
	}
	return rec, err
}

func (s *Store) RevokeKey(ctx context.Context, keyPrefix string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1, revoked_at = ? WHERE key_prefix = ? AND revoked = 0`, formatTime(at), keyPrefix)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) KeysByAgent(ctx context.Context, agentID string) ([]store.APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE agent_id = ? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.APIKeyRecord{}
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const reputationColumns = `agent_id, score, contributions, validations, history, created_at, updated_at`

func scanReputation(row rowScanner) (store.ReputationRecord, error) {
	var (
		rec              store.ReputationRecord
		history          string
		created, updated string
	)
	if err := row.Scan(&rec.AgentID, &rec.Score, &rec.Contributions, &rec.Validations, &history, &created, &updated); err != nil {
		return store.ReputationRecord{}, err
	}
	if err := json.Unmarshal([]byte(history), &rec.History); err != nil {
		return store.ReputationRecord{}, fmt.Errorf("decode history: %w", err)
	}
	var err error
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return store.ReputationRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return store.ReputationRecord{}, err
	}
	return rec, nil
}

func (s *Store) GetReputation(ctx context.Context, agentID string) (store.ReputationRecord, error) {
	rec, err := scanReputation(s.db.QueryRowContext(ctx, `SELECT `+reputationColumns+` FROM reputation WHERE agent_id = ?`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ReputationRecord{}, store.ErrNotFound
	}
	return rec, err
}

func (s *Store) UpsertReputation(ctx context.Context, agentID string, delta float64, reason string, at time.Time) (store.ReputationRecord, error) {
	var out store.ReputationRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanReputation(tx.QueryRowContext(ctx, `SELECT `+reputationColumns+` FROM reputation WHERE agent_id = ?`, agentID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			rec = store.ReputationRecord{AgentID: agentID}
		case err != nil:
			return err
		}
		store.ApplyDelta(&rec, delta, reason, at)

		history, err := json.Marshal(rec.History)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO reputation(agent_id, score, contributions, validations, history, created_at, updated_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET
  score=excluded.score,
  contributions=excluded.contributions,
  history=excluded.history,
  updated_at=excluded.updated_at`,
			rec.AgentID, rec.Score, rec.Contributions, rec.Validations, string(history), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		)
		out = rec
		return err
	})
	return out, err
}

func (s *Store) AllReputations(ctx context.Context) ([]store.ReputationRecord, error) {
	return s.queryReputations(ctx, `SELECT `+reputationColumns+` FROM reputation ORDER BY score DESC, agent_id ASC`)
}

func (s *Store) Leaderboard(ctx context.Context, page store.Page) ([]store.ReputationRecord, int, error) {
	page = page.Normalize()
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reputation`).Scan(&total); err != nil {
		return nil, 0, err
	}
	recs, err := s.queryReputations(ctx, `SELECT `+reputationColumns+` FROM reputation ORDER BY score DESC, agent_id ASC LIMIT ? OFFSET ?`, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (s *Store) queryReputations(ctx context.Context, query string, args ...any) ([]store.ReputationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.ReputationRecord{}
	for rows.Next() {
		rec, err := scanReputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RecordVote(ctx context.Context, v store.ValidationVote) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO validation_votes(validator_id, target_id, unit_id, valid, created_at) VALUES(?,?,?,?,?)`,
			v.ValidatorID, v.TargetID, v.UnitID, boolToInt(v.Valid), formatTime(v.Timestamp),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE reputation SET validations = validations + 1 WHERE agent_id = ?`, v.ValidatorID)
		return err
	})
}

func (s *Store) Votes(ctx context.Context) ([]store.ValidationVote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT validator_id, target_id, unit_id, valid, created_at FROM validation_votes ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.ValidationVote{}
	for rows.Next() {
		var (
			v     store.ValidationVote
			valid int
			ts    string
		)
		if err := rows.Scan(&v.ValidatorID, &v.TargetID, &v.UnitID, &valid, &ts); err != nil {
			return nil, err
		}
		v.Valid = valid != 0
		if v.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) PutUnit(ctx context.Context, u store.KnowledgeUnit) error {
	if !json.Valid(u.Body) {
		return errors.New("invalid body_json")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_units(id, agent_id, unit_type, domain, visibility, quality_score, body_json, quarantine_status, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  unit_type=excluded.unit_type,
  domain=excluded.domain,
  visibility=excluded.visibility,
  quality_score=excluded.quality_score,
  body_json=excluded.body_json,
  quarantine_status=excluded.quarantine_status,
  updated_at=excluded.updated_at`,
		u.ID, u.AgentID, u.Type, u.Domain, string(u.Visibility), u.QualityScore, string(u.Body), string(u.QuarantineStatus), formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	return err
}

const unitColumns = `id, agent_id, unit_type, domain, visibility, quality_score, body_json, quarantine_status, created_at, updated_at`

func scanUnit(row rowScanner) (store.KnowledgeUnit, error) {
	var (
		u                        store.KnowledgeUnit
		visibility, status, body string
		created, updated         string
	)
	if err := row.Scan(&u.ID, &u.AgentID, &u.Type, &u.Domain, &visibility, &u.QualityScore, &body, &status, &created, &updated); err != nil {
		return store.KnowledgeUnit{}, err
	}
	u.Visibility = store.Visibility(visibility)
	u.QuarantineStatus = store.QuarantineStatus(status)
	u.Body = json.RawMessage(body)
	var err error
	if u.CreatedAt, err = parseTime(created); err != nil {
		return store.KnowledgeUnit{}, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return store.KnowledgeUnit{}, err
	}
	return u, nil
}

func (s *Store) GetUnit(ctx context.Context, id string) (store.KnowledgeUnit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM knowledge_units WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.KnowledgeUnit{}, store.ErrNotFound
	}
	return u, err
}

func (s *Store) SearchUnits(ctx context.Context, q store.SearchQuery) ([]store.KnowledgeUnit, int, error) {
	where := []string{`quarantine_status <> 'quarantined'`}
	args := []any{}
	if len(q.Types) > 0 {
		where = append(where, `unit_type IN (?`+strings.Repeat(`,?`, len(q.Types)-1)+`)`)
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	if q.Domain != "" {
		where = append(where, `LOWER(domain) = LOWER(?)`)
		args = append(args, q.Domain)
	}
	if q.MinQuality != nil {
		where = append(where, `quality_score >= ?`)
		args = append(args, *q.MinQuality)
	}
	if q.Text != "" {
		where = append(where, `(INSTR(LOWER(domain), ?) > 0 OR INSTR(LOWER(unit_type), ?) > 0 OR INSTR(LOWER(body_json), ?) > 0)`)
		needle := strings.ToLower(q.Text)
		args = append(args, needle, needle, needle)
	}
	clause := ` WHERE ` + strings.Join(where, ` AND `)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_units`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := q.Page.Normalize()
	units, err := s.queryUnits(ctx,
		`SELECT `+unitColumns+` FROM knowledge_units`+clause+` ORDER BY quality_score DESC, created_at DESC, id ASC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	return units, total, nil
}

func (s *Store) ListUnits(ctx context.Context) ([]store.KnowledgeUnit, error) {
	return s.queryUnits(ctx, `SELECT `+unitColumns+` FROM knowledge_units ORDER BY created_at ASC`)
}

func (s *Store) queryUnits(ctx context.Context, query string, args ...any) ([]store.KnowledgeUnit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.KnowledgeUnit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUnit removes the unit and its security reports together.
func (s *Store) DeleteUnit(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM knowledge_units WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		_, err = tx.ExecContext(ctx, `DELETE FROM security_reports WHERE unit_id = ?`, id)
		return err
	})
	return deleted, err
}

func (s *Store) SetQuarantineStatus(ctx context.Context, id string, status store.QuarantineStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE knowledge_units SET quarantine_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PutReport(ctx context.Context, r store.SecurityReport) (store.SecurityReport, error) {
	var out store.SecurityReport
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO security_reports(id, unit_id, reporter_id, reason, created_at) VALUES(?,?,?,?,?)
ON CONFLICT(unit_id, reporter_id) DO UPDATE SET reason=excluded.reason`,
			r.ID, r.UnitID, r.ReporterID, r.Reason, formatTime(r.CreatedAt),
		); err != nil {
			return err
		}
		var err error
		out, err = scanReport(tx.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM security_reports WHERE unit_id = ? AND reporter_id = ?`, r.UnitID, r.ReporterID))
		return err
	})
	return out, err
}

const reportColumns = `id, unit_id, reporter_id, reason, created_at`

func scanReport(row rowScanner) (store.SecurityReport, error) {
	var (
		r       store.SecurityReport
		created string
	)
	if err := row.Scan(&r.ID, &r.UnitID, &r.ReporterID, &r.Reason, &created); err != nil {
		return store.SecurityReport{}, err
	}
	var err error
	r.CreatedAt, err = parseTime(created)
	return r, err
}

func (s *Store) ReportsForUnit(ctx context.Context, unitID string) ([]store.SecurityReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM security_reports WHERE unit_id = ? ORDER BY created_at DESC`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.SecurityReport{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CountReports(ctx context.Context, unitID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM security_reports WHERE unit_id = ?`, unitID).Scan(&n)
	return n, err
}

func (s *Store) ReportedUnits(ctx context.Context) ([]store.ReportedUnit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sr.unit_id, COUNT(*) AS n, COALESCE(ku.quarantine_status, '')
FROM security_reports sr
LEFT JOIN knowledge_units ku ON ku.id = sr.unit_id
GROUP BY sr.unit_id, ku.quarantine_status
ORDER BY n DESC, sr.unit_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.ReportedUnit{}
	for rows.Next() {
		var (
			ru     store.ReportedUnit
			status string
		)
		if err := rows.Scan(&ru.UnitID, &ru.Count, &status); err != nil {
			return nil, err
		}
		ru.Status = store.QuarantineStatus(status)
		out = append(out, ru)
	}
	return out, rows.Err()
}

func (s *Store) DeleteReports(ctx context.Context, unitID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_reports WHERE unit_id = ?`, unitID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Consume reads and writes the bucket inside one transaction. sqlite
// serialises writers, so the first statement is a write.
func (s *Store) Consume(ctx context.Context, identifier string, dir ratelimit.Direction, limit int) (ratelimit.Result, error) {
	now := s.now()
	if limit <= 0 {
		return ratelimit.Denied(now), nil
	}
	key := ratelimit.BucketKey(identifier, dir)

	var res ratelimit.Result
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_limit_buckets(bucket_key, tokens, last_refill_ms) VALUES(?,?,?) ON CONFLICT(bucket_key) DO NOTHING`,
			key, float64(limit), now.UnixMilli(),
		); err != nil {
			return err
		}
		var (
			tokens float64
			lastMS int64
		)
		if err := tx.QueryRowContext(ctx, `SELECT tokens, last_refill_ms FROM rate_limit_buckets WHERE bucket_key = ?`, key).Scan(&tokens, &lastMS); err != nil {
			return err
		}
		next, r := ratelimit.Take(&ratelimit.Bucket{Tokens: tokens, LastRefill: time.UnixMilli(lastMS)}, limit, now)
		res = r
		_, err := tx.ExecContext(ctx, `UPDATE rate_limit_buckets SET tokens = ?, last_refill_ms = ? WHERE bucket_key = ?`, next.Tokens, next.LastRefill.UnixMilli(), key)
		return err
	})
	if err != nil {
		return ratelimit.Result{}, err
	}
	return res, nil
}

func (s *Store) Record429(ctx context.Context, identifier string) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rate_limit_violations(identifier, at_ms) VALUES(?,?)`, identifier, now.UnixMilli()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM rate_limit_violations WHERE identifier = ? AND at_ms <= ?`, identifier, now.Add(-store.ViolationWindow).UnixMilli())
		return err
	})
}

func (s *Store) Count429(ctx context.Context, identifier string, window time.Duration) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_limit_violations WHERE identifier = ? AND at_ms > ?`, identifier, s.now().Add(-window).UnixMilli()).Scan(&n)
	return n, err
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (store.IdempotencyEntry, bool, error) {
	var (
		e         store.IdempotencyEntry
		expiresMS int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT idem_key, status, body, expires_at_ms FROM idempotency_entries WHERE idem_key = ? AND expires_at_ms > ?`, key, s.now().UnixMilli()).
		Scan(&e.Key, &e.Status, &e.Body, &expiresMS)
	if errors.Is(err, sql.ErrNoRows) {
		return store.IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return store.IdempotencyEntry{}, false, err
	}
	e.ExpiresAt = time.UnixMilli(expiresMS)
	return e, true, nil
}

func (s *Store) PutIdempotencyIfAbsent(ctx context.Context, e store.IdempotencyEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_entries(idem_key, status, body, expires_at_ms) VALUES(?,?,?,?)
ON CONFLICT(idem_key) DO UPDATE SET
  status=excluded.status,
  body=excluded.body,
  expires_at_ms=excluded.expires_at_ms
WHERE idempotency_entries.expires_at_ms <= ?`,
		e.Key, e.Status, e.Body, e.ExpiresAt.UnixMilli(), s.now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) RecordAudit(ctx context.Context, e store.AuditEntry) error {
	cutoff := s.now().Add(-store.AuditRetention).UnixMilli()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_log(id, action, agent_id, resource_type, resource_id, ip, status, at_ms) VALUES(?,?,?,?,?,?,?,?)`,
			e.ID, string(e.Action), e.AgentID, e.ResourceType, e.ResourceID, e.IP, e.Status, e.At.UnixMilli(),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM audit_log WHERE at_ms <= ?`, cutoff)
		return err
	})
}

func (s *Store) AuditEntries(ctx context.Context, q store.AuditQuery) ([]store.AuditEntry, error) {
	where := []string{"at_ms > ?"}
	args := []any{s.now().Add(-store.AuditRetention).UnixMilli()}
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(q.Action))
	}
	if !q.From.IsZero() {
		where = append(where, "at_ms >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		where = append(where, "at_ms <= ?")
		args = append(args, q.To.UnixMilli())
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, agent_id, resource_type, resource_id, ip, status, at_ms FROM audit_log WHERE `+strings.Join(where, " AND ")+` ORDER BY at_ms ASC, rowid ASC`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.AuditEntry{}
	for rows.Next() {
		var (
			e      store.AuditEntry
			action string
			atMS   int64
		)
		if err := rows.Scan(&e.ID, &action, &e.AgentID, &e.ResourceType, &e.ResourceID, &e.IP, &e.Status, &atMS); err != nil {
			return nil, err
		}
		e.Action = store.AuditAction(action)
		e.At = time.UnixMilli(atMS).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
