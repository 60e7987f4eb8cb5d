package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/davidahmann/kpregistry/internal/ratelimit"
	"github.com/davidahmann/kpregistry/internal/store"
)

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

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

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

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) PutKey(ctx context.Context, rec store.APIKeyRecord) error {
	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kp_api_keys(key_hash, key_prefix, agent_id, scopes, tier, created_at, revoked, revoked_at)
VALUES($1,$2,$3,$4::jsonb,$5,$6,$7,$8)
ON CONFLICT(key_hash) DO UPDATE SET
  scopes=excluded.scopes,
  tier=excluded.tier,
  revoked=excluded.revoked,
  revoked_at=excluded.revoked_at`,
		rec.KeyHash, rec.KeyPrefix, rec.AgentID, string(scopes), rec.Tier, rec.CreatedAt, rec.Revoked, rec.RevokedAt,
	)
	return err
}

const keyColumns = `key_hash, key_prefix, agent_id, scopes::text, tier, created_at, revoked, revoked_at`

func scanKey(row rowScanner) (store.APIKeyRecord, error) {
	var (
		rec       store.APIKeyRecord
		scopes    string
		revokedAt sql.NullTime
	)
	if err := row.Scan(&rec.KeyHash, &rec.KeyPrefix, &rec.AgentID, &scopes, &rec.Tier, &rec.CreatedAt, &rec.Revoked, &revokedAt); err != nil {
		return store.APIKeyRecord{}, err
	}
	if err := json.Unmarshal([]byte(scopes), &rec.Scopes); err != nil {
		return store.APIKeyRecord{}, fmt.Errorf("decode scopes: %w", err)
	}
	if revokedAt.Valid {
		ts := revokedAt.Time
		rec.RevokedAt = &ts
	}
	return rec, nil
}

func (s *Store) KeyByHash(ctx context.Context, keyHash string) (store.APIKeyRecord, error) {
	rec, err := scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM kp_api_keys WHERE key_hash = $1`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return store.APIKeyRecord{}, store.ErrNotFound
	}
	return rec, err
}

func (s *Store) RevokeKey(ctx context.Context, keyPrefix string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE kp_api_keys SET revoked = TRUE, revoked_at = $1 WHERE key_prefix = $2 AND NOT revoked`, at, keyPrefix)
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
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM kp_api_keys WHERE agent_id = $1 ORDER BY created_at ASC`, agentID)
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

const reputationColumns = `agent_id, score, contributions, validations, history::text, created_at, updated_at`

func scanReputation(row rowScanner) (store.ReputationRecord, error) {
	var (
		rec     store.ReputationRecord
		history string
	)
	if err := row.Scan(&rec.AgentID, &rec.Score, &rec.Contributions, &rec.Validations, &history, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return store.ReputationRecord{}, err
	}
	if err := json.Unmarshal([]byte(history), &rec.History); err != nil {
		return store.ReputationRecord{}, fmt.Errorf("decode history: %w", err)
	}
	return rec, nil
}

func (s *Store) GetReputation(ctx context.Context, agentID string) (store.ReputationRecord, error) {
	rec, err := scanReputation(s.db.QueryRowContext(ctx, `SELECT `+reputationColumns+` FROM kp_reputation WHERE agent_id = $1`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ReputationRecord{}, store.ErrNotFound
	}
	return rec, err
}

// UpsertReputation seeds an empty row before taking the row lock, so two
// first awards for a new agent serialize on it instead of both inserting.
func (s *Store) UpsertReputation(ctx context.Context, agentID string, delta float64, reason string, at time.Time) (store.ReputationRecord, error) {
	var out store.ReputationRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kp_reputation(agent_id, score, contributions, validations, history, created_at, updated_at)
VALUES($1,0,0,0,'[]'::jsonb,$2,$2)
ON CONFLICT(agent_id) DO NOTHING`,
			agentID, at,
		); err != nil {
			return err
		}
		rec, err := scanReputation(tx.QueryRowContext(ctx, `SELECT `+reputationColumns+` FROM kp_reputation WHERE agent_id = $1 FOR UPDATE`, agentID))
		if err != nil {
			return err
		}
		store.ApplyDelta(&rec, delta, reason, at)

		history, err := json.Marshal(rec.History)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE kp_reputation SET score = $1, contributions = $2, history = $3::jsonb, updated_at = $4 WHERE agent_id = $5`,
			rec.Score, rec.Contributions, string(history), rec.UpdatedAt, rec.AgentID,
		)
		out = rec
		return err
	})
	return out, err
}

func (s *Store) AllReputations(ctx context.Context) ([]store.ReputationRecord, error) {
	return s.queryReputations(ctx, `SELECT `+reputationColumns+` FROM kp_reputation ORDER BY score DESC, agent_id ASC`)
}

func (s *Store) Leaderboard(ctx context.Context, page store.Page) ([]store.ReputationRecord, int, error) {
	page = page.Normalize()
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kp_reputation`).Scan(&total); err != nil {
		return nil, 0, err
	}
	recs, err := s.queryReputations(ctx, `SELECT `+reputationColumns+` FROM kp_reputation ORDER BY score DESC, agent_id ASC LIMIT $1 OFFSET $2`, page.Limit, page.Offset)
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
			`INSERT INTO kp_validation_votes(validator_id, target_id, unit_id, valid, created_at) VALUES($1,$2,$3,$4,$5)`,
			v.ValidatorID, v.TargetID, v.UnitID, v.Valid, v.Timestamp,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE kp_reputation SET validations = validations + 1 WHERE agent_id = $1`, v.ValidatorID)
		return err
	})
}

func (s *Store) Votes(ctx context.Context) ([]store.ValidationVote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT validator_id, target_id, unit_id, valid, created_at FROM kp_validation_votes ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.ValidationVote{}
	for rows.Next() {
		var v store.ValidationVote
		if err := rows.Scan(&v.ValidatorID, &v.TargetID, &v.UnitID, &v.Valid, &v.Timestamp); err != nil {
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
		`INSERT INTO kp_knowledge_units(id, agent_id, unit_type, domain, visibility, quality_score, body_json, quarantine_status, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10)
ON CONFLICT(id) DO UPDATE SET
  unit_type=excluded.unit_type,
  domain=excluded.domain,
  visibility=excluded.visibility,
  quality_score=excluded.quality_score,
  body_json=excluded.body_json,
  quarantine_status=excluded.quarantine_status,
  updated_at=excluded.updated_at`,
		u.ID, u.AgentID, u.Type, u.Domain, string(u.Visibility), u.QualityScore, string(u.Body), string(u.QuarantineStatus), u.CreatedAt, u.UpdatedAt,
	)
	return err
}

const unitColumns = `id, agent_id, unit_type, domain, visibility, quality_score, body_json::text, quarantine_status, created_at, updated_at`

func scanUnit(row rowScanner) (store.KnowledgeUnit, error) {
	var (
		u                        store.KnowledgeUnit
		visibility, status, body string
	)
	if err := row.Scan(&u.ID, &u.AgentID, &u.Type, &u.Domain, &visibility, &u.QualityScore, &body, &status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return store.KnowledgeUnit{}, err
	}
	u.Visibility = store.Visibility(visibility)
	u.QuarantineStatus = store.QuarantineStatus(status)
	u.Body = json.RawMessage(body)
	return u, nil
}

func (s *Store) GetUnit(ctx context.Context, id string) (store.KnowledgeUnit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM kp_knowledge_units WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.KnowledgeUnit{}, store.ErrNotFound
	}
	return u, err
}

// searchClause builds the WHERE clause for q and returns the next free
// placeholder index.
func searchClause(q store.SearchQuery) (string, []any, int) {
	where := []string{`quarantine_status <> 'quarantined'`}
	args := []any{}
	next := 1
	arg := func(v any) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", next)
		next++
		return p
	}
	if len(q.Types) > 0 {
		ps := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			ps = append(ps, arg(t))
		}
		where = append(where, `unit_type IN (`+strings.Join(ps, ",")+`)`)
	}
	if q.Domain != "" {
		where = append(where, `LOWER(domain) = LOWER(`+arg(q.Domain)+`)`)
	}
	if q.MinQuality != nil {
		where = append(where, `quality_score >= `+arg(*q.MinQuality))
	}
	if q.Text != "" {
		p := arg("%" + escapeLike(strings.ToLower(q.Text)) + "%")
		where = append(where, `(LOWER(domain) LIKE `+p+` OR LOWER(unit_type) LIKE `+p+` OR LOWER(body_json::text) LIKE `+p+`)`)
	}
	return ` WHERE ` + strings.Join(where, ` AND `), args, next
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) SearchUnits(ctx context.Context, q store.SearchQuery) ([]store.KnowledgeUnit, int, error) {
	clause, args, next := searchClause(q)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kp_knowledge_units`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := q.Page.Normalize()
	units, err := s.queryUnits(ctx,
		`SELECT `+unitColumns+` FROM kp_knowledge_units`+clause+fmt.Sprintf(` ORDER BY quality_score DESC, created_at DESC, id ASC LIMIT $%d OFFSET $%d`, next, next+1),
		append(args, page.Limit, page.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	return units, total, nil
}

func (s *Store) ListUnits(ctx context.Context) ([]store.KnowledgeUnit, error) {
	return s.queryUnits(ctx, `SELECT `+unitColumns+` FROM kp_knowledge_units ORDER BY created_at ASC`)
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
		res, err := tx.ExecContext(ctx, `DELETE FROM kp_knowledge_units WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		_, err = tx.ExecContext(ctx, `DELETE FROM kp_security_reports WHERE unit_id = $1`, id)
		return err
	})
	return deleted, err
}

func (s *Store) SetQuarantineStatus(ctx context.Context, id string, status store.QuarantineStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE kp_knowledge_units SET quarantine_status = $1 WHERE id = $2`, string(status), id)
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

const reportColumns = `id, unit_id, reporter_id, reason, created_at`

func scanReport(row rowScanner) (store.SecurityReport, error) {
	var r store.SecurityReport
	err := row.Scan(&r.ID, &r.UnitID, &r.ReporterID, &r.Reason, &r.CreatedAt)
	return r, err
}

func (s *Store) PutReport(ctx context.Context, r store.SecurityReport) (store.SecurityReport, error) {
	return scanReport(s.db.QueryRowContext(ctx,
		`INSERT INTO kp_security_reports(id, unit_id, reporter_id, reason, created_at) VALUES($1,$2,$3,$4,$5)
ON CONFLICT(unit_id, reporter_id) DO UPDATE SET reason=excluded.reason
RETURNING `+reportColumns,
		r.ID, r.UnitID, r.ReporterID, r.Reason, r.CreatedAt,
	))
}

func (s *Store) ReportsForUnit(ctx context.Context, unitID string) ([]store.SecurityReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM kp_security_reports WHERE unit_id = $1 ORDER BY created_at DESC`, unitID)
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
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kp_security_reports WHERE unit_id = $1`, unitID).Scan(&n)
	return n, err
}

func (s *Store) ReportedUnits(ctx context.Context) ([]store.ReportedUnit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sr.unit_id, COUNT(*) AS n, COALESCE(ku.quarantine_status, '')
FROM kp_security_reports sr
LEFT JOIN kp_knowledge_units ku ON ku.id = sr.unit_id
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM kp_security_reports WHERE unit_id = $1`, unitID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Consume locks the bucket row for the duration of the refill step.
func (s *Store) Consume(ctx context.Context, identifier string, dir ratelimit.Direction, limit int) (ratelimit.Result, error) {
	now := s.now()
	if limit <= 0 {
		return ratelimit.Denied(now), nil
	}
	key := ratelimit.BucketKey(identifier, dir)

	var res ratelimit.Result
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kp_rate_limit_buckets(bucket_key, tokens, last_refill) VALUES($1,$2,$3) ON CONFLICT(bucket_key) DO NOTHING`,
			key, float64(limit), now,
		); err != nil {
			return err
		}
		var b ratelimit.Bucket
		if err := tx.QueryRowContext(ctx, `SELECT tokens, last_refill FROM kp_rate_limit_buckets WHERE bucket_key = $1 FOR UPDATE`, key).Scan(&b.Tokens, &b.LastRefill); err != nil {
			return err
		}
		next, r := ratelimit.Take(&b, limit, now)
		res = r
		_, err := tx.ExecContext(ctx, `UPDATE kp_rate_limit_buckets SET tokens = $1, last_refill = $2 WHERE bucket_key = $3`, next.Tokens, next.LastRefill, key)
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
		if _, err := tx.ExecContext(ctx, `INSERT INTO kp_rate_limit_violations(identifier, at) VALUES($1,$2)`, identifier, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM kp_rate_limit_violations WHERE identifier = $1 AND at <= $2`, identifier, now.Add(-store.ViolationWindow))
		return err
	})
}

func (s *Store) Count429(ctx context.Context, identifier string, window time.Duration) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kp_rate_limit_violations WHERE identifier = $1 AND at > $2`, identifier, s.now().Add(-window)).Scan(&n)
	return n, err
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (store.IdempotencyEntry, bool, error) {
	var e store.IdempotencyEntry
	err := s.db.QueryRowContext(ctx, `SELECT idem_key, status, body, expires_at FROM kp_idempotency_entries WHERE idem_key = $1 AND expires_at > $2`, key, s.now()).
		Scan(&e.Key, &e.Status, &e.Body, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return store.IdempotencyEntry{}, false, err
	}
	return e, true, nil
}

func (s *Store) PutIdempotencyIfAbsent(ctx context.Context, e store.IdempotencyEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kp_idempotency_entries(idem_key, status, body, expires_at) VALUES($1,$2,$3,$4)
ON CONFLICT(idem_key) DO UPDATE SET
  status=excluded.status,
  body=excluded.body,
  expires_at=excluded.expires_at
WHERE kp_idempotency_entries.expires_at <= $5`,
		e.Key, e.Status, e.Body, e.ExpiresAt, s.now(),
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

func (s *Store) RecordAudit(ctx context.Context, e store.AuditEntry) error {
	cutoff := s.now().Add(-store.AuditRetention)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kp_audit_log(id, action, agent_id, resource_type, resource_id, ip, status, at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.ID, string(e.Action), e.AgentID, e.ResourceType, e.ResourceID, e.IP, e.Status, e.At,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM kp_audit_log WHERE at <= $1`, cutoff)
		return err
	})
}

func (s *Store) AuditEntries(ctx context.Context, q store.AuditQuery) ([]store.AuditEntry, error) {
	where := []string{"at > $1"}
	args := []any{s.now().Add(-store.AuditRetention)}
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if q.Action != "" {
		add("action = $%d", string(q.Action))
	}
	if !q.From.IsZero() {
		add("at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("at <= $%d", q.To)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, agent_id, resource_type, resource_id, ip, status, at FROM kp_audit_log WHERE `+strings.Join(where, " AND ")+` ORDER BY at ASC, id ASC`,
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
		)
		if err := rows.Scan(&e.ID, &action, &e.AgentID, &e.ResourceType, &e.ResourceID, &e.IP, &e.Status, &e.At); err != nil {
			return nil, err
		}
		e.Action = store.AuditAction(action)
		out = append(out, e)
	}
	return out, rows.Err()
}
