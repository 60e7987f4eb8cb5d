package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidahmann/kpregistry/internal/ratelimit"
)

var (
	_ APIKeyStore         = (*InMemoryStore)(nil)
	_ ReputationStore     = (*InMemoryStore)(nil)
	_ KnowledgeStore      = (*InMemoryStore)(nil)
	_ SecurityReportStore = (*InMemoryStore)(nil)
	_ RateLimitStore      = (*InMemoryStore)(nil)
	_ IdempotencyStore    = (*InMemoryStore)(nil)
	_ AuditLogStore       = (*InMemoryStore)(nil)
)

// InMemoryStore implements every store role behind a single mutex. It is the
// default backend for development and tests.
type InMemoryStore struct {
	// Now overrides the clock used for buckets, violations and expiry.
	Now func() time.Time

	mu sync.Mutex

	keys        map[string]APIKeyRecord // by hash
	reputation  map[string]ReputationRecord
	votes       []ValidationVote
	units       map[string]KnowledgeUnit
	reports     map[string]SecurityReport // by unit + "\x00" + reporter
	buckets     map[string]ratelimit.Bucket
	violations  map[string][]time.Time
	idempotency map[string]IdempotencyEntry
	audit       []AuditEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		keys:        make(map[string]APIKeyRecord),
		reputation:  make(map[string]ReputationRecord),
		units:       make(map[string]KnowledgeUnit),
		reports:     make(map[string]SecurityReport),
		buckets:     make(map[string]ratelimit.Bucket),
		violations:  make(map[string][]time.Time),
		idempotency: make(map[string]IdempotencyEntry),
	}
}

func (s *InMemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *InMemoryStore) PutKey(_ context.Context, rec APIKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Scopes = append([]string(nil), rec.Scopes...)
	s.keys[rec.KeyHash] = rec
	return nil
}

func (s *InMemoryStore) KeyByHash(_ context.Context, keyHash string) (APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[keyHash]
	if !ok {
		return APIKeyRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) RevokeKey(_ context.Context, keyPrefix string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := false
	for hash, rec := range s.keys {
		if rec.KeyPrefix != keyPrefix || rec.Revoked {
			continue
		}
		ts := at
		rec.Revoked = true
		rec.RevokedAt = &ts
		s.keys[hash] = rec
		revoked = true
	}
	return revoked, nil
}

func (s *InMemoryStore) KeysByAgent(_ context.Context, agentID string) ([]APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []APIKeyRecord{}
	for _, rec := range s.keys {
		if rec.AgentID == agentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetReputation(_ context.Context, agentID string) (ReputationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.reputation[agentID]
	if !ok {
		return ReputationRecord{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *InMemoryStore) UpsertReputation(_ context.Context, agentID string, delta float64, reason string, at time.Time) (ReputationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.reputation[agentID]
	if !ok {
		rec = ReputationRecord{AgentID: agentID}
	}
	ApplyDelta(&rec, delta, reason, at)
	s.reputation[agentID] = rec
	return copyRecord(rec), nil
}

func (s *InMemoryStore) AllReputations(_ context.Context) ([]ReputationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReputationRecord, 0, len(s.reputation))
	for _, rec := range s.reputation {
		out = append(out, copyRecord(rec))
	}
	SortLeaderboard(out)
	return out, nil
}

func (s *InMemoryStore) Leaderboard(ctx context.Context, page Page) ([]ReputationRecord, int, error) {
	all, err := s.AllReputations(ctx)
	if err != nil {
		return nil, 0, err
	}
	start, end := Paginate(len(all), page)
	return all[start:end], len(all), nil
}

func (s *InMemoryStore) RecordVote(_ context.Context, v ValidationVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes = append(s.votes, v)
	if rec, ok := s.reputation[v.ValidatorID]; ok {
		rec.Validations++
		s.reputation[v.ValidatorID] = rec
	}
	return nil
}

func (s *InMemoryStore) Votes(_ context.Context) ([]ValidationVote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ValidationVote(nil), s.votes...), nil
}

func (s *InMemoryStore) PutUnit(_ context.Context, u KnowledgeUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[u.ID] = u
	return nil
}

func (s *InMemoryStore) GetUnit(_ context.Context, id string) (KnowledgeUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return KnowledgeUnit{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemoryStore) SearchUnits(_ context.Context, q SearchQuery) ([]KnowledgeUnit, int, error) {
	s.mu.Lock()
	matched := []KnowledgeUnit{}
	for _, u := range s.units {
		if q.Matches(u) {
			matched = append(matched, u)
		}
	}
	s.mu.Unlock()

	SortUnits(matched)
	start, end := Paginate(len(matched), q.Page)
	return matched[start:end], len(matched), nil
}

func (s *InMemoryStore) ListUnits(_ context.Context) ([]KnowledgeUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]KnowledgeUnit, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, u)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteUnit(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[id]; !ok {
		return false, nil
	}
	delete(s.units, id)
	for key, r := range s.reports {
		if r.UnitID == id {
			delete(s.reports, key)
		}
	}
	return true, nil
}

func (s *InMemoryStore) SetQuarantineStatus(_ context.Context, id string, status QuarantineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return ErrNotFound
	}
	u.QuarantineStatus = status
	s.units[id] = u
	return nil
}

func reportKey(unitID, reporterID string) string {
	return unitID + "\x00" + reporterID
}

func (s *InMemoryStore) PutReport(_ context.Context, r SecurityReport) (SecurityReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reportKey(r.UnitID, r.ReporterID)
	if existing, ok := s.reports[key]; ok {
		existing.Reason = r.Reason
		s.reports[key] = existing
		return existing, nil
	}
	s.reports[key] = r
	return r, nil
}

func (s *InMemoryStore) ReportsForUnit(_ context.Context, unitID string) ([]SecurityReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []SecurityReport{}
	for _, r := range s.reports {
		if r.UnitID == unitID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CountReports(_ context.Context, unitID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reports {
		if r.UnitID == unitID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ReportedUnits(_ context.Context) ([]ReportedUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, r := range s.reports {
		counts[r.UnitID]++
	}
	out := make([]ReportedUnit, 0, len(counts))
	for unitID, n := range counts {
		out = append(out, ReportedUnit{UnitID: unitID, Count: n, Status: s.units[unitID].QuarantineStatus})
	}
	SortReported(out)
	return out, nil
}

func (s *InMemoryStore) DeleteReports(_ context.Context, unitID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, r := range s.reports {
		if r.UnitID == unitID {
			delete(s.reports, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Consume(_ context.Context, identifier string, dir ratelimit.Direction, limit int) (ratelimit.Result, error) {
	now := s.now()
	if limit <= 0 {
		return ratelimit.Denied(now), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ratelimit.BucketKey(identifier, dir)
	var current *ratelimit.Bucket
	if b, ok := s.buckets[key]; ok {
		current = &b
	}
	next, res := ratelimit.Take(current, limit, now)
	s.buckets[key] = next
	return res, nil
}

func (s *InMemoryStore) Record429(_ context.Context, identifier string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations[identifier] = append(pruneBefore(s.violations[identifier], now.Add(-ViolationWindow)), now)
	return nil
}

func (s *InMemoryStore) Count429(_ context.Context, identifier string, window time.Duration) (int, error) {
	cutoff := s.now().Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ts := range s.violations[identifier] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func pruneBefore(in []time.Time, cutoff time.Time) []time.Time {
	out := in[:0]
	for _, ts := range in {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}

func (s *InMemoryStore) GetIdempotency(_ context.Context, key string) (IdempotencyEntry, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idempotency[key]
	if !ok {
		return IdempotencyEntry{}, false, nil
	}
	if !now.Before(e.ExpiresAt) {
		delete(s.idempotency, key)
		return IdempotencyEntry{}, false, nil
	}
	return e, true, nil
}

func (s *InMemoryStore) PutIdempotencyIfAbsent(_ context.Context, e IdempotencyEntry) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idempotency[e.Key]; ok && now.Before(existing.ExpiresAt) {
		return false, nil
	}
	e.Body = append([]byte(nil), e.Body...)
	s.idempotency[e.Key] = e
	return true, nil
}

func copyRecord(rec ReputationRecord) ReputationRecord {
	rec.History = append([]HistoryEntry(nil), rec.History...)
	return rec
}

func (s *InMemoryStore) RecordAudit(_ context.Context, e AuditEntry) error {
	cutoff := s.now().Add(-AuditRetention)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	for _, old := range s.audit {
		if old.At.After(cutoff) {
			kept = append(kept, old)
		}
	}
	s.audit = append(kept, e)
	return nil
}

func (s *InMemoryStore) AuditEntries(_ context.Context, q AuditQuery) ([]AuditEntry, error) {
	cutoff := s.now().Add(-AuditRetention)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []AuditEntry{}
	for _, e := range s.audit {
		if e.At.After(cutoff) && q.Matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
