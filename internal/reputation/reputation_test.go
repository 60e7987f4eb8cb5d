package reputation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/davidahmann/kpregistry/internal/eigentrust"
	"github.com/davidahmann/kpregistry/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newService() (*Service, *store.InMemoryStore, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := store.NewInMemoryStore()
	return &Service{Store: mem, Trust: eigentrust.DefaultConfig(), Now: c.now}, mem, c
}

func TestCanWrite(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService()

	if ok, err := s.CanWrite(ctx, "nobody"); err != nil || ok {
		t.Fatalf("unknown agent must not write: %v %v", ok, err)
	}
	if _, err := s.Award(ctx, "a", RegistrationBonus, "Initial registration bonus"); err != nil {
		t.Fatalf("award: %v", err)
	}
	if ok, _ := s.CanWrite(ctx, "a"); !ok {
		t.Fatalf("registration bonus must meet the write threshold")
	}
	_, _ = s.Award(ctx, "a", -0.05, "penalty")
	if ok, _ := s.CanWrite(ctx, "a"); ok {
		t.Fatalf("score below threshold must not write")
	}
}

func TestGrantRegistrationBonusOnce(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService()

	rec, paid, err := s.GrantRegistrationBonus(ctx, "a")
	if err != nil || !paid || rec.Score != RegistrationBonus {
		t.Fatalf("first grant: paid=%v err=%v rec=%+v", paid, err, rec)
	}
	for i := 0; i < 3; i++ {
		rec, paid, err = s.GrantRegistrationBonus(ctx, "a")
		if err != nil || paid {
			t.Fatalf("repeat grant %d: paid=%v err=%v", i, paid, err)
		}
	}
	if rec.Score != RegistrationBonus || len(rec.History) != 1 {
		t.Fatalf("bonus must be paid once: %+v", rec)
	}

	// An agent that already earned reputation gets no bonus either.
	if _, err := s.Award(ctx, "b", ContributionReward, "contribution"); err != nil {
		t.Fatalf("award: %v", err)
	}
	if _, paid, _ := s.GrantRegistrationBonus(ctx, "b"); paid {
		t.Fatalf("existing record must not receive a bonus")
	}
}

func TestSnapshotUnknownAgent(t *testing.T) {
	s, _, _ := newService()
	rec, err := s.Snapshot(context.Background(), "ghost")
	if err != nil || rec.AgentID != "ghost" || rec.Score != 0 || rec.History == nil {
		t.Fatalf("unexpected snapshot %+v %v", rec, err)
	}
}

func TestValidateRequiresAgedRecord(t *testing.T) {
	ctx := context.Background()
	s, mem, c := newService()
	unit := store.KnowledgeUnit{ID: "u1", AgentID: "author"}

	_, _ = s.Award(ctx, "validator", RegistrationBonus, "Initial registration bonus")

	v, err := s.Validate(ctx, "validator", unit, true)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Recorded {
		t.Fatalf("new agents must not vote")
	}
	if math.Abs(v.Record.Score-0.15) > 1e-9 {
		t.Fatalf("expected validation reward, got score %v", v.Record.Score)
	}

	c.t = c.t.Add(VoterMinAge)
	v, err = s.Validate(ctx, "validator", unit, false)
	if err != nil || !v.Recorded {
		t.Fatalf("expected vote recorded: %+v %v", v, err)
	}
	votes, _ := mem.Votes(ctx)
	if len(votes) != 1 || votes[0].TargetID != "author" || votes[0].Valid {
		t.Fatalf("unexpected votes %+v", votes)
	}
	if v.Record.Validations != 1 {
		t.Fatalf("expected validation count bumped, got %+v", v.Record)
	}
}

func TestValidateOwnUnitNotRecorded(t *testing.T) {
	ctx := context.Background()
	s, mem, c := newService()
	_, _ = s.Award(ctx, "author", RegistrationBonus, "Initial registration bonus")
	c.t = c.t.Add(2 * VoterMinAge)

	v, err := s.Validate(ctx, "author", store.KnowledgeUnit{ID: "u1", AgentID: "author"}, true)
	if err != nil || v.Recorded {
		t.Fatalf("self validation must not vote: %+v %v", v, err)
	}
	if votes, _ := mem.Votes(ctx); len(votes) != 0 {
		t.Fatalf("unexpected votes %+v", votes)
	}
}

func TestGlobalTrustIsReadOnly(t *testing.T) {
	ctx := context.Background()
	s, mem, _ := newService()
	_ = mem.RecordVote(ctx, store.ValidationVote{ValidatorID: "a", TargetID: "b", Valid: true})
	_ = mem.RecordVote(ctx, store.ValidationVote{ValidatorID: "b", TargetID: "a", Valid: true})

	res, err := s.GlobalTrust(ctx)
	if err != nil || len(res.Scores) != 2 || !res.Converged {
		t.Fatalf("global trust: %+v %v", res, err)
	}
	if all, _ := mem.AllReputations(ctx); len(all) != 0 {
		t.Fatalf("trust computation must not write reputation records")
	}
}

func TestLeaderboardNormalizesPage(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService()
	for _, id := range []string{"a", "b", "c"} {
		_, _ = s.Award(ctx, id, 0.1, "x")
	}
	_, _ = s.Award(ctx, "b", 0.5, "x")

	recs, total, err := s.Leaderboard(ctx, store.Page{Limit: 500})
	if err != nil || total != 3 || len(recs) != 3 || recs[0].AgentID != "b" {
		t.Fatalf("leaderboard: %+v total=%d err=%v", recs, total, err)
	}
}
