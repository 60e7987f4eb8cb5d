// Package reputation awards and reads agent reputation and feeds validation
// votes into EigenTrust.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidahmann/kpregistry/internal/eigentrust"
	"github.com/davidahmann/kpregistry/internal/store"
)

const (
	RegistrationBonus  = 0.1
	ContributionReward = 0.2
	ValidationReward   = 0.05

	DefaultMinScoreForWrite = 0.1
	// VoterMinAge is how old a reputation record must be before its agent's
	// votes count toward trust.
	VoterMinAge = 30 * 24 * time.Hour
)

type Service struct {
	Store            store.ReputationStore
	Trust            eigentrust.Config
	MinScoreForWrite float64
	Now              func() time.Time
}

// Vote is the result of Validate.
type Vote struct {
	Recorded bool                   `json:"vote_recorded"`
	Record   store.ReputationRecord `json:"-"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) minScore() float64 {
	if s.MinScoreForWrite > 0 {
		return s.MinScoreForWrite
	}
	return DefaultMinScoreForWrite
}

func (s *Service) Award(ctx context.Context, agentID string, delta float64, reason string) (store.ReputationRecord, error) {
	rec, err := s.Store.UpsertReputation(ctx, agentID, delta, reason, s.now())
	if err != nil {
		return store.ReputationRecord{}, fmt.Errorf("award %s: %w", agentID, err)
	}
	return rec, nil
}

// GrantRegistrationBonus awards RegistrationBonus to an agent that has no
// reputation record yet. It reports whether the bonus was paid.
func (s *Service) GrantRegistrationBonus(ctx context.Context, agentID string) (store.ReputationRecord, bool, error) {
	rec, err := s.Store.GetReputation(ctx, agentID)
	switch {
	case err == nil:
		return rec, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return store.ReputationRecord{}, false, fmt.Errorf("registration bonus %s: %w", agentID, err)
	}
	rec, err = s.Award(ctx, agentID, RegistrationBonus, "Initial registration bonus")
	if err != nil {
		return store.ReputationRecord{}, false, err
	}
	return rec, true, nil
}

// Snapshot returns agentID's record, or a zero record for unknown agents.
func (s *Service) Snapshot(ctx context.Context, agentID string) (store.ReputationRecord, error) {
	rec, err := s.Store.GetReputation(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ReputationRecord{AgentID: agentID, History: []store.HistoryEntry{}}, nil
	}
	return rec, err
}

// CanWrite reports whether agentID meets the minimum score to contribute.
func (s *Service) CanWrite(ctx context.Context, agentID string) (bool, error) {
	rec, err := s.Store.GetReputation(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Score >= s.minScore(), nil
}

// CanVote reports whether agentID's record is old enough for its votes to
// count.
func (s *Service) CanVote(ctx context.Context, agentID string) (bool, error) {
	rec, err := s.Store.GetReputation(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.now().Sub(rec.CreatedAt) >= VoterMinAge, nil
}

// Validate records validatorID's judgement of unit and awards the validation
// reward. The vote only enters the trust graph when the validator may vote
// and is not the unit's author.
func (s *Service) Validate(ctx context.Context, validatorID string, unit store.KnowledgeUnit, valid bool) (Vote, error) {
	var out Vote
	if validatorID != unit.AgentID && unit.AgentID != "" {
		ok, err := s.CanVote(ctx, validatorID)
		if err != nil {
			return Vote{}, fmt.Errorf("can vote: %w", err)
		}
		if ok {
			err := s.Store.RecordVote(ctx, store.ValidationVote{
				ValidatorID: validatorID,
				TargetID:    unit.AgentID,
				UnitID:      unit.ID,
				Valid:       valid,
				Timestamp:   s.now(),
			})
			if err != nil {
				return Vote{}, fmt.Errorf("record vote: %w", err)
			}
			out.Recorded = true
		}
	}
	rec, err := s.Award(ctx, validatorID, ValidationReward, "Validated knowledge unit")
	if err != nil {
		return Vote{}, err
	}
	out.Record = rec
	return out, nil
}

func (s *Service) Leaderboard(ctx context.Context, page store.Page) ([]store.ReputationRecord, int, error) {
	return s.Store.Leaderboard(ctx, page.Normalize())
}

// GlobalTrust runs EigenTrust over every recorded vote. It does not write
// the scores back.
func (s *Service) GlobalTrust(ctx context.Context) (eigentrust.Result, error) {
	votes, err := s.Store.Votes(ctx)
	if err != nil {
		return eigentrust.Result{}, fmt.Errorf("load votes: %w", err)
	}
	return eigentrust.Compute(votes, s.Trust), nil
}
