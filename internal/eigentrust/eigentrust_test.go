package eigentrust

import (
	"math"
	"testing"

	"github.com/davidahmann/kpregistry/internal/store"
)

func vote(from, to string, valid bool) store.ValidationVote {
	return store.ValidationVote{ValidatorID: from, TargetID: to, UnitID: "unit-" + to, Valid: valid}
}

func sum(scores map[string]float64) float64 {
	total := 0.0
	for _, s := range scores {
		total += s
	}
	return total
}

func TestComputeEmpty(t *testing.T) {
	res := Compute(nil, DefaultConfig())
	if len(res.Scores) != 0 || res.Iterations != 0 || !res.Converged {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestComputeMutualTrust(t *testing.T) {
	res := Compute([]store.ValidationVote{vote("alice", "bob", true), vote("bob", "alice", true)}, DefaultConfig())
	if !res.Converged {
		t.Fatalf("expected convergence")
	}
	a, b := res.Scores["alice"], res.Scores["bob"]
	if a <= 0 || b <= 0 || math.Abs(a-b) >= 0.05 {
		t.Fatalf("expected similar positive scores, got %v %v", a, b)
	}
}

func TestComputeConservesMass(t *testing.T) {
	cases := [][]store.ValidationVote{
		{vote("alice", "bob", true), vote("bob", "carol", true), vote("carol", "alice", true), vote("alice", "carol", true), vote("bob", "alice", true), vote("carol", "bob", true)},
		{vote("a", "b", false), vote("b", "a", false)},
		{vote("a", "a", true), vote("a", "b", true), vote("c", "b", false)},
	}
	for i, votes := range cases {
		res := Compute(votes, DefaultConfig())
		if got := sum(res.Scores); math.Abs(got-1) >= 0.01 {
			t.Fatalf("case %d: scores sum to %v", i, got)
		}
		for id, s := range res.Scores {
			if s < 0 {
				t.Fatalf("case %d: negative score for %s: %v", i, id, s)
			}
		}
	}
}

func TestComputeClusterOutranksSybils(t *testing.T) {
	cluster := []string{"alice", "bob", "carol", "dave"}
	votes := []store.ValidationVote{}
	for _, from := range cluster {
		for _, to := range cluster {
			if from != to {
				votes = append(votes, vote(from, to, true))
			}
		}
	}
	votes = append(votes, vote("sybil1", "sybil2", true), vote("sybil2", "sybil1", true))

	res := Compute(votes, DefaultConfig())
	if !res.Converged {
		t.Fatalf("expected convergence within %d iterations", DefaultConfig().MaxIterations)
	}
	if res.Scores["alice"] <= res.Scores["sybil1"] {
		t.Fatalf("expected alice (%v) above sybil1 (%v)", res.Scores["alice"], res.Scores["sybil1"])
	}
}

func TestComputeNegativeVotesLowerScore(t *testing.T) {
	positive := []store.ValidationVote{
		vote("alice", "bob", true), vote("alice", "carol", true),
		vote("carol", "bob", true), vote("carol", "alice", true),
		vote("bob", "alice", true), vote("bob", "carol", true),
	}
	negative := []store.ValidationVote{
		vote("alice", "bob", false), vote("alice", "carol", true),
		vote("carol", "bob", false), vote("carol", "alice", true),
		vote("bob", "alice", true), vote("bob", "carol", true),
	}

	before := Compute(positive, DefaultConfig()).Scores["bob"]
	after := Compute(negative, DefaultConfig()).Scores["bob"]
	if after >= before {
		t.Fatalf("expected negative votes to lower bob: before=%v after=%v", before, after)
	}
}

func TestComputeRespectsIterationBudget(t *testing.T) {
	votes := []store.ValidationVote{
		vote("alice", "bob", true), vote("alice", "carol", true),
		vote("bob", "carol", true), vote("carol", "alice", true),
		vote("dave", "alice", true), vote("dave", "bob", true),
	}
	res := Compute(votes, Config{Alpha: 0.1, Epsilon: 1e-15, MaxIterations: 3})
	if res.Iterations != 3 || res.Converged {
		t.Fatalf("expected 3 iterations without convergence, got %+v", res)
	}
	if len(res.Scores) != 4 {
		t.Fatalf("expected scores for 4 agents, got %d", len(res.Scores))
	}
}

func TestComputeSelfVotesOnly(t *testing.T) {
	res := Compute([]store.ValidationVote{vote("a", "a", true)}, Config{})
	if len(res.Scores) != 1 || math.Abs(res.Scores["a"]-1) > 1e-9 || !res.Converged {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRanked(t *testing.T) {
	ranked := Ranked(Result{Scores: map[string]float64{"b": 0.25, "a": 0.25, "c": 0.5}})
	if len(ranked) != 3 || ranked[0].AgentID != "c" || ranked[1].AgentID != "a" || ranked[2].AgentID != "b" {
		t.Fatalf("unexpected ranking %+v", ranked)
	}
}
