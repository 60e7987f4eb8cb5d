// Package eigentrust computes global trust scores from pairwise validation
// votes by power iteration over the normalised local trust matrix.
package eigentrust

import (
	"math"
	"sort"

	"github.com/davidahmann/kpregistry/internal/store"
)

const (
	positiveWeight = 1.0
	negativeWeight = -0.5
)

type Config struct {
	// Alpha is the weight of the uniform pre-trust vector.
	Alpha         float64 `yaml:"alpha"`
	Epsilon       float64 `yaml:"epsilon"`
	MaxIterations int     `yaml:"max_iterations"`
}

func DefaultConfig() Config {
	return Config{Alpha: 0.1, Epsilon: 0.001, MaxIterations: 50}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha >= 1 {
		c.Alpha = d.Alpha
	}
	if c.Epsilon <= 0 {
		c.Epsilon = d.Epsilon
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	return c
}

type Result struct {
	Scores     map[string]float64
	Iterations int
	Converged  bool
}

// Score is one agent's entry in a ranked result.
type Score struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// Compute runs EigenTrust over votes. Agents are indexed in first-seen order
// and self votes are ignored. Scores sum to one whenever there is at least one
// agent.
func Compute(votes []store.ValidationVote, cfg Config) Result {
	cfg = cfg.withDefaults()
	if len(votes) == 0 {
		return Result{Scores: map[string]float64{}, Iterations: 0, Converged: true}
	}

	index := map[string]int{}
	agents := []string{}
	add := func(id string) {
		if _, ok := index[id]; ok {
			return
		}
		index[id] = len(agents)
		agents = append(agents, id)
	}
	for _, v := range votes {
		add(v.ValidatorID)
		add(v.TargetID)
	}
	n := len(agents)

	raw := make([][]float64, n)
	for i := range raw {
		raw[i] = make([]float64, n)
	}
	for _, v := range votes {
		from, to := index[v.ValidatorID], index[v.TargetID]
		if from == to {
			continue
		}
		if v.Valid {
			raw[from][to] += positiveWeight
		} else {
			raw[from][to] += negativeWeight
		}
	}

	uniform := 1 / float64(n)

	// Clamp negatives, then row-normalise. A row with no outgoing trust
	// spreads it uniformly.
	c := make([][]float64, n)
	for i := range raw {
		c[i] = make([]float64, n)
		sum := 0.0
		for j := range raw[i] {
			if raw[i][j] < 0 {
				raw[i][j] = 0
			}
			sum += raw[i][j]
		}
		for j := range c[i] {
			if sum > 0 {
				c[i][j] = raw[i][j] / sum
			} else {
				c[i][j] = uniform
			}
		}
	}

	// Seed with received trust so well-endorsed agents start ahead.
	t := make([]float64, n)
	total := 0.0
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			t[j] += raw[i][j]
		}
		total += t[j]
	}
	for j := range t {
		if total > 0 {
			t[j] /= total
		} else {
			t[j] = uniform
		}
	}

	res := Result{}
	next := make([]float64, n)
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		res.Iterations = iter + 1

		maxDiff := 0.0
		for j := 0; j < n; j++ {
			ct := 0.0
			for i := 0; i < n; i++ {
				ct += c[i][j] * t[i]
			}
			next[j] = (1-cfg.Alpha)*ct + cfg.Alpha*uniform
			maxDiff = math.Max(maxDiff, math.Abs(next[j]-t[j]))
		}
		t, next = next, t

		if maxDiff < cfg.Epsilon {
			res.Converged = true
			break
		}
	}

	res.Scores = make(map[string]float64, n)
	for i, id := range agents {
		res.Scores[id] = t[i]
	}
	return res
}

// Ranked returns the scores in r sorted highest first, ties by agent id.
func Ranked(r Result) []Score {
	out := make([]Score, 0, len(r.Scores))
	for id, s := range r.Scores {
		out = append(out, Score{AgentID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
