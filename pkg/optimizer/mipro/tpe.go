package mipro

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// TPEConfig tunes the tree-structured Parzen estimator sampler.
type TPEConfig struct {
	// Seed controls the startup draws and tie breaking; 0 uses time-based
	// entropy.
	Seed int64
	// StartupTrials is how many observations to collect with uniform random
	// suggestions before the estimator kicks in. Default 10.
	StartupTrials int
	// Gamma is the fraction of observations treated as "good". Default 0.25.
	Gamma float64
	// Smoothing is the Laplace weight added to every cell of the categorical
	// likelihoods. Default 1.
	Smoothing float64
}

func (c TPEConfig) withDefaults() TPEConfig {
	out := c
	if out.Seed == 0 {
		out.Seed = time.Now().UnixNano()
	}
	if out.StartupTrials <= 0 {
		out.StartupTrials = 10
	}
	if out.Gamma <= 0 || out.Gamma >= 1 {
		out.Gamma = 0.25
	}
	if out.Smoothing <= 0 {
		out.Smoothing = 1
	}
	return out
}

type tpeObservation struct {
	choice Choice
	score  float64
}

// TPESampler models the joint (instruction, fewshot) pair: observations are
// split into a good set (top Gamma fraction by score) and a bad set, and the
// next suggestion maximizes the ratio of smoothed categorical likelihoods
// l(choice)/g(choice) over the whole product space. Modeling the pair jointly
// rather than each dimension independently lets the sampler pick up
// instruction/fewshot combinations that only work together.
type TPESampler struct {
	cfg TPEConfig
	rng *rand.Rand
	obs []tpeObservation
}

func NewTPESampler(cfg TPEConfig) *TPESampler {
	cfg = cfg.withDefaults()
	return &TPESampler{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		obs: make([]tpeObservation, 0, 32),
	}
}

func (s *TPESampler) Suggest(trialID int64, space Space) (Choice, error) {
	if err := space.validate(); err != nil {
		return Choice{}, err
	}
	if len(s.obs) < s.cfg.StartupTrials {
		return s.randomChoice(space), nil
	}

	good, bad := s.split()
	if len(bad) == 0 {
		return s.randomChoice(space), nil
	}

	goodCounts := countChoices(good)
	badCounts := countChoices(bad)

	// argmax of l/g over every cell; smoothing keeps unseen cells in play
	cells := float64(space.size())
	sm := s.cfg.Smoothing
	best := math.Inf(-1)
	var argmax []Choice
	for i := 0; i < space.Instructions; i++ {
		for f := 0; f < space.Fewshots; f++ {
			c := Choice{Instruction: i, Fewshot: f}
			l := (float64(goodCounts[c]) + sm) / (float64(len(good)) + sm*cells)
			g := (float64(badCounts[c]) + sm) / (float64(len(bad)) + sm*cells)
			ratio := l / g
			switch {
			case ratio > best:
				best = ratio
				argmax = argmax[:0]
				argmax = append(argmax, c)
			case ratio == best:
				argmax = append(argmax, c)
			}
		}
	}

	return argmax[s.rng.Intn(len(argmax))], nil
}

func (s *TPESampler) Observe(trialID int64, choice Choice, score float64) {
	s.obs = append(s.obs, tpeObservation{choice: choice, score: score})
}

var _ Sampler = (*TPESampler)(nil)

func (s *TPESampler) randomChoice(space Space) Choice {
	return Choice{
		Instruction: s.rng.Intn(space.Instructions),
		Fewshot:     s.rng.Intn(space.Fewshots),
	}
}

// split partitions observations by score into the good set (top Gamma
// fraction, at least one) and the bad rest.
func (s *TPESampler) split() (good, bad []tpeObservation) {
	sorted := make([]tpeObservation, len(s.obs))
	copy(sorted, s.obs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].score > sorted[j].score
	})

	nGood := int(math.Ceil(s.cfg.Gamma * float64(len(sorted))))
	if nGood < 1 {
		nGood = 1
	}
	if nGood > len(sorted) {
		nGood = len(sorted)
	}
	return sorted[:nGood], sorted[nGood:]
}

func countChoices(obs []tpeObservation) map[Choice]int {
	counts := make(map[Choice]int, len(obs))
	for _, o := range obs {
		counts[o.choice]++
	}
	return counts
}
