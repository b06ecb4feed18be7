package mipro

import (
	"fmt"
	"math/rand"
	"time"
)

// Space is the discrete search space, the product of the two pool sizes.
type Space struct {
	Instructions int
	Fewshots     int
}

func (s Space) size() int {
	return s.Instructions * s.Fewshots
}

func (s Space) validate() error {
	if s.Instructions <= 0 || s.Fewshots <= 0 {
		return fmt.Errorf("empty search space (%d instructions, %d fewshots)", s.Instructions, s.Fewshots)
	}
	return nil
}

// Choice is one point in the space: a categorical index into each pool.
type Choice struct {
	Instruction int `json:"instruction"`
	Fewshot     int `json:"fewshot"`
}

// Sampler proposes choices and learns from observed scores. Implementations
// are driven sequentially by one controller; they are not safe for concurrent
// use. Multi-process studies rebuild sampler state by replaying the persisted
// trial ledger.
type Sampler interface {
	Suggest(trialID int64, space Space) (Choice, error)
	Observe(trialID int64, choice Choice, score float64)
}

// RandomSampler draws choices uniformly, ignoring observations.
type RandomSampler struct {
	rng *rand.Rand
}

// NewRandomSampler seeds the sampler; seed 0 uses time-based entropy.
func NewRandomSampler(seed int64) *RandomSampler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomSampler{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSampler) Suggest(trialID int64, space Space) (Choice, error) {
	if err := space.validate(); err != nil {
		return Choice{}, err
	}
	return Choice{
		Instruction: s.rng.Intn(space.Instructions),
		Fewshot:     s.rng.Intn(space.Fewshots),
	}, nil
}

func (s *RandomSampler) Observe(trialID int64, choice Choice, score float64) {}

var _ Sampler = (*RandomSampler)(nil)

// GridSampler sweeps the product space row-major (all fewshots for the first
// instruction, then the next instruction), wrapping around once exhausted.
type GridSampler struct {
	next      int
	suggested map[int64]bool
}

func NewGridSampler() *GridSampler {
	return &GridSampler{suggested: map[int64]bool{}}
}

func (s *GridSampler) Suggest(trialID int64, space Space) (Choice, error) {
	if err := space.validate(); err != nil {
		return Choice{}, err
	}
	idx := s.next % space.size()
	s.next++
	s.suggested[trialID] = true
	return Choice{
		Instruction: idx / space.Fewshots,
		Fewshot:     idx % space.Fewshots,
	}, nil
}

// Observe advances the sweep only for trials this sampler did not suggest
// itself, i.e. history replayed on resume, so a resumed study picks up where
// the grid left off.
func (s *GridSampler) Observe(trialID int64, choice Choice, score float64) {
	if s.suggested[trialID] {
		return
	}
	s.next++
}

var _ Sampler = (*GridSampler)(nil)
