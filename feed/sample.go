package feed

import "math/rand/v2"

// Sampler thins a record stream by keeping each record independently with
// probability 1/rate. Consecutive positions from one game are highly
// correlated, so keeping all of them wastes shuffle capacity.
type Sampler struct {
	rate int
	rng  *rand.Rand
}

// NewSampler creates a Sampler. A rate of 1 or less keeps every record.
func NewSampler(rate int, rng *rand.Rand) *Sampler {
	if rng == nil {
		rng = NewRand(0)
	}
	return &Sampler{rate: rate, rng: rng}
}

// Keep reports whether the next record should be kept.
func (s *Sampler) Keep() bool {
	if s.rate <= 1 {
		return true
	}
	return s.rng.IntN(s.rate) == 0
}

// Rate returns the down-sampling rate.
func (s *Sampler) Rate() int {
	return s.rate
}
