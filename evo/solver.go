// Package evo optimizes mask network parameters with evolution strategies.
// A Solver proposes populations of flat parameter vectors, a policy turns
// each vector plus a task observation into actions, and the task's rewards
// flow back into the solver.
package evo

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Solver is the ask/tell interface an evolution strategy implements.
type Solver interface {
	// Ask returns one candidate parameter vector per population member.
	Ask() [][]float32

	// Tell reports the fitness of the candidates from the last Ask, in the
	// same order.
	Tell(fitness []float64) error

	// BestParams returns the solver's current best estimate.
	BestParams() []float32
}

// PGPEConfig configures the PGPE solver.
type PGPEConfig struct {
	NumParams int

	// PopSize must be even: candidates are drawn as symmetric pairs around
	// the center. Zero means 64.
	PopSize int

	// CenterLR and StdevLR scale the center and standard-deviation updates.
	CenterLR float64
	StdevLR  float64

	// InitStdev is the initial exploration noise. Zero means 0.1.
	InitStdev float64

	// InitCenter, when non-nil, seeds the search center.
	InitCenter []float32

	Seed int64
}

// PGPE implements policy gradients with parameter-based exploration using
// symmetric sampling and rank-based fitness shaping.
type PGPE struct {
	cfg    PGPEConfig
	center []float64
	stdev  []float64
	rng    *rand.Rand

	// Noise of the last Ask, one row per direction pair.
	noise [][]float64
	asked bool

	best        []float32
	bestFitness float64
	hasBest     bool
}

// NewPGPE creates a PGPE solver.
func NewPGPE(cfg PGPEConfig) (*PGPE, error) {
	if cfg.NumParams <= 0 {
		return nil, fmt.Errorf("number of parameters must be positive, got %d", cfg.NumParams)
	}
	if cfg.PopSize == 0 {
		cfg.PopSize = 64
	}
	if cfg.PopSize < 2 || cfg.PopSize%2 != 0 {
		return nil, fmt.Errorf("population size must be even and at least 2, got %d", cfg.PopSize)
	}
	if cfg.CenterLR <= 0 {
		cfg.CenterLR = 0.15
	}
	if cfg.StdevLR <= 0 {
		cfg.StdevLR = 0.1
	}
	if cfg.InitStdev == 0 {
		cfg.InitStdev = 0.1
	}
	if cfg.InitStdev < 0 {
		return nil, fmt.Errorf("initial stdev must be positive, got %g", cfg.InitStdev)
	}
	if cfg.InitCenter != nil && len(cfg.InitCenter) != cfg.NumParams {
		return nil, fmt.Errorf("initial center has %d parameters, want %d", len(cfg.InitCenter), cfg.NumParams)
	}

	center := make([]float64, cfg.NumParams)
	if cfg.InitCenter != nil {
		for i, v := range cfg.InitCenter {
			center[i] = float64(v)
		}
	}
	stdev := make([]float64, cfg.NumParams)
	for i := range stdev {
		stdev[i] = cfg.InitStdev
	}

	return &PGPE{
		cfg:    cfg,
		center: center,
		stdev:  stdev,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Ask draws a symmetric population around the center: pair i is
// center+noise_i followed by center-noise_i.
func (p *PGPE) Ask() [][]float32 {
	pairs := p.cfg.PopSize / 2
	p.noise = make([][]float64, pairs)

	population := make([][]float32, p.cfg.PopSize)
	for i := 0; i < pairs; i++ {
		eps := make([]float64, p.cfg.NumParams)
		plus := make([]float32, p.cfg.NumParams)
		minus := make([]float32, p.cfg.NumParams)
		for j := range eps {
			eps[j] = p.rng.NormFloat64() * p.stdev[j]
			plus[j] = float32(p.center[j] + eps[j])
			minus[j] = float32(p.center[j] - eps[j])
		}
		p.noise[i] = eps
		population[2*i] = plus
		population[2*i+1] = minus
	}

	p.asked = true
	return population
}

// Tell consumes the fitness values of the last population and updates the
// center and exploration noise.
func (p *PGPE) Tell(fitness []float64) error {
	if !p.asked {
		return fmt.Errorf("Tell called before Ask")
	}
	if len(fitness) != p.cfg.PopSize {
		return fmt.Errorf("got %d fitness values, want %d", len(fitness), p.cfg.PopSize)
	}
	p.asked = false

	for i, f := range fitness {
		if math.IsNaN(f) {
			return fmt.Errorf("fitness %d is NaN", i)
		}
		if !p.hasBest || f > p.bestFitness {
			p.bestFitness = f
			p.hasBest = true
			p.best = p.candidate(i)
		}
	}

	shaped := centeredRanks(fitness)

	pairs := p.cfg.PopSize / 2
	baseline := floats.Sum(shaped) / float64(len(shaped))

	centerGrad := make([]float64, p.cfg.NumParams)
	stdevGrad := make([]float64, p.cfg.NumParams)
	for i := 0; i < pairs; i++ {
		rPlus, rMinus := shaped[2*i], shaped[2*i+1]
		direction := (rPlus - rMinus) / 2
		magnitude := (rPlus+rMinus)/2 - baseline
		for j, e := range p.noise[i] {
			centerGrad[j] += direction * e
			stdevGrad[j] += magnitude * (e*e - p.stdev[j]*p.stdev[j]) / p.stdev[j]
		}
	}

	for j := range p.center {
		p.center[j] += p.cfg.CenterLR * centerGrad[j] / float64(pairs)
		p.stdev[j] += p.cfg.StdevLR * stdevGrad[j] / float64(pairs)
		if p.stdev[j] < 1e-4 {
			p.stdev[j] = 1e-4
		}
	}
	return nil
}

// BestParams returns the highest-fitness candidate seen so far, or the
// current center before any Tell.
func (p *PGPE) BestParams() []float32 {
	if p.hasBest {
		return append([]float32{}, p.best...)
	}
	return p.Center()
}

// Center returns the current search center.
func (p *PGPE) Center() []float32 {
	out := make([]float32, len(p.center))
	for i, v := range p.center {
		out[i] = float32(v)
	}
	return out
}

// candidate reconstructs population member i of the last Ask.
func (p *PGPE) candidate(i int) []float32 {
	eps := p.noise[i/2]
	sign := 1.0
	if i%2 == 1 {
		sign = -1.0
	}
	out := make([]float32, p.cfg.NumParams)
	for j := range out {
		out[j] = float32(p.center[j] + sign*eps[j])
	}
	return out
}

// centeredRanks maps fitness values to evenly spaced ranks in [-0.5, 0.5],
// which makes the update invariant to the fitness scale.
func centeredRanks(fitness []float64) []float64 {
	n := len(fitness)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return fitness[order[a]] < fitness[order[b]]
	})

	ranks := make([]float64, n)
	if n == 1 {
		return ranks
	}
	for rank, idx := range order {
		ranks[idx] = float64(rank)/float64(n-1) - 0.5
	}
	return ranks
}
