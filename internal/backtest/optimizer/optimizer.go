// Package optimizer implements the DynamicOptimizer: coordinate descent over
// integer contract positions minimizing tracking error against a continuous
// target plus a trading-cost penalty, with an asymmetric cost buffer.
//
// Grounded on the teacher's coordinate-descent structure in
// internal/tune/opt/cd.go (sweep over coordinates, try a step in each
// direction, keep the move only if it strictly improves the objective,
// reduce step/stop on a full unproductive sweep) but adapted from a
// float-weight descent with step-size backtracking to an integer-lattice
// descent with unit moves, since §4.5 fixes the step to one contract.
package optimizer

import (
	"math"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

// Config fixes the optimizer's scalar parameters for the lifetime of a run.
type Config struct {
	// Tau weights the tracking-error term against the cost-penalty term.
	Tau float64
	// CostPenaltyScalar is alpha in costPenalty(c,p,k) = |p-c|*k*alpha + beta*|p-c|*k.
	CostPenaltyScalar float64
	// AsymmetricRiskBuffer is beta. Kept distinct from CostPenaltyScalar per
	// spec §9's open question even though both terms are additive and not
	// independently testable; summed as (alpha+beta) in the objective.
	AsymmetricRiskBuffer float64
	// MaxIterations bounds the number of full coordinate sweeps.
	MaxIterations int
	// ConvergenceThreshold is the minimum strict objective improvement
	// required to accept a coordinate move.
	ConvergenceThreshold float64
}

// DefaultConfig returns the spec's suggested defaults: tau=1, no cost
// penalty, 100 sweeps, 1e-6 convergence threshold.
func DefaultConfig() Config {
	return Config{
		Tau:                  1.0,
		CostPenaltyScalar:    0.0,
		AsymmetricRiskBuffer: 0.0,
		MaxIterations:        100,
		ConvergenceThreshold: 1e-6,
	}
}

// Input is one optimization call's problem instance. Symbols fixes the
// iteration order so results are deterministic regardless of map ordering
// upstream.
type Input struct {
	Symbols    []string
	Current    map[string]float64 // c
	Target     map[string]float64 // t (continuous target)
	Costs      map[string]float64 // k, per-contract trading cost
	Weights    map[string]float64 // w, per-contract step size multiplier (unit move when 1)
	Covariance [][]float64        // Sigma, indexed in Symbols order
}

// Optimizer runs coordinate descent per Config over an Input.
type Optimizer struct {
	cfg Config
}

// New constructs an Optimizer with cfg.
func New(cfg Config) *Optimizer {
	return &Optimizer{cfg: cfg}
}

// Optimize runs the coordinate descent described in spec §4.5 and returns
// the rounded integer positions plus the final objective breakdown.
func (o *Optimizer) Optimize(in Input) (core.OptimizationResult, error) {
	n := len(in.Symbols)
	if n == 0 {
		return core.OptimizationResult{}, core.NewError(core.KindInvalidArgument, "optimizer", "empty symbol set")
	}
	if len(in.Covariance) != n {
		return core.OptimizationResult{}, core.NewError(core.KindInvalidArgument, "optimizer", "covariance row count does not match symbol count")
	}
	for i, row := range in.Covariance {
		if len(row) != n {
			return core.OptimizationResult{}, core.NewError(core.KindInvalidArgument, "optimizer", "covariance is not square")
		}
		_ = i
	}
	if o.cfg.Tau <= 0 {
		return core.OptimizationResult{}, core.NewError(core.KindInvalidArgument, "optimizer", "tau must be positive")
	}

	p := make([]float64, n)
	c := make([]float64, n)
	t := make([]float64, n)
	k := make([]float64, n)
	w := make([]float64, n)
	for i, sym := range in.Symbols {
		c[i] = in.Current[sym]
		t[i] = in.Target[sym]
		k[i] = in.Costs[sym]
		w[i] = in.Weights[sym]
		if w[i] == 0 {
			w[i] = 1
		}
		p[i] = c[i]
	}

	objective := func(p []float64) (total, trackingErr, costPenalty float64) {
		diff := make([]float64, n)
		for i := range p {
			diff[i] = p[i] - t[i]
		}
		quad := quadForm(diff, in.Covariance)
		trackingErr = math.Sqrt(math.Max(0, quad))
		for i := range p {
			delta := math.Abs(p[i] - c[i])
			costPenalty += delta*k[i]*o.cfg.CostPenaltyScalar + o.cfg.AsymmetricRiskBuffer*delta*k[i]
		}
		total = o.cfg.Tau*trackingErr + costPenalty
		return
	}

	bestTotal, bestTrack, bestCost := objective(p)
	iterations := 0
	converged := false

	for iterations < o.cfg.MaxIterations {
		iterations++
		improvedThisSweep := false

		for i := range p {
			for _, dir := range [2]float64{1, -1} {
				candidate := make([]float64, n)
				copy(candidate, p)
				candidate[i] += dir * w[i]

				total, track, cost := objective(candidate)
				if bestTotal-total > o.cfg.ConvergenceThreshold {
					p = candidate
					bestTotal, bestTrack, bestCost = total, track, cost
					improvedThisSweep = true
				}
			}
		}

		if !improvedThisSweep {
			converged = true
			break
		}
	}

	positions := make(map[string]int64, n)
	for i, sym := range in.Symbols {
		positions[sym] = roundToInt(p[i])
	}

	return core.OptimizationResult{
		Positions:     positions,
		TrackingError: bestTrack,
		CostPenalty:   bestCost,
		Iterations:    iterations,
		Converged:     converged,
	}, nil
}

// quadForm computes x^T Sigma x.
func quadForm(x []float64, sigma [][]float64) float64 {
	n := len(x)
	acc := 0.0
	for i := 0; i < n; i++ {
		rowAcc := 0.0
		for j := 0; j < n; j++ {
			rowAcc += sigma[i][j] * x[j]
		}
		acc += x[i] * rowAcc
	}
	return acc
}

func roundToInt(v float64) int64 {
	if v >= 0 {
		return int64(math.Floor(v + 0.5))
	}
	return -int64(math.Floor(-v + 0.5))
}
