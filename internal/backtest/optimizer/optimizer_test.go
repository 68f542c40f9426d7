package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityCovariance(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

// TestOptimize_S3 reproduces scenario S3: 3 assets, Sigma = I, current =
// [0,0,0], target = [1.4, -0.6, 0.3], w = [1,1,1], k = [0,0,0], tau = 1.
// Expected p = [1, -1, 0], converged = true, iterations <= 2.
func TestOptimize_S3(t *testing.T) {
	cfg := DefaultConfig()
	opt := New(cfg)

	symbols := []string{"A", "B", "C"}
	input := Input{
		Symbols:    symbols,
		Current:    map[string]float64{"A": 0, "B": 0, "C": 0},
		Target:     map[string]float64{"A": 1.4, "B": -0.6, "C": 0.3},
		Costs:      map[string]float64{"A": 0, "B": 0, "C": 0},
		Weights:    map[string]float64{"A": 1, "B": 1, "C": 1},
		Covariance: identityCovariance(3),
	}

	result, err := opt.Optimize(input)
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.LessOrEqual(t, result.Iterations, 2)
	assert.Equal(t, int64(1), result.Positions["A"])
	assert.Equal(t, int64(-1), result.Positions["B"])
	assert.Equal(t, int64(0), result.Positions["C"])
}

// TestOptimize_IdentityWhenCurrentEqualsTarget verifies testable property
// #6: when current == target, Optimize returns current rounded with
// iterations <= 1 and converged = true.
func TestOptimize_IdentityWhenCurrentEqualsTarget(t *testing.T) {
	opt := New(DefaultConfig())
	symbols := []string{"A", "B"}
	same := map[string]float64{"A": 3, "B": -2}

	result, err := opt.Optimize(Input{
		Symbols:    symbols,
		Current:    same,
		Target:     same,
		Costs:      map[string]float64{"A": 0, "B": 0},
		Weights:    map[string]float64{"A": 1, "B": 1},
		Covariance: identityCovariance(2),
	})
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.LessOrEqual(t, result.Iterations, 1)
	assert.Equal(t, int64(3), result.Positions["A"])
	assert.Equal(t, int64(-2), result.Positions["B"])
}

func TestOptimize_InvalidArguments(t *testing.T) {
	opt := New(DefaultConfig())

	_, err := opt.Optimize(Input{})
	assert.Error(t, err)

	_, err = opt.Optimize(Input{
		Symbols:    []string{"A", "B"},
		Current:    map[string]float64{"A": 0, "B": 0},
		Target:     map[string]float64{"A": 0, "B": 0},
		Costs:      map[string]float64{"A": 0, "B": 0},
		Weights:    map[string]float64{"A": 1, "B": 1},
		Covariance: identityCovariance(1), // mismatched dimension
	})
	assert.Error(t, err)

	badTau := New(Config{Tau: 0, MaxIterations: 10, ConvergenceThreshold: 1e-6})
	_, err = badTau.Optimize(Input{
		Symbols:    []string{"A"},
		Current:    map[string]float64{"A": 0},
		Target:     map[string]float64{"A": 1},
		Costs:      map[string]float64{"A": 0},
		Weights:    map[string]float64{"A": 1},
		Covariance: identityCovariance(1),
	})
	assert.Error(t, err)
}
