package occupy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlan16GB(t *testing.T) {
	plan := NewPlan(16_000_000_000, DefaultFraction)

	assert.Equal(t, uint64(7_200_000_000), plan.Budget)
	assert.Equal(t, uint64(1_800_000_000), plan.Elements)
	assert.Equal(t, 42426, plan.Side)
	assert.LessOrEqual(t, plan.BufferBytes(), plan.Budget)
}

func TestNewPlan16GiB(t *testing.T) {
	const total = 16 << 30
	plan := NewPlan(total, DefaultFraction)

	assert.Equal(t, uint64(math.Floor(total*0.45)), plan.Budget)
	assert.Equal(t, uint64(7_730_941_132), plan.Budget)
	assert.Equal(t, uint64(1_932_735_283), plan.Elements)
	assert.Equal(t, 43962, plan.Side)
}

func TestNewPlanNeverOverRequests(t *testing.T) {
	totals := []uint64{0, 1, 3, 4, 100, 4095, 1 << 20, 6 << 30, 11_811_160_064, 24 << 30, 40 << 30, 80 << 30, 141 << 30}
	fractions := []float64{0.05, 0.2, 0.3, DefaultFraction, 0.49}

	for _, total := range totals {
		for _, f := range fractions {
			plan := NewPlan(total, f)
			budget := uint64(math.Floor(float64(total) * f))
			require.Equal(t, budget, plan.Budget, "total=%d fraction=%v", total, f)

			side := uint64(plan.Side)
			assert.LessOrEqual(t, ElementSize*side*side, budget, "total=%d fraction=%v", total, f)
			// side is the largest square that fits
			assert.Greater(t, ElementSize*(side+1)*(side+1), budget, "total=%d fraction=%v", total, f)
		}
	}
}

func TestNewPlanTooSmall(t *testing.T) {
	plan := NewPlan(8, DefaultFraction)
	assert.Equal(t, 0, plan.Side)
	assert.Equal(t, uint64(0), plan.BufferBytes())
}

func TestIsqrt(t *testing.T) {
	cases := map[uint64]uint64{
		0:                         0,
		1:                         1,
		3:                         1,
		4:                         2,
		1_800_000_000:             42426,
		(1<<32 - 1) * (1<<32 - 1): 1<<32 - 1,
		1<<52 + 1:                 1 << 26,
		(1<<26+1)*(1<<26+1) - 1:   1 << 26,
	}
	for n, want := range cases {
		assert.Equal(t, want, isqrt(n), "isqrt(%d)", n)
	}
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	for _, f := range []float64{0, -0.1, 0.5, 0.9, math.NaN()} {
		p := DefaultPolicy()
		p.Fraction = f
		assert.Error(t, p.Validate(), "fraction %v", f)
	}

	p := DefaultPolicy()
	p.ReportInterval = -time.Second
	assert.Error(t, p.Validate())
}
