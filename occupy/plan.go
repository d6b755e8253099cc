package occupy

import (
	"fmt"
	"math"
	"time"
)

const (
	// ElementSize is the width of a float32 matrix element.
	ElementSize = 4

	DefaultFraction  = 0.45
	DefaultIncrement = 0.001
)

// Policy tunes how much memory is held and how the loop behaves.
type Policy struct {
	// Fraction of total device memory requested for each of the two
	// buffers.
	Fraction float64
	// Increment is added to every element of both buffers each iteration.
	Increment float32
	// ReportInterval enables a periodic status line when positive.
	ReportInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Fraction:  DefaultFraction,
		Increment: DefaultIncrement,
	}
}

func (p Policy) Validate() error {
	if math.IsNaN(p.Fraction) || p.Fraction <= 0 || p.Fraction >= 0.5 {
		return fmt.Errorf("fraction must be in (0, 0.5), got %v", p.Fraction)
	}
	if p.ReportInterval < 0 {
		return fmt.Errorf("report interval must not be negative, got %s", p.ReportInterval)
	}
	return nil
}

// Plan is the buffer geometry derived from a device's capacity.
type Plan struct {
	TotalMemory uint64
	Fraction    float64
	// Budget is floor(TotalMemory*Fraction), the bytes targeted per buffer.
	Budget   uint64
	Elements uint64
	Side     int
}

// BufferBytes is the size actually requested per buffer.
func (p Plan) BufferBytes() uint64 {
	return uint64(p.Side) * uint64(p.Side) * ElementSize
}

// NewPlan sizes two square buffers so each stays within
// floor(total*fraction) bytes.
func NewPlan(total uint64, fraction float64) Plan {
	budget := uint64(math.Floor(float64(total) * fraction))
	elements := budget / ElementSize
	return Plan{
		TotalMemory: total,
		Fraction:    fraction,
		Budget:      budget,
		Elements:    elements,
		Side:        int(isqrt(elements)),
	}
}

// isqrt returns floor(sqrt(n)) exactly; float sqrt alone can be off by one
// for large n.
func isqrt(n uint64) uint64 {
	r := uint64(math.Sqrt(float64(n)))
	if r > math.MaxUint32 {
		r = math.MaxUint32
	}
	for r > 0 && r*r > n {
		r--
	}
	for r < math.MaxUint32 && (r+1)*(r+1) <= n {
		r++
	}
	return r
}
