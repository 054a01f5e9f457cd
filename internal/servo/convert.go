package servo

import (
	"fmt"
	"math"
)

// Default limits, in quarter-microseconds (1000µs..2000µs pulse width).
const (
	DefaultMinLimit uint16 = 4000
	DefaultMaxLimit uint16 = 8000
)

// Limits bounds the raw positions an axis may be commanded to.
type Limits struct {
	Min uint16 `json:"min" yaml:"min"`
	Max uint16 `json:"max" yaml:"max"`
}

// DefaultLimits returns the 4000..8000 range used by common hobby servos.
func DefaultLimits() Limits {
	return Limits{Min: DefaultMinLimit, Max: DefaultMaxLimit}
}

// Validate checks Min < Max.
func (l Limits) Validate() error {
	if l.Min >= l.Max {
		return fmt.Errorf("%w: limits min %d must be below max %d", ErrOutOfRange, l.Min, l.Max)
	}
	return nil
}

// Contains reports whether raw lies within [Min, Max].
func (l Limits) Contains(raw uint16) bool {
	return raw >= l.Min && raw <= l.Max
}

// Span returns Max - Min.
func (l Limits) Span() int {
	return int(l.Max) - int(l.Min)
}

// ToPercent maps a raw position onto 0..100 relative to l, rounding half
// away from zero. Positions outside l map outside 0..100; nothing is clamped.
func ToPercent(raw uint16, l Limits) int {
	return int(math.Round(100 * float64(int(raw)-int(l.Min)) / float64(l.Span())))
}

// ToRaw maps a percentage onto the raw range of l. Percents outside 0..100
// are rejected with ErrOutOfRange rather than clamped.
func ToRaw(percent int, l Limits) (uint16, error) {
	if percent < 0 || percent > 100 {
		return 0, fmt.Errorf("%w: percent %d not in 0..100", ErrOutOfRange, percent)
	}
	raw := math.Round(float64(l.Min) + float64(percent)/100*float64(l.Span()))
	return uint16(raw), nil
}
