package servo

import (
	"errors"
	"math"
	"testing"
)

var testLimits = []Limits{
	{Min: 4000, Max: 8000},
	{Min: 992, Max: 8000},
	{Min: 4000, Max: 4100},
	{Min: 4000, Max: 4150},
	{Min: 1000, Max: 1200},
	{Min: 0, Max: 1},
}

func TestLimits_Validate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Errorf("default limits: %v", err)
	}
	for _, l := range []Limits{{Min: 5000, Max: 5000}, {Min: 8000, Max: 4000}} {
		if err := l.Validate(); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Validate(%+v) = %v, want ErrOutOfRange", l, err)
		}
	}
}

func TestToPercent_Endpoints(t *testing.T) {
	for _, l := range testLimits {
		if got := ToPercent(l.Min, l); got != 0 {
			t.Errorf("ToPercent(min, %+v) = %d, want 0", l, got)
		}
		if got := ToPercent(l.Max, l); got != 100 {
			t.Errorf("ToPercent(max, %+v) = %d, want 100", l, got)
		}
	}
}

func TestToPercent_Rounding(t *testing.T) {
	l := Limits{Min: 4000, Max: 4200}
	cases := []struct {
		raw  uint16
		want int
	}{
		{4001, 1},  // 0.5 rounds up
		{4003, 2},  // 1.5 rounds up
		{4100, 50}, // exact
		{3999, -1}, // -0.5 rounds away from zero
		{4400, 200},
	}
	for _, tc := range cases {
		if got := ToPercent(tc.raw, l); got != tc.want {
			t.Errorf("ToPercent(%d) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestToRaw_StaysWithinLimits(t *testing.T) {
	for _, l := range testLimits {
		for p := 0; p <= 100; p++ {
			raw, err := ToRaw(p, l)
			if err != nil {
				t.Fatalf("ToRaw(%d, %+v): %v", p, l, err)
			}
			if !l.Contains(raw) {
				t.Errorf("ToRaw(%d, %+v) = %d, outside limits", p, l, raw)
			}
		}
	}
}

func TestToRaw_Values(t *testing.T) {
	l := DefaultLimits()
	cases := []struct {
		percent int
		want    uint16
	}{
		{0, 4000},
		{50, 6000},
		{100, 8000},
		{33, 5320},
	}
	for _, tc := range cases {
		got, err := ToRaw(tc.percent, l)
		if err != nil {
			t.Fatalf("ToRaw(%d): %v", tc.percent, err)
		}
		if got != tc.want {
			t.Errorf("ToRaw(%d) = %d, want %d", tc.percent, got, tc.want)
		}
	}
}

func TestToRaw_RejectsOutOfRangePercent(t *testing.T) {
	for _, p := range []int{-1, 101, 1000} {
		if _, err := ToRaw(p, DefaultLimits()); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("ToRaw(%d) err = %v, want ErrOutOfRange", p, err)
		}
	}
}

func TestRoundTrip_PercentRawPercent(t *testing.T) {
	for _, l := range testLimits {
		if l.Span() < 100 {
			continue // fewer raw steps than percents
		}
		for p := 0; p <= 100; p++ {
			raw, _ := ToRaw(p, l)
			if got := ToPercent(raw, l); got < p-1 || got > p+1 {
				t.Errorf("limits %+v: percent %d -> raw %d -> %d", l, p, raw, got)
			}
		}
	}
}

func TestRoundTrip_RawPercentRaw(t *testing.T) {
	for _, l := range testLimits {
		// One percent covers Span/100 raw units, so the best a round trip
		// can do is half of that plus integer rounding.
		bound := math.Max(1, float64(l.Span())/200+0.5)
		for raw := int(l.Min); raw <= int(l.Max); raw++ {
			back, err := ToRaw(ToPercent(uint16(raw), l), l)
			if err != nil {
				t.Fatalf("limits %+v raw %d: %v", l, raw, err)
			}
			if d := math.Abs(float64(int(back) - raw)); d > bound {
				t.Errorf("limits %+v: raw %d -> %d (off by %v, bound %v)", l, raw, back, d, bound)
			}
		}
	}
}

func TestRoundTrip_RawPercentRaw_NarrowSpanWithinOne(t *testing.T) {
	for _, l := range []Limits{{Min: 4000, Max: 4100}, {Min: 4000, Max: 4150}, {Min: 1000, Max: 1200}} {
		for raw := int(l.Min); raw <= int(l.Max); raw++ {
			back, _ := ToRaw(ToPercent(uint16(raw), l), l)
			if d := int(back) - raw; d < -1 || d > 1 {
				t.Errorf("limits %+v: raw %d -> %d", l, raw, back)
			}
		}
	}
}
