package sequence

import (
	"fmt"
	"math"
)

// GridParams describes a rectangular scan in percent of the axis limits.
type GridParams struct {
	PanFrom  int `json:"pan_from" yaml:"pan_from"` // first column position
	PanTo    int `json:"pan_to" yaml:"pan_to"`     // last column position
	TiltFrom int `json:"tilt_from" yaml:"tilt_from"`
	TiltTo   int `json:"tilt_to" yaml:"tilt_to"`
	Columns  int `json:"columns" yaml:"columns"` // at least 1
	Rows     int `json:"rows" yaml:"rows"`       // at least 1
}

// Point is one grid position.
type Point struct {
	Col, Row  int
	Pan, Tilt int // percent
}

// Validate checks counts and percent ranges.
func (p GridParams) Validate() error {
	if p.Columns < 1 || p.Rows < 1 {
		return fmt.Errorf("grid needs at least 1 column and 1 row, got %dx%d", p.Columns, p.Rows)
	}
	bounds := []struct {
		name string
		v    int
	}{
		{"pan_from", p.PanFrom}, {"pan_to", p.PanTo},
		{"tilt_from", p.TiltFrom}, {"tilt_to", p.TiltTo},
	}
	for _, b := range bounds {
		if b.v < 0 || b.v > 100 {
			return fmt.Errorf("grid %s = %d, must be in 0..100", b.name, b.v)
		}
	}
	return nil
}

// spread returns the i-th of n evenly spaced values from a to b.
func spread(a, b, i, n int) int {
	if n == 1 {
		return a
	}
	return a + int(math.Round(float64(i)*float64(b-a)/float64(n-1)))
}

// Points lists the grid in serpentine column order:
// column 0 from TiltFrom to TiltTo, column 1 back from TiltTo to TiltFrom, etc.
func (p GridParams) Points() []Point {
	out := make([]Point, 0, p.Columns*p.Rows)
	for col := 0; col < p.Columns; col++ {
		pan := spread(p.PanFrom, p.PanTo, col, p.Columns)
		for i := 0; i < p.Rows; i++ {
			row := i
			if col%2 == 1 {
				row = p.Rows - 1 - i
			}
			out = append(out, Point{
				Col:  col,
				Row:  row,
				Pan:  pan,
				Tilt: spread(p.TiltFrom, p.TiltTo, row, p.Rows),
			})
		}
	}
	return out
}
