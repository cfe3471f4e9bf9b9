package lattice

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrOutOfRange = errors.New("coordinate out of range")
	ErrNonFinite  = errors.New("non-finite field value")
)

// BoundaryMode controls how coordinates outside the grid are resolved.
type BoundaryMode int

const (
	Clamped BoundaryMode = iota
	Wrap
	Reflective
)

func (m BoundaryMode) String() string {
	switch m {
	case Clamped:
		return "clamped"
	case Wrap:
		return "wrap"
	case Reflective:
		return "reflective"
	default:
		return fmt.Sprintf("boundary(%d)", int(m))
	}
}

func ParseBoundaryMode(name string) (BoundaryMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "clamped", "strict":
		return Clamped, nil
	case "wrap", "wraparound", "torus":
		return Wrap, nil
	case "reflective", "reflect", "bouncy":
		return Reflective, nil
	default:
		return Clamped, fmt.Errorf("unsupported boundary mode: %s", name)
	}
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Resolve maps (x, y) onto a grid of the given extent. The boolean is false
// when the mode is Clamped and the coordinate lies outside the grid.
func (m BoundaryMode) Resolve(x, y, width, height int) (int, int, bool) {
	switch m {
	case Wrap:
		return floorMod(x, width), floorMod(y, height), true
	case Reflective:
		return reflect(x, width), reflect(y, height), true
	default:
		if x < 0 || x >= width || y < 0 || y >= height {
			return x, y, false
		}
		return x, y, true
	}
}

func floorMod(v, n int) int {
	m := v % n
	if m < 0 {
		m += n
	}
	return m
}

// reflect mirrors v back into [0, n) with the edge cell repeated, so -1 maps
// to 0 and n maps to n-1.
func reflect(v, n int) int {
	m := floorMod(v, 2*n)
	if m >= n {
		m = 2*n - 1 - m
	}
	return m
}

// Field is a named scalar grid of doubles.
type Field struct {
	name         string
	width        int
	height       int
	defaultValue float64
	mode         BoundaryMode
	values       []float64
}

func NewField(name string, width, height int, defaultValue float64, mode BoundaryMode) (*Field, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("field name is required")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("field %s: invalid extent %dx%d", name, width, height)
	}
	if !isFinite(defaultValue) {
		return nil, fmt.Errorf("field %s default: %w", name, ErrNonFinite)
	}
	values := make([]float64, width*height)
	for i := range values {
		values[i] = defaultValue
	}
	return &Field{
		name:         name,
		width:        width,
		height:       height,
		defaultValue: defaultValue,
		mode:         mode,
		values:       values,
	}, nil
}

func (f *Field) Name() string {
	return f.name
}

func (f *Field) Width() int {
	return f.width
}

func (f *Field) Height() int {
	return f.height
}

func (f *Field) Default() float64 {
	return f.defaultValue
}

func (f *Field) Mode() BoundaryMode {
	return f.mode
}

func (f *Field) index(x, y int) (int, error) {
	rx, ry, ok := f.mode.Resolve(x, y, f.width, f.height)
	if !ok {
		return 0, fmt.Errorf("field %s (%d,%d) outside %dx%d: %w", f.name, x, y, f.width, f.height, ErrOutOfRange)
	}
	return ry*f.width + rx, nil
}

func (f *Field) Get(x, y int) (float64, error) {
	i, err := f.index(x, y)
	if err != nil {
		return 0, err
	}
	return f.values[i], nil
}

// Set writes value at (x, y). Non-finite values are rejected and leave the
// field untouched.
func (f *Field) Set(value float64, x, y int) error {
	if !isFinite(value) {
		return fmt.Errorf("field %s (%d,%d) value %v: %w", f.name, x, y, value, ErrNonFinite)
	}
	i, err := f.index(x, y)
	if err != nil {
		return err
	}
	f.values[i] = value
	return nil
}

// Add accumulates delta into the cell at (x, y).
func (f *Field) Add(delta float64, x, y int) error {
	i, err := f.index(x, y)
	if err != nil {
		return err
	}
	next := f.values[i] + delta
	if !isFinite(next) {
		return fmt.Errorf("field %s (%d,%d) value %v: %w", f.name, x, y, next, ErrNonFinite)
	}
	f.values[i] = next
	return nil
}

func (f *Field) Fill(value float64) error {
	if !isFinite(value) {
		return fmt.Errorf("field %s fill %v: %w", f.name, value, ErrNonFinite)
	}
	for i := range f.values {
		f.values[i] = value
	}
	return nil
}

// Apply sets every cell to fn(x, y).
func (f *Field) Apply(fn func(x, y int) float64) error {
	next := make([]float64, len(f.values))
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			v := fn(x, y)
			if !isFinite(v) {
				return fmt.Errorf("field %s (%d,%d) value %v: %w", f.name, x, y, v, ErrNonFinite)
			}
			next[y*f.width+x] = v
		}
	}
	copy(f.values, next)
	return nil
}

// Values returns a copy of the cells in row-major (y, then x) order.
func (f *Field) Values() []float64 {
	return append([]float64(nil), f.values...)
}

// Restore overwrites all cells from a row-major slice produced by Values.
func (f *Field) Restore(values []float64) error {
	if len(values) != len(f.values) {
		return fmt.Errorf("field %s restore: got %d values want %d", f.name, len(values), len(f.values))
	}
	for i, v := range values {
		if !isFinite(v) {
			return fmt.Errorf("field %s restore index %d: %w", f.name, i, ErrNonFinite)
		}
	}
	copy(f.values, values)
	return nil
}

// Matrix returns the field as height rows of width columns.
func (f *Field) Matrix() [][]float64 {
	rows := make([][]float64, f.height)
	for y := 0; y < f.height; y++ {
		rows[y] = append([]float64(nil), f.values[y*f.width:(y+1)*f.width]...)
	}
	return rows
}

func (f *Field) Sum() float64 {
	total := 0.0
	for _, v := range f.values {
		total += v
	}
	return total
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
