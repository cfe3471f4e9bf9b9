package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// LoadVector reads every numeric cell of a delimited file in row-major order.
// Non-numeric rows before the first value are treated as headers. When dim is
// positive the vector must have exactly that length.
func LoadVector(path string, dim int) ([]float64, error) {
	values := make([]float64, 0, max(dim, 16))
	err := readRows(path, func(row int, record []string) error {
		parsed := make([]float64, 0, len(record))
		for _, field := range record {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				if len(values) == 0 && len(parsed) == 0 {
					return nil
				}
				return fmt.Errorf("parse vector %s row %d: %w", path, row, err)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("vector %s row %d: non-finite value", path, row)
			}
			parsed = append(parsed, v)
		}
		values = append(values, parsed...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if dim > 0 && len(values) != dim {
		return nil, fmt.Errorf("vector %s has %d values want %d", path, len(values), dim)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("vector %s has no values", path)
	}
	return values, nil
}

// LoadSeries reads one value per row from the last non-empty column, for a
// relative signal indexed by tick. Values must be finite and non-negative.
func LoadSeries(path string) ([]float64, error) {
	values := make([]float64, 0, 128)
	err := readRows(path, func(row int, record []string) error {
		field, ok := lastField(record)
		if !ok {
			return nil
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			if len(values) == 0 {
				return nil
			}
			return fmt.Errorf("parse series %s row %d: %w", path, row, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("invalid series %s row %d: %v", path, row, v)
		}
		values = append(values, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("series %s has no values", path)
	}
	return values, nil
}

func readRows(path string, fn func(row int, record []string) error) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("data path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s row %d: %w", path, row+1, err)
		}
		row++
		if err := fn(row, record); err != nil {
			return err
		}
	}
}

func lastField(record []string) (string, bool) {
	for i := len(record) - 1; i >= 0; i-- {
		field := strings.TrimSpace(record[i])
		if field != "" {
			return field, true
		}
	}
	return "", false
}
