package stats

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"fibrosim/internal/model"
)

const AggregatesFile = "aggregates.csv"

// CSVRecorder writes one CSV row per recorded tick: aggregates.csv holds the
// summary counters and aggregates, and each snapshot field gets
// <field>.csv with its row-major cell values. Every tick is kept in memory
// for Summaries regardless of the interval.
type CSVRecorder struct {
	dir      string
	interval int

	mu         sync.Mutex
	aggregates *csvSink
	fields     map[string]*csvSink
	summaries  []model.TickSummary
	closed     bool
}

type csvSink struct {
	file   *os.File
	writer *csv.Writer
	width  int
}

func NewCSVRecorder(dir string, interval int) (*CSVRecorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if interval <= 0 {
		interval = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &CSVRecorder{
		dir:      dir,
		interval: interval,
		fields:   make(map[string]*csvSink),
	}, nil
}

func (r *CSVRecorder) Observe(_ context.Context, snapshot model.TickSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("recorder is closed")
	}
	r.summaries = append(r.summaries, cloneSummary(snapshot.Summary))
	if snapshot.Summary.Tick%r.interval != 0 {
		return nil
	}

	if err := r.writeSummary(snapshot.Summary); err != nil {
		return err
	}
	for _, field := range snapshot.Fields {
		if err := r.writeField(snapshot.Summary.Tick, field); err != nil {
			return err
		}
	}
	return nil
}

func (r *CSVRecorder) writeSummary(summary model.TickSummary) error {
	if r.aggregates == nil {
		header := []string{"tick", "agents", "births", "deaths", "moves", "solver_skipped"}
		for _, a := range summary.Aggregates {
			header = append(header, a.Name)
		}
		for _, f := range summary.FieldTotals {
			header = append(header, f.Name+"_total")
		}
		sink, err := openSink(filepath.Join(r.dir, AggregatesFile), header)
		if err != nil {
			return err
		}
		r.aggregates = sink
	}

	row := []string{
		strconv.Itoa(summary.Tick),
		strconv.Itoa(summary.Agents),
		strconv.Itoa(summary.Births),
		strconv.Itoa(summary.Deaths),
		strconv.Itoa(summary.Moves),
		strconv.FormatBool(summary.SolverSkipped),
	}
	for _, a := range summary.Aggregates {
		row = append(row, formatFloat(a.Value))
	}
	for _, f := range summary.FieldTotals {
		row = append(row, formatFloat(f.Value))
	}
	return r.aggregates.write(row)
}

func (r *CSVRecorder) writeField(tick int, field model.FieldSnapshot) error {
	sink, ok := r.fields[field.Name]
	if !ok {
		header := make([]string, 0, len(field.Values)+1)
		header = append(header, "tick")
		for y := 0; y < field.Height; y++ {
			for x := 0; x < field.Width; x++ {
				header = append(header, fmt.Sprintf("x%d_y%d", x, y))
			}
		}
		var err error
		sink, err = openSink(filepath.Join(r.dir, field.Name+".csv"), header)
		if err != nil {
			return err
		}
		r.fields[field.Name] = sink
	}
	if len(field.Values)+1 != sink.width {
		return fmt.Errorf("field %s: %d values, want %d", field.Name, len(field.Values), sink.width-1)
	}

	row := make([]string, 0, sink.width)
	row = append(row, strconv.Itoa(tick))
	for _, v := range field.Values {
		row = append(row, formatFloat(v))
	}
	return sink.write(row)
}

// Summaries returns every observed tick summary in order.
func (r *CSVRecorder) Summaries() []model.TickSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.TickSummary, len(r.summaries))
	for i, s := range r.summaries {
		out[i] = cloneSummary(s)
	}
	return out
}

// Close flushes and closes every open file. It is safe to call twice.
func (r *CSVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if r.aggregates != nil {
		errs = append(errs, r.aggregates.close())
	}
	for _, sink := range r.fields {
		errs = append(errs, sink.close())
	}
	return errors.Join(errs...)
}

func openSink(path string, header []string) (*csvSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	sink := &csvSink{file: file, writer: csv.NewWriter(file), width: len(header)}
	if err := sink.write(header); err != nil {
		_ = file.Close()
		return nil, err
	}
	return sink, nil
}

func (s *csvSink) write(row []string) error {
	if err := s.writer.Write(row); err != nil {
		return err
	}
	s.writer.Flush()
	return s.writer.Error()
}

func (s *csvSink) close() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

func cloneSummary(s model.TickSummary) model.TickSummary {
	s.Aggregates = append([]model.Aggregate(nil), s.Aggregates...)
	s.FieldTotals = append([]model.Aggregate(nil), s.FieldTotals...)
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
