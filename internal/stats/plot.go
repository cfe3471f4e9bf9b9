package stats

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/wcharczuk/go-chart/v2"

	"fibrosim/internal/model"
)

const AggregatesPlotFile = "aggregates.png"

var ErrTooFewPoints = errors.New("at least two ticks are required to plot")

// PlotAggregates renders one line per named aggregate against tick into a
// PNG at path. With no names every aggregate of the first summary is drawn.
func PlotAggregates(path string, summaries []model.TickSummary, names ...string) error {
	if len(summaries) < 2 {
		return ErrTooFewPoints
	}
	if len(names) == 0 {
		for _, a := range summaries[0].Aggregates {
			names = append(names, a.Name)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("no aggregates to plot")
	}

	ticks := make([]float64, len(summaries))
	for i, s := range summaries {
		ticks[i] = float64(s.Tick)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	series := make([]chart.Series, 0, len(names))
	for i, name := range names {
		values, err := aggregateSeries(summaries, name)
		if err != nil {
			return err
		}
		for _, v := range values {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		series = append(series, chart.ContinuousSeries{
			Name:    name,
			XValues: ticks,
			YValues: values,
			Style:   chart.Style{StrokeColor: chart.GetDefaultColor(i), StrokeWidth: 2.0},
		})
	}
	if hi-lo < 1e-9 {
		lo, hi = lo-0.5, hi+0.5
	}

	graph := chart.Chart{
		Width:  800,
		Height: 400,
		XAxis: chart.XAxis{
			Name:  "tick",
			Style: chart.Style{FontSize: 10.0},
			ValueFormatter: func(v interface{}) string {
				return fmt.Sprintf("%d", int(v.(float64)))
			},
		},
		YAxis: chart.YAxis{
			Style: chart.Style{FontSize: 10.0},
			Range: &chart.ContinuousRange{Min: lo, Max: hi},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := graph.Render(chart.PNG, file); err != nil {
		_ = file.Close()
		return fmt.Errorf("render aggregates: %w", err)
	}
	return file.Close()
}

func aggregateSeries(summaries []model.TickSummary, name string) ([]float64, error) {
	values := make([]float64, len(summaries))
	for i, s := range summaries {
		found := false
		for _, a := range s.Aggregates {
			if a.Name == name {
				values[i] = a.Value
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("aggregate %q missing at tick %d", name, s.Tick)
		}
	}
	return values, nil
}
