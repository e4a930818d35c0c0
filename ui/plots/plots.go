// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package plots holds the plot points collected while fitting a model, and renders the plots of the
// queries of a fit model (see the renderers in this package) with gonum/plot.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Point is a metric measured while fitting. It is used to save/load and plot the history of a fit.
type Point struct {
	// MetricName of this point.
	MetricName string

	// MetricType typically will be "loss" or "accuracy". Metrics of the same type are plotted together.
	MetricType string

	// Step is the epoch this metric was measured.
	Step float64

	// Value is the metric captured.
	Value float64
}

// SavePoints writes the points to the given file, one JSON object per line.
func SavePoints(filePath string, points []Point) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create plot points file %q", filePath)
	}
	enc := json.NewEncoder(f)
	for _, point := range points {
		if err = enc.Encode(point); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode point %v", point)
		}
	}
	klog.V(1).Infof("plots: saved %d points to %q", len(points), filePath)
	return errors.Wrapf(f.Close(), "failed to close plot points file %q", filePath)
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plot points file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plot points file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// Points is a collection of Point objects organized by their Step value.
type Points map[float64][]Point

// NewPoints creates a Points object from a collection of individual points.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in Step order.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Extract converts the Points back to a list of individual points, sorted by Step.
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// MetricsNames returns the names of the metrics in the collection, sorted by their type and then by name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		nameToType[p.MetricName] = p.MetricType
	})
	names := slices.Sorted(maps.Keys(nameToType))
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// Series returns the series of (Step, Value) of the given metric, sorted by Step.
func (points Points) Series(metricName string) Series {
	series := Series{Name: metricName}
	points.Map(func(p *Point) {
		if p.MetricName == metricName {
			series.X = append(series.X, p.Step)
			series.Y = append(series.Y, p.Value)
		}
	})
	return series
}

// TableForMetrics returns a table with the first column being the Step followed by the columns given
// by the metrics names. If metrics is empty, it includes all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{"Epoch"}, metrics...)...)
	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			if idx := slices.Index(metrics, pt.MetricName); idx != -1 {
				row[idx+1] = fmt.Sprintf("%.4g", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

// String implements fmt.Stringer.
func (points Points) String() string {
	return points.TableForMetrics()
}
