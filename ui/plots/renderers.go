// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Series is a named sequence of points. Histograms only use Y.
type Series struct {
	Name string
	X, Y []float64
}

// Size of the saved plots.
var (
	Width  = 8 * vg.Inch
	Height = 5 * vg.Inch
)

// HistogramBins is the number of bins of the histograms.
var HistogramBins = 50

func (s Series) xys() plotter.XYs {
	xys := make(plotter.XYs, 0, len(s.Y))
	for ii, y := range s.Y {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			continue
		}
		xys = append(xys, plotter.XY{X: s.X[ii], Y: y})
	}
	return xys
}

func newPlot(title, xLabel, yLabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())
	return p
}

// save the plot to filePath, the format given by the extension.
func save(p *plot.Plot, filePath string) error {
	if err := p.Save(Width, Height, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot %q to %q", p.Title.Text, filePath)
	}
	klog.V(1).Infof("plots: saved %q to %q", p.Title.Text, filePath)
	return nil
}

// LineBy plots the values y by x as a line with points. NaN values (e.g. empty bins) are skipped.
func LineBy(filePath, title, xLabel, yLabel string, x, y []float64) error {
	if len(x) != len(y) {
		return errors.Errorf("plots.LineBy: %d x values and %d y values", len(x), len(y))
	}
	p := newPlot(title, xLabel, yLabel)
	if err := plotutil.AddLinePoints(p, yLabel, Series{X: x, Y: y}.xys()); err != nil {
		return errors.Wrapf(err, "plots.LineBy(%q)", title)
	}
	return save(p, filePath)
}

// Lines plots each series as a line with points.
func Lines(filePath, title, xLabel, yLabel string, series []Series) error {
	p := newPlot(title, xLabel, yLabel)
	var args []any
	for _, s := range series {
		args = append(args, s.Name, s.xys())
	}
	if err := plotutil.AddLinePoints(p, args...); err != nil {
		return errors.Wrapf(err, "plots.Lines(%q)", title)
	}
	return save(p, filePath)
}

// grid implements plotter.GridXYZ over values indexed by [column*len(ys) + row].
type grid struct {
	xs, ys, values []float64
}

func (g grid) Dims() (c, r int)   { return len(g.xs), len(g.ys) }
func (g grid) X(c int) float64    { return g.xs[c] }
func (g grid) Y(r int) float64    { return g.ys[r] }
func (g grid) Z(c, r int) float64 { return g.values[c*len(g.ys)+r] }

// Grid plots a heat map of values over the grid of xs by ys. The value of (xs[i], ys[j]) is
// values[i*len(ys)+j]. NaN values are left blank.
func Grid(filePath, title, xLabel, yLabel string, xs, ys, values []float64) error {
	if len(values) != len(xs)*len(ys) {
		return errors.Errorf("plots.Grid: %d values for a grid of %dx%d", len(values), len(xs), len(ys))
	}
	p := newPlot(title, xLabel, yLabel)
	heatMap := plotter.NewHeatMap(grid{xs: xs, ys: ys, values: values}, palette.Heat(32, 1))
	heatMap.NaN = color.Transparent
	p.Add(heatMap)
	return save(p, filePath)
}

// Calibration plots calibration curves, along with the diagonal of a perfect calibration.
func Calibration(filePath, title string, curves []Series) error {
	p := newPlot(title, "predicted", "observed")
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	diagonal := plotter.NewFunction(func(x float64) float64 { return x })
	diagonal.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	diagonal.Color = color.Gray{Y: 128}
	p.Add(diagonal)
	p.Legend.Add("perfect", diagonal)
	p.Legend.Top = true
	p.Legend.Left = true
	var args []any
	for _, curve := range curves {
		args = append(args, curve.Name, curve.xys())
	}
	if err := plotutil.AddLinePoints(p, args...); err != nil {
		return errors.Wrapf(err, "plots.Calibration(%q)", title)
	}
	return save(p, filePath)
}

// Histograms plots the normalized histograms of the Y values of each series, overlaid.
func Histograms(filePath, title string, series []Series) error {
	p := newPlot(title, "value", "density")
	for ii, s := range series {
		values := make(plotter.Values, 0, len(s.Y))
		for _, v := range s.Y {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		hist, err := plotter.NewHist(values, HistogramBins)
		if err != nil {
			return errors.Wrapf(err, "plots.Histograms(%q): series %q", title, s.Name)
		}
		hist.Normalize(1)
		c := plotutil.Color(ii)
		hist.LineStyle.Color = c
		if rgba, ok := c.(color.RGBA); ok {
			rgba.A = 96
			hist.FillColor = rgba
		}
		p.Add(hist)
		p.Legend.Add(s.Name, hist)
	}
	return save(p, filePath)
}
