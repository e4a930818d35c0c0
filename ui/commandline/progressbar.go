// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/pkg/ml/train"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that gives extra values to display along the progress bar.
// It is called at each update of the progress bar, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between updates of the progress bar.
var RefreshPeriod = time.Second * 3

// Output where the progress bar is printed.
var Output io.Writer = os.Stdout

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks of the progress bar in the train.Loop.
const ProgressBarName = "probflow.ui.commandline.progressBar"

// maxUpdateFrequency is the minimum time between updates of the metrics table.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progress bar being displayed, with a table of the current metrics printed above it.
type progressBar struct {
	lastStepReported int
	bar              *progressbar.ProgressBar

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	numLines      int

	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount  int
	step    string
	epoch   string
	metrics []string
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	numSteps := -1 // Unknown until the end of the first epoch.
	if loop.EndStep >= 0 {
		numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      "),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(Output),
	)
	pBar.updates = make(chan progressBarUpdate, 100)
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(loop)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	done := loop.LoopStep + 1 // The current LoopStep is finished.
	if loop.EndStep >= 0 {
		done = min(done, loop.EndStep)
	}
	amount := done - pBar.lastStepReported
	if amount <= 0 || len(metrics) == 0 || pBar.bar.IsFinished() {
		return nil
	}
	if loop.EndStep > 0 && pBar.bar.GetMax() != loop.EndStep-loop.StartStep {
		pBar.bar.ChangeMax(loop.EndStep - loop.StartStep)
	}
	update := progressBarUpdate{
		amount:  amount,
		step:    fmt.Sprintf("%s of %s", humanize.Comma(int64(done)), humanizeEndStep(loop)),
		epoch:   fmt.Sprintf("%d of %d", loop.Epoch+1, loop.NumEpochs),
		metrics: make([]string, 0, len(metrics)),
	}
	for ii, metric := range loop.Trainer.Metrics() {
		update.metrics = append(update.metrics, metric.PrettyPrint(metrics[ii]))
	}
	pBar.updates <- update
	pBar.lastStepReported = done
	return nil
}

func humanizeEndStep(loop *train.Loop) string {
	if loop.EndStep < 0 {
		return "?"
	}
	return humanize.Comma(int64(loop.EndStep))
}

// drawUpdates draws the updates asynchronously, so a fast training loop is not slowed down by the terminal.
func (pBar *progressBar) drawUpdates(loop *train.Loop) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Step", update.step)
		pBar.statsTable.Row("Epoch", update.epoch)
		pBar.statsTable.Row("Median step duration", FormatDuration(loop.MedianTrainStepDuration()))
		for ii, metric := range loop.Trainer.Metrics() {
			pBar.statsTable.Row(metric.Name(), update.metrics[ii])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Move the cursor back over the previous table and bar.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLines)
		}
		pBar.isFirstOutput = false
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		pBar.numLines = lipgloss.Height(rendered) + 1
		_, _ = fmt.Fprintln(Output, rendered)
		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(Output)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []*tensors.Tensor) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.updates = nil
	}
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(Output)
	return nil
}

// AttachProgressBar creates a command-line progress bar and attaches it to the Loop, so that every time
// the Loop is run it displays the progression and a table with the current metrics.
//
// Optionally, one can provide extraMetrics: functions called at every update of the progress bar,
// that return a name and a value to include in the table.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(Output),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		extraMetricFns: extraMetrics,
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	train.EveryNSteps(loop, 10, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, true, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
