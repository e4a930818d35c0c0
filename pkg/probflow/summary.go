// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/probflow/probflow/ui/commandline"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Summary writes a table with the mean and standard deviation of the posterior of each element of
// every parameter, estimated from DefaultPosteriorSamples samples, followed by the loss of the fit.
func (m *Model) Summary(w io.Writer) error {
	const op = "Summary"
	state, err := m.fitState(op)
	if err != nil {
		return err
	}
	samples, err := m.posterior(op, state, DefaultPosteriorSamples)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, samples.Len())
	for pair := samples.Oldest(); pair != nil; pair = pair.Next() {
		p, _ := m.parameterByName(op, pair.Key)
		priorLoc, priorScale := p.Prior()
		_, cols := pair.Value.Dims()
		for col := range cols {
			name := pair.Key
			if cols > 1 {
				name = fmt.Sprintf("%s[%d]", pair.Key, col)
			}
			mean, std := stat.MeanStdDev(mat.Col(nil, col, pair.Value), nil)
			rows = append(rows, []string{name, fmt.Sprintf("%.4g", mean), fmt.Sprintf("%.4g", std),
				fmt.Sprintf("N(%g, %g)", priorLoc, priorScale), p.Transform().String()})
		}
	}
	table := commandline.Table([]string{"Parameter", "Mean", "Std", "Prior", "Transform"}, rows)
	_, err = fmt.Fprintf(w, "%s\n%s: %s examples, loss=%.4f (mean log-loss=%.4f, KL=%.4f)\n", table, m,
		humanize.Comma(int64(state.NumExamples())), state.Loss, state.MeanLogLoss, state.KLLoss)
	return errors.Wrap(err, op)
}
