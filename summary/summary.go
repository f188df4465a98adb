// Package summary reduces sampler draws to point estimates and intervals
package summary

import (
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/CraigKelly/nutsample/diagnostics"
	"github.com/CraigKelly/nutsample/sampler"
)

// DefaultProbs are the quantiles reported when Summarize is given none
var DefaultProbs = []float64{0.05, 0.95}

// Row summarizes one column of draws
type Row struct {
	Name      string
	Mean      float64
	Median    float64
	SD        float64
	Quantiles []float64 // in the order of Summary.Probs
	MCSE      float64
	ESSBulk   float64
	Rhat      float64
}

// Summary holds a Row per column of a run
type Summary struct {
	Probs []float64
	Draws int // pooled post warm-up draws
	Rows  []Row
}

// Summarize pools post warm-up draws across every chain that did not fail
// and summarizes each column. Quantiles use type 7 interpolation.
func Summarize(res *sampler.Result, probs ...float64) (*Summary, error) {
	if len(probs) == 0 {
		probs = DefaultProbs
	}
	for _, p := range probs {
		if !(p >= 0 && p <= 1) {
			return nil, errors.Errorf("Quantile probability %g is outside [0, 1]", p)
		}
	}
	if len(res.Good()) == 0 {
		return nil, errors.New("No chains to summarize: every chain failed")
	}

	s := &Summary{Probs: append([]float64(nil), probs...)}
	for col, name := range res.Names {
		table := res.Table(col)
		x := res.Pooled(col)
		if len(x) == 0 {
			return nil, errors.Errorf("No post warm-up draws for %s", name)
		}
		s.Draws = len(x)

		sorted := append([]float64(nil), x...)
		sort.Float64s(sorted)
		mean, sd := stat.MeanStdDev(x, nil)

		row := Row{
			Name:      name,
			Mean:      mean,
			Median:    diagnostics.Quantile(sorted, 0.5),
			SD:        sd,
			Quantiles: make([]float64, len(probs)),
			MCSE:      diagnostics.MCSEMean(table),
			ESSBulk:   diagnostics.ESSBulk(table),
			Rhat:      diagnostics.RankRhat(table),
		}
		for i, p := range probs {
			row.Quantiles[i] = diagnostics.Quantile(sorted, p)
		}
		s.Rows = append(s.Rows, row)
	}
	return s, nil
}

// Row returns the named row
func (s *Summary) Row(name string) (Row, bool) {
	for _, r := range s.Rows {
		if r.Name == name {
			return r, true
		}
	}
	return Row{}, false
}

// Write prints the summary as an aligned table
func (s *Summary) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(tw, "\tmean\tmcse\tsd")
	for _, p := range s.Probs {
		fmt.Fprintf(tw, "\t%g%%", 100*p)
	}
	fmt.Fprint(tw, "\tmedian\tess_bulk\trhat\t\n")

	for _, r := range s.Rows {
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f", r.Name, r.Mean, r.MCSE, r.SD)
		for _, q := range r.Quantiles {
			fmt.Fprintf(tw, "\t%.3f", q)
		}
		fmt.Fprintf(tw, "\t%.3f\t%.0f\t%.3f\t\n", r.Median, r.ESSBulk, r.Rhat)
	}
	return tw.Flush()
}

// IntervalKind picks how Interval places its bounds
type IntervalKind int

// Interval kinds
const (
	Central IntervalKind = iota // equal tail probability on both sides
	HDI                         // shortest interval
)

func (k IntervalKind) String() string {
	if k == HDI {
		return "hdi"
	}
	return "central"
}

// Interval returns a credible interval holding mass p of the draws x.
// Central uses the (1-p)/2 and (1+p)/2 quantiles. HDI is the narrowest
// window containing ceil(p*n) sorted draws.
func Interval(x []float64, p float64, kind IntervalKind) (lo, hi float64, err error) {
	if !(p > 0 && p < 1) {
		return 0, 0, errors.Errorf("Interval mass %g is outside (0, 1)", p)
	}
	if len(x) == 0 {
		return 0, 0, errors.New("Interval of no draws")
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)

	if kind == Central {
		return diagnostics.Quantile(sorted, (1-p)/2), diagnostics.Quantile(sorted, (1+p)/2), nil
	}

	n := len(sorted)
	k := int(math.Ceil(p * float64(n)))
	if k < 1 {
		k = 1
	}
	best := 0
	for i := 1; i+k-1 < n; i++ {
		if sorted[i+k-1]-sorted[i] < sorted[best+k-1]-sorted[best] {
			best = i
		}
	}
	return sorted[best], sorted[best+k-1], nil
}
