package cmd

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CraigKelly/nutsample/diagnostics"
	"github.com/CraigKelly/nutsample/model"
	"github.com/CraigKelly/nutsample/sampler"
	"github.com/CraigKelly/nutsample/summary"
)

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Sample a model's posterior and print a summary with diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return Sample(sp)
	},
}

// Sample fits the first model and reports on it
func Sample(sp *startupParams) error {
	mod, err := sp.readModel(0)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	res, err := sp.fit(ctx, mod)
	if err != nil {
		return err
	}

	sum, err := summary.Summarize(res)
	if err != nil {
		return err
	}
	sp.out.Printf("\n%d draws from %d chains (run %s)\n", sum.Draws, len(res.Good()), res.RunID)
	if err := sum.Write(sp.out.Writer()); err != nil {
		return err
	}

	report := diagnostics.Check(res, sp.policy)
	sp.printReport(report)

	if len(sp.traceFile) > 0 {
		sp.out.Printf("Writing draws to trace file %v\n", sp.traceFile)
		if err := writeTrace(sp.traceFile, res); err != nil {
			return err
		}
	}
	return nil
}

// fit runs the sampler on mod, serving metrics while it runs if asked
func (sp *startupParams) fit(ctx context.Context, mod *model.Model) (*sampler.Result, error) {
	opts := []sampler.Option{sampler.WithLogger(sp.log.With(zap.String("model", mod.Name)))}

	var mon *monitor
	if sp.metricsAddr != "" {
		mon = newMonitor(sp.metricsAddr, sp.log)
		opts = append(opts, sampler.WithRegisterer(mon.reg))
	}

	s, err := sampler.New(mod, sp.sampler, opts...)
	if err != nil {
		return nil, err
	}

	if mon != nil {
		if err := mon.Start(); err != nil {
			return nil, err
		}
		defer mon.Stop()
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watch(watchCtx, s, 10*time.Second, sp.log)

	start := time.Now()
	res, err := s.Run(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "Sampling %s failed", mod.Name)
	}
	sp.out.Printf("Sampled %s in %v\n", mod.Name, time.Since(start).Round(time.Millisecond))
	if res.Cancelled() {
		sp.out.Printf("INTERRUPTED: results use the draws completed so far\n")
	}
	return res, nil
}

func (sp *startupParams) printReport(r *diagnostics.Report) {
	if len(r.Warnings) == 0 {
		sp.out.Printf("\nNo warnings\n")
		return
	}
	sp.out.Printf("\n%d warnings:\n", len(r.Warnings))
	for _, w := range r.Warnings {
		sp.out.Printf("  %v\n", w)
	}
}

// writeTrace writes every saved draw as CSV: chain, iteration, warmup flag,
// sampler statistics, then one column per parameter value
func writeTrace(filename string, res *sampler.Result) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "Could not create trace file %s", filename)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)
	header := []string{"chain", "iteration", "warmup", "lp", "accept_stat", "step_size", "tree_depth", "leapfrogs", "divergent", "energy"}
	if err := w.Write(append(header, res.Names...)); err != nil {
		return err
	}

	ff := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, c := range res.Good() {
		for _, d := range c.Draws {
			row := []string{
				strconv.Itoa(c.ID),
				strconv.Itoa(d.Iteration),
				strconv.FormatBool(d.Warmup),
				ff(d.LogDensity),
				ff(d.AcceptStat),
				ff(d.StepSize),
				strconv.Itoa(d.TreeDepth),
				strconv.Itoa(d.Leapfrogs),
				strconv.FormatBool(d.Divergent),
				ff(d.Energy),
			}
			for _, v := range d.Values {
				row = append(row, ff(v))
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}
	w.Flush()
	return w.Error()
}
