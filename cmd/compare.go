package cmd

import (
	"github.com/spf13/cobra"

	"github.com/CraigKelly/nutsample/compare"
	"github.com/CraigKelly/nutsample/diagnostics"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Fit several models to the same data and rank them by WAIC and PSIS-LOO",
	RunE: func(cmd *cobra.Command, args []string) error {
		return Compare(sp)
	},
}

// Compare fits every --model and ranks them
func Compare(sp *startupParams) error {
	ctx, stop := signalContext()
	defer stop()

	var waics, loos []compare.Named
	for i := range sp.modelFiles {
		mod, err := sp.readModel(i)
		if err != nil {
			return err
		}
		res, err := sp.fit(ctx, mod)
		if err != nil {
			return err
		}

		report := diagnostics.Check(res, sp.policy)
		sp.printReport(report)

		ll := res.LogLik()
		w, err := compare.WAIC(ll)
		if err != nil {
			return err
		}
		l, err := compare.LOO(ll, compare.LOOOptions{REff: compare.REff(res)})
		if err != nil {
			return err
		}
		sp.out.Printf("%s: elpd_waic %.2f (se %.2f, p %.2f)  elpd_loo %.2f (se %.2f, p %.2f)\n",
			mod.Name, w.ELPD, w.SE, w.P, l.ELPD, l.SE, l.P)
		if !w.Reliable() {
			sp.out.Printf("  %d observations have a WAIC penalty over %.1f\n", len(w.Flagged), compare.WAICThreshold)
		}
		if !l.Reliable() {
			sp.out.Printf("  %d observations have Pareto k over %.1f\n", len(l.Flagged), compare.DefaultKThreshold)
		}

		waics = append(waics, compare.Named{Name: mod.Name, Estimate: w})
		loos = append(loos, compare.Named{Name: mod.Name, Estimate: l})
	}

	for _, set := range [][]compare.Named{waics, loos} {
		ranked, err := compare.Rank(set...)
		if err != nil {
			return err
		}
		sp.printRanking(ranked)
	}
	return nil
}

func (sp *startupParams) printRanking(ranked []compare.Ranked) {
	sp.out.Printf("\nRanked by %s:\n", ranked[0].Method)
	sp.out.Printf("  %-20s %10s %10s %10s %10s\n", "model", "elpd", "se", "elpd_diff", "diff_se")
	for _, r := range ranked {
		sp.out.Printf("  %-20s %10.2f %10.2f %10.2f %10.2f\n", r.Name, r.ELPD, r.SE, r.Diff.ELPD, r.Diff.SE)
	}
}
