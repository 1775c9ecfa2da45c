package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"armrw/internal/output"
	"armrw/internal/rewrite"
)

const keyStats = "rewrite.stats"

func init() {
	rootCmd.AddCommand(rewriteCmd)

	d := rewrite.DefaultConfig()
	rewriteCmd.Flags().String("liveness", string(d.LivenessStrategy), "liveness strategy (single|fixpoint)")
	rewriteCmd.Flags().Int("fixpoint-cap", d.FixpointCap, "iteration cap of the fixpoint strategy")
	rewriteCmd.Flags().String("resolve-mode", string(d.ResolveMode), "resolver predecessor mode (first|all)")
	rewriteCmd.Flags().Int("step-budget", d.StepBudget, "resolver steps per path")
	rewriteCmd.Flags().Int("retry-budget", d.RetryBudget, "resolver steps per path on the retry pass")
	rewriteCmd.Flags().Bool("trampolines", d.EmitTrampolines, "emit the entry trampoline section")
	rewriteCmd.Flags().StringSlice("ignore", nil, "extra functions to carry through unmodified")
	rewriteCmd.Flags().StringSlice("data-sections", d.DataSections, "sections loaded as data")
	rewriteCmd.Flags().StringSlice("reserve", nil, "registers instrumentation must not use (e.g. x18)")
	rewriteCmd.Flags().String("stats", "", "write rewrite statistics as JSON to this file")
	rewriteCmd.MarkFlagFilename("stats", "json")
	viper.BindPFlag(rewrite.KeyLiveness, rewriteCmd.Flags().Lookup("liveness"))
	viper.BindPFlag(rewrite.KeyFixpointCap, rewriteCmd.Flags().Lookup("fixpoint-cap"))
	viper.BindPFlag(rewrite.KeyResolveMode, rewriteCmd.Flags().Lookup("resolve-mode"))
	viper.BindPFlag(rewrite.KeyStepBudget, rewriteCmd.Flags().Lookup("step-budget"))
	viper.BindPFlag(rewrite.KeyRetryBudget, rewriteCmd.Flags().Lookup("retry-budget"))
	viper.BindPFlag(rewrite.KeyTrampolines, rewriteCmd.Flags().Lookup("trampolines"))
	viper.BindPFlag(rewrite.KeyIgnore, rewriteCmd.Flags().Lookup("ignore"))
	viper.BindPFlag(rewrite.KeyDataSections, rewriteCmd.Flags().Lookup("data-sections"))
	viper.BindPFlag(rewrite.KeyReserve, rewriteCmd.Flags().Lookup("reserve"))
	viper.BindPFlag(keyStats, rewriteCmd.Flags().Lookup("stats"))
}

var rewriteCmd = &cobra.Command{
	Use:   "rewrite <BINARY> <OUT.s>",
	Short: "Rewrite a binary into reassemblable assembly",
	Example: heredoc.Doc(`
		# Rewrite a binary and reassemble it
		❯ armrw rewrite ./prog prog.s
		❯ gcc prog.s -o prog.new

		# Use the fixpoint liveness strategy and keep statistics
		❯ armrw rewrite --liveness fixpoint --stats stats.json ./prog prog.s

		# Carry an extra function through unmodified
		❯ armrw rewrite --ignore my_asm_helper ./prog prog.s

		# Keep the platform register out of instrumentation
		❯ armrw rewrite --reserve x18 ./prog prog.s`),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := rewrite.FromViper(viper.GetViper())
		if err != nil {
			return err
		}
		in, out := filepath.Clean(args[0]), filepath.Clean(args[1])

		r := rewrite.New(conf)
		p, err := r.Analyze(in)
		if err != nil {
			return err
		}
		if err := output.WriteFileAtomic(out, func(w io.Writer) error {
			return r.Finish(p, w)
		}); err != nil {
			return err
		}

		info, err := os.Stat(out)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%s, %s functions, %s switches, %s ignored)\n",
			out, humanize.Bytes(uint64(info.Size())),
			humanize.Comma(int64(p.Stats.FunctionsRewritten)),
			humanize.Comma(int64(p.Stats.SwitchesRecovered)),
			humanize.Comma(int64(p.Stats.FunctionsIgnored)))

		if path := viper.GetString(keyStats); path != "" {
			if err := output.WriteStatsJSON(path, p.Stats); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %s\n", path)
		}
		return nil
	},
}
