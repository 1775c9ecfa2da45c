package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"armrw/internal/disasm"
	"armrw/internal/liveness"
	"armrw/internal/rewrite"
)

func init() {
	rootCmd.AddCommand(livenessCmd)
	livenessCmd.Flags().StringP("func", "f", "", "function to report")
	livenessCmd.Flags().String("liveness", string(rewrite.DefaultConfig().LivenessStrategy), "liveness strategy (single|fixpoint)")
	livenessCmd.Flags().String("reg", "", "only list instructions where this register, in any width, is free")
	livenessCmd.MarkFlagRequired("func")
	viper.BindPFlag("liveness.func", livenessCmd.Flags().Lookup("func"))
}

var livenessCmd = &cobra.Command{
	Use:   "liveness <BINARY>",
	Short: "Print the free registers before each instruction of a function",
	Example: heredoc.Doc(`
		❯ armrw liveness --func main ./prog
		❯ armrw liveness --func main --liveness fixpoint ./prog
		❯ armrw liveness --func main --reg w9 ./prog`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := rewrite.FromViper(viper.GetViper())
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("liveness") {
			s, _ := cmd.Flags().GetString("liveness")
			if conf.LivenessStrategy, err = liveness.ParseStrategy(s); err != nil {
				return err
			}
		}
		p, err := rewrite.New(conf).Analyze(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		fn, err := findFunc(p, viper.GetString("liveness.func"))
		if err != nil {
			return err
		}
		if fn.Ignored {
			return fmt.Errorf("%s is carried through unmodified and has no liveness", fn.Name)
		}

		reg, _ := cmd.Flags().GetString("reg")
		var only disasm.RegSet
		if reg != "" {
			aliases := liveness.Closure(reg)
			if aliases == nil {
				return fmt.Errorf("unknown register %q", reg)
			}
			only = liveness.FromNames(aliases...)
			if only.Empty() {
				return fmt.Errorf("%s is never allocated", reg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", strings.Join(aliases, " "))
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for i, inst := range fn.Instructions {
			free := fn.FreeRegisters(i)
			if !only.Empty() && free.And(only).Empty() {
				continue
			}
			fmt.Fprintf(w, "0x%x\t%s %s\t%d free\t%s\n", inst.Addr, inst.Mnemonic, inst.Operands,
				free.Len(), strings.Join(free.Names(), " "))
		}
		return w.Flush()
	},
}
