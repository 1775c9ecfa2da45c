package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"armrw/internal/callgraph"
	"armrw/internal/disasm"
	"armrw/internal/loader"
	"armrw/internal/output"
	"armrw/internal/program"
	"armrw/internal/rewrite"
)

func init() {
	rootCmd.AddCommand(disasmCmd)
	disasmCmd.Flags().StringP("func", "f", "", "only list this function")
	disasmCmd.Flags().StringP("out", "o", "", "write asm/<func>.txt and symbols.json under this directory")
	disasmCmd.MarkFlagDirname("out")
	viper.BindPFlag("disasm.func", disasmCmd.Flags().Lookup("func"))
	viper.BindPFlag("disasm.out", disasmCmd.Flags().Lookup("out"))
}

var disasmCmd = &cobra.Command{
	Use:   "disasm <BINARY>",
	Short: "Print an annotated listing of the recovered functions",
	Example: heredoc.Doc(`
		# List every function
		❯ armrw disasm ./prog

		# List one function
		❯ armrw disasm --func main ./prog

		# Write one listing per function
		❯ armrw disasm --out /tmp/prog ./prog`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := rewrite.FromViper(viper.GetViper())
		if err != nil {
			return err
		}
		p, err := loader.LoadFile(filepath.Clean(args[0]), loader.Options{
			DataSections: conf.DataSections,
			Ignore:       conf.IgnoreFuncs,
		})
		if err != nil {
			return err
		}

		fns := p.Funcs()
		if name := viper.GetString("disasm.func"); name != "" {
			fn, err := findFunc(p, name)
			if err != nil {
				return err
			}
			fns = []*program.Function{fn}
		}

		lookup := callgraph.Lookup(p)
		outDir := viper.GetString("disasm.out")
		var count int
		for _, fn := range fns {
			if !fn.Disassembled() {
				continue
			}
			insts := make([]disasm.Inst, len(fn.Instructions))
			for i, inst := range fn.Instructions {
				insts[i] = inst.Decoded()
			}
			annotators := []disasm.Annotator{
				disasm.TargetAnnotator(lookup),
				disasm.PageContextAnnotator(insts, lookup),
			}
			if outDir != "" {
				if err := output.WriteASM(outDir, fn.Name, insts, lookup, annotators...); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s @ 0x%x (%s):\n", fn.Name, fn.Start, humanize.Bytes(fn.Size))
				fmt.Fprint(cmd.OutOrStdout(), disasm.Format(insts, lookup, annotators...))
				fmt.Fprintln(cmd.OutOrStdout())
			}
			count++
		}

		if outDir != "" {
			if err := output.WriteSymbolsJSON(outDir, output.Symbols(p)); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %s (%s listings)\n", outDir, humanize.Comma(int64(count)))
		}
		return nil
	},
}
