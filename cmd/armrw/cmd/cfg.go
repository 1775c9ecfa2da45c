package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	lrender "github.com/zboralski/lattice/render"

	"armrw/internal/callgraph"
	"armrw/internal/cfg"
	"armrw/internal/output"
	"armrw/internal/program"
	"armrw/internal/render"
	"armrw/internal/rewrite"
)

func init() {
	rootCmd.AddCommand(cfgCmd)
	cfgCmd.Flags().StringP("out", "o", "", "output directory")
	cfgCmd.Flags().StringP("func", "f", "", "only render this function")
	cfgCmd.Flags().Bool("free", false, "annotate blocks with their free registers")
	cfgCmd.MarkFlagRequired("out")
	cfgCmd.MarkFlagDirname("out")
	viper.BindPFlag("cfg.out", cfgCmd.Flags().Lookup("out"))
	viper.BindPFlag("cfg.func", cfgCmd.Flags().Lookup("func"))
	viper.BindPFlag("cfg.free", cfgCmd.Flags().Lookup("free"))
}

var cfgCmd = &cobra.Command{
	Use:   "cfg <BINARY>",
	Short: "Write control-flow and call graphs as DOT",
	Example: heredoc.Doc(`
		# One DOT file per function plus the call graph
		❯ armrw cfg --out /tmp/prog ./prog

		# Show free registers at each block of main
		❯ armrw cfg --out /tmp/prog --func main --free ./prog
		❯ dot -Tsvg /tmp/prog/cfg/main.dot -o main.svg`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := rewrite.FromViper(viper.GetViper())
		if err != nil {
			return err
		}
		p, err := rewrite.New(conf).Analyze(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		outDir := viper.GetString("cfg.out")
		name := filepath.Base(args[0])

		fns := p.Funcs()
		if fname := viper.GetString("cfg.func"); fname != "" {
			fn, err := findFunc(p, fname)
			if err != nil {
				return err
			}
			fns = []*program.Function{fn}
		}

		opts := render.Options{Free: viper.GetBool("cfg.free")}
		var count int
		for _, fn := range fns {
			if !fn.Disassembled() {
				continue
			}
			dot := render.CFGDOT(fn, cfg.Blocks(fn), render.NASA, opts)
			if dot == "" {
				continue
			}
			if _, err := output.WriteDOT(filepath.Join(outDir, "cfg"), fn.Name, dot); err != nil {
				return err
			}
			count++
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%s functions)\n", filepath.Join(outDir, "cfg"), humanize.Comma(int64(count)))

		path, err := output.WriteDOT(outDir, "cfg_all", lrender.DOTCFG(callgraph.CFG(p), name+" CFG"))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", path)

		cg := callgraph.CallGraph(p)
		path, err = output.WriteDOT(outDir, "callgraph", lrender.DOT(cg, name+" call graph"))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%s nodes, %s edges)\n", path,
			humanize.Comma(int64(len(cg.Nodes))), humanize.Comma(int64(len(cg.Edges))))
		return nil
	},
}
