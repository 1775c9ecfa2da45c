// Package rewrite drives one binary through the pipeline: load, CFG
// recovery, symbolization, liveness, instrumentation, fixups and emission.
package rewrite

import (
	"fmt"
	"io"
	"time"

	"github.com/apex/log"

	"armrw/internal/cfg"
	"armrw/internal/emit"
	"armrw/internal/fixup"
	"armrw/internal/liveness"
	"armrw/internal/loader"
	"armrw/internal/program"
	"armrw/internal/resolve"
	"armrw/internal/symbolize"
)

// Phase names a pipeline step in errors and logs.
type Phase string

const (
	PhaseLoad       Phase = "load"
	PhaseCFG        Phase = "cfg"
	PhaseSymbolize  Phase = "symbolize"
	PhaseLiveness   Phase = "liveness"
	PhaseInstrument Phase = "instrument"
	PhaseFixup      Phase = "fixup"
	PhaseEmit       Phase = "emit"
)

// Instrumenter attaches snippets to a symbolized program. It runs while
// the instrumentation window is open and may use the free-register sets
// of every function.
type Instrumenter interface {
	Name() string
	Instrument(p *program.Program) error
}

// Rewriter runs the pipeline with a fixed configuration and plugin list.
type Rewriter struct {
	cfg     Config
	plugins []Instrumenter
}

// New returns a Rewriter. Plugins run in the order given.
func New(cfg Config, plugins ...Instrumenter) *Rewriter {
	return &Rewriter{cfg: cfg, plugins: plugins}
}

func timed(phase Phase, fn func() error) error {
	start := time.Now()
	err := fn()
	log.WithFields(log.Fields{"phase": string(phase), "took": time.Since(start)}).Debug("phase done")
	if err != nil {
		return fmt.Errorf("rewrite: %s: %w", phase, err)
	}
	return nil
}

// step times a phase that cannot fail.
func step(phase Phase, fn func()) {
	start := time.Now()
	fn()
	log.WithFields(log.Fields{"phase": string(phase), "took": time.Since(start)}).Debug("phase done")
}

// Analyze loads path and prepares it for instrumentation.
func (r *Rewriter) Analyze(path string) (*program.Program, error) {
	var p *program.Program
	err := timed(PhaseLoad, func() (err error) {
		p, err = loader.LoadFile(path, r.cfg.loaderOptions())
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := r.Prepare(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Prepare recovers the CFG, symbolizes operands and data, and computes
// liveness. Symbolization runs first so that recovered jump-table edges
// take part in liveness. An unresolved direct branch target is fatal.
func (r *Rewriter) Prepare(p *program.Program) error {
	if err := timed(PhaseCFG, func() error { return cfg.Build(p) }); err != nil {
		return err
	}
	step(PhaseSymbolize, func() {
		symbolize.New(p, resolve.New(p, r.cfg.resolveOptions())).Run()
	})
	step(PhaseLiveness, func() {
		liveness.AnalyzeProgram(p, r.cfg.livenessOptions())
	})
	return nil
}

// Finish runs the plugins, closes the instrumentation window, applies
// the fixups and writes assembly to out.
func (r *Rewriter) Finish(p *program.Program, out io.Writer) error {
	err := timed(PhaseInstrument, func() error {
		for _, plugin := range r.plugins {
			if err := plugin.Instrument(p); err != nil {
				return fmt.Errorf("%s: %w", plugin.Name(), err)
			}
			log.WithField("plugin", plugin.Name()).Info("instrumented")
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.Seal()
	step(PhaseFixup, func() { fixup.Run(p) })
	return timed(PhaseEmit, func() error {
		return emit.Write(out, p, emit.Options{Trampolines: r.cfg.EmitTrampolines})
	})
}

// Run rewrites the binary at path into out and returns the program with
// its final statistics.
func (r *Rewriter) Run(path string, out io.Writer) (*program.Program, error) {
	p, err := r.Analyze(path)
	if err != nil {
		return nil, err
	}
	if err := r.Finish(p, out); err != nil {
		return nil, err
	}
	return p, nil
}
