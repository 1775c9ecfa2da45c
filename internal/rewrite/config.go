package rewrite

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"armrw/internal/liveness"
	"armrw/internal/loader"
	"armrw/internal/resolve"
)

// Viper keys read by FromViper.
const (
	KeyLiveness     = "rewrite.liveness"
	KeyFixpointCap  = "rewrite.fixpoint-cap"
	KeyResolveMode  = "rewrite.resolve-mode"
	KeyStepBudget   = "rewrite.step-budget"
	KeyRetryBudget  = "rewrite.retry-budget"
	KeyTrampolines  = "rewrite.trampolines"
	KeyIgnore       = "rewrite.ignore"
	KeyDataSections = "rewrite.data-sections"
	KeyReserve      = "rewrite.reserve"
)

// Config tunes every phase of the pipeline.
type Config struct {
	LivenessStrategy liveness.Strategy
	FixpointCap      int
	ResolveMode      resolve.Mode
	StepBudget       int
	RetryBudget      int
	EmitTrampolines  bool
	// IgnoreFuncs extends loader.CompilerFunctions.
	IgnoreFuncs  []string
	DataSections []string
	// Reserve names registers, in either width, that instrumentation
	// must never use.
	Reserve []string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		LivenessStrategy: liveness.Single,
		FixpointCap:      liveness.DefaultFixpointCap,
		ResolveMode:      resolve.FirstPredecessor,
		StepBudget:       resolve.DefaultStepBudget,
		RetryBudget:      resolve.DefaultRetryBudget,
		EmitTrampolines:  true,
		DataSections:     loader.DefaultDataSections,
	}
}

// SetDefaults registers DefaultConfig under the rewrite.* keys.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(KeyLiveness, string(d.LivenessStrategy))
	v.SetDefault(KeyFixpointCap, d.FixpointCap)
	v.SetDefault(KeyResolveMode, string(d.ResolveMode))
	v.SetDefault(KeyStepBudget, d.StepBudget)
	v.SetDefault(KeyRetryBudget, d.RetryBudget)
	v.SetDefault(KeyTrampolines, d.EmitTrampolines)
	v.SetDefault(KeyIgnore, []string{})
	v.SetDefault(KeyDataSections, d.DataSections)
	v.SetDefault(KeyReserve, []string{})
}

// FromViper reads a Config from the rewrite.* keys. Every invalid value is
// reported.
func FromViper(v *viper.Viper) (Config, error) {
	var errs *multierror.Error
	cfg := DefaultConfig()

	strategy, err := liveness.ParseStrategy(v.GetString(KeyLiveness))
	errs = multierror.Append(errs, err)
	mode, err := resolve.ParseMode(v.GetString(KeyResolveMode))
	errs = multierror.Append(errs, err)
	cfg.LivenessStrategy = strategy
	cfg.ResolveMode = mode

	if n := v.GetInt(KeyFixpointCap); n > 0 {
		cfg.FixpointCap = n
	}
	if n := v.GetInt(KeyStepBudget); n > 0 {
		cfg.StepBudget = n
	}
	if n := v.GetInt(KeyRetryBudget); n > 0 {
		cfg.RetryBudget = n
	}
	if v.IsSet(KeyTrampolines) {
		cfg.EmitTrampolines = v.GetBool(KeyTrampolines)
	}
	if ignore := v.GetStringSlice(KeyIgnore); len(ignore) > 0 {
		cfg.IgnoreFuncs = ignore
	}
	if secs := v.GetStringSlice(KeyDataSections); len(secs) > 0 {
		cfg.DataSections = secs
	}
	for _, name := range v.GetStringSlice(KeyReserve) {
		if _, ok := liveness.Canonical(name); !ok {
			errs = multierror.Append(errs, fmt.Errorf("rewrite: unknown register %q in %s", name, KeyReserve))
			continue
		}
		cfg.Reserve = append(cfg.Reserve, name)
	}
	return cfg, errs.ErrorOrNil()
}

func (c Config) loaderOptions() loader.Options {
	return loader.Options{DataSections: c.DataSections, Ignore: c.IgnoreFuncs}
}

func (c Config) resolveOptions() resolve.Options {
	return resolve.Options{Mode: c.ResolveMode, StepBudget: c.StepBudget, RetryBudget: c.RetryBudget}
}

func (c Config) livenessOptions() liveness.Options {
	return liveness.Options{
		Strategy:    c.LivenessStrategy,
		FixpointCap: c.FixpointCap,
		Reserved:    liveness.FromNames(c.Reserve...),
	}
}
