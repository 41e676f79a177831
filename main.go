// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var verbose bool

var command = &cobra.Command{
	Use:   "scfi [flags] file.s...",
	Short: "Instrument assembly files with forward-edge control-flow checks",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(cmd.Context(), cmd.PersistentFlags(), args); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// loadOptions reads the config file, if any, and applies the flags that
// were set explicitly on top of it.
func loadOptions(flags *pflag.FlagSet) (Options, error) {
	opts := DefaultOptions()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if opts, err = LoadOptions(path); err != nil {
			return opts, err
		}
	}
	setString := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}
	setInt := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	setString("isa", &opts.ISA)
	setBool("orthogonal", &opts.Orthogonal)
	setInt("max-length", &opts.MaxLength)
	setBool("skip-lib", &opts.SkipLib)
	if flags.Changed("skip-lib-threshold") {
		opts.SkipLibThreshold, _ = flags.GetUint64("skip-lib-threshold")
	}
	if flags.Changed("priority") {
		priority, _ := flags.GetString("priority")
		opts.Priority = Priority(priority)
	}
	if flags.Changed("huffman-weight") {
		weight, _ := flags.GetString("huffman-weight")
		opts.HuffmanWeight = WeightSource(weight)
	}
	setInt("trampoline-threshold", &opts.TrampolineThreshold)
	setInt("placement-retries", &opts.PlacementRetries)
	setInt("optimize-rounds", &opts.OptimizeRounds)
	setInt("skip-low-bit", &opts.SkipLowBit)
	setBool("debug", &opts.Debug)
	setBool("skip-trap", &opts.SkipTrap)
	setBool("keep-locations", &opts.KeepLocations)
	setBool("direct-calls", &opts.DirectCalls)
	setBool("verify", &opts.Verify)
	setBool("progress", &opts.Progress)
	setString("assembler", &opts.Assembler)
	setString("readelf", &opts.Readelf)
	if flags.Changed("assembler-flag") {
		opts.AssemblerFlags, _ = flags.GetStringSlice("assembler-flag")
	}
	setString("report", &opts.Report.Path)
	setString("union", &opts.Report.Unions)
	setString("hierarchy", &opts.Report.Hierarchy)
	setBool("virtual-hierarchy", &opts.Report.VirtualHierarchy)
	setBool("only-virtual", &opts.Report.OnlyVirtual)
	return opts, opts.Validate()
}

func loadTags(opts Options, log logrus.FieldLogger) (*ControlFlowTags, error) {
	if opts.Report.Path == "" {
		return nil, errors.Wrap(ErrInvalidOptions, "an analysis report is required")
	}
	unionPath := opts.Report.Unions
	if unionPath == "" {
		unionPath = filepath.Join(filepath.Dir(opts.Report.Path), "scfi_tmp.union")
	}
	unions, err := LoadUnionsFile(unionPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read unions %s", unionPath)
	}
	reportOpts := ReportOptions{
		Unions:           unions,
		HierarchyRoots:   opts.Report.HierarchyRoots,
		VirtualHierarchy: opts.Report.VirtualHierarchy,
		OnlyVirtual:      opts.Report.OnlyVirtual,
	}
	if opts.Report.Hierarchy != "" {
		if reportOpts.Hierarchy, err = LoadHierarchy(opts.Report.Hierarchy, log); err != nil {
			return nil, err
		}
	}
	return LoadReportFile(opts.Report.Path, reportOpts, log)
}

func run(ctx context.Context, flags *pflag.FlagSet, args []string) error {
	log := newLogger()
	opts, err := loadOptions(flags)
	if err != nil {
		return err
	}
	tags, err := loadTags(opts, log)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"branches": len(tags.Branches),
		"targets":  len(tags.Targets),
	}).Info("loaded report")

	if version, err := fetchVersion(log, opts.Assembler); err != nil {
		log.WithError(err).Warn("failed to fetch assembler version")
	} else {
		log.Debugf("assembler %s %s", opts.Assembler, version)
	}

	output, _ := flags.GetString("output")
	var units []*Unit
	for _, source := range args {
		oracle := &AssemblerOracle{
			Assembler: opts.Assembler,
			Flags:     opts.AssemblerFlags,
			Readelf:   opts.Readelf,
			Log:       log,
		}
		unit, err := NewUnit(source, output, opts, tags, oracle, log)
		if err != nil {
			return err
		}
		units = append(units, unit)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	jobs, _ := flags.GetInt("jobs")
	if err = RunUnits(ctx, units, jobs); err != nil {
		return err
	}

	if lds, _ := flags.GetString("lds"); lds != "" {
		align := make(map[string]int)
		for _, unit := range units {
			MergeSectionAlign(align, unit.SectionAlign)
		}
		template, _ := flags.GetString("lds-template")
		if err = WriteLinkerScriptFile(lds, template, align, log); err != nil {
			return err
		}
	}
	if stats, _ := flags.GetString("stats"); stats != "" {
		if err = WriteStats(stats, units); err != nil {
			return err
		}
	}
	return nil
}

func registerFlags(flags *pflag.FlagSet) {
	defaults := DefaultOptions()
	flags.StringP("report", "r", "", "analysis report of indirect calls and their targets")
	flags.StringP("union", "u", "", "union file (default: scfi_tmp.union beside the report)")
	flags.String("hierarchy", "", "directory of inheritance graphs used to collapse class types")
	flags.Bool("virtual-hierarchy", defaults.Report.VirtualHierarchy, "collapse virtual call types as well")
	flags.Bool("only-virtual", defaults.Report.OnlyVirtual, "ignore function pointer calls")
	flags.StringP("output", "o", "", "output directory of instrumented files (default: beside the input)")
	flags.StringP("lds", "l", "", "linker script to write")
	flags.String("lds-template", "", "linker script template with insertion marks (default: built-in)")
	flags.StringP("config", "c", "", "YAML options file")
	flags.String("isa", defaults.ISA, "instruction set and syntax (x86_64-att, aarch64)")
	flags.Bool("orthogonal", defaults.Orthogonal, "encode colored targets orthogonally to bit patterns")
	flags.Int("max-length", defaults.MaxLength, "maximum bit-pattern code length")
	flags.Bool("skip-lib", defaults.SkipLib, "let calls above the threshold through unchecked")
	flags.Uint64("skip-lib-threshold", defaults.SkipLibThreshold, "lowest address treated as library code")
	flags.String("priority", string(defaults.Priority), "tag priority (runtime, size)")
	flags.String("huffman-weight", string(defaults.HuffmanWeight), "huffman weight (target, branch, both)")
	flags.Int("trampoline-threshold", defaults.TrampolineThreshold, "pattern width above which targets move to islands (0 disables)")
	flags.Int("placement-retries", defaults.PlacementRetries, "alignment periods tried when placing an island")
	flags.Int("optimize-rounds", defaults.OptimizeRounds, "rounds re-placing islands that drifted")
	flags.Int("skip-low-bit", defaults.SkipLowBit, "low address bits left out of every pattern")
	flags.Bool("debug", defaults.Debug, "compare bit patterns instead of forcing them")
	flags.Bool("skip-trap", defaults.SkipTrap, "replace traps by no-ops")
	flags.Bool("keep-locations", defaults.KeepLocations, "keep .loc directives in the output")
	flags.Bool("direct-calls", defaults.DirectCalls, "turn calls through read-only function pointers into direct calls")
	flags.Bool("verify", defaults.Verify, "check every target address after instrumenting")
	flags.Bool("progress", defaults.Progress, "show island placement progress")
	flags.String("assembler", defaults.Assembler, "assembler command")
	flags.StringSlice("assembler-flag", nil, "extra assembler flag")
	flags.String("readelf", defaults.Readelf, "readelf command")
	flags.String("stats", "", "append per-file statistics to this file")
	flags.IntP("jobs", "j", runtime.NumCPU(), "files instrumented in parallel")
	flags.BoolVarP(&verbose, "verbose", "v", false, "if set, increase verbosity level")
}

func init() {
	registerFlags(command.PersistentFlags())
}

func main() {
	if err := command.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
