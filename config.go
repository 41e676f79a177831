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
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Options configures one instrumentation run. Keys missing from a YAML
// file keep their defaults.
type Options struct {
	ISA string `yaml:"isa"`

	Orthogonal    bool         `yaml:"orthogonal"`
	MaxLength     int          `yaml:"max_length"`
	Priority      Priority     `yaml:"priority"`
	HuffmanWeight WeightSource `yaml:"huffman_weight"`

	SkipLib          bool   `yaml:"skip_lib"`
	SkipLibThreshold uint64 `yaml:"skip_lib_threshold"`
	SkipTrap         bool   `yaml:"skip_trap"`
	Debug            bool   `yaml:"debug"`
	SkipLowBit       int    `yaml:"skip_low_bit"`

	TrampolineThreshold int `yaml:"trampoline_threshold"`
	PlacementRetries    int `yaml:"placement_retries"`
	OptimizeRounds      int `yaml:"optimize_rounds"`

	Assembler      string   `yaml:"assembler"`
	AssemblerFlags []string `yaml:"assembler_flags"`
	Readelf        string   `yaml:"readelf"`

	KeepLocations bool `yaml:"keep_locations"`
	DirectCalls   bool `yaml:"direct_calls"`
	Verify        bool `yaml:"verify"`
	Progress      bool `yaml:"progress"`

	Report ReportConfig `yaml:"report"`
}

// ReportConfig locates the analysis inputs.
type ReportConfig struct {
	Path             string   `yaml:"path"`
	Unions           string   `yaml:"unions"`
	Hierarchy        string   `yaml:"hierarchy"`
	HierarchyRoots   []string `yaml:"hierarchy_roots"`
	VirtualHierarchy bool     `yaml:"virtual_hierarchy"`
	OnlyVirtual      bool     `yaml:"only_virtual"`
}

// maxSkipLibThreshold keeps the threshold encodable as a sign-extended imm32.
const maxSkipLibThreshold = 0x7fffffff

func DefaultOptions() Options {
	return Options{
		ISA:                 "x86_64-att",
		Orthogonal:          true,
		MaxLength:           8,
		Priority:            PriorityRuntime,
		HuffmanWeight:       WeightTarget,
		SkipLibThreshold:    0xfffffff,
		SkipLowBit:          1,
		TrampolineThreshold: 0,
		PlacementRetries:    16,
		OptimizeRounds:      2,
		Assembler:           "as",
		Readelf:             "readelf",
		DirectCalls:         true,
		Report: ReportConfig{
			HierarchyRoots: DefaultHierarchyRoots,
		},
	}
}

// LoadOptions reads a YAML file over the defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.Wrapf(err, "failed to read options")
	}
	if err = yaml.Unmarshal(data, &opts); err != nil {
		return opts, errors.Wrapf(ErrInvalidOptions, "%s: %v", path, err)
	}
	return opts, nil
}

func (o Options) Validate() error {
	if _, err := GetToolkit(o.ISA); err != nil {
		return errors.Wrap(ErrInvalidOptions, err.Error())
	}
	switch {
	case o.MaxLength < 0:
		return errors.Wrapf(ErrInvalidOptions, "max length %d is negative", o.MaxLength)
	case o.SkipLowBit < 0:
		return errors.Wrapf(ErrInvalidOptions, "skip low bit %d is negative", o.SkipLowBit)
	case o.MaxLength+o.SkipLowBit > 31:
		return errors.Wrapf(ErrInvalidOptions, "max length %d plus skip low bit %d exceeds 31 bits", o.MaxLength, o.SkipLowBit)
	case o.SkipLibThreshold > maxSkipLibThreshold:
		return errors.Wrapf(ErrInvalidOptions, "skip lib threshold 0x%x exceeds 0x%x", o.SkipLibThreshold, maxSkipLibThreshold)
	case o.TrampolineThreshold < 0:
		return errors.Wrapf(ErrInvalidOptions, "trampoline threshold %d is negative", o.TrampolineThreshold)
	case o.PlacementRetries < 0 || o.OptimizeRounds < 0:
		return errors.Wrapf(ErrInvalidOptions, "placement retries and optimize rounds must not be negative")
	}
	switch o.Priority {
	case PriorityRuntime, PriorityCodeSize:
	default:
		return errors.Wrapf(ErrInvalidOptions, "unknown priority %q", o.Priority)
	}
	switch o.HuffmanWeight {
	case WeightTarget, WeightBranch, WeightBoth:
	default:
		return errors.Wrapf(ErrInvalidOptions, "unknown huffman weight %q", o.HuffmanWeight)
	}
	return nil
}

func (o Options) AssignOptions() AssignOptions {
	return AssignOptions{
		Orthogonal: o.Orthogonal,
		MaxLength:  o.MaxLength,
		Priority:   o.Priority,
		Weight:     o.HuffmanWeight,
	}
}

func (o Options) InstrumentOptions() InstrumentOptions {
	return InstrumentOptions{
		SkipLowBit:          o.SkipLowBit,
		SkipLib:             o.SkipLib,
		SkipLibThreshold:    o.SkipLibThreshold,
		SkipTrap:            o.SkipTrap,
		Debug:               o.Debug,
		TrampolineThreshold: o.TrampolineThreshold,
	}
}

func (o Options) PlacementOptions() PlacementOptions {
	return PlacementOptions{
		Retries:        o.PlacementRetries,
		OptimizeRounds: o.OptimizeRounds,
		Progress:       o.Progress,
	}
}
