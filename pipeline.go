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
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Stats summarizes one instrumented file.
type Stats struct {
	ICalls           int
	DirectCalls      int
	DroppedLocations int
	MarkedBranches   int
	MarkedTargets    int
	ValidTags        int
	MaxTagsPerTarget int
	MaxCodeLength    int
	ColorsByTag      map[int]int
	ColorsByTarget   map[int]int
	ColorsByBranch   map[int]int
	Padded           int
	Trampolines      int
	Compiles         int
}

func (s Stats) Fields() logrus.Fields {
	return logrus.Fields{
		"icalls":              s.ICalls,
		"direct_calls":        s.DirectCalls,
		"dropped_locations":   s.DroppedLocations,
		"marked_icalls":       s.MarkedBranches,
		"marked_targets":      s.MarkedTargets,
		"valid_tags":          s.ValidTags,
		"max_tags_per_target": s.MaxTagsPerTarget,
		"max_code_length":     s.MaxCodeLength,
		"padding":             s.Padded,
		"trampolines":         s.Trampolines,
		"compiles":            s.Compiles,
	}
}

func formatHistogram(h map[int]int) string {
	colors := lo.Keys(h)
	sort.Ints(colors)
	return strings.Join(lo.Map(colors, func(c int, _ int) string { return fmt.Sprintf("%d:%d", c, h[c]) }), " ")
}

func (s Stats) String() string {
	fields := s.Fields()
	keys := lo.Keys(fields)
	sort.Strings(keys)
	parts := lo.Map(keys, func(k string, _ int) string { return fmt.Sprintf("%s=%v", k, fields[k]) })
	parts = append(parts,
		fmt.Sprintf("colors_by_tag=[%s]", formatHistogram(s.ColorsByTag)),
		fmt.Sprintf("colors_by_target=[%s]", formatHistogram(s.ColorsByTarget)),
		fmt.Sprintf("colors_by_branch=[%s]", formatHistogram(s.ColorsByBranch)))
	return strings.Join(parts, " ")
}

// Unit is one assembly file to instrument.
type Unit struct {
	Source  string
	Output  string
	Options Options
	Toolkit Toolkit
	Tags    *ControlFlowTags
	Oracle  CompileOracle
	Log     logrus.FieldLogger

	Stats        Stats
	SectionAlign map[string]int
}

// NewUnit writes "name.scfi.s" into outputDir, or beside the source when
// outputDir is empty.
func NewUnit(source, outputDir string, opts Options, tags *ControlFlowTags, oracle CompileOracle, log logrus.FieldLogger) (*Unit, error) {
	tk, err := GetToolkit(opts.ISA)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidOptions, err.Error())
	}
	sourceExt := filepath.Ext(source)
	noExtSourcePath := source[:len(source)-len(sourceExt)]
	output := noExtSourcePath + ".scfi.s"
	if outputDir != "" {
		output = filepath.Join(outputDir, filepath.Base(noExtSourcePath)+".scfi.s")
	}
	return &Unit{
		Source:  source,
		Output:  output,
		Options: opts,
		Toolkit: tk,
		Tags:    tags,
		Oracle:  oracle,
		Log:     log.WithField("file", filepath.Base(source)),
	}, nil
}

// Process instruments one assembly text.
func (u *Unit) Process(text string) (string, error) {
	doc, err := ParseDocument(text, ParseOptions{
		Comment:       u.Toolkit.CommentPrefix(),
		KeepLocations: u.Options.KeepLocations,
	})
	if err != nil {
		return "", errors.Wrapf(err, "parse %s", u.Source)
	}
	tags := u.Tags.Clone()
	u.Stats.DroppedLocations = tags.ConvertLocations(doc.FileNumber, u.Log)
	if u.Options.DirectCalls {
		u.Stats.DirectCalls = ConvertDirectCalls(doc, u.Toolkit, u.Log)
	}

	asg := NewAssignment(doc, u.Toolkit, u.Options.AssignOptions(), u.Log)
	asg.Mark(tags)
	asg.Prune()
	if !asg.Trivial() {
		if err = asg.Color(); err != nil {
			return "", err
		}
		asg.AssignColoredIDs()
	}
	if err = asg.Encode(); err != nil {
		return "", err
	}

	ins := NewInstrumenter(doc, u.Toolkit, u.Options.InstrumentOptions(), u.Log)
	islands, err := ins.InstrumentTargets(asg)
	if err != nil {
		return "", err
	}
	if err = ins.InstrumentBranches(asg); err != nil {
		return "", err
	}
	if len(islands) > 0 {
		placer := NewPlacer(doc, u.Toolkit, u.Oracle, u.Options.PlacementOptions(), u.Log)
		if err = placer.Place(islands); err != nil {
			return "", err
		}
		u.Stats.Compiles = placer.Compiles
	}
	if u.Options.Verify && len(ins.Expected) > 0 {
		symbols, err := u.Oracle.Compile(doc.String())
		if err != nil {
			return "", err
		}
		u.Stats.Compiles++
		if err = Verify(symbols, ins.Expected); err != nil {
			return "", err
		}
	}

	u.SectionAlign = doc.SectionAlign
	u.collectStats(asg, ins, islands)
	return doc.String(), nil
}

func (u *Unit) collectStats(asg *Assignment, ins *Instrumenter, islands []*Island) {
	u.Stats.ICalls = len(asg.Branches)
	u.Stats.MarkedBranches = len(asg.MarkedBranches)
	u.Stats.MarkedTargets = len(asg.MarkedTargets)
	u.Stats.ValidTags = len(asg.BothValid)
	u.Stats.MaxCodeLength = asg.MaxCodeLength
	u.Stats.ColorsByTag = lo.CountValues(lo.Map(asg.BothValid, func(tag string, _ int) int { return asg.Colors[tag] }))
	u.Stats.ColorsByTarget = asg.ColorHistogram(asg.MarkedTargets)
	u.Stats.ColorsByBranch = asg.ColorHistogram(asg.MarkedBranches)
	for _, id := range asg.MarkedTargets {
		u.Stats.MaxTagsPerTarget = max(u.Stats.MaxTagsPerTarget, len(asg.doc.Line(id).Tags))
	}
	u.Stats.Padded = ins.Padded
	u.Stats.Trampolines = len(islands)
}

// Run reads the source, instruments it and writes the output file.
func (u *Unit) Run() error {
	data, err := os.ReadFile(u.Source)
	if err != nil {
		return errors.WithStack(err)
	}
	output, err := u.Process(string(data))
	if err != nil {
		return errors.Wrapf(err, "instrument %s", u.Source)
	}
	if err = os.WriteFile(u.Output, []byte(output), 0644); err != nil {
		return errors.WithStack(err)
	}
	u.Log.WithFields(u.Stats.Fields()).Infof("wrote %s", u.Output)
	return nil
}

// RunUnits instruments units concurrently, at most jobs at a time. The first
// failure cancels the units not yet started.
func RunUnits(ctx context.Context, units []*Unit, jobs int) error {
	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for _, unit := range units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return unit.Run()
		})
	}
	return g.Wait()
}

// WriteStats appends one line per unit to path.
func WriteStats(path string, units []*Unit) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	for _, unit := range units {
		if _, err = fmt.Fprintf(f, "%s: %s\n", unit.Source, unit.Stats); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(f.Close())
}
