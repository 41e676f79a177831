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
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

const blockLabelPrefix = ".scfi_bb"

// Island is the relocatable unit carrying a target label whose slot needs
// too much alignment to be padded in place. Its body stays behind under the
// Real label.
type Island struct {
	Name  string
	Real  string
	Begin string
	End   string
	// Slot is the shifted bit pattern of the target.
	Slot    Slot
	IDWidth int
	Section string

	lines    []LineID
	label    LineID
	anchor   LineID
	placedAt uint64
}

// padValue is where the identifier block must start, modulo 2^Slot.Width.
func (is *Island) padValue() uint64 {
	return (is.Slot.Value - uint64(is.IDWidth)) & is.Slot.Mask()
}

// PlacementOptions bounds the island placement search.
type PlacementOptions struct {
	// Retries is how many periods past the ideal address are tried.
	Retries int
	// OptimizeRounds re-places islands that drifted from their anchor.
	OptimizeRounds int
	Progress       bool
}

// Placer moves islands next to basic block boundaries close to their ideal
// address, using a compile oracle to learn where code lands.
type Placer struct {
	doc    *Document
	tk     Toolkit
	oracle CompileOracle
	opts   PlacementOptions
	log    logrus.FieldLogger

	blocks  []LineID
	symbols *SymbolTable

	Compiles int
}

func NewPlacer(doc *Document, tk Toolkit, oracle CompileOracle, opts PlacementOptions, log logrus.FieldLogger) *Placer {
	return &Placer{doc: doc, tk: tk, oracle: oracle, opts: opts, log: log}
}

func (p *Placer) compile() error {
	symbols, err := p.oracle.Compile(p.doc.String())
	if err != nil {
		return err
	}
	p.symbols = symbols
	p.Compiles++
	return nil
}

func (p *Placer) address(name string) (uint64, error) {
	address, ok := p.symbols.Address(name)
	if !ok {
		return 0, errors.Wrapf(ErrUnknownLabel, "%s is not in the symbol table", name)
	}
	return address, nil
}

// MarkBasicBlocks puts a label after every control transfer. Islands are
// only ever placed after one of them, where no code falls through.
func (p *Placer) MarkBasicBlocks() error {
	for _, id := range p.doc.Lines() {
		l := p.doc.Line(id)
		if l.Kind() != InstructionLine || !p.tk.IsControlTransfer(l) {
			continue
		}
		if next := p.doc.Next(id); !next.IsZero() && p.doc.Line(next).block {
			continue
		}
		block := p.doc.NewLine(fmt.Sprintf("%s%d:", blockLabelPrefix, len(p.blocks)))
		p.doc.Line(block).block = true
		if err := p.doc.InsertAfter(block, id); err != nil {
			return err
		}
		p.blocks = append(p.blocks, block)
	}
	p.log.Debugf("marked %d basic blocks", len(p.blocks))
	return nil
}

// RemoveBasicBlocks drops the labels added by MarkBasicBlocks.
func (p *Placer) RemoveBasicBlocks() {
	for _, block := range p.blocks {
		p.doc.Remove(block)
	}
	p.blocks = nil
}

// ideal returns the first address at or after the real body where an island
// opening there needs no padding.
func (p *Placer) ideal(is *Island) (uint64, error) {
	real, err := p.address(is.Real)
	if err != nil {
		return 0, err
	}
	w := uint(is.Slot.Width)
	period := uint64(1) << w
	ideal := real>>w<<w + (is.padValue()-uint64(p.tk.TrampolineHead()))&(period-1)
	if ideal < real {
		ideal += period
	}
	return ideal, nil
}

// candidate returns the last block label of section within [begin, end].
func (p *Placer) candidate(section string, begin, end uint64) LineID {
	var (
		best    LineID
		bestPos uint64
	)
	for _, block := range p.blocks {
		if !p.doc.Linked(block) || p.doc.SectionOf(block) != section {
			continue
		}
		address, ok := p.symbols.Address(p.doc.Line(block).Label())
		if !ok || address < begin || address > end {
			continue
		}
		if best.IsZero() || address >= bestPos {
			best, bestPos = block, address
		}
	}
	return best
}

// insert moves an island after the best block label between begin and
// ideal, widening the window by one period per retry.
func (p *Placer) insert(is *Island, begin, ideal uint64) error {
	period := uint64(1) << uint(is.Slot.Width)
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		anchor := p.candidate(is.Section, begin, ideal)
		if !anchor.IsZero() {
			next := p.doc.Next(anchor)
			if next.IsZero() || p.doc.Line(next).island == nil {
				placedAt, _ := p.symbols.Address(p.doc.Line(anchor).Label())
				if err := p.doc.MoveLinesAfter(is.lines, anchor); err != nil {
					return errors.Wrapf(err, "island %s", is.Name)
				}
				is.anchor, is.placedAt = anchor, placedAt
				fields := logrus.Fields{
					"target":  is.Name,
					"address": fmt.Sprintf("0x%x", placedAt),
					"ideal":   fmt.Sprintf("0x%x", ideal),
				}
				if function, ok := p.symbols.FunctionAt(placedAt); ok {
					fields["function"] = function
				}
				p.log.WithFields(fields).Debug("placed island")
				return nil
			}
		}
		ideal += period
	}
	return errors.Wrapf(ErrPlacementExhausted, "island %s after %d retries", is.Name, p.opts.Retries)
}

func (p *Placer) progress(n int) *progressbar.ProgressBar {
	if p.opts.Progress {
		return progressbar.Default(int64(n), "placing islands")
	}
	return progressbar.DefaultSilent(int64(n))
}

// Place inserts every island, then re-places the ones whose anchor moved.
// Block labels are removed when it returns successfully.
func (p *Placer) Place(islands []*Island) error {
	if len(islands) == 0 {
		return nil
	}
	if err := p.MarkBasicBlocks(); err != nil {
		return err
	}
	bar := p.progress(len(islands))
	pending := append([]*Island(nil), islands...)
	for len(pending) > 0 {
		if err := p.compile(); err != nil {
			return err
		}
		ideals := make(map[*Island]uint64, len(pending))
		for _, is := range pending {
			ideal, err := p.ideal(is)
			if err != nil {
				return err
			}
			ideals[is] = ideal
		}
		sort.SliceStable(pending, func(i, j int) bool {
			if ideals[pending[i]] != ideals[pending[j]] {
				return ideals[pending[i]] < ideals[pending[j]]
			}
			return pending[i].Name < pending[j].Name
		})
		next := pending[0]
		pending = pending[1:]
		begin, err := p.address(next.Real)
		if err != nil {
			return err
		}
		if err = p.insert(next, begin, ideals[next]); err != nil {
			return err
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	for round := 0; round < p.opts.OptimizeRounds; round++ {
		if err := p.compile(); err != nil {
			return err
		}
		drifted := lo.Filter(islands, func(is *Island, _ int) bool {
			address, ok := p.symbols.Address(is.Begin)
			return ok && address != is.placedAt
		})
		p.log.Debugf("optimize round %d: %d islands drifted", round, len(drifted))
		if len(drifted) == 0 {
			break
		}
		for _, is := range drifted {
			if err := p.replace(is); err != nil {
				return err
			}
		}
	}
	p.RemoveBasicBlocks()
	return nil
}

// replace takes an island out and places it again. The target label stays
// in the document while compiling, so references to it still resolve.
func (p *Placer) replace(is *Island) error {
	for _, id := range is.lines {
		if id != is.label {
			p.doc.Unlink(id)
		}
	}
	if err := p.compile(); err != nil {
		return err
	}
	p.doc.Unlink(is.label)
	ideal, err := p.ideal(is)
	if err != nil {
		return err
	}
	begin, err := p.address(is.Real)
	if err != nil {
		return err
	}
	return p.insert(is, begin, ideal)
}
