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
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	realLabelPrefix   = ".scfi_real_"
	islandBeginPrefix = ".scfi_ib_"
	islandEndPrefix   = ".scfi_ie_"
)

// symbolToken matches a symbol reference inside a directive operand
var symbolToken = regexp.MustCompile(`[A-Za-z_.$][\w.$@]*`)

func replaceSymbol(text, from, to string) string {
	return symbolToken.ReplaceAllStringFunc(text, func(token string) string {
		if token == from {
			return to
		}
		return token
	})
}

func isReadOnlySection(name string) bool {
	return strings.HasPrefix(name, ".rodata") || strings.HasPrefix(name, ".data.rel.ro")
}

// ConvertDirectCalls turns "call *sym" into "call fn" when sym is a
// read-only pointer holding the address of a function defined in doc.
// It returns the number of converted calls.
func ConvertDirectCalls(doc *Document, tk Toolkit, log logrus.FieldLogger) int {
	converted := 0
	for _, id := range doc.Lines() {
		l := doc.Line(id)
		if l.Kind() != InstructionLine {
			continue
		}
		symbol, ok := tk.PointerSymbol(l)
		if !ok {
			continue
		}
		pointer, found := doc.FindLabel(symbol)
		if !found || !isReadOnlySection(doc.SectionOf(pointer)) {
			continue
		}
		function, ok := pointerValue(doc, tk, pointer)
		if !ok || !doc.IsFunction(function) {
			continue
		}
		log.Debugf("converted %q to a direct call to %s", l.Code(), function)
		doc.SetText(id, tk.DirectCall(function))
		converted++
	}
	return converted
}

// pointerValue returns the symbol stored right after a data label.
func pointerValue(doc *Document, tk Toolkit, label LineID) (string, bool) {
	for id := doc.Next(label); !id.IsZero(); id = doc.Next(id) {
		l := doc.Line(id)
		switch l.Kind() {
		case EmptyLine, CommentLine:
			continue
		}
		fields := strings.Fields(l.Code())
		if l.Directive() != tk.PointerDirective() || len(fields) != 2 {
			return "", false
		}
		return fields[1], true
	}
	return "", false
}

type InstrumentOptions struct {
	SkipLowBit       int
	SkipLib          bool
	SkipLibThreshold uint64
	SkipTrap         bool
	Debug            bool
	// TrampolineThreshold moves targets needing more alignment bits than
	// this into islands; zero keeps every target in place.
	TrampolineThreshold int
}

// Instrumenter rewrites the target and branch sites of one document.
type Instrumenter struct {
	doc    *Document
	tk     Toolkit
	opts   InstrumentOptions
	log    logrus.FieldLogger
	labels int

	// Expected maps every target label with a bit pattern to that pattern.
	Expected map[string]Slot
	Padded   int
}

func NewInstrumenter(doc *Document, tk Toolkit, opts InstrumentOptions, log logrus.FieldLogger) *Instrumenter {
	return &Instrumenter{
		doc:      doc,
		tk:       tk,
		opts:     opts,
		log:      log,
		Expected: make(map[string]Slot),
	}
}

// lowBits is the number of address bits every slot pattern is shifted by.
func (ins *Instrumenter) lowBits() int {
	return ins.opts.SkipLowBit + ins.tk.MinLowBits()
}

func (ins *Instrumenter) newLabel() string {
	for {
		ins.labels++
		name := fmt.Sprintf(".Lscfi_%d", ins.labels)
		if _, exists := ins.doc.FindLabel(name); !exists {
			return name
		}
	}
}

// alias returns the label right after a target whose name contains the
// target name, e.g. "foo:" followed by ".Lfoo$local:".
func (ins *Instrumenter) alias(id LineID) LineID {
	next := ins.doc.Next(id)
	if next.IsZero() {
		return LineID{}
	}
	if l := ins.doc.Line(next); l.Kind() == LabelLine && strings.Contains(l.Label(), ins.doc.Line(id).Label()) {
		return next
	}
	return LineID{}
}

// splice inserts group where a line used to be, between prev and next.
func (ins *Instrumenter) splice(group []LineID, prev, next LineID) error {
	switch {
	case !next.IsZero():
		return ins.doc.InsertLinesBefore(group, next)
	case !prev.IsZero():
		return ins.doc.InsertLinesAfter(group, prev)
	default:
		return ins.doc.Append(group...)
	}
}

func (ins *Instrumenter) newLines(section LineID, texts ...string) []LineID {
	return lo.Map(texts, func(text string, _ int) LineID { return ins.doc.newLineIn(text, section) })
}

// InstrumentTargets emits padding, identifier bytes and a landing pad
// around every marked target. Targets needing more alignment than the
// trampoline threshold get an island instead, returned for placement.
func (ins *Instrumenter) InstrumentTargets(asg *Assignment) ([]*Island, error) {
	if asg.Trivial() {
		for _, id := range asg.MarkedTargets {
			anchor := id
			if alias := ins.alias(id); !alias.IsZero() {
				anchor = alias
			}
			pad := ins.doc.newLineIn(ins.tk.LandingPad(), ins.doc.Line(id).section)
			if err := ins.doc.InsertAfter(pad, anchor); err != nil {
				return nil, errors.Wrapf(err, "target %s", ins.doc.Line(id).Label())
			}
		}
		return nil, nil
	}

	var islands []*Island
	for _, id := range asg.MarkedTargets {
		l := ins.doc.Line(id)
		name := l.Label()
		layout, err := l.Slots.Layout(ins.lowBits(), ins.tk.IDAlign())
		if err != nil {
			return nil, errors.Wrapf(err, "target %s", name)
		}
		if layout.Pattern != nil && layout.Pattern.Width > 0 {
			section := ins.doc.SectionOf(id)
			ins.doc.SectionAlign[section] = max(ins.doc.SectionAlign[section], layout.Pattern.Width)
			ins.Expected[name] = *layout.Pattern
			if threshold := ins.opts.TrampolineThreshold; threshold > 0 && layout.Pattern.Width > threshold {
				island, err := ins.buildIsland(id, layout)
				if err != nil {
					return nil, errors.Wrapf(err, "target %s", name)
				}
				islands = append(islands, island)
				continue
			}
		}
		if err := ins.emitTarget(id, layout); err != nil {
			return nil, errors.Wrapf(err, "target %s", name)
		}
	}
	ins.Padded = len(asg.MarkedTargets) - len(islands)
	if total := len(asg.MarkedTargets); total > 0 {
		ins.log.Infof("padding: %d (%.2f%%), trampoline: %d (%.2f%%)",
			ins.Padded, float64(ins.Padded)*100/float64(total),
			len(islands), float64(len(islands))*100/float64(total))
	}
	return islands, nil
}

// emitTarget rewrites a target in place: padding, IDs, label, landing pad.
func (ins *Instrumenter) emitTarget(id LineID, layout TargetLayout) error {
	alias := ins.alias(id)
	ins.doc.Unlink(alias)
	prev, next := ins.doc.Prev(id), ins.doc.Next(id)
	ins.doc.Unlink(id)

	section := ins.doc.Line(id).section
	var group []LineID
	if layout.Pattern != nil && layout.Pattern.Width > 0 {
		group = append(group, ins.newLines(section, ins.tk.PadToSlot(layout.PadValue, layout.Pattern.Width))...)
	}
	group = append(group, ins.newLines(section, ins.tk.IDBytes(layout.IDs)...)...)
	group = append(group, id)
	if !alias.IsZero() {
		group = append(group, alias)
	}
	group = append(group, ins.newLines(section, ins.tk.LandingPad())...)
	return ins.splice(group, prev, next)
}

// buildIsland renames a target to its real body and builds the relocatable
// unit that carries the original label:
//
//	.scfi_ib_foo:
//		jmp .scfi_ie_foo
//		(padding) (IDs)
//	foo:
//		(landing pad)
//		jmp .scfi_real_foo
//	.scfi_ie_foo:
func (ins *Instrumenter) buildIsland(id LineID, layout TargetLayout) (*Island, error) {
	l := ins.doc.Line(id)
	name := l.Label()
	island := &Island{
		Name:    name,
		Real:    realLabelPrefix + name,
		Begin:   islandBeginPrefix + name,
		End:     islandEndPrefix + name,
		Slot:    *layout.Pattern,
		IDWidth: len(layout.IDs),
		Section: ins.doc.SectionOf(id),
	}
	if err := ins.doc.Relabel(id, island.Real); err != nil {
		return nil, err
	}
	ins.renameDirective(id, ".size", name, island.Real, ins.doc.Next)
	ins.renameDirective(id, ".type", name, island.Real, ins.doc.Prev)

	section := l.section
	island.lines = ins.newLines(section, island.Begin+":", ins.tk.JumpTo(island.End),
		ins.tk.PadToSlot(layout.PadValue, layout.Pattern.Width))
	island.lines = append(island.lines, ins.newLines(section, ins.tk.IDBytes(layout.IDs)...)...)
	island.label = ins.doc.newLineIn(name+":", section)
	island.lines = append(island.lines, island.label)
	island.lines = append(island.lines, ins.newLines(section,
		ins.tk.LandingPad(), ins.tk.JumpTo(island.Real), island.End+":")...)
	for _, line := range island.lines {
		ins.doc.Line(line).island = island
	}
	return island, nil
}

// renameDirective rewrites the first directive of the given kind naming
// symbol, searching from id in the direction of step.
func (ins *Instrumenter) renameDirective(id LineID, directive, from, to string, step func(LineID) LineID) {
	for cur := step(id); !cur.IsZero(); cur = step(cur) {
		l := ins.doc.Line(cur)
		if l.Directive() != directive {
			continue
		}
		operand := strings.TrimSpace(strings.TrimPrefix(l.Code(), directive))
		if strings.TrimSpace(strings.SplitN(operand, ",", 2)[0]) != from {
			continue
		}
		ins.doc.SetText(cur, replaceSymbol(l.Text(), from, to))
		return
	}
}

// InstrumentBranches replaces every marked indirect call by its checked form.
func (ins *Instrumenter) InstrumentBranches(asg *Assignment) error {
	if asg.Trivial() {
		return nil
	}
	for _, id := range asg.MarkedBranches {
		l := ins.doc.Line(id)
		if l.Slot == nil {
			continue
		}
		texts := ins.tk.InstrumentBranch(l, BranchCheck{
			Slot:       *l.Slot,
			SkipLowBit: ins.lowBits(),
			SkipLib:    ins.opts.SkipLib,
			Threshold:  ins.opts.SkipLibThreshold,
			SkipTrap:   ins.opts.SkipTrap,
			Debug:      ins.opts.Debug,
			NewLabel:   ins.newLabel,
		})
		prev, next := ins.doc.Prev(id), ins.doc.Next(id)
		ins.doc.Unlink(id)
		if err := ins.splice(ins.newLines(l.section, texts...), prev, next); err != nil {
			return errors.Wrapf(err, "branch %s", l.Code())
		}
	}
	return nil
}
