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
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Priority decides which tags keep the cheap bit-pattern encoding.
type Priority string

const (
	// PriorityRuntime favours tags reached by many branch sites.
	PriorityRuntime Priority = "runtime"
	// PriorityCodeSize favours tags carried by many targets.
	PriorityCodeSize Priority = "size"
)

// WeightSource selects the Huffman weight of a tag.
type WeightSource string

const (
	WeightTarget WeightSource = "target"
	WeightBranch WeightSource = "branch"
	WeightBoth   WeightSource = "both"
)

const (
	// coloredSymbol is the Huffman leaf shared by all colored tags.
	coloredSymbol = "\x00colored"
	// idsPerBand keeps every ID of a band below AbsentID.
	idsPerBand = AbsentID
)

type AssignOptions struct {
	Orthogonal bool
	MaxLength  int
	Priority   Priority
	Weight     WeightSource
}

// Assignment turns the tags of branch and target sites into slots.
// The steps run in order: Mark, Prune, Color, AssignColoredIDs, Encode.
type Assignment struct {
	doc  *Document
	tk   Toolkit
	opts AssignOptions
	log  logrus.FieldLogger

	// Branches are all indirect calls of the document.
	Branches       []LineID
	MarkedBranches []LineID
	MarkedTargets  []LineID

	branchCount map[string]int
	targets     map[string][]LineID
	validBranch map[string]bool
	validTarget map[string]bool

	// BothValid are the tags left on both sides after pruning, sorted.
	BothValid []string

	Colors map[string]int
	IDs    map[string]uint64
	Slots  map[string]Slot
	// ColoredSlot is the bit pattern of colored targets in orthogonal mode.
	ColoredSlot   *Slot
	MaxCodeLength int
}

func NewAssignment(doc *Document, tk Toolkit, opts AssignOptions, log logrus.FieldLogger) *Assignment {
	return &Assignment{
		doc:         doc,
		tk:          tk,
		opts:        opts,
		log:         log,
		branchCount: make(map[string]int),
		targets:     make(map[string][]LineID),
		validBranch: make(map[string]bool),
		validTarget: make(map[string]bool),
		Colors:      make(map[string]int),
		IDs:         make(map[string]uint64),
		Slots:       make(map[string]Slot),
	}
}

// Mark attaches tags to indirect calls (by debug location) and labels (by name).
func (a *Assignment) Mark(tags *ControlFlowTags) {
	for _, id := range a.doc.Lines() {
		l := a.doc.Line(id)
		switch l.Kind() {
		case InstructionLine:
			if !a.tk.IsIndirectCall(l) {
				continue
			}
			a.Branches = append(a.Branches, id)
			if l.Location() == nil {
				continue
			}
			branchTags, ok := tags.Branches[l.Location().Key()]
			if !ok {
				continue
			}
			l.Tags = append([]string(nil), branchTags...)
			a.MarkedBranches = append(a.MarkedBranches, id)
			for _, tag := range l.Tags {
				a.validBranch[tag] = true
				a.branchCount[tag]++
			}
		case LabelLine:
			targetTags, ok := tags.Targets[l.Label()]
			if !ok {
				continue
			}
			l.Tags = append([]string(nil), targetTags...)
			a.MarkedTargets = append(a.MarkedTargets, id)
			for _, tag := range l.Tags {
				a.validTarget[tag] = true
				a.targets[tag] = append(a.targets[tag], id)
			}
		}
	}
	a.log.WithFields(logrus.Fields{
		"icalls":         len(a.Branches),
		"marked_icalls":  len(a.MarkedBranches),
		"marked_targets": len(a.MarkedTargets),
		"branch_tags":    len(a.validBranch),
		"target_tags":    len(a.validTarget),
	}).Info("marked all instructions")
}

// Prune drops tags seen on one side only, and sites left without tags.
func (a *Assignment) Prune() {
	before := len(a.MarkedTargets)
	a.MarkedTargets = lo.Filter(a.MarkedTargets, func(id LineID, _ int) bool {
		l := a.doc.Line(id)
		l.Tags = lo.Filter(l.Tags, func(tag string, _ int) bool { return a.validBranch[tag] })
		return len(l.Tags) > 0
	})
	a.log.Debugf("marked targets: %d -> %d", before, len(a.MarkedTargets))
	before = len(a.MarkedBranches)
	a.MarkedBranches = lo.Filter(a.MarkedBranches, func(id LineID, _ int) bool {
		l := a.doc.Line(id)
		l.Tags = lo.Filter(l.Tags, func(tag string, _ int) bool { return a.validTarget[tag] })
		return len(l.Tags) > 0
	})
	a.log.Debugf("marked branches: %d -> %d", before, len(a.MarkedBranches))
	a.BothValid = lo.Filter(lo.Keys(a.validBranch), func(tag string, _ int) bool { return a.validTarget[tag] })
	sort.Strings(a.BothValid)
}

// Trivial reports whether there is nothing to tell apart; targets then get
// a landing pad only and branch sites stay untouched.
func (a *Assignment) Trivial() bool {
	return len(a.BothValid) <= 1
}

func (a *Assignment) priority(tag string) int {
	if a.opts.Priority == PriorityCodeSize {
		return len(a.targets[tag])
	}
	return a.branchCount[tag]
}

// byPriority sorts tags by descending priority, then by name.
func (a *Assignment) byPriority(tags []string) []string {
	sorted := append([]string(nil), tags...)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := a.priority(sorted[i]), a.priority(sorted[j])
		if pi != pj {
			return pi > pj
		}
		return sorted[i] < sorted[j]
	})
	return sorted
}

func (a *Assignment) weight(tag string) float64 {
	switch a.opts.Weight {
	case WeightBranch:
		return float64(a.branchCount[tag])
	case WeightBoth:
		return float64(a.branchCount[tag] + len(a.targets[tag]))
	default:
		return float64(len(a.targets[tag]))
	}
}

// MaxColor returns the largest color in use.
func (a *Assignment) MaxColor() int {
	return lo.Max(lo.Values(a.Colors))
}

// Color gives every tag on a shared target a distinct color. Passes repeat
// until nothing changes: at each target, in priority order, the first tag
// repeating a color already seen there moves to a brand-new color.
func (a *Assignment) Color() error {
	for _, tag := range a.BothValid {
		a.Colors[tag] = 0
	}
	order := a.byPriority(a.BothValid)
	limit := len(order)*len(order) + 2
	current := 0
	for pass := 0; ; pass++ {
		if pass > limit {
			return errors.Errorf("coloring did not converge after %d passes", pass)
		}
		changed := false
		for _, tag := range order {
			for _, target := range a.targets[tag] {
				l := a.doc.Line(target)
				if len(l.Tags) < 2 {
					continue
				}
				seen := make(map[int]bool, len(l.Tags))
				for _, t := range a.byPriority(l.Tags) {
					if seen[a.Colors[t]] {
						a.Colors[t] = current + 1
						changed = true
					} else {
						seen[a.Colors[t]] = true
					}
				}
			}
		}
		current++
		if !changed {
			break
		}
	}
	a.log.Debugf("coloring (by tag): %v", lo.CountValues(lo.Values(a.Colors)))
	return nil
}

// AssignColoredIDs numbers the tags of every non-zero color sequentially.
// A band that runs out of IDs spills into a fresh color.
func (a *Assignment) AssignColoredIDs() {
	next := make(map[int]uint64)
	spill := make(map[int]int)
	maxColor := a.MaxColor()
	for _, tag := range a.byPriority(a.BothValid) {
		band := a.Colors[tag]
		if band == 0 {
			continue
		}
		for next[band] >= idsPerBand {
			if spill[band] == 0 {
				maxColor++
				spill[band] = maxColor
			}
			band = spill[band]
		}
		a.Colors[tag] = band
		a.IDs[tag] = next[band]
		next[band]++
	}
}

func (a *Assignment) codebook() map[string]string {
	var (
		symbols       []Symbol
		coloredWeight float64
	)
	for _, tag := range a.byPriority(a.BothValid) {
		if a.Colors[tag] == 0 {
			symbols = append(symbols, Symbol{Name: tag, Weight: a.weight(tag)})
		} else {
			coloredWeight += a.weight(tag)
		}
	}
	if a.opts.Orthogonal && coloredWeight > 0 {
		symbols = append(symbols, Symbol{Name: coloredSymbol, Weight: coloredWeight})
	}
	return Codebook(symbols, DoubledSum)
}

// peel moves the lowest-priority quarter of color-0 tags into new ID bands
// until the code fits in MaxLength bits. This approximates a length-limited
// Huffman code. It always terminates within the limit: once every color-0
// tag is peeled, at most the colored leaf is left and its code is empty.
func (a *Assignment) peel(codes map[string]string) map[string]string {
	first := a.MaxColor() + 1
	candidates := a.byPriority(lo.Filter(a.BothValid, func(tag string, _ int) bool { return a.Colors[tag] == 0 }))
	current := 0
	for len(candidates) > 0 && MaxCodeLength(codes) > a.opts.MaxLength {
		n := max(len(candidates)/4, 1)
		for i := 0; i < n; i++ {
			tag := candidates[len(candidates)-1]
			candidates = candidates[:len(candidates)-1]
			a.Colors[tag] = first + current/idsPerBand
			a.IDs[tag] = uint64(current % idsPerBand)
			current++
		}
		codes = a.codebook()
		a.log.Infof("huffman encoded after coloring (try): max length %d", MaxCodeLength(codes))
	}
	return codes
}

// renumberColors gives offset 1 to the color used by most targets, and so on.
func (a *Assignment) renumberColors() {
	var used []int
	for _, id := range a.MarkedTargets {
		for _, tag := range a.doc.Line(id).Tags {
			if c := a.Colors[tag]; c != 0 {
				used = append(used, c)
			}
		}
	}
	counts := lo.CountValues(used)
	colors := lo.Keys(counts)
	sort.Slice(colors, func(i, j int) bool {
		if counts[colors[i]] != counts[colors[j]] {
			return counts[colors[i]] > counts[colors[j]]
		}
		return colors[i] < colors[j]
	})
	renumber := make(map[int]int, len(colors))
	for i, c := range colors {
		renumber[c] = i + 1
	}
	for tag, c := range a.Colors {
		if c != 0 {
			a.Colors[tag] = renumber[c]
		}
	}
}

func parseCode(code string) uint64 {
	if code == "" {
		return 0
	}
	v, _ := strconv.ParseUint(code, 2, 64)
	return v
}

// Encode assigns the final slot of every tag and attaches descriptors to
// the marked branch and target sites.
func (a *Assignment) Encode() error {
	if a.Trivial() {
		for _, tag := range a.BothValid {
			a.Slots[tag] = BitSlot(0, 0)
		}
		return nil
	}
	codes := a.codebook()
	a.log.Infof("huffman encoded after coloring (prepare): max length %d", MaxCodeLength(codes))
	if MaxCodeLength(codes) > a.opts.MaxLength {
		codes = a.peel(codes)
	}
	a.MaxCodeLength = MaxCodeLength(codes)
	a.renumberColors()
	a.log.Infof("coloring (by target): %v", a.ColorHistogram(a.MarkedTargets))

	if code, ok := codes[coloredSymbol]; ok {
		s := BitSlot(parseCode(code), len(code))
		a.ColoredSlot = &s
	}
	for _, tag := range a.BothValid {
		if c := a.Colors[tag]; c != 0 {
			a.Slots[tag] = IDSlot(a.IDs[tag], c)
		} else {
			a.Slots[tag] = BitSlot(parseCode(codes[tag]), len(codes[tag]))
		}
		a.log.Debugf("tag %s -> %v", tag, a.Slots[tag])
	}

	for _, id := range a.MarkedBranches {
		l := a.doc.Line(id)
		if len(l.Tags) > 1 {
			return errors.Wrapf(ErrMultiTagBranch, "%s at %s: %v", l.Code(), l.Location().Key(), l.Tags)
		}
		s := a.Slots[l.Tags[0]]
		l.Slot = &s
	}

	maxColor := a.MaxColor()
	for _, id := range a.MarkedTargets {
		l := a.doc.Line(id)
		colors := make(map[int]bool)
		var slots TargetSlots
		for _, tag := range l.Tags {
			slots = append(slots, a.Slots[tag])
			colors[a.Colors[tag]] = true
		}
		if a.opts.Orthogonal {
			for c := 0; c <= maxColor; c++ {
				switch {
				case colors[c]:
				case c == 0:
					if a.ColoredSlot != nil {
						slots = append(slots, *a.ColoredSlot)
					}
				default:
					slots = append(slots, IDSlot(AbsentID, c))
				}
			}
		}
		l.Slots = TargetSlots(lo.Uniq(slots)).sorted()
	}
	return nil
}

// ColorHistogram counts the colors of the tags carried by the given sites.
func (a *Assignment) ColorHistogram(sites []LineID) map[int]int {
	var colors []int
	for _, id := range sites {
		for _, tag := range a.doc.Line(id).Tags {
			colors = append(colors, a.Colors[tag])
		}
	}
	return lo.CountValues(colors)
}
