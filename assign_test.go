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
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callerAssembly declares the given targets and one indirect call per line
// number, each carrying the debug location "1 <n> 1".
func callerAssembly(targets []string, calls int) string {
	var b strings.Builder
	b.WriteString("\t.text\n\t.file\t1 \"/src\" \"t.c\"\n")
	for _, name := range targets {
		fmt.Fprintf(&b, "\t.globl\t%s\n\t.type\t%s,@function\n%s:\n\tretq\n", name, name, name)
	}
	b.WriteString("main:\n")
	for i := 1; i <= calls; i++ {
		fmt.Fprintf(&b, "\t.loc\t1 %d 1\n\tcallq\t*%%rax\n", i)
	}
	b.WriteString("\tretq\n")
	return b.String()
}

func newTestAssignment(t *testing.T, text string, opts AssignOptions) (*Document, *Assignment) {
	doc, err := ParseDocument(text, ParseOptions{Comment: "#"})
	require.NoError(t, err)
	return doc, NewAssignment(doc, AMD64Toolkit{}, opts, nullLogger())
}

func defaultAssignOptions() AssignOptions {
	return AssignOptions{Orthogonal: true, MaxLength: 8, Priority: PriorityRuntime, Weight: WeightTarget}
}

func labelLine(t *testing.T, doc *Document, name string) *Line {
	id, ok := doc.FindLabel(name)
	require.True(t, ok, name)
	return doc.Line(id)
}

func TestPrune(t *testing.T) {
	doc, asg := newTestAssignment(t, callerAssembly([]string{"foo", "bar", "baz"}, 3), defaultAssignOptions())
	asg.Mark(&ControlFlowTags{
		Branches: map[string][]string{"1 1 1": {"A"}, "1 2 1": {"B"}, "1 3 1": {"Z"}},
		Targets:  map[string][]string{"foo": {"A"}, "bar": {"B", "Y"}, "baz": {"Y"}},
	})
	assert.Len(t, asg.Branches, 3)
	assert.Len(t, asg.MarkedBranches, 3)
	assert.Len(t, asg.MarkedTargets, 3)

	asg.Prune()
	assert.Equal(t, []string{"A", "B"}, asg.BothValid)
	assert.Len(t, asg.MarkedBranches, 2)
	assert.Len(t, asg.MarkedTargets, 2)
	assert.Equal(t, []string{"B"}, labelLine(t, doc, "bar").Tags)
	assert.Empty(t, labelLine(t, doc, "baz").Tags)
	assert.False(t, asg.Trivial())
}

func TestTrivialAssignment(t *testing.T) {
	doc, asg := newTestAssignment(t, callerAssembly([]string{"foo", "bar"}, 2), defaultAssignOptions())
	asg.Mark(&ControlFlowTags{
		Branches: map[string][]string{"1 1 1": {"A"}, "1 2 1": {"A"}},
		Targets:  map[string][]string{"foo": {"A"}, "bar": {"A"}},
	})
	asg.Prune()
	require.True(t, asg.Trivial())
	require.NoError(t, asg.Encode())
	assert.Equal(t, BitSlot(0, 0), asg.Slots["A"])
	assert.Nil(t, doc.Line(asg.MarkedBranches[0]).Slot)
	assert.Empty(t, labelLine(t, doc, "foo").Slots)
}

func TestColorSharedTarget(t *testing.T) {
	doc, asg := newTestAssignment(t, callerAssembly([]string{"foo", "bar"}, 3), defaultAssignOptions())
	asg.Mark(&ControlFlowTags{
		Branches: map[string][]string{"1 1 1": {"A"}, "1 2 1": {"A"}, "1 3 1": {"B"}},
		Targets:  map[string][]string{"foo": {"A"}, "bar": {"A", "B"}},
	})
	asg.Prune()
	require.NoError(t, asg.Color())
	// A is reached by more branch sites, so B moves
	assert.Equal(t, 0, asg.Colors["A"])
	assert.Equal(t, 1, asg.Colors["B"])

	asg.AssignColoredIDs()
	assert.Equal(t, uint64(0), asg.IDs["B"])

	require.NoError(t, asg.Encode())
	a, b := asg.Slots["A"], asg.Slots["B"]
	assert.False(t, a.ID)
	assert.Equal(t, 1, a.Width)
	assert.Equal(t, IDSlot(0, 1), b)
	require.NotNil(t, asg.ColoredSlot)
	assert.Equal(t, 1, asg.ColoredSlot.Width)
	assert.NotEqual(t, a.Value, asg.ColoredSlot.Value)
	assert.Equal(t, 1, asg.MaxCodeLength)

	// foo has no tag of color 1, so it carries the absent identifier
	assert.ElementsMatch(t, []Slot{a, IDSlot(AbsentID, 1)}, labelLine(t, doc, "foo").Slots)
	assert.ElementsMatch(t, []Slot{a, b}, labelLine(t, doc, "bar").Slots)

	for _, id := range asg.MarkedBranches {
		l := doc.Line(id)
		require.NotNil(t, l.Slot)
		assert.Equal(t, asg.Slots[l.Tags[0]], *l.Slot)
	}
}

func TestColorDistinctPerTarget(t *testing.T) {
	tags := &ControlFlowTags{
		Branches: map[string][]string{},
		Targets: map[string][]string{
			"f1": {"A", "B", "C"},
			"f2": {"B", "C", "D"},
			"f3": {"A", "D"},
		},
	}
	for i, tag := range []string{"A", "B", "C", "D"} {
		tags.Branches[fmt.Sprintf("1 %d 1", i+1)] = []string{tag}
	}
	doc, asg := newTestAssignment(t, callerAssembly([]string{"f1", "f2", "f3"}, 4), defaultAssignOptions())
	asg.Mark(tags)
	asg.Prune()
	require.NoError(t, asg.Color())
	for _, name := range []string{"f1", "f2", "f3"} {
		l := labelLine(t, doc, name)
		colors := lo.Map(l.Tags, func(tag string, _ int) int { return asg.Colors[tag] })
		assert.Len(t, lo.Uniq(colors), len(colors), name)
	}
}

func TestMultiTagBranch(t *testing.T) {
	_, asg := newTestAssignment(t, callerAssembly([]string{"foo", "bar"}, 1), defaultAssignOptions())
	asg.Mark(&ControlFlowTags{
		Branches: map[string][]string{"1 1 1": {"A", "B"}},
		Targets:  map[string][]string{"foo": {"A"}, "bar": {"B"}},
	})
	asg.Prune()
	require.NoError(t, asg.Color())
	asg.AssignColoredIDs()
	err := asg.Encode()
	assert.True(t, errors.Is(err, ErrMultiTagBranch))
}

func TestEncodeMaxLength(t *testing.T) {
	targets := []string{"f0", "f1", "f2", "f3", "f4"}
	tags := &ControlFlowTags{Branches: map[string][]string{}, Targets: map[string][]string{}}
	for i, name := range targets {
		tag := fmt.Sprintf("T%d", i)
		tags.Branches[fmt.Sprintf("1 %d 1", i+1)] = []string{tag}
		tags.Targets[name] = []string{tag}
	}
	opts := defaultAssignOptions()
	opts.MaxLength = 2
	doc, asg := newTestAssignment(t, callerAssembly(targets, len(targets)), opts)
	asg.Mark(tags)
	asg.Prune()
	require.NoError(t, asg.Color())
	asg.AssignColoredIDs()
	require.NoError(t, asg.Encode())

	assert.LessOrEqual(t, asg.MaxCodeLength, 2)
	// the lowest-priority tags moved to identifiers
	assert.True(t, asg.Slots["T4"].ID)
	assert.True(t, asg.Slots["T3"].ID)
	assert.False(t, asg.Slots["T0"].ID)

	slots := lo.Values(asg.Slots)
	assert.Len(t, lo.Uniq(slots), len(slots))
	for _, name := range targets {
		l := labelLine(t, doc, name)
		assert.NotEmpty(t, l.Slots, name)
		_, err := l.Slots.Layout(1, 1)
		assert.NoError(t, err, name)
	}
}

func TestPriorityCodeSize(t *testing.T) {
	opts := defaultAssignOptions()
	opts.Priority = PriorityCodeSize
	_, asg := newTestAssignment(t, callerAssembly([]string{"f1", "f2", "f3"}, 3), opts)
	asg.Mark(&ControlFlowTags{
		Branches: map[string][]string{"1 1 1": {"A"}, "1 2 1": {"A"}, "1 3 1": {"B"}},
		Targets:  map[string][]string{"f1": {"A", "B"}, "f2": {"B"}, "f3": {"B"}},
	})
	asg.Prune()
	require.NoError(t, asg.Color())
	// B is carried by more targets, so A moves
	assert.Equal(t, 0, asg.Colors["B"])
	assert.Equal(t, 1, asg.Colors["A"])
}

func TestAssignColoredIDsSpill(t *testing.T) {
	asg := NewAssignment(nil, AMD64Toolkit{}, defaultAssignOptions(), nullLogger())
	for i := 0; i < 300; i++ {
		tag := fmt.Sprintf("T%03d", i)
		asg.BothValid = append(asg.BothValid, tag)
		asg.Colors[tag] = 1
	}
	asg.BothValid = append(asg.BothValid, "plain")
	asg.Colors["plain"] = 0
	asg.AssignColoredIDs()

	// a full band moves the rest of its tags to a new color
	assert.Equal(t, map[int]int{0: 1, 1: 255, 2: 45}, lo.CountValues(lo.Values(asg.Colors)))
	seen := make(map[Slot]string)
	for _, tag := range asg.BothValid[:300] {
		id := asg.IDs[tag]
		assert.Less(t, id, uint64(AbsentID), tag)
		slot := IDSlot(id, asg.Colors[tag])
		assert.NotContains(t, seen, slot, tag)
		seen[slot] = tag
	}
	_, ok := asg.IDs["plain"]
	assert.False(t, ok)
}

func TestEncodeZeroMaxLength(t *testing.T) {
	targets := []string{"f0", "f1", "f2", "f3", "f4"}
	tags := &ControlFlowTags{Branches: map[string][]string{}, Targets: map[string][]string{}}
	for i, name := range targets {
		tag := fmt.Sprintf("T%d", i)
		tags.Branches[fmt.Sprintf("1 %d 1", i+1)] = []string{tag}
		tags.Targets[name] = []string{tag}
	}
	opts := defaultAssignOptions()
	opts.MaxLength = 0
	_, asg := newTestAssignment(t, callerAssembly(targets, len(targets)), opts)
	asg.Mark(tags)
	asg.Prune()
	require.NoError(t, asg.Color())
	asg.AssignColoredIDs()
	require.NoError(t, asg.Encode())

	// every tag ends up with an identifier and the colored leaf keeps the empty code
	assert.Equal(t, 0, asg.MaxCodeLength)
	for i := range targets {
		assert.True(t, asg.Slots[fmt.Sprintf("T%d", i)].ID)
	}
	require.NotNil(t, asg.ColoredSlot)
	assert.Equal(t, BitSlot(0, 0), *asg.ColoredSlot)
}
