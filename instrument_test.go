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
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sharedTargetTags tags foo with A and bar with A and B; A keeps color 0.
var sharedTargetTags = &ControlFlowTags{
	Branches: map[string][]string{"1 1 1": {"A"}, "1 2 1": {"A"}, "1 3 1": {"B"}},
	Targets:  map[string][]string{"foo": {"A"}, "bar": {"A", "B"}},
}

func encodeTestAssignment(t *testing.T, text string, tags *ControlFlowTags) (*Document, *Assignment) {
	doc, asg := newTestAssignment(t, text, defaultAssignOptions())
	asg.Mark(tags)
	asg.Prune()
	if !asg.Trivial() {
		require.NoError(t, asg.Color())
		asg.AssignColoredIDs()
	}
	require.NoError(t, asg.Encode())
	return doc, asg
}

func lineText(doc *Document, id LineID) string {
	if l := doc.Line(id); l != nil {
		return l.Text()
	}
	return ""
}

func TestReplaceSymbol(t *testing.T) {
	assert.Equal(t, "\t.size\t.scfi_real_foo, .Lfunc_end0-.scfi_real_foo",
		replaceSymbol("\t.size\tfoo, .Lfunc_end0-foo", "foo", ".scfi_real_foo"))
	assert.Equal(t, "\t.size\tfoobar, .Lend-foobar", replaceSymbol("\t.size\tfoobar, .Lend-foobar", "foo", "x"))
}

func TestConvertDirectCalls(t *testing.T) {
	text := `	.text
	.type	foo,@function
foo:
	retq
caller:
	callq	*fp(%rip)
	callq	*wp(%rip)
	callq	*ext(%rip)
	callq	*%rax
	retq
	.section	.rodata,"a",@progbits
fp:
	.quad	foo
ext:
	.quad	bar
	.data
wp:
	.quad	foo
`
	doc, err := ParseDocument(text, ParseOptions{Comment: "#"})
	require.NoError(t, err)
	assert.Equal(t, 1, ConvertDirectCalls(doc, AMD64Toolkit{}, nullLogger()))

	caller, _ := doc.FindLabel("caller")
	var calls []string
	for id := doc.Next(caller); doc.Line(id).Opcode() != "retq"; id = doc.Next(id) {
		calls = append(calls, doc.Line(id).Text())
	}
	assert.Equal(t, []string{
		"\tcallq\tfoo",
		"\tcallq\t*wp(%rip)",
		"\tcallq\t*ext(%rip)",
		"\tcallq\t*%rax",
	}, calls)
}

func TestInstrumentTrivialTargets(t *testing.T) {
	text := `	.text
	.file	1 "/src" "t.c"
foo:
.Lfoo$local:
	retq
bar:
	retq
main:
	.loc	1 1 1
	callq	*%rax
	retq
`
	doc, asg := encodeTestAssignment(t, text, &ControlFlowTags{
		Branches: map[string][]string{"1 1 1": {"A"}},
		Targets:  map[string][]string{"foo": {"A"}, "bar": {"A"}},
	})
	require.True(t, asg.Trivial())

	ins := NewInstrumenter(doc, AMD64Toolkit{}, InstrumentOptions{SkipLowBit: 1}, nullLogger())
	islands, err := ins.InstrumentTargets(asg)
	require.NoError(t, err)
	assert.Empty(t, islands)
	require.NoError(t, ins.InstrumentBranches(asg))

	alias, _ := doc.FindLabel(".Lfoo$local")
	assert.Equal(t, amd64LandingPad, lineText(doc, doc.Next(alias)))
	bar, _ := doc.FindLabel("bar")
	assert.Equal(t, amd64LandingPad, lineText(doc, doc.Next(bar)))
	assert.Contains(t, doc.String(), "\tcallq\t*%rax")
	assert.Empty(t, ins.Expected)
}

func TestInstrumentTargets(t *testing.T) {
	doc, asg := encodeTestAssignment(t, callerAssembly([]string{"foo", "bar"}, 3), sharedTargetTags)
	tk := AMD64Toolkit{}
	ins := NewInstrumenter(doc, tk, InstrumentOptions{SkipLowBit: 1}, nullLogger())
	islands, err := ins.InstrumentTargets(asg)
	require.NoError(t, err)
	assert.Empty(t, islands)
	assert.Equal(t, 2, ins.Padded)

	want := asg.Slots["A"].Shift(1)
	assert.Equal(t, map[string]Slot{"foo": want, "bar": want}, ins.Expected)
	assert.Equal(t, 2, doc.SectionAlign[".text"])

	padValue := (want.Value - 2) & want.Mask()
	foo, _ := doc.FindLabel("foo")
	assert.Equal(t, "\t.byte\t0xff, 0x0", lineText(doc, doc.Prev(foo)))
	assert.Equal(t, tk.PadToSlot(padValue, 2), lineText(doc, doc.Prev(doc.Prev(foo))))
	assert.Equal(t, amd64LandingPad, lineText(doc, doc.Next(foo)))
	assert.Equal(t, "\tretq", lineText(doc, doc.Next(doc.Next(foo))))

	bar, _ := doc.FindLabel("bar")
	assert.Equal(t, "\t.byte\t0x0, 0x0", lineText(doc, doc.Prev(bar)))
	assert.Equal(t, amd64LandingPad, lineText(doc, doc.Next(bar)))
	// .type stays in front of the padding
	assert.Equal(t, "\t.type\tbar,@function", lineText(doc, doc.Prev(doc.Prev(doc.Prev(bar)))))
}

func TestInstrumentBranches(t *testing.T) {
	doc, asg := encodeTestAssignment(t, callerAssembly([]string{"foo", "bar"}, 3), sharedTargetTags)
	ins := NewInstrumenter(doc, AMD64Toolkit{}, InstrumentOptions{SkipLowBit: 1}, nullLogger())
	_, err := ins.InstrumentTargets(asg)
	require.NoError(t, err)
	require.NoError(t, ins.InstrumentBranches(asg))

	out := doc.String()
	assert.NotContains(t, out, "callq\t*%rax")
	assert.Contains(t, out, "\tcmpb\t$0x0, -2(%r11)")
	want := asg.Slots["A"].Shift(1)
	assert.Contains(t, out, "\tandq\t$0xfffffffffffffffc, %r11")
	assert.Contains(t, out, fmt.Sprintf("\torq\t$0x%x, %%r11", want.Value))

	// replaced calls stay readable for statistics
	for _, id := range asg.MarkedBranches {
		assert.False(t, doc.Linked(id))
		assert.NotNil(t, doc.Line(id).Slot)
	}
}

func TestInstrumentIslands(t *testing.T) {
	text := `	.text
	.file	1 "/src" "t.c"
	.globl	foo
	.type	foo,@function
foo:
	retq
.Lfunc_end0:
	.size	foo, .Lfunc_end0-foo
	.type	bar,@function
bar:
	retq
main:
	.loc	1 1 1
	callq	*%rax
	.loc	1 2 1
	callq	*%rax
	.loc	1 3 1
	callq	*%rax
	retq
`
	doc, asg := encodeTestAssignment(t, text, sharedTargetTags)
	opts := InstrumentOptions{SkipLowBit: 1, TrampolineThreshold: 1}
	ins := NewInstrumenter(doc, AMD64Toolkit{}, opts, nullLogger())
	islands, err := ins.InstrumentTargets(asg)
	require.NoError(t, err)
	require.Len(t, islands, 2)
	assert.Equal(t, 0, ins.Padded)

	is := islands[0]
	assert.Equal(t, "foo", is.Name)
	assert.Equal(t, ".scfi_real_foo", is.Real)
	assert.Equal(t, ".text", is.Section)
	assert.Equal(t, 2, is.IDWidth)

	real, ok := doc.FindLabel(".scfi_real_foo")
	require.True(t, ok)
	assert.Equal(t, "\tretq", lineText(doc, doc.Next(real)))
	assert.Equal(t, "\t.type\t.scfi_real_foo,@function", lineText(doc, doc.Prev(real)))
	out := doc.String()
	assert.Contains(t, out, "\t.size\t.scfi_real_foo, .Lfunc_end0-.scfi_real_foo")
	assert.Contains(t, out, "\t.globl\tfoo")

	// built but not placed yet
	_, ok = doc.FindLabel("foo")
	assert.False(t, ok)
	texts := lo.Map(is.lines, func(id LineID, _ int) string { return lineText(doc, id) })
	assert.Equal(t, []string{
		".scfi_ib_foo:",
		"\tjmp\t.scfi_ie_foo",
		AMD64Toolkit{}.PadToSlot(is.padValue(), is.Slot.Width),
		"\t.byte\t0xff, 0x0",
		"foo:",
		amd64LandingPad,
		"\tjmp\t.scfi_real_foo",
		".scfi_ie_foo:",
	}, texts)
	for _, id := range is.lines {
		assert.False(t, doc.Linked(id))
	}
}
