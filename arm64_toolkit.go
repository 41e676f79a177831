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

	"github.com/samber/lo"
)

// ARM64Toolkit implements Toolkit for AArch64 in GNU syntax.
// x16 and x17 are the intra-procedure-call scratch registers.
type ARM64Toolkit struct{}

var arm64Branches = []string{"b", "bl", "br", "blr", "ret", "cbz", "cbnz", "tbz", "tbnz"}

const (
	// bti c
	arm64LandingPad     = "\thint\t#34"
	arm64TrampolineHead = 4
)

func (t ARM64Toolkit) Name() string {
	return "aarch64"
}

func (t ARM64Toolkit) CommentPrefix() string {
	return "//"
}

func (t ARM64Toolkit) IsIndirectCall(l *Line) bool {
	return l.Opcode() == "blr"
}

func (t ARM64Toolkit) IsControlTransfer(l *Line) bool {
	op := l.Opcode()
	return lo.Contains(arm64Branches, op) || strings.HasPrefix(op, "b.")
}

func (t ARM64Toolkit) CallExpr(l *Line) string {
	fields := strings.Fields(l.Code())
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// PointerSymbol always fails: AArch64 has no call through memory.
func (t ARM64Toolkit) PointerSymbol(*Line) (string, bool) {
	return "", false
}

func (t ARM64Toolkit) PointerDirective() string {
	return ".xword"
}

func (t ARM64Toolkit) DirectCall(symbol string) string {
	return "\tbl\t" + symbol
}

func (t ARM64Toolkit) LandingPad() string {
	return arm64LandingPad
}

func (t ARM64Toolkit) TrampolineHead() int {
	return arm64TrampolineHead
}

func (t ARM64Toolkit) MinLowBits() int {
	return 2
}

func (t ARM64Toolkit) IDAlign() int {
	return 4
}

func (t ARM64Toolkit) JumpTo(label string) string {
	return "\tb\t" + label
}

func (t ARM64Toolkit) PadToSlot(value uint64, width int) string {
	return fmt.Sprintf("\t.org\t((.-0x%x-1)/(1<<%d)+1)*(1<<%d)+0x%x, 0", value, width, width, value)
}

func (t ARM64Toolkit) IDBytes(ids []byte) []string {
	if len(ids) == 0 {
		return nil
	}
	values := lo.Map(ids, func(b byte, _ int) string { return fmt.Sprintf("0x%x", b) })
	return []string{"\t.p2align\t2", "\t.byte\t" + strings.Join(values, ", ")}
}

// arm64LoadImmediate materializes value in reg with movz/movk.
func arm64LoadImmediate(reg string, value uint64) []string {
	lines := []string{fmt.Sprintf("\tmovz\t%s, #0x%x", reg, value&0xffff)}
	for shift := 16; shift < 64; shift += 16 {
		if chunk := (value >> uint(shift)) & 0xffff; chunk != 0 {
			lines = append(lines, fmt.Sprintf("\tmovk\t%s, #0x%x, lsl #%d", reg, chunk, shift))
		}
	}
	return lines
}

// arm64Scratch returns two registers the call operand does not name. x15 is
// caller-saved and carries no argument, so it is dead at a call site.
func arm64Scratch(expr string) (string, string) {
	free := lo.Without([]string{"x16", "x17", "x15"}, expr)
	return free[0], free[1]
}

func (t ARM64Toolkit) InstrumentBranch(l *Line, check BranchCheck) []string {
	expr := t.CallExpr(l)
	trap := "\tbrk\t#0x1"
	if check.SkipTrap {
		trap = "\tnop"
	}
	if check.Debug && !check.Slot.ID {
		return arm64CompareSlot(expr, trap, check)
	}
	lines := []string{fmt.Sprintf("\tmov\tx16, %s", expr)}
	var skip string
	if check.SkipLib {
		skip = check.NewLabel()
		lines = append(lines, arm64LoadImmediate("x17", check.Threshold)...)
		lines = append(lines, "\tcmp\tx16, x17", "\tb.hs\t"+skip)
	}
	switch {
	case check.Slot.ID:
		ok := skip
		if ok == "" {
			ok = check.NewLabel()
		}
		return append(lines,
			fmt.Sprintf("\tldurb\tw17, [x16, #-%d]", check.Slot.Offset()+1),
			fmt.Sprintf("\tcmp\tw17, #0x%x", check.Slot.Value),
			"\tb.eq\t"+ok,
			trap,
			ok+":",
			"\tblr\tx16")
	default:
		slot := check.Slot.Shift(check.SkipLowBit)
		if slot.Width > 0 {
			lines = append(lines, fmt.Sprintf("\tand\tx16, x16, #0x%x", ^slot.Mask()))
			lines = append(lines, arm64LoadImmediate("x17", slot.Value)...)
			lines = append(lines, "\torr\tx16, x16, x17")
		}
		if skip != "" {
			lines = append(lines, skip+":")
		}
		return append(lines, "\tblr\tx16")
	}
}

// arm64CompareSlot checks the bit pattern of the call operand and leaves the
// original call in place. The operand register is never written.
func arm64CompareSlot(expr, trap string, check BranchCheck) []string {
	masked, value := arm64Scratch(expr)
	slot := check.Slot.Shift(check.SkipLowBit)
	ok := check.NewLabel()
	var lines []string
	if check.SkipLib {
		lines = append(lines, arm64LoadImmediate(value, check.Threshold)...)
		lines = append(lines, fmt.Sprintf("\tcmp\t%s, %s", expr, value), "\tb.hs\t"+ok)
	}
	lines = append(lines, fmt.Sprintf("\tand\t%s, %s, #0x%x", masked, expr, slot.Mask()))
	lines = append(lines, arm64LoadImmediate(value, slot.Value)...)
	return append(lines,
		fmt.Sprintf("\tcmp\t%s, %s", masked, value),
		"\tb.eq\t"+ok,
		trap,
		ok+":",
		"\tblr\t"+expr)
}

func init() {
	RegisterToolkit("aarch64", ARM64Toolkit{})
	RegisterToolkit("arm64", ARM64Toolkit{})
}
