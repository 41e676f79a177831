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

	"github.com/samber/lo"
)

// AMD64Toolkit implements Toolkit for x86-64 in AT&T syntax
type AMD64Toolkit struct{}

// amd64 regex patterns
var (
	// Match "foo" or "foo(%rip)" in "callq *foo(%rip)"
	amd64PointerOperand = regexp.MustCompile(`^([A-Za-z_.$][\w.$@]*)(\(%rip\))?$`)
)

const (
	amd64LandingPad = "\t.byte\t0xf3, 0x0f, 0x1e, 0xfa"
	// jmp rel32
	amd64TrampolineHead = 5
)

func (t AMD64Toolkit) Name() string {
	return "x86_64-att"
}

func (t AMD64Toolkit) CommentPrefix() string {
	return "#"
}

func (t AMD64Toolkit) IsIndirectCall(l *Line) bool {
	return strings.HasPrefix(l.Opcode(), "call") && strings.Contains(l.Code(), "*")
}

func (t AMD64Toolkit) IsControlTransfer(l *Line) bool {
	op := l.Opcode()
	if op == "" {
		return false
	}
	return strings.HasPrefix(op, "j") || strings.Contains(op, "ret") || strings.Contains(op, "call")
}

func (t AMD64Toolkit) CallExpr(l *Line) string {
	code := l.Code()
	return strings.TrimSpace(code[strings.LastIndex(code, "*")+1:])
}

func (t AMD64Toolkit) PointerSymbol(l *Line) (string, bool) {
	if !t.IsIndirectCall(l) {
		return "", false
	}
	m := amd64PointerOperand.FindStringSubmatch(t.CallExpr(l))
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (t AMD64Toolkit) PointerDirective() string {
	return ".quad"
}

func (t AMD64Toolkit) DirectCall(symbol string) string {
	return "\tcallq\t" + symbol
}

func (t AMD64Toolkit) LandingPad() string {
	return amd64LandingPad
}

func (t AMD64Toolkit) TrampolineHead() int {
	return amd64TrampolineHead
}

func (t AMD64Toolkit) MinLowBits() int {
	return 0
}

func (t AMD64Toolkit) IDAlign() int {
	return 1
}

func (t AMD64Toolkit) JumpTo(label string) string {
	return "\tjmp\t" + label
}

// PadToSlot advances to the next address whose low width bits equal value.
func (t AMD64Toolkit) PadToSlot(value uint64, width int) string {
	return fmt.Sprintf("\t.org\t((.-0x%x-1)/(1<<%d)+1)*(1<<%d)+0x%x, 0x90", value, width, width, value)
}

func (t AMD64Toolkit) IDBytes(ids []byte) []string {
	if len(ids) == 0 {
		return nil
	}
	values := lo.Map(ids, func(b byte, _ int) string { return fmt.Sprintf("0x%x", b) })
	return []string{"\t.byte\t" + strings.Join(values, ", ")}
}

func (t AMD64Toolkit) InstrumentBranch(l *Line, check BranchCheck) []string {
	expr := t.CallExpr(l)
	if check.Slot.ID {
		return t.checkID(expr, check)
	}
	if check.Debug {
		return t.checkSlot(expr, check)
	}
	return t.forceSlot(expr, check)
}

func (t AMD64Toolkit) trap(check BranchCheck) string {
	if check.SkipTrap {
		return "\tnop"
	}
	return "\tint3"
}

// checkID compares the identifier byte below the target with the expected one.
func (t AMD64Toolkit) checkID(expr string, check BranchCheck) []string {
	ok := check.NewLabel()
	lines := []string{fmt.Sprintf("\tmovq\t%s, %%r11", expr)}
	if check.SkipLib {
		lines = append(lines,
			fmt.Sprintf("\tcmpq\t$0x%x, %%r11", check.Threshold),
			"\tjae\t"+ok)
	}
	return append(lines,
		fmt.Sprintf("\tcmpb\t$0x%x, -%d(%%r11)", check.Slot.Value, check.Slot.Offset()+1),
		"\tje\t"+ok,
		t.trap(check),
		ok+":",
		"\tcallq\t*%r11")
}

// forceSlot overwrites the low bits of the target with the expected pattern.
func (t AMD64Toolkit) forceSlot(expr string, check BranchCheck) []string {
	slot := check.Slot.Shift(check.SkipLowBit)
	lines := []string{fmt.Sprintf("\tmovq\t%s, %%r11", expr)}
	var call string
	if check.SkipLib {
		call = check.NewLabel()
		lines = append(lines,
			fmt.Sprintf("\tcmpq\t$0x%x, %%r11", check.Threshold),
			"\tjae\t"+call)
	}
	if slot.Width > 0 {
		lines = append(lines,
			fmt.Sprintf("\tandq\t$0x%x, %%r11", ^slot.Mask()),
			fmt.Sprintf("\torq\t$0x%x, %%r11", slot.Value))
	}
	if call != "" {
		lines = append(lines, call+":")
	}
	return append(lines, "\tcallq\t*%r11")
}

// checkSlot traps when the low bits of the target differ from the pattern.
// The target is loaded once into %r11 and called from there, so an operand
// naming %r10 or %r11 is read before either is written.
func (t AMD64Toolkit) checkSlot(expr string, check BranchCheck) []string {
	slot := check.Slot.Shift(check.SkipLowBit)
	ok := check.NewLabel()
	lines := []string{fmt.Sprintf("\tmovq\t%s, %%r11", expr)}
	if check.SkipLib {
		lines = append(lines,
			fmt.Sprintf("\tcmpq\t$0x%x, %%r11", check.Threshold),
			"\tjae\t"+ok)
	}
	return append(lines,
		"\tmovq\t%r11, %r10",
		fmt.Sprintf("\tandq\t$0x%x, %%r10", slot.Mask()),
		fmt.Sprintf("\tcmpq\t$0x%x, %%r10", slot.Value),
		"\tje\t"+ok,
		t.trap(check),
		ok+":",
		"\tcallq\t*%r11")
}

func init() {
	RegisterToolkit("x86_64-att", AMD64Toolkit{})
	RegisterToolkit("amd64", AMD64Toolkit{})
}
