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
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// BranchCheck describes the check emitted in front of an indirect call.
type BranchCheck struct {
	Slot       Slot
	SkipLowBit int
	// SkipLib lets addresses at or above Threshold through unchecked.
	SkipLib   bool
	Threshold uint64
	// SkipTrap replaces the trap on mismatch by a no-op.
	SkipTrap bool
	// Debug compares bit-pattern slots instead of forcing them.
	Debug bool
	// NewLabel returns a fresh local label.
	NewLabel func() string
}

// Toolkit holds the predicates and code generators of one instruction set
// and assembly syntax. Implementations are stateless.
type Toolkit interface {
	// Name returns the configuration name (e.g., "x86_64-att")
	Name() string

	// CommentPrefix returns the line comment marker
	CommentPrefix() string

	IsIndirectCall(l *Line) bool

	// IsControlTransfer reports whether execution may leave the instruction
	// other than by falling through (calls, jumps, returns)
	IsControlTransfer(l *Line) bool

	// CallExpr returns the operand of an indirect call
	CallExpr(l *Line) string

	// PointerSymbol returns the symbol of a call through a memory operand
	// that names a single symbol, e.g. "call *fp(%rip)"
	PointerSymbol(l *Line) (string, bool)

	// PointerDirective returns the data directive that stores a code pointer
	PointerDirective() string

	DirectCall(symbol string) string

	LandingPad() string

	// TrampolineHead returns the worst-case length of the jump that opens an island
	TrampolineHead() int

	// MinLowBits returns the number of address bits every code label keeps zero
	MinLowBits() int

	// IDAlign returns the granularity of the identifier block before a label
	IDAlign() int

	JumpTo(label string) string
	PadToSlot(value uint64, width int) string
	IDBytes(ids []byte) []string

	// InstrumentBranch returns the lines replacing an indirect call
	InstrumentBranch(l *Line, check BranchCheck) []string
}

// toolkits holds the registered toolkits
var toolkits = map[string]Toolkit{}

// RegisterToolkit registers a toolkit under a name
func RegisterToolkit(name string, tk Toolkit) {
	toolkits[name] = tk
}

// GetToolkit returns the toolkit registered under name
func GetToolkit(name string) (Toolkit, error) {
	if tk, ok := toolkits[name]; ok {
		return tk, nil
	}
	names := lo.Keys(toolkits)
	sort.Strings(names)
	return nil, errors.Errorf("unsupported isa: %s (available: %s)", name, strings.Join(names, ", "))
}
