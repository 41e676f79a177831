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
	"os/exec"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSymbols = `
Symbol table '.symtab' contains 8 entries:
   Num:    Value          Size Type    Bind   Vis      Ndx Name
     0: 0000000000000000     0 NOTYPE  LOCAL  DEFAULT  UND
     1: 0000000000000000     0 FILE    LOCAL  DEFAULT  ABS t.c
     2: 0000000000000000     0 SECTION LOCAL  DEFAULT    1 .text
     3: 0000000000000010    12 FUNC    GLOBAL DEFAULT    1 foo
     4: 0000000000000024     0 NOTYPE  LOCAL  DEFAULT    1 .scfi_bb0
     5: 0000000000000000     0 NOTYPE  GLOBAL DEFAULT  UND printf
     6: 0000000000000040 0x120 FUNC    GLOBAL DEFAULT    1 big
     7: 0000000000000000     8 OBJECT  GLOBAL DEFAULT    3 table
`

func TestParseSymbolTable(t *testing.T) {
	symbols := ParseSymbolTable(sampleSymbols)
	assert.Equal(t, 3, symbols.Len())

	foo, ok := symbols.Lookup("foo")
	require.True(t, ok)
	assert.Equal(t, SymbolInfo{Name: "foo", Address: 0x10, Size: 12, Function: true, Section: "1"}, foo)

	big, ok := symbols.Lookup("big")
	require.True(t, ok)
	assert.Equal(t, uint64(0x120), big.Size)

	address, ok := symbols.Address(".scfi_bb0")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x24), address)

	for _, name := range []string{"printf", "table", ".text", "t.c"} {
		_, ok = symbols.Lookup(name)
		assert.False(t, ok, name)
	}
}

func TestFunctionAt(t *testing.T) {
	symbols := ParseSymbolTable(sampleSymbols)
	tests := []struct {
		address  uint64
		function string
	}{
		{0x10, "foo"},
		{0x1c, "foo"},
		{0x24, ""},
		{0x40, "big"},
		{0x160, "big"},
		{0x161, ""},
	}
	for _, tt := range tests {
		function, ok := symbols.FunctionAt(tt.address)
		assert.Equal(t, tt.function != "", ok, tt.address)
		assert.Equal(t, tt.function, function, tt.address)
	}

	adjacent := NewSymbolTable(
		SymbolInfo{Name: "a", Address: 0, Size: 8, Function: true},
		SymbolInfo{Name: "b", Address: 8, Size: 8, Function: true},
		SymbolInfo{Name: "label", Address: 4},
	)
	function, _ := adjacent.FunctionAt(8)
	assert.Equal(t, "b", function)
	function, _ = adjacent.FunctionAt(4)
	assert.Equal(t, "a", function)
}

func TestVerify(t *testing.T) {
	symbols := NewSymbolTable(
		SymbolInfo{Name: "foo", Address: 0x1006},
		SymbolInfo{Name: "bar", Address: 0x2003},
	)
	assert.NoError(t, Verify(symbols, map[string]Slot{"foo": BitSlot(0x6, 4)}))

	err := Verify(symbols, map[string]Slot{
		"foo": BitSlot(0x6, 4),
		"bar": BitSlot(0x1, 2),
		"baz": BitSlot(0x0, 1),
	})
	assert.True(t, errors.Is(err, ErrSlotMismatch))
	assert.Contains(t, err.Error(), "bar, baz (missing)")
}

func TestAssemblerOracle(t *testing.T) {
	for _, tool := range []string{"as", "readelf"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not found", tool)
		}
	}
	oracle := &AssemblerOracle{Assembler: "as", Readelf: "readelf", WorkDir: t.TempDir(), Log: nullLogger()}

	symbols, err := oracle.Compile("\t.text\nfoo:\n\tnop\nbar:\n\tnop\n")
	require.NoError(t, err)
	foo, ok := symbols.Address("foo")
	require.True(t, ok)
	bar, ok := symbols.Address("bar")
	require.True(t, ok)
	assert.Equal(t, uint64(0), foo)
	assert.Greater(t, bar, foo)

	_, err = oracle.Compile("\t.text\n\tnot_an_instruction %x\n")
	assert.True(t, errors.Is(err, ErrAssembler))
}
