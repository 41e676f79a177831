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
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// SymbolInfo is one row of an object symbol table.
type SymbolInfo struct {
	Name     string
	Address  uint64
	Size     uint64
	Function bool
	// Section is the section index reported by readelf.
	Section string
}

type SymbolTable struct {
	symbols map[string]SymbolInfo
}

func NewSymbolTable(symbols ...SymbolInfo) *SymbolTable {
	return &SymbolTable{symbols: lo.SliceToMap(symbols, func(s SymbolInfo) (string, SymbolInfo) { return s.Name, s })}
}

func (t *SymbolTable) Lookup(name string) (SymbolInfo, bool) {
	s, ok := t.symbols[name]
	return s, ok
}

func (t *SymbolTable) Address(name string) (uint64, bool) {
	s, ok := t.symbols[name]
	return s.Address, ok
}

func (t *SymbolTable) Len() int {
	return len(t.symbols)
}

// FunctionAt returns the function whose body covers address, the end
// included. The latest starting function wins when two are adjacent.
func (t *SymbolTable) FunctionAt(address uint64) (string, bool) {
	var (
		best  SymbolInfo
		found bool
	)
	for _, s := range t.symbols {
		if !s.Function || address < s.Address || address > s.Address+s.Size {
			continue
		}
		if !found || s.Address > best.Address || (s.Address == best.Address && s.Name < best.Name) {
			best, found = s, true
		}
	}
	return best.Name, found
}

// CompileOracle assembles a document and reports where its symbols landed.
type CompileOracle interface {
	Compile(source string) (*SymbolTable, error)
}

// AssemblerOracle runs the system assembler and reads the symbol table back
// with readelf.
type AssemblerOracle struct {
	Assembler string
	Flags     []string
	Readelf   string
	// WorkDir holds the scratch files; empty means the system temp dir.
	WorkDir string
	Log     logrus.FieldLogger
}

func (o *AssemblerOracle) Compile(source string) (*SymbolTable, error) {
	dir, err := os.MkdirTemp(o.WorkDir, "scfi-")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer os.RemoveAll(dir)
	assembly := filepath.Join(dir, "scfi_tmp.s")
	object := filepath.Join(dir, "scfi_tmp.o")
	if err = os.WriteFile(assembly, []byte(source), 0644); err != nil {
		return nil, errors.WithStack(err)
	}

	args := append(append([]string{}, o.Flags...), assembly, "-o", object)
	output, err := runCommand(o.Log, o.Assembler, args...)
	if err != nil {
		return nil, errors.Wrap(ErrAssembler, strings.TrimSpace(err.Error()))
	}
	if strings.Contains(output, "Error:") {
		return nil, errors.Wrap(ErrAssembler, strings.TrimSpace(output))
	}
	if message := strings.TrimSpace(output); message != "" {
		o.Log.Warn(message)
	}

	output, err = runCommand(o.Log, o.Readelf, "-Ws", object)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read symbols")
	}
	symbols := ParseSymbolTable(output)
	o.Log.Debugf("read %d symbols", symbols.Len())
	return symbols, nil
}

// ParseSymbolTable reads the output of "readelf -Ws". Only defined FUNC and
// NOTYPE symbols are kept.
func ParseSymbolTable(output string) *SymbolTable {
	var symbols []SymbolInfo
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 || !strings.HasSuffix(fields[0], ":") {
			continue
		}
		address, err := strconv.ParseUint(fields[1], 16, 64)
		if err != nil {
			continue
		}
		if fields[6] == "UND" {
			continue
		}
		symbol := SymbolInfo{Name: fields[len(fields)-1], Address: address, Section: fields[6]}
		switch fields[3] {
		case "FUNC":
			symbol.Function = true
			symbol.Size = parseSymbolSize(fields[2])
		case "NOTYPE":
		default:
			continue
		}
		symbols = append(symbols, symbol)
	}
	return NewSymbolTable(symbols...)
}

func parseSymbolSize(field string) uint64 {
	if strings.HasPrefix(field, "0x") {
		size, _ := strconv.ParseUint(field[2:], 16, 64)
		return size
	}
	size, _ := strconv.ParseUint(field, 10, 64)
	return size
}

// Verify checks that every target with a bit pattern landed on an address
// matching it.
func Verify(symbols *SymbolTable, expected map[string]Slot) error {
	var mismatches []string
	for _, name := range lo.Keys(expected) {
		slot := expected[name]
		symbol, ok := symbols.Lookup(name)
		if !ok {
			mismatches = append(mismatches, name+" (missing)")
			continue
		}
		if symbol.Address&slot.Mask() != slot.Value {
			mismatches = append(mismatches, name)
		}
	}
	if len(mismatches) > 0 {
		sort.Strings(mismatches)
		return errors.Wrapf(ErrSlotMismatch, "%s", strings.Join(mismatches, ", "))
	}
	return nil
}

func runCommand(log logrus.FieldLogger, name string, arg ...string) (string, error) {
	log.Debugf("Running %v", append([]string{name}, arg...))
	cmd := exec.Command(name, arg...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			return "", errors.New(string(output))
		}
		return "", errors.WithStack(err)
	}
	return string(output), nil
}

var versionNumber = regexp.MustCompile(`\d`)

func fetchVersion(log logrus.FieldLogger, command string) (string, error) {
	version, err := runCommand(log, command, "--version")
	if err != nil {
		return "", err
	}
	version = strings.Split(version, "\n")[0]
	loc := versionNumber.FindStringIndex(version)
	if loc == nil {
		return "", errors.Errorf("failed to fetch version of %s", command)
	}
	return version[loc[0]:], nil
}
