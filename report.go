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
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	virtualBranchesHeader = "Virtual Function Branches:"
	virtualTargetsHeader  = "Virtual Function Targets:"
	pointerBranchesHeader = "Function Pointer Branches:"
	pointerTargetsHeader  = "Function Pointer Targets:"
	pointerGraphHeader    = "Function Pointer CFG:"
	typeHeader            = "Type:"
	unionTerminator       = "(end)"
	mergedTypeFormat      = "Merged_type_%d"
)

var (
	// class.ns::Name.12 -> class.ns::Name
	classSuffix = regexp.MustCompile(`class\.[^:]+::[^.]+\.[\d.]+`)
	className   = regexp.MustCompile(`^class\.[^:]+::[^.]+`)
	// struct.Name.4 -> struct.Name
	structSuffix = regexp.MustCompile(`struct\.\w+\.[\d.]+`)
	structName   = regexp.MustCompile(`^struct\.\w+`)
)

// normalizeTypeName strips the numeric suffixes LLVM appends to uniqued type names.
func normalizeTypeName(s string) string {
	s = classSuffix.ReplaceAllStringFunc(s, func(m string) string { return className.FindString(m) })
	return structSuffix.ReplaceAllStringFunc(s, func(m string) string { return structName.FindString(m) })
}

// ControlFlowTags holds the tags of every branch site (keyed by debug
// location) and every target (keyed by label).
type ControlFlowTags struct {
	Branches map[string][]string
	Targets  map[string][]string
}

// ReportOptions controls how type names in the report are turned into tags.
type ReportOptions struct {
	// Unions are groups of type names merged into their first member.
	Unions [][]string
	// Hierarchy collapses pointer-based types to their top-most ancestor.
	Hierarchy Hierarchy
	// HierarchyRoots stop the ancestor walk.
	HierarchyRoots []string
	// VirtualHierarchy collapses virtual-call types as well.
	VirtualHierarchy bool
	// OnlyVirtual ignores the function pointer sections.
	OnlyVirtual bool
}

func (o ReportOptions) union(typeName string) string {
	for _, group := range o.Unions {
		if len(group) > 0 && lo.Contains(group, typeName) {
			return group[0]
		}
	}
	return typeName
}

type typeSets map[string]map[string]bool

func (s typeSets) add(typeName, item string) {
	if s[typeName] == nil {
		s[typeName] = make(map[string]bool)
	}
	s[typeName][item] = true
}

func (s typeSets) types() []string {
	keys := lo.Keys(s)
	sort.Strings(keys)
	return keys
}

// collapse rewrites every type through the hierarchy, merging the items of
// types that collapse onto the same ancestor.
func (s typeSets) collapse(h Hierarchy, roots []string, log logrus.FieldLogger) {
	for _, typeName := range s.types() {
		top := h.Collapse(typeName, roots)
		if top == typeName {
			continue
		}
		log.Debugf("type %s collapsed to %s", typeName, top)
		for item := range s[typeName] {
			s.add(top, item)
		}
		delete(s, typeName)
	}
}

// LoadReportFile reads the analysis report at path.
func LoadReportFile(path string, opts ReportOptions, log logrus.FieldLogger) (*ControlFlowTags, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	tags, err := LoadReport(f, opts, log)
	return tags, errors.Wrapf(err, "read report %s", path)
}

// LoadReport parses the four report sections and merges types that share a
// branch site into synthetic merge classes.
func LoadReport(r io.Reader, opts ReportOptions, log logrus.FieldLogger) (*ControlFlowTags, error) {
	var (
		virtualBranch = make(typeSets)
		virtualTarget = make(typeSets)
		pointerBranch = make(typeSets)
		pointerTarget = make(typeSets)
		current       typeSets
		typeName      string
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#"), trimmed == "", strings.HasSuffix(trimmed, ":0:0"):
		case strings.HasPrefix(line, virtualBranchesHeader):
			current = virtualBranch
		case strings.HasPrefix(line, virtualTargetsHeader):
			current = virtualTarget
		case strings.HasPrefix(line, pointerBranchesHeader):
			current = pointerBranch
		case strings.HasPrefix(line, pointerTargetsHeader):
			current = pointerTarget
		case strings.HasPrefix(line, pointerGraphHeader):
			current = nil
		case current == nil:
		case strings.HasPrefix(trimmed, typeHeader):
			typeName = opts.union(normalizeTypeName(strings.TrimSpace(strings.TrimPrefix(trimmed, typeHeader))))
		case typeName == "":
			log.Debugf("report entry %q has no type", trimmed)
		default:
			current.add(typeName, trimmed)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	if opts.OnlyVirtual {
		pointerBranch, pointerTarget = make(typeSets), make(typeSets)
	}
	// virtual information takes precedence
	for typeName := range virtualBranch {
		delete(pointerBranch, typeName)
	}
	for typeName := range virtualTarget {
		delete(pointerTarget, typeName)
	}

	if opts.Hierarchy != nil {
		collapsed := []typeSets{pointerBranch, pointerTarget}
		if opts.VirtualHierarchy {
			collapsed = append(collapsed, virtualBranch, virtualTarget)
		}
		for _, sets := range collapsed {
			sets.collapse(opts.Hierarchy, opts.HierarchyRoots, log)
		}
	}

	branchTypes := make(map[string]map[string]bool)
	for _, sets := range []typeSets{virtualBranch, pointerBranch} {
		for typeName, items := range sets {
			for item := range items {
				if branchTypes[item] == nil {
					branchTypes[item] = make(map[string]bool)
				}
				branchTypes[item][typeName] = true
			}
		}
	}
	merged := mergeTypes(branchTypes)

	tags := &ControlFlowTags{
		Branches: collectTags(merged, virtualBranch, pointerBranch),
		Targets:  collectTags(merged, virtualTarget, pointerTarget),
	}
	for _, item := range lo.Keys(tags.Branches) {
		if len(tags.Branches[item]) > 1 {
			log.Warnf("multi-tag branch found: %s", item)
		}
	}
	for item, types := range tags.Targets {
		if len(types) > 1 {
			log.Debugf("multi-tag target found: %d %s", len(types), item)
		}
	}
	return tags, nil
}

// mergeTypes unions every group of types reaching one branch site into a
// merge class. Chains resolve transitively, and a group that already
// resolves to a single class is left alone.
func mergeTypes(branchTypes map[string]map[string]bool) map[string]string {
	merged := make(map[string]string)
	items := lo.Keys(branchTypes)
	sort.Strings(items)
	count := 0
	for _, item := range items {
		if len(branchTypes[item]) < 2 {
			continue
		}
		types := lo.Keys(branchTypes[item])
		sort.Strings(types)
		resolved := lo.Uniq(lo.Map(types, func(t string, _ int) string { return resolveType(merged, t) }))
		if len(resolved) < 2 {
			continue
		}
		class := fmt.Sprintf(mergedTypeFormat, count)
		count++
		for _, t := range resolved {
			merged[t] = class
		}
	}
	return merged
}

func resolveType(merged map[string]string, typeName string) string {
	for {
		next, ok := merged[typeName]
		if !ok {
			return typeName
		}
		typeName = next
	}
}

func collectTags(merged map[string]string, sets ...typeSets) map[string][]string {
	result := make(map[string]map[string]bool)
	for _, s := range sets {
		for typeName, items := range s {
			tag := resolveType(merged, typeName)
			for item := range items {
				if result[item] == nil {
					result[item] = make(map[string]bool)
				}
				result[item][tag] = true
			}
		}
	}
	return lo.MapValues(result, func(tags map[string]bool, _ string) []string {
		keys := lo.Keys(tags)
		sort.Strings(keys)
		return keys
	})
}

// LoadUnions reads groups of type names, each group terminated by "(end)".
func LoadUnions(r io.Reader) ([][]string, error) {
	var (
		groups [][]string
		group  []string
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, unionTerminator):
			if len(group) > 0 {
				groups = append(groups, group)
			}
			group = nil
		case line != "":
			group = append(group, line)
		}
	}
	return groups, errors.WithStack(scanner.Err())
}

// LoadUnionsFile reads a union file; a missing file yields no unions.
func LoadUnionsFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return LoadUnions(f)
}

// Clone returns a deep copy so each document can convert locations independently.
func (c *ControlFlowTags) Clone() *ControlFlowTags {
	clone := func(m map[string][]string) map[string][]string {
		return lo.MapValues(m, func(tags []string, _ string) []string { return append([]string(nil), tags...) })
	}
	return &ControlFlowTags{Branches: clone(c.Branches), Targets: clone(c.Targets)}
}

// splitLocation splits "path:line:column". The path may itself contain colons.
func splitLocation(key string) (path string, line, column int, ok bool) {
	i := strings.LastIndex(key, ":")
	if i <= 0 {
		return "", 0, 0, false
	}
	j := strings.LastIndex(key[:i], ":")
	if j <= 0 {
		return "", 0, 0, false
	}
	var err error
	if line, err = strconv.Atoi(key[j+1 : i]); err != nil {
		return "", 0, 0, false
	}
	if column, err = strconv.Atoi(key[i+1:]); err != nil {
		return "", 0, 0, false
	}
	return key[:j], line, column, true
}

// ConvertLocations rewrites "path:line:column" branch keys into the
// "file line column" form used by .loc directives. Branches whose file is
// unknown to the document are dropped. It returns the number of dropped keys.
func (c *ControlFlowTags) ConvertLocations(fileNumber func(string) (int, bool), log logrus.FieldLogger) int {
	converted := make(map[string][]string, len(c.Branches))
	dropped := 0
	for key, tags := range c.Branches {
		path, line, column, ok := splitLocation(key)
		if !ok {
			log.Debugf("malformed branch location %q", key)
			dropped++
			continue
		}
		number, found := fileNumber(path)
		if !found {
			dropped++
			continue
		}
		newKey := Location{File: number, Line: line, Column: column}.Key()
		converted[newKey] = lo.Uniq(append(converted[newKey], tags...))
		sort.Strings(converted[newKey])
	}
	c.Branches = converted
	return dropped
}
