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
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// LineKind is derived once from the text of a line and never changes.
type LineKind uint8

const (
	EmptyLine LineKind = iota
	CommentLine
	DirectiveLine
	LabelLine
	InstructionLine
)

var lineKindNames = [...]string{"empty", "comment", "directive", "label", "instruction"}

func (k LineKind) String() string {
	if int(k) < len(lineKindNames) {
		return lineKindNames[k]
	}
	return fmt.Sprintf("LineKind(%d)", k)
}

// Location is a debug location taken from a .loc directive.
type Location struct {
	File   int
	Line   int
	Column int
}

// Key encodes the location the way branch sites are keyed: "file line column".
func (l Location) Key() string {
	return fmt.Sprintf("%d %d %d", l.File, l.Line, l.Column)
}

// LineID addresses a line in the document arena. The zero value refers to no line.
type LineID struct {
	index int32
	gen   uint32
}

func (id LineID) IsZero() bool {
	return id.gen == 0
}

// Line is one physical source line plus the annotations attached while instrumenting.
type Line struct {
	text     string
	override *string
	kind     LineKind
	comment  string
	section  LineID
	loc      *Location
	island   *Island
	block    bool

	// Tags are the control-flow tags of a branch or target site.
	Tags []string
	// Slot is the identifier checked at a branch site.
	Slot *Slot
	// Slots are the identifiers carried by a target site.
	Slots TargetSlots
}

func (l *Line) Text() string {
	if l.override != nil {
		return *l.override
	}
	return l.text
}

func (l *Line) Kind() LineKind {
	return l.kind
}

// Code returns the text without its trailing comment, trimmed.
func (l *Line) Code() string {
	return strings.TrimSpace(stripComment(l.Text(), l.comment))
}

// Opcode returns the lower-cased mnemonic of an instruction line.
func (l *Line) Opcode() string {
	if l.kind != InstructionLine {
		return ""
	}
	fields := strings.Fields(l.Code())
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// Directive returns the directive name, e.g. ".section", or "" for other kinds.
func (l *Line) Directive() string {
	if l.kind != DirectiveLine {
		return ""
	}
	fields := strings.Fields(l.Code())
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Label returns the label name of a label line.
func (l *Line) Label() string {
	if l.kind != LabelLine {
		return ""
	}
	return strings.TrimSpace(strings.TrimSuffix(l.Code(), ":"))
}

// Location returns the debug location in effect when the line was parsed.
func (l *Line) Location() *Location {
	return l.loc
}

// isSectionDirective reports whether the line names the section it opens.
// .popsection and .previous return to an earlier one and carry it instead.
func (l *Line) isSectionDirective() bool {
	switch l.Directive() {
	case ".section", ".pushsection", ".text", ".data", ".bss":
		return true
	}
	return false
}

// sectionSwitch returns a directive entering the section opened by l
// without touching the section stack.
func (l *Line) sectionSwitch() string {
	if l.Directive() != ".pushsection" {
		return l.Text()
	}
	return strings.Replace(l.Text(), ".pushsection", ".section", 1)
}

func classifyLine(text, comment string) LineKind {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return EmptyLine
	}
	if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, comment) {
		return CommentLine
	}
	code := strings.TrimSpace(stripComment(text, comment))
	switch {
	case strings.HasSuffix(code, ":"):
		return LabelLine
	case strings.HasPrefix(trimmed, "."):
		return DirectiveLine
	default:
		return InstructionLine
	}
}

// stripComment cuts s at the first comment marker outside a string literal.
func stripComment(s, marker string) string {
	if marker == "" {
		return s
	}
	inQuote, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inQuote:
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case !inQuote && strings.HasPrefix(s[i:], marker):
			return s[:i]
		}
	}
	return s
}

func isNumericLabel(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

var quotedString = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)

const nilIndex int32 = -1

type node struct {
	line   *Line
	gen    uint32
	prev   int32
	next   int32
	linked bool
}

// ParseOptions configures how assembly text is read and written back.
type ParseOptions struct {
	// Comment is the line comment marker of the assembly syntax.
	Comment string
	// KeepLocations retains .loc directives on serialization.
	KeepLocations bool
}

// Document is an ordered, editable sequence of assembly lines stored in a
// generational arena. Lines are linked by index; a freed slot bumps its
// generation so stale LineIDs never resolve.
type Document struct {
	nodes []node
	free  []int32
	head  int32
	tail  int32

	labels    map[string]LineID
	files     map[string]int
	functions map[string]bool

	// SectionAlign records the largest slot width required per section.
	SectionAlign map[string]int

	comment         string
	keepLocations   bool
	trailingNewline bool
}

func NewDocument(opts ParseOptions) *Document {
	if opts.Comment == "" {
		opts.Comment = "#"
	}
	return &Document{
		head:          nilIndex,
		tail:          nilIndex,
		labels:        make(map[string]LineID),
		files:         make(map[string]int),
		functions:     make(map[string]bool),
		SectionAlign:  make(map[string]int),
		comment:       opts.Comment,
		keepLocations: opts.KeepLocations,
	}
}

// ParseDocument classifies every line of text, tracking the active section
// and debug location from left to right.
func ParseDocument(text string, opts ParseOptions) (*Document, error) {
	d := NewDocument(opts)
	if strings.HasSuffix(text, "\n") {
		d.trailingNewline = true
		text = text[:len(text)-1]
	}
	var (
		section  LineID
		previous LineID
		stack    []LineID
		loc      *Location
	)
	for number, raw := range strings.Split(text, "\n") {
		id := d.NewLine(raw)
		l := d.Line(id)
		switch l.kind {
		case DirectiveLine:
			switch {
			case l.isSectionDirective():
				if l.Directive() == ".pushsection" {
					stack = append(stack, section)
				}
				previous, section = section, id
			case l.Directive() == ".popsection":
				if n := len(stack); n > 0 {
					previous, section = section, stack[n-1]
					stack = stack[:n-1]
				}
				l.section = section
			case l.Directive() == ".previous":
				previous, section = section, previous
				l.section = section
			case l.Directive() == ".loc":
				loc = parseLocation(l.Code())
			case l.Directive() == ".file":
				d.recordFile(l.Code())
			case l.Directive() == ".type":
				d.recordType(l.Code())
			}
		case CommentLine:
			if strings.Contains(raw, "-- End function") {
				loc = nil
			}
		case InstructionLine:
			l.section = section
			l.loc = loc
		case LabelLine:
			l.section = section
		}
		if err := d.Append(id); err != nil {
			return nil, errors.Wrapf(err, "line %d", number+1)
		}
	}
	return d, nil
}

func parseLocation(code string) *Location {
	fields := strings.Fields(code)
	if len(fields) < 3 {
		return nil
	}
	var values [3]int
	for i := 0; i < 3 && i+1 < len(fields); i++ {
		v, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return nil
		}
		values[i] = v
	}
	return &Location{File: values[0], Line: values[1], Column: values[2]}
}

// recordFile handles the DWARF2 form: .file N "path" or .file N "dir" "name".
func (d *Document) recordFile(code string) {
	fields := strings.Fields(code)
	if len(fields) < 3 || strings.HasPrefix(fields[1], `"`) {
		return
	}
	number, err := strconv.Atoi(fields[1])
	if err != nil {
		return
	}
	quoted := quotedString.FindAllStringSubmatch(code, -1)
	paths := lo.Map(quoted, func(m []string, _ int) string { return m[1] })
	switch len(paths) {
	case 0:
		return
	case 1:
		d.addFile(paths[0], number)
	default:
		d.addFile(paths[1], number)
		d.addFile(filepath.Join(paths[0], paths[1]), number)
	}
}

func (d *Document) addFile(path string, number int) {
	d.files[path] = number
	d.files[filepath.Clean(path)] = number
}

func (d *Document) recordType(code string) {
	rest := strings.TrimSpace(strings.TrimPrefix(code, ".type"))
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) == 2 && strings.Contains(parts[1], "function") {
		d.functions[strings.TrimSpace(parts[0])] = true
	}
}

// FileNumber resolves a source path to its debug file number.
func (d *Document) FileNumber(path string) (int, bool) {
	if n, ok := d.files[path]; ok {
		return n, true
	}
	n, ok := d.files[filepath.Clean(path)]
	return n, ok
}

// IsFunction reports whether name was declared with .type name,@function.
func (d *Document) IsFunction(name string) bool {
	return d.functions[name]
}

func (d *Document) get(id LineID) *node {
	if id.gen == 0 || id.index < 0 || int(id.index) >= len(d.nodes) {
		return nil
	}
	n := &d.nodes[id.index]
	if n.gen != id.gen || n.line == nil {
		return nil
	}
	return n
}

func (d *Document) idOf(index int32) LineID {
	if index == nilIndex {
		return LineID{}
	}
	return LineID{index: index, gen: d.nodes[index].gen}
}

// NewLine allocates a detached line. It becomes part of the document once inserted.
func (d *Document) NewLine(text string) LineID {
	l := &Line{text: text, comment: d.comment, kind: classifyLine(text, d.comment)}
	if n := len(d.free); n > 0 {
		index := d.free[n-1]
		d.free = d.free[:n-1]
		d.nodes[index].line = l
		d.nodes[index].prev, d.nodes[index].next = nilIndex, nilIndex
		return LineID{index: index, gen: d.nodes[index].gen}
	}
	d.nodes = append(d.nodes, node{line: l, gen: 1, prev: nilIndex, next: nilIndex})
	return LineID{index: int32(len(d.nodes) - 1), gen: 1}
}

// newLineIn allocates a detached line belonging to the given section.
func (d *Document) newLineIn(text string, section LineID) LineID {
	id := d.NewLine(text)
	d.nodes[id.index].line.section = section
	return id
}

func (d *Document) Line(id LineID) *Line {
	if n := d.get(id); n != nil {
		return n.line
	}
	return nil
}

func (d *Document) Valid(id LineID) bool {
	return d.get(id) != nil
}

func (d *Document) Linked(id LineID) bool {
	n := d.get(id)
	return n != nil && n.linked
}

func (d *Document) Next(id LineID) LineID {
	n := d.get(id)
	if n == nil || !n.linked {
		return LineID{}
	}
	return d.idOf(n.next)
}

func (d *Document) Prev(id LineID) LineID {
	n := d.get(id)
	if n == nil || !n.linked {
		return LineID{}
	}
	return d.idOf(n.prev)
}

// Lines returns a snapshot of the linked lines in document order.
func (d *Document) Lines() []LineID {
	var ids []LineID
	for index := d.head; index != nilIndex; index = d.nodes[index].next {
		ids = append(ids, d.idOf(index))
	}
	return ids
}

func (d *Document) FindLabel(name string) (LineID, bool) {
	id, ok := d.labels[name]
	return id, ok
}

// SectionName returns the bare name of the section declared by a section directive.
func (d *Document) SectionName(id LineID) string {
	l := d.Line(id)
	if l == nil || !l.isSectionDirective() {
		return ""
	}
	directive := l.Directive()
	if directive != ".section" && directive != ".pushsection" {
		return directive
	}
	rest := strings.TrimSpace(strings.TrimPrefix(l.Code(), directive))
	name := strings.TrimSpace(strings.SplitN(rest, ",", 2)[0])
	return strings.Trim(name, `"`)
}

// SectionOf returns the name of the section a line belongs to.
func (d *Document) SectionOf(id LineID) string {
	l := d.Line(id)
	if l == nil {
		return ""
	}
	if l.isSectionDirective() {
		return d.SectionName(id)
	}
	return d.SectionName(l.section)
}

func (d *Document) sectionBefore(index int32) LineID {
	for ; index != nilIndex; index = d.nodes[index].prev {
		l := d.nodes[index].line
		if l.isSectionDirective() {
			return d.idOf(index)
		}
		if !l.section.IsZero() {
			return l.section
		}
	}
	return LineID{}
}

// checkInsert validates a group of detached lines before any of them is linked.
func (d *Document) checkInsert(ids []LineID) error {
	seen := make(map[LineID]bool, len(ids))
	names := make(map[string]bool)
	for _, id := range ids {
		n := d.get(id)
		if n == nil {
			return errors.Errorf("stale line %v", id)
		}
		if n.linked || seen[id] {
			return errors.Errorf("line %q is already linked", n.line.Text())
		}
		seen[id] = true
		name := n.line.Label()
		if name == "" || isNumericLabel(name) {
			continue
		}
		if _, exists := d.labels[name]; exists || names[name] {
			return errors.Wrapf(ErrDuplicateLabel, "%s", name)
		}
		names[name] = true
	}
	return nil
}

func (d *Document) link(index, prev, next int32) {
	n := &d.nodes[index]
	n.prev, n.next, n.linked = prev, next, true
	if prev == nilIndex {
		d.head = index
	} else {
		d.nodes[prev].next = index
	}
	if next == nilIndex {
		d.tail = index
	} else {
		d.nodes[next].prev = index
	}
	l := n.line
	if l.section.IsZero() && (l.kind == InstructionLine || l.kind == LabelLine) {
		l.section = d.sectionBefore(prev)
	}
	if name := l.Label(); name != "" && !isNumericLabel(name) {
		d.labels[name] = d.idOf(index)
	}
}

// Append links detached lines at the end of the document.
func (d *Document) Append(ids ...LineID) error {
	if err := d.checkInsert(ids); err != nil {
		return err
	}
	for _, id := range ids {
		d.link(id.index, d.tail, nilIndex)
	}
	return nil
}

func (d *Document) InsertAfter(id, anchor LineID) error {
	return d.InsertLinesAfter([]LineID{id}, anchor)
}

func (d *Document) InsertBefore(id, anchor LineID) error {
	return d.InsertLinesBefore([]LineID{id}, anchor)
}

// InsertLinesAfter links a group of detached lines after anchor, keeping their order.
// Either every line is inserted or none is.
func (d *Document) InsertLinesAfter(ids []LineID, anchor LineID) error {
	if !d.Linked(anchor) {
		return errors.New("insert anchor is not in the document")
	}
	if err := d.checkInsert(ids); err != nil {
		return err
	}
	cur := anchor.index
	for _, id := range ids {
		d.link(id.index, cur, d.nodes[cur].next)
		cur = id.index
	}
	return nil
}

// InsertLinesBefore links a group of detached lines before anchor, keeping their order.
func (d *Document) InsertLinesBefore(ids []LineID, anchor LineID) error {
	if !d.Linked(anchor) {
		return errors.New("insert anchor is not in the document")
	}
	if err := d.checkInsert(ids); err != nil {
		return err
	}
	for _, id := range ids {
		d.link(id.index, d.nodes[anchor.index].prev, anchor.index)
	}
	return nil
}

// Unlink detaches a line; it stays allocated and may be inserted again.
func (d *Document) Unlink(id LineID) {
	n := d.get(id)
	if n == nil || !n.linked {
		return
	}
	if n.prev == nilIndex {
		d.head = n.next
	} else {
		d.nodes[n.prev].next = n.next
	}
	if n.next == nilIndex {
		d.tail = n.prev
	} else {
		d.nodes[n.next].prev = n.prev
	}
	if name := n.line.Label(); name != "" {
		if registered, ok := d.labels[name]; ok && registered == id {
			delete(d.labels, name)
		}
	}
	n.prev, n.next, n.linked = nilIndex, nilIndex, false
}

// Remove unlinks a line and frees its slot.
func (d *Document) Remove(id LineID) {
	if d.get(id) == nil {
		return
	}
	d.Unlink(id)
	n := &d.nodes[id.index]
	n.line = nil
	n.gen++
	d.free = append(d.free, id.index)
}

// SetText overrides the text of a non-label line. Use Relabel for labels.
func (d *Document) SetText(id LineID, text string) {
	if l := d.Line(id); l != nil && l.kind != LabelLine {
		l.override = &text
	}
}

// Relabel renames a label line and keeps the label index consistent.
func (d *Document) Relabel(id LineID, name string) error {
	n := d.get(id)
	if n == nil || n.line.kind != LabelLine {
		return errors.Wrapf(ErrUnknownLabel, "relabel %s", name)
	}
	if n.linked {
		if other, exists := d.labels[name]; exists && other != id {
			return errors.Wrapf(ErrDuplicateLabel, "%s", name)
		}
		delete(d.labels, n.line.Label())
	}
	text := name + ":"
	n.line.override = &text
	if n.linked {
		d.labels[name] = id
	}
	return nil
}

// MoveLinesAfter moves a group of lines after anchor, keeping their order.
// A group without its own section directive that lands in another section is
// wrapped in a copy of its original section directive, and the anchor's
// section is restored after it.
func (d *Document) MoveLinesAfter(ids []LineID, anchor LineID) error {
	if !d.Linked(anchor) || lo.Contains(ids, anchor) {
		return errors.New("move anchor is not in the document")
	}
	for _, id := range ids {
		if !d.Valid(id) {
			return errors.Errorf("stale line %v", id)
		}
	}
	for _, id := range ids {
		d.Unlink(id)
	}
	group := ids
	hasSection := lo.ContainsBy(ids, func(id LineID) bool { return d.Line(id).isSectionDirective() })
	first, found := lo.Find(ids, func(id LineID) bool { return d.Line(id).kind == InstructionLine })
	if found && !hasSection {
		from := d.Line(first).section
		to := d.sectionBefore(anchor.index)
		if !from.IsZero() && d.SectionName(from) != d.SectionName(to) {
			group = append([]LineID{d.NewLine(d.Line(from).sectionSwitch())}, ids...)
			if !to.IsZero() {
				group = append(group, d.NewLine(d.Line(to).sectionSwitch()))
			}
		}
	}
	return d.InsertLinesAfter(group, anchor)
}

// String serializes the document. .loc directives are dropped unless the
// document was parsed with KeepLocations.
func (d *Document) String() string {
	var builder strings.Builder
	first := true
	for index := d.head; index != nilIndex; index = d.nodes[index].next {
		l := d.nodes[index].line
		if !d.keepLocations && l.Directive() == ".loc" {
			continue
		}
		if !first {
			builder.WriteByte('\n')
		}
		builder.WriteString(l.Text())
		first = false
	}
	if d.trailingNewline {
		builder.WriteByte('\n')
	}
	return builder.String()
}
