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
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const inheritGraphSuffix = "__inherit__graph.dot"

// DefaultHierarchyRoots are classes the ancestor walk never climbs past.
var DefaultHierarchyRoots = []string{"cObject"}

var (
	// Node2 -> Node1 [dir="back",color="midnightblue"];
	dotEdge = regexp.MustCompile(`^\s*"?([\w.]+)"?\s*->\s*"?([\w.]+)"?`)
	// Node1 [label="busLAN",height=0.2];
	dotNode  = regexp.MustCompile(`^\s*"?([\w.]+)"?\s*\[(.*)\]`)
	dotLabel = regexp.MustCompile(`label\s*=\s*"((?:[^"\\]|\\.)*)"`)
	dotWord  = regexp.MustCompile(`\w+`)

	dotUnescape = strings.NewReplacer(`\<`, "<", `\>`, ">", `\l`, "", `\n`, "", `\"`, `"`, `\\`, `\`)
)

// Hierarchy maps a class to its single parent.
type Hierarchy map[string]string

// LoadHierarchy reads every doxygen inheritance graph in dir.
func LoadHierarchy(dir string, log logrus.FieldLogger) (Hierarchy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	h := make(Hierarchy)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), inheritGraphSuffix) {
			continue
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		err = h.ParseInheritGraph(f)
		_ = f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", entry.Name())
		}
	}
	log.Infof("loaded %d inheritance edges from %s", len(h), dir)
	return h, nil
}

// ParseInheritGraph adds the edges of one graph. The edge source is the
// parent and the destination the child.
func (h Hierarchy) ParseInheritGraph(r io.Reader) error {
	labels := make(map[string]string)
	var edges [][2]string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := dotEdge.FindStringSubmatch(line); m != nil {
			edges = append(edges, [2]string{m[1], m[2]})
			continue
		}
		if m := dotNode.FindStringSubmatch(line); m != nil {
			if label := dotLabel.FindStringSubmatch(m[2]); label != nil {
				labels[m[1]] = strings.TrimSpace(dotUnescape.Replace(label[1]))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.WithStack(err)
	}
	for _, edge := range edges {
		parent, child := labels[edge[0]], labels[edge[1]]
		if parent == "" || child == "" {
			continue
		}
		h[child] = parent
	}
	return nil
}

// Top walks up from name and stops below any root class.
func (h Hierarchy) Top(name string, roots []string) string {
	visited := map[string]bool{name: true}
	for {
		parent, ok := h[name]
		if !ok || lo.Contains(roots, parent) || visited[parent] {
			return name
		}
		visited[parent] = true
		name = parent
	}
}

// Collapse replaces every class name token in typeName by its top ancestor.
func (h Hierarchy) Collapse(typeName string, roots []string) string {
	return dotWord.ReplaceAllStringFunc(typeName, func(token string) string {
		parent, ok := h[token]
		if !ok || lo.Contains(roots, parent) {
			return token
		}
		return h.Top(token, roots)
	})
}
