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
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

//go:embed default.lds
var defaultLinkerScript string

const (
	insertMark = "SCFI insert mark"
	// sections aligned to 16 bytes or less need no help from the linker
	minLinkerAlign = 4
)

var linkerBuckets = []string{"unlikely", "exit", "startup", "hot", "default"}

func linkerBucket(section string) string {
	switch {
	case strings.Contains(section, "unlikely"):
		return "unlikely"
	case strings.Contains(section, ".text.exit"):
		return "exit"
	case strings.Contains(section, ".text.startup"):
		return "startup"
	case strings.Contains(section, ".text.hot"):
		return "hot"
	default:
		return "default"
	}
}

// MergeSectionAlign keeps the largest width of every section.
func MergeSectionAlign(dst, src map[string]int) {
	for section, width := range src {
		dst[section] = max(dst[section], width)
	}
}

// WriteLinkerScript copies template to w and, after every insertion mark,
// aligns the sections of that bucket to 2^width.
func WriteLinkerScript(w io.Writer, template string, align map[string]int, log logrus.FieldLogger) error {
	buckets := make(map[string][]string, len(linkerBuckets))
	sections := lo.Keys(align)
	sort.Strings(sections)
	for _, section := range sections {
		width := align[section]
		if width <= minLinkerAlign {
			continue
		}
		if !strings.Contains(section, ".text") {
			log.Warnf("changing alignment of non-text section %s", section)
		}
		bucket := linkerBucket(section)
		buckets[bucket] = append(buckets[bucket],
			fmt.Sprintf("    . = ALIGN(0x%x);\n", uint64(1)<<uint(width)),
			fmt.Sprintf("    *(%s)\n", section))
	}

	lines := strings.SplitAfter(template, "\n")
	for _, line := range lines {
		if _, err := io.WriteString(w, line); err != nil {
			return errors.WithStack(err)
		}
		if !strings.Contains(line, insertMark) {
			continue
		}
		if !strings.HasSuffix(line, "\n") {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return errors.WithStack(err)
			}
		}
		for _, bucket := range linkerBuckets {
			if strings.Contains(line, "#"+bucket+"#") {
				if _, err := io.WriteString(w, strings.Join(buckets[bucket], "")); err != nil {
					return errors.WithStack(err)
				}
			}
		}
	}
	return nil
}

// WriteLinkerScriptFile renders the linker script into path. An empty
// templatePath selects the built-in template.
func WriteLinkerScriptFile(path, templatePath string, align map[string]int, log logrus.FieldLogger) error {
	template := defaultLinkerScript
	if templatePath != "" {
		data, err := os.ReadFile(templatePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read linker script template")
		}
		template = string(data)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	if err = WriteLinkerScript(f, template, align, log); err != nil {
		return err
	}
	log.WithField("sections", len(align)).Infof("wrote linker script %s", path)
	return errors.WithStack(f.Close())
}
