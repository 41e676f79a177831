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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineOf builds a standalone line for toolkit predicates.
func lineOf(tk Toolkit, text string) *Line {
	doc := NewDocument(ParseOptions{Comment: tk.CommentPrefix()})
	return doc.Line(doc.NewLine(text))
}

func labelCounter() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf(".L%d", n)
	}
}

func TestGetToolkit(t *testing.T) {
	for _, name := range []string{"x86_64-att", "amd64"} {
		tk, err := GetToolkit(name)
		require.NoError(t, err)
		assert.Equal(t, "x86_64-att", tk.Name())
	}
	for _, name := range []string{"aarch64", "arm64"} {
		tk, err := GetToolkit(name)
		require.NoError(t, err)
		assert.Equal(t, "aarch64", tk.Name())
	}
	_, err := GetToolkit("mips")
	assert.ErrorContains(t, err, "unsupported isa: mips")
}
