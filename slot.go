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
	"sort"

	"github.com/pkg/errors"
)

// AbsentID marks a color band a target does not use.
const AbsentID = 0xFF

// Slot is one identifier. A bit-pattern slot fixes the low Width bits of the
// target address to Value. An ID slot stores the byte Value at Width+1 bytes
// below the target label; Width is then the byte offset.
type Slot struct {
	Value uint64
	Width int
	ID    bool
}

func BitSlot(value uint64, width int) Slot {
	return Slot{Value: value, Width: width}
}

func IDSlot(value uint64, offset int) Slot {
	return Slot{Value: value, Width: offset, ID: true}
}

func (s Slot) Offset() int {
	return s.Width
}

// Mask returns the low-bit mask of a bit-pattern slot.
func (s Slot) Mask() uint64 {
	if s.Width >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(s.Width) - 1
}

// Shift keeps the low bits of a bit-pattern slot aligned to 2^bits.
func (s Slot) Shift(bits int) Slot {
	if s.ID || bits == 0 {
		return s
	}
	return BitSlot(s.Value<<uint(bits), s.Width+bits)
}

func (s Slot) String() string {
	if s.ID {
		return fmt.Sprintf("id 0x%x at offset %d", s.Value, s.Width)
	}
	return fmt.Sprintf("slot 0x%x/%d", s.Value, s.Width)
}

// TargetSlots is the full descriptor of a target site.
type TargetSlots []Slot

func (t TargetSlots) MaxAlign() int {
	width := 0
	for _, s := range t {
		if !s.ID && s.Width > width {
			width = s.Width
		}
	}
	return width
}

// sorted orders bit-pattern slots first, then IDs by offset.
func (t TargetSlots) sorted() TargetSlots {
	out := append(TargetSlots(nil), t...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return !out[i].ID
		}
		if out[i].Width != out[j].Width {
			return out[i].Width < out[j].Width
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// TargetLayout is the prefix emitted ahead of a target label.
type TargetLayout struct {
	// Pattern is the bit-pattern slot, already shifted; nil without one.
	Pattern *Slot
	// IDs are the identifier bytes in emission order, the byte nearest to the label last.
	IDs []byte
	// PadValue is what the address must equal modulo 2^Pattern.Width where the IDs begin.
	PadValue uint64
}

// Layout arranges the slots of a target. idAlign rounds the identifier block
// so the label keeps the instruction alignment of the architecture.
func (t TargetSlots) Layout(skipLowBit, idAlign int) (TargetLayout, error) {
	var layout TargetLayout
	offsets := make(map[int]uint64)
	width := 0
	for _, s := range t {
		if !s.ID {
			if layout.Pattern != nil {
				return layout, errors.Wrapf(ErrMultipleSlots, "%v and %v", *layout.Pattern, s)
			}
			shifted := s.Shift(skipLowBit)
			layout.Pattern = &shifted
			continue
		}
		if _, exists := offsets[s.Offset()]; exists {
			return layout, errors.Wrapf(ErrDuplicateIDOffset, "offset %d", s.Offset())
		}
		offsets[s.Offset()] = s.Value
		if s.Offset()+1 > width {
			width = s.Offset() + 1
		}
	}
	if width > 0 && idAlign > 1 {
		width = (width + idAlign - 1) / idAlign * idAlign
	}
	layout.IDs = make([]byte, width)
	for offset, value := range offsets {
		layout.IDs[width-1-offset] = byte(value)
	}
	if layout.Pattern != nil {
		layout.PadValue = (layout.Pattern.Value - uint64(width)) & layout.Pattern.Mask()
	}
	return layout, nil
}
