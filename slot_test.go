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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotShift(t *testing.T) {
	assert.Equal(t, BitSlot(0b110, 3), BitSlot(0b11, 2).Shift(1))
	assert.Equal(t, BitSlot(0b11, 2), BitSlot(0b11, 2).Shift(0))
	assert.Equal(t, IDSlot(5, 1), IDSlot(5, 1).Shift(3))
	assert.Equal(t, uint64(0x7), BitSlot(0, 3).Mask())
	assert.Equal(t, uint64(0), BitSlot(0, 0).Mask())
}

func TestTargetSlotsSorted(t *testing.T) {
	slots := TargetSlots{IDSlot(1, 2), BitSlot(1, 2), IDSlot(4, 0)}
	assert.Equal(t, TargetSlots{BitSlot(1, 2), IDSlot(4, 0), IDSlot(1, 2)}, slots.sorted())
	assert.Equal(t, 2, slots.MaxAlign())
}

func TestLayout(t *testing.T) {
	tests := []struct {
		name     string
		slots    TargetSlots
		skip     int
		align    int
		pattern  *Slot
		ids      []byte
		padValue uint64
	}{
		{
			name:     "pattern only",
			slots:    TargetSlots{BitSlot(0b10, 2)},
			skip:     1,
			align:    1,
			pattern:  &Slot{Value: 0b100, Width: 3},
			ids:      []byte{},
			padValue: 0b100,
		},
		{
			name:     "pattern and ids",
			slots:    TargetSlots{BitSlot(0b10, 2), IDSlot(5, 0), IDSlot(7, 2)},
			skip:     1,
			align:    1,
			pattern:  &Slot{Value: 0b100, Width: 3},
			ids:      []byte{7, 0, 5},
			padValue: 1,
		},
		{
			name:  "ids only",
			slots: TargetSlots{IDSlot(9, 1)},
			align: 1,
			ids:   []byte{9, 0},
		},
		{
			name:  "aligned id block",
			slots: TargetSlots{IDSlot(1, 0)},
			align: 4,
			ids:   []byte{0, 0, 0, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout, err := tt.slots.Layout(tt.skip, tt.align)
			require.NoError(t, err)
			assert.Equal(t, tt.pattern, layout.Pattern)
			assert.Equal(t, tt.ids, layout.IDs)
			assert.Equal(t, tt.padValue, layout.PadValue)
		})
	}
}

func TestLayoutErrors(t *testing.T) {
	_, err := TargetSlots{BitSlot(1, 2), BitSlot(2, 2)}.Layout(0, 1)
	assert.True(t, errors.Is(err, ErrMultipleSlots))
	_, err = TargetSlots{IDSlot(1, 0), IDSlot(2, 0)}.Layout(0, 1)
	assert.True(t, errors.Is(err, ErrDuplicateIDOffset))
}
