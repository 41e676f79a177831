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

import "github.com/pkg/errors"

// Fatal conditions. Callers match them with errors.Is; the wrapped message
// names the offending site, tag or label.
var (
	ErrMultiTagBranch     = errors.New("branch site carries more than one tag")
	ErrDuplicateIDOffset  = errors.New("two identifiers share one byte offset")
	ErrMultipleSlots      = errors.New("target carries more than one bit-pattern slot")
	ErrAssembler          = errors.New("assembler error")
	ErrPlacementExhausted = errors.New("no free trampoline position")
	ErrDuplicateLabel     = errors.New("duplicate label")
	ErrUnknownLabel       = errors.New("unknown label")
	ErrSlotMismatch       = errors.New("target address does not match its slot")
	ErrInvalidOptions     = errors.New("invalid options")
)
