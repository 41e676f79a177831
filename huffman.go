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
	"container/heap"

	"github.com/samber/lo"
)

// Symbol is one leaf of a Huffman code.
type Symbol struct {
	Name   string
	Weight float64
}

// CombineFunc computes the weight of a parent from its children.
type CombineFunc func(left, right float64) float64

// DoubledSum favours shallow trees, so codes stay short.
func DoubledSum(left, right float64) float64 {
	return 2 * (left + right)
}

type huffmanNode struct {
	weight      float64
	seq         int
	symbol      int
	left, right *huffmanNode
}

// huffmanQueue pops the lightest node; among equal weights the most recently
// created one goes first.
type huffmanQueue []*huffmanNode

func (q huffmanQueue) Len() int { return len(q) }

func (q huffmanQueue) Less(i, j int) bool {
	if q[i].weight != q[j].weight {
		return q[i].weight < q[j].weight
	}
	return q[i].seq > q[j].seq
}

func (q huffmanQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *huffmanQueue) Push(x any) { *q = append(*q, x.(*huffmanNode)) }

func (q *huffmanQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}

// Codebook builds a binary prefix code over symbols. The lightest node
// becomes the right ("1") child. A single symbol gets the empty code.
func Codebook(symbols []Symbol, combine CombineFunc) map[string]string {
	codes := make(map[string]string, len(symbols))
	if len(symbols) == 0 {
		return codes
	}
	queue := make(huffmanQueue, 0, len(symbols))
	for i, s := range symbols {
		queue = append(queue, &huffmanNode{weight: s.Weight, seq: i, symbol: i})
	}
	heap.Init(&queue)
	seq := len(symbols)
	for queue.Len() > 1 {
		right := heap.Pop(&queue).(*huffmanNode)
		left := heap.Pop(&queue).(*huffmanNode)
		heap.Push(&queue, &huffmanNode{
			weight: combine(left.weight, right.weight),
			seq:    seq,
			symbol: -1,
			left:   left,
			right:  right,
		})
		seq++
	}
	var walk func(n *huffmanNode, prefix string)
	walk = func(n *huffmanNode, prefix string) {
		if n.symbol >= 0 {
			codes[symbols[n.symbol].Name] = prefix
			return
		}
		walk(n.left, prefix+"0")
		walk(n.right, prefix+"1")
	}
	walk(queue[0], "")
	return codes
}

// MaxCodeLength returns the length of the longest code.
func MaxCodeLength(codes map[string]string) int {
	return lo.Max(lo.Map(lo.Values(codes), func(code string, _ int) int { return len(code) }))
}
