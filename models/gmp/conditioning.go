// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmp

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
)

// Kind of conditioning passed to the backbone forward pass.
type Kind int

const (
	// Unconditioned means no prompts are inserted: the backbone runs as a plain ViT.
	Unconditioned Kind = iota

	// MixturePrompts means the prompts selected by the mixture for each sample are inserted.
	MixturePrompts
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Unconditioned:
		return "Unconditioned"
	case MixturePrompts:
		return "MixturePrompts"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Conditioning is what the mixture prediction feeds to the backbone forward pass.
//
// For Kind == Unconditioned all the nodes are nil. For Kind == MixturePrompts:
//
//   - Prompts: `[batchSize, topK, embedDim]`, the means of the topK most likely components of each sample.
//   - Indices: `[batchSize, topK]` (Int32), the selected components, most likely first.
//   - Responsibilities: `[batchSize, numComponents]`, posterior probability of each component.
type Conditioning struct {
	Kind  Kind
	Stage int

	Prompts, Indices, Responsibilities *Node
}

// None is the conditioning used before the mixture has been fitted for the first time.
var None = Conditioning{Kind: Unconditioned}

// HasPrompts returns whether there are prompts to insert.
func (c Conditioning) HasPrompts() bool {
	return c.Kind == MixturePrompts && c.Prompts != nil
}

// NumPrompts returns the number of prompts per sample, 0 if unconditioned.
func (c Conditioning) NumPrompts() int {
	if !c.HasPrompts() {
		return 0
	}
	return c.Prompts.Shape().Dim(1)
}
