// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package contrastive

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// NumViews is the only number of views per sample supported by the InfoNCE pair construction.
const NumViews = 2

// pairIndices returns for each of the 2N rows the columns of the similarity matrix to gather:
// the positive (the other view of the same sample) first, followed by the 2N-2 negatives in
// column order. The diagonal (self-similarity) is never included.
func pairIndices(numRows int) [][][]int32 {
	n := numRows / NumViews
	indices := make([][][]int32, numRows)
	for row := range numRows {
		positive := (row + n) % numRows
		rowIndices := make([][]int32, 0, numRows-1)
		rowIndices = append(rowIndices, []int32{int32(row), int32(positive)})
		for col := range numRows {
			if col == row || col == positive {
				continue
			}
			rowIndices = append(rowIndices, []int32{int32(row), int32(col)})
		}
		indices[row] = rowIndices
	}
	return indices
}

// InfoNCELogits builds the InfoNCE logits and targets for a batch of 2N embeddings, the first N being
// the first view of each sample and the last N the second view, in the same sample order.
//
// Features are L2-normalized, their cosine similarity matrix is computed, self-pairs are removed and each row
// is rearranged so that its only positive (the other view of the same sample) is in column 0, followed by the
// 2N-2 negatives. The logits are divided by temperature.
//
// It returns logits shaped `[2N, 2N-1]` and targets shaped `[2N]` (Int32), all zero.
func InfoNCELogits(features *Node, numViews int, temperature float64) (logits, targets *Node) {
	if numViews != NumViews {
		Panicf("InfoNCELogits: only %d views are supported, got %d", NumViews, numViews)
	}
	if features.Rank() != 2 {
		Panicf("InfoNCELogits: features must be shaped [2N, embedDim], got %s", features.Shape())
	}
	numRows := features.Shape().Dim(0)
	if numRows < NumViews || numRows%NumViews != 0 {
		Panicf("InfoNCELogits: number of rows (%d) must be a positive multiple of the number of views (%d)",
			numRows, NumViews)
	}
	g := features.Graph()
	features = L2NormalizeWithEpsilon(features, 1e-12, -1)
	similarity := Einsum("id,jd->ij", features, features)
	logits = Gather(similarity, Const(g, pairIndices(numRows)))
	logits = DivScalar(logits, temperature)
	targets = Zeros(g, shapes.Make(dtypes.Int32, numRows))
	return
}

// MaskedInfoNCELoss computes the InfoNCE cross-entropy over a statically shaped batch of 2N embeddings
// where only the rows marked in rowMask (Bool, shaped `[2N]`) take part: invalid rows are neither anchors
// nor negatives of the valid rows.
//
// The row mask must be the same for both views of a sample, so every valid row keeps its positive.
//
// It returns the mean loss over the valid rows, the accuracy (fraction of valid rows whose largest logit is
// the positive, in column 0) and the number of valid rows (Int32 scalar). With no valid rows loss and
// accuracy are 0.
func MaskedInfoNCELoss(features, rowMask *Node, temperature float64) (loss, accuracy, count *Node) {
	logits, targets := InfoNCELogits(features, NumViews, temperature)
	g := logits.Graph()
	dtype := logits.DType()
	numRows := logits.Shape().Dim(0)
	if !rowMask.Shape().Equal(shapes.Make(dtypes.Bool, numRows)) {
		Panicf("MaskedInfoNCELoss: rowMask must be shaped [%d] of dtype Bool, got %s", numRows, rowMask.Shape())
	}

	// Candidates whose row is masked out are pushed to a very negative logit, so they have no mass.
	// The mask is gathered as the similarity matrix is, with every row seeing the mask of all columns.
	columnValid := Gather(BroadcastToDims(ExpandAxes(rowMask, 0), numRows, numRows), Const(g, pairIndices(numRows)))
	logits = Where(columnValid, logits, AddScalar(ZerosLike(logits), -1e9))

	rowLosses := losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{ExpandAxes(targets, -1), rowMask}, []*Node{logits})
	validAsFloat := ConvertDType(rowMask, dtype)
	numValid := ReduceAllSum(validAsFloat)
	safeValid := Max(numValid, OnesLike(numValid))
	loss = Div(ReduceAllSum(Mul(rowLosses, validAsFloat)), safeValid)

	predictions := ArgMax(logits, -1, dtypes.Int32)
	hits := ConvertDType(Equal(predictions, targets), dtype)
	accuracy = Div(ReduceAllSum(Mul(hits, validAsFloat)), safeValid)
	count = ConvertDType(numValid, dtypes.Int32)
	return
}

// UnsupervisedRowMask returns the `[2B]` Bool mask of the concatenated views taking part in the unsupervised
// contrastive loss, given the labelled mask of the `B` samples. If contrastUnlabelledOnly is set only
// unlabelled samples (from both views) are included, otherwise all of them are.
func UnsupervisedRowMask(labelledMask *Node, contrastUnlabelledOnly bool) *Node {
	if labelledMask.DType() != dtypes.Bool || labelledMask.Rank() != 1 {
		Panicf("UnsupervisedRowMask: labelledMask must be a Bool vector, got %s", labelledMask.Shape())
	}
	var valid *Node
	if contrastUnlabelledOnly {
		valid = LogicalNot(labelledMask)
	} else {
		valid = BroadcastToDims(Const(labelledMask.Graph(), true), labelledMask.Shape().Dim(0))
	}
	return Concatenate([]*Node{valid, valid}, 0)
}

// SelectRows returns the indices, among the 2B rows of the two concatenated views, that take part in the
// unsupervised contrastive loss. It is the host-side counterpart of UnsupervisedRowMask.
func SelectRows(labelledMask []bool, contrastUnlabelledOnly bool) []int {
	batchSize := len(labelledMask)
	rows := make([]int, 0, NumViews*batchSize)
	for view := range NumViews {
		for ii, labelled := range labelledMask {
			if contrastUnlabelledOnly && labelled {
				continue
			}
			rows = append(rows, view*batchSize+ii)
		}
	}
	return rows
}
