// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eval

import (
	"fmt"
	"math"
)

// Accuracies of a clustering after matching clusters to classes.
type Accuracies struct {
	All, Old, New float64
}

// String implements fmt.Stringer.
func (a Accuracies) String() string {
	return fmt.Sprintf("all=%.4f old=%.4f new=%.4f", a.All, a.Old, a.New)
}

// ClusterAccuracy matches cluster ids to class ids with the assignment maximizing the number of agreeing
// samples (Hungarian algorithm), over all samples. It returns the accuracy of this single matching over all
// samples, and over the samples of old (id < numOld) and new classes. Groups without samples get accuracy 0.
func ClusterAccuracy(labels []int32, clusters []int, numOld int) Accuracies {
	if len(labels) == 0 {
		return Accuracies{}
	}
	size := 0
	for ii, label := range labels {
		size = max(size, int(label)+1, clusters[ii]+1)
	}
	// Cost is the negated count of samples of each (cluster, class) pair.
	cost := make([][]float64, size)
	for c := range cost {
		cost[c] = make([]float64, size)
	}
	for ii, label := range labels {
		cost[clusters[ii]][label]--
	}
	classOf := Hungarian(cost)

	var hits, oldHits, oldCount, newHits, newCount int
	for ii, label := range labels {
		hit := classOf[clusters[ii]] == int(label)
		if hit {
			hits++
		}
		if int(label) < numOld {
			oldCount++
			if hit {
				oldHits++
			}
		} else {
			newCount++
			if hit {
				newHits++
			}
		}
	}
	return Accuracies{
		All: float64(hits) / float64(len(labels)),
		Old: ratio(oldHits, oldCount),
		New: ratio(newHits, newCount),
	}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Hungarian solves the linear assignment problem for a square cost matrix: it returns for each row the column
// assigned to it, minimizing the total cost. It runs in O(n³), with row and column potentials.
func Hungarian(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	// 1-based arrays: index 0 is the virtual column used to start each augmenting path.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	rowOfColumn := make([]int, n+1)
	way := make([]int, n+1)
	for row := 1; row <= n; row++ {
		rowOfColumn[0] = row
		col0 := 0
		minSlack := make([]float64, n+1)
		used := make([]bool, n+1)
		for ii := range minSlack {
			minSlack[ii] = math.Inf(1)
		}
		for {
			used[col0] = true
			row0 := rowOfColumn[col0]
			delta := math.Inf(1)
			col1 := 0
			for col := 1; col <= n; col++ {
				if used[col] {
					continue
				}
				slack := cost[row0-1][col-1] - u[row0] - v[col]
				if slack < minSlack[col] {
					minSlack[col] = slack
					way[col] = col0
				}
				if minSlack[col] < delta {
					delta = minSlack[col]
					col1 = col
				}
			}
			for col := 0; col <= n; col++ {
				if used[col] {
					u[rowOfColumn[col]] += delta
					v[col] -= delta
				} else {
					minSlack[col] -= delta
				}
			}
			col0 = col1
			if rowOfColumn[col0] == 0 {
				break
			}
		}
		// Flip the augmenting path.
		for col0 != 0 {
			col1 := way[col0]
			rowOfColumn[col0] = rowOfColumn[col1]
			col0 = col1
		}
	}
	assignment := make([]int, n)
	for col := 1; col <= n; col++ {
		assignment[rowOfColumn[col]-1] = col - 1
	}
	return assignment
}
