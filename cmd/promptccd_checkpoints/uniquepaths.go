// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns for each run directory the shortest name that tells it apart from the others:
// the path components where it differs from the others (joined by "..." if more than one), or the base name
// if it doesn't differ.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		names := make([]string, len(paths))
		for ii, p := range paths {
			names[ii] = filepath.Base(filepath.Clean(p))
		}
		return names
	}

	splitPaths := make([][]string, len(paths))
	for ii, p := range paths {
		splitPaths[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}
	names := make([]string, len(paths))
	for ii, components := range splitPaths {
		var diffIndices []int
		for jj, other := range splitPaths {
			if ii == jj {
				continue
			}
			for kk := range min(len(components), len(other)) {
				if components[kk] != other[kk] && !slices.Contains(diffIndices, kk) {
					diffIndices = append(diffIndices, kk)
				}
			}
		}
		slices.Sort(diffIndices)
		switch len(diffIndices) {
		case 0:
			names[ii] = components[len(components)-1]
		case 1:
			names[ii] = components[diffIndices[0]]
		default:
			names[ii] = components[diffIndices[0]] + "..." + components[diffIndices[len(diffIndices)-1]]
		}
	}
	return names
}
