// Copyright 2022-2023 RelationalAI, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dataset holds the numeric row matrix the generator works on, along
// with its CSV and database readers and writers.
package dataset

import (
	"nstrain/failure"
)

// Matrix is a row-major matrix of float64 values. Rows may have any width;
// the helpers below check the widths they depend on.
type Matrix [][]float64

func (m Matrix) Rows() int {
	return len(m)
}

// Width of the first row, 0 for an empty matrix.
func (m Matrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Select returns a copy of the matrix restricted to the given columns, in
// the given order.
func (m Matrix) Select(cols []int) (Matrix, error) {
	result := make(Matrix, len(m))
	for i, row := range m {
		out := make([]float64, len(cols))
		for j, col := range cols {
			if col < 0 || col >= len(row) {
				return nil, failure.Newf(failure.Shape,
					"row %d has %d columns, cannot select column %d", i, len(row), col)
			}
			out[j] = row[col]
		}
		result[i] = out
	}
	return result, nil
}

// Partition splits the rows into k contiguous partitions that together cover
// the matrix in order. Sizes differ by at most one row, larger partitions
// first; when k exceeds the row count the trailing partitions are empty.
// Partitions share rows with m.
func (m Matrix) Partition(k int) ([]Matrix, error) {
	if k < 1 {
		return nil, failure.Newf(failure.InvalidInput, "partition count must be at least 1, got %d", k)
	}
	base, extra := len(m)/k, len(m)%k
	parts := make([]Matrix, k)
	start := 0
	for i := range parts {
		size := base
		if i < extra {
			size++
		}
		parts[i] = m[start : start+size : start+size]
		start += size
	}
	return parts, nil
}

// Concat joins the given matrices in order.
func Concat(parts ...Matrix) Matrix {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	result := make(Matrix, 0, n)
	for _, p := range parts {
		result = append(result, p...)
	}
	return result
}

// CheckWidth fails when any row does not have exactly width columns.
func (m Matrix) CheckWidth(width int) error {
	for i, row := range m {
		if len(row) != width {
			return failure.Newf(failure.Shape, "row %d has %d columns, expected %d", i, len(row), width)
		}
	}
	return nil
}
