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

package generate

import (
	"math"

	"nstrain/dataset"
	"nstrain/failure"
)

// NormSource draws samples from the standard normal distribution,
// *rand.Rand implements it.
type NormSource interface {
	NormFloat64() float64
}

// Each selected column takes three slots in a range row.
const rangeSlots = 3

func RangeWidth(ncols int) int {
	return rangeSlots * ncols
}

func lowerOf(rangeRow []float64, col int) float64 {
	return rangeRow[rangeSlots*col]
}

func upperOf(rangeRow []float64, col int) float64 {
	return rangeRow[rangeSlots*col+1]
}

// Synthesize draws a range around every value of rows. For each column the
// bias is |N(mean, std)|, and the range row holds lower, upper and width
// (twice the bias) column after column. rows is not modified.
func Synthesize(rows dataset.Matrix, means, stds []float64, src NormSource) (dataset.Matrix, error) {
	n := len(means)
	if len(stds) != n {
		return nil, failure.Newf(failure.Shape, "%d means but %d standard deviations", n, len(stds))
	}
	if err := rows.CheckWidth(n); err != nil {
		return nil, err
	}
	result := make(dataset.Matrix, len(rows))
	for i, row := range rows {
		out := make([]float64, RangeWidth(n))
		for j, v := range row {
			bias := math.Abs(means[j] + stds[j]*src.NormFloat64())
			out[rangeSlots*j] = v - bias
			out[rangeSlots*j+1] = v + bias
			out[rangeSlots*j+2] = 2 * bias
		}
		result[i] = out
	}
	return result, nil
}
