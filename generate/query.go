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
	"strconv"
	"strings"

	"nstrain/dataset"
)

type Bound int

const (
	Lower Bound = iota
	Upper
)

func (b Bound) String() string {
	if b == Lower {
		return "lower"
	}
	return "upper"
}

func (b Bound) op() string {
	if b == Lower {
		return ">="
	}
	return "<="
}

// Binding describes one query parameter: which bound of which selected
// column is bound to it.
type Binding struct {
	Param    int // 1-based placeholder number
	Column   int // table column index
	Position int // position among the selected columns
	Bound    Bound
}

// Query is the aggregate statement for one table and column selection,
// built once and executed for every range row.
type Query struct {
	Table      string
	Selected   []int
	Aggregated []int // in selected order
	SQL        string
	Bindings   []Binding
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// NewQuery builds
//
//	SELECT COUNT(c0), SUM(..), .., MAX(..), .., MIN(..), .. FROM table
//	WHERE cs >= $1 AND cs <= $2 AND ..;
//
// with two parameters per selected column, in selected order.
func NewQuery(table string, selected, aggregated []int) *Query {
	q := &Query{
		Table:    table,
		Selected: append([]int(nil), selected...),
	}
	var sums, maxs, mins []string
	for _, col := range selected {
		if containsInt(aggregated, col) {
			name := dataset.ColumnName(col)
			q.Aggregated = append(q.Aggregated, col)
			sums = append(sums, "SUM("+name+")")
			maxs = append(maxs, "MAX("+name+")")
			mins = append(mins, "MIN("+name+")")
		}
	}

	var preds []string
	for pos, col := range selected {
		for _, bound := range []Bound{Lower, Upper} {
			b := Binding{Param: len(q.Bindings) + 1, Column: col, Position: pos, Bound: bound}
			q.Bindings = append(q.Bindings, b)
			preds = append(preds, dataset.ColumnName(col)+" "+bound.op()+" $"+strconv.Itoa(b.Param))
		}
	}

	projection := append([]string{"COUNT(c0)"}, sums...)
	projection = append(projection, maxs...)
	projection = append(projection, mins...)

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(projection, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(table)
	if len(preds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(preds, " AND "))
	}
	sb.WriteString(";")
	q.SQL = sb.String()
	return q
}

// Width of a result row: the count followed by sums, maxes and mins.
func (q *Query) ResultWidth() int {
	return 1 + 3*len(q.Aggregated)
}

// GroupMask flags, per selected position, the columns in group.
func (q *Query) GroupMask(group []int) []bool {
	mask := make([]bool, len(q.Selected))
	for pos, col := range q.Selected {
		mask[pos] = containsInt(group, col)
	}
	return mask
}

// Params returns the arguments for one range row in binding order. Group
// columns are bound to the midpoint of their range on both sides.
func (q *Query) Params(rangeRow []float64, group []bool) []interface{} {
	args := make([]interface{}, len(q.Bindings))
	for i, b := range q.Bindings {
		lower, upper := lowerOf(rangeRow, b.Position), upperOf(rangeRow, b.Position)
		switch {
		case group != nil && group[b.Position]:
			args[i] = (lower + upper) / 2
		case b.Bound == Lower:
			args[i] = lower
		default:
			args[i] = upper
		}
	}
	return args
}
