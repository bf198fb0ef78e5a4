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
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"nstrain/dataset"
	"nstrain/failure"
)

// TxBeginner opens transactions, *sql.DB implements it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Progress receives one Add per processed row.
type Progress interface {
	Add(n int) error
	Finish() error
}

type nopProgress struct{}

func (nopProgress) Add(int) error { return nil }
func (nopProgress) Finish() error { return nil }

// Result of one partition: range rows and aggregate rows, in row order.
type output struct {
	ranges  dataset.Matrix
	results dataset.Matrix
}

// worker evaluates one partition for one regime inside its own read-only
// transaction. It owns its random source; means and stds are its own copies.
type worker struct {
	regime    int
	partition int
	rows      dataset.Matrix
	means     []float64
	stds      []float64
	group     []bool
	query     *Query
	rng       NormSource
	db        TxBeginner
	progress  Progress
	matched   *atomic.Int64
	metrics   *Metrics
	logger    log.Logger
}

func (w *worker) run(ctx context.Context) (out output, err error) {
	start := time.Now()
	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return out, failure.Wrap(failure.Database, err, "cannot begin read-only transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback() // nolint:errcheck
		}
	}()

	stmt, err := tx.PrepareContext(ctx, w.query.SQL)
	if err != nil {
		return out, failure.Wrap(failure.Database, err, "cannot prepare range query")
	}
	defer stmt.Close()

	ranges, err := Synthesize(w.rows, w.means, w.stds, w.rng)
	if err != nil {
		return out, err
	}
	results := make(dataset.Matrix, len(ranges))
	for i, rangeRow := range ranges {
		results[i], err = w.execute(ctx, stmt, rangeRow)
		if err != nil {
			return out, failure.Wrapf(failure.KindOf(err), err, "row %d", i)
		}
		w.progress.Add(1) // nolint:errcheck
	}

	if err = tx.Commit(); err != nil {
		return out, failure.Wrap(failure.Database, err, "cannot commit read-only transaction")
	}
	level.Debug(w.logger).Log("msg", "partition finished", "regime", w.regime,
		"partition", w.partition, "rows", len(ranges), "duration", time.Since(start))
	return output{ranges: ranges, results: results}, nil
}

// execute runs the statement for one range row and reads its single result
// row. Aggregates of an empty range are reported as 0.
func (w *worker) execute(ctx context.Context, stmt *sql.Stmt, rangeRow []float64) ([]float64, error) {
	regime := strconv.Itoa(w.regime)
	start := time.Now()
	rows, err := stmt.QueryContext(ctx, w.query.Params(rangeRow, w.group)...)
	if err != nil {
		return nil, failure.Wrap(failure.Database, err, "range query failed")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, failure.Wrap(failure.Database, err, "range query failed")
		}
		level.Error(w.logger).Log("msg", "range query returned no row", "regime", w.regime, "partition", w.partition)
		return nil, failure.New(failure.Internal, "range query returned no row")
	}

	var count int64
	aggs := make([]sql.NullFloat64, len(w.query.Aggregated)*3)
	dest := make([]interface{}, 0, len(aggs)+1)
	dest = append(dest, &count)
	for i := range aggs {
		dest = append(dest, &aggs[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, failure.Wrap(failure.Database, err, "cannot scan range query result")
	}
	w.metrics.queries.WithLabelValues(regime).Inc()
	w.metrics.queryDuration.WithLabelValues(regime).Observe(time.Since(start).Seconds())

	result := make([]float64, w.query.ResultWidth())
	result[0] = float64(count)
	if count > 0 {
		for i, v := range aggs {
			result[i+1] = v.Float64
		}
		w.matched.Add(count)
		w.metrics.matchedRows.WithLabelValues(regime).Add(float64(count))
	}
	return result, nil
}
