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
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"nstrain/dataset"
	"nstrain/failure"
)

const workerSQL = "SELECT COUNT(c0), SUM(c0), MAX(c0), MIN(c0) FROM data " +
	"WHERE c0 >= $1 AND c0 <= $2 AND c1 >= $3 AND c1 <= $4;"

var resultColumns = []string{"count", "sum", "max", "min"}

type countingProgress struct {
	added    atomic.Int64
	finished atomic.Bool
}

func (p *countingProgress) Add(n int) error {
	p.added.Add(int64(n))
	return nil
}

func (p *countingProgress) Finish() error {
	p.finished.Store(true)
	return nil
}

func newMockWorker(t *testing.T, rows dataset.Matrix) (*worker, sqlmock.Sqlmock, *countingProgress) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	progress := &countingProgress{}
	return &worker{
		rows:     rows,
		means:    []float64{1, 1},
		stds:     []float64{0, 0},
		query:    NewQuery("data", []int{0, 1}, []int{0}),
		rng:      &fixedSource{samples: []float64{0}},
		db:       db,
		progress: progress,
		matched:  &atomic.Int64{},
		metrics:  NewMetrics(nil),
		logger:   log.NewNopLogger(),
	}, mock, progress
}

func TestWorkerRun(t *testing.T) {
	w, mock, progress := newMockWorker(t, dataset.Matrix{{5, 10}, {7, 0}})
	mock.ExpectBegin()
	mock.ExpectPrepare(workerSQL)
	mock.ExpectQuery(workerSQL).WithArgs(4.0, 6.0, 9.0, 11.0).
		WillReturnRows(sqlmock.NewRows(resultColumns).AddRow(int64(2), 10.5, 6.0, 4.5))
	mock.ExpectQuery(workerSQL).WithArgs(6.0, 8.0, -1.0, 1.0).
		WillReturnRows(sqlmock.NewRows(resultColumns).AddRow(int64(1), 7.0, 7.0, 7.0))
	mock.ExpectCommit()

	out, err := w.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dataset.Matrix{{4, 6, 2, 9, 11, 2}, {6, 8, 2, -1, 1, 2}}, out.ranges)
	assert.Equal(t, dataset.Matrix{{2, 10.5, 6, 4.5}, {1, 7, 7, 7}}, out.results)
	assert.Equal(t, int64(3), w.matched.Load())
	assert.Equal(t, int64(2), progress.added.Load())
}

func TestWorkerEmptyRangeReportsZeros(t *testing.T) {
	w, mock, _ := newMockWorker(t, dataset.Matrix{{5, 10}})
	mock.ExpectBegin()
	mock.ExpectPrepare(workerSQL)
	mock.ExpectQuery(workerSQL).WithArgs(4.0, 6.0, 9.0, 11.0).
		WillReturnRows(sqlmock.NewRows(resultColumns).AddRow(int64(0), nil, nil, nil))
	mock.ExpectCommit()

	out, err := w.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dataset.Matrix{{0, 0, 0, 0}}, out.results)
	assert.Equal(t, int64(0), w.matched.Load())
}

func TestWorkerEmptyPartition(t *testing.T) {
	w, mock, _ := newMockWorker(t, dataset.Matrix{})
	mock.ExpectBegin()
	mock.ExpectPrepare(workerSQL)
	mock.ExpectCommit()

	out, err := w.run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out.ranges)
	assert.Empty(t, out.results)
}

func TestWorkerNoResultRow(t *testing.T) {
	w, mock, _ := newMockWorker(t, dataset.Matrix{{5, 10}})
	mock.ExpectBegin()
	mock.ExpectPrepare(workerSQL)
	mock.ExpectQuery(workerSQL).WithArgs(4.0, 6.0, 9.0, 11.0).
		WillReturnRows(sqlmock.NewRows(resultColumns))
	mock.ExpectRollback()

	_, err := w.run(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.Internal, failure.KindOf(err))
}

func TestWorkerQueryFails(t *testing.T) {
	w, mock, progress := newMockWorker(t, dataset.Matrix{{5, 10}, {7, 0}})
	mock.ExpectBegin()
	mock.ExpectPrepare(workerSQL)
	mock.ExpectQuery(workerSQL).WithArgs(4.0, 6.0, 9.0, 11.0).
		WillReturnRows(sqlmock.NewRows(resultColumns).AddRow(int64(1), 5.0, 5.0, 5.0))
	mock.ExpectQuery(workerSQL).WithArgs(6.0, 8.0, -1.0, 1.0).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := w.run(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.Database, failure.KindOf(err))
	assert.Contains(t, err.Error(), "row 1")
	assert.Equal(t, int64(1), progress.added.Load())
}

func TestWorkerBeginFails(t *testing.T) {
	w, mock, _ := newMockWorker(t, dataset.Matrix{{5, 10}})
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := w.run(context.Background())
	assert.Equal(t, failure.Database, failure.KindOf(err))
}

func TestWorkerPrepareFails(t *testing.T) {
	w, mock, _ := newMockWorker(t, dataset.Matrix{{5, 10}})
	mock.ExpectBegin()
	mock.ExpectPrepare(workerSQL).WillReturnError(errors.New(`relation "data" does not exist`))
	mock.ExpectRollback()

	_, err := w.run(context.Background())
	assert.Equal(t, failure.Database, failure.KindOf(err))
}
