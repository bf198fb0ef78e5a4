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
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nstrain/config"
	"nstrain/dataset"
	"nstrain/failure"
)

func testConfig(regimes ...config.Regime) *config.Config {
	return &config.Config{
		DB: config.DBConfig{TableName: "data"},
		Generator: config.GeneratorConfig{
			SelectFields: []int{0, 1},
			AggFields:    []int{0},
			Seed:         1,
			Regimes:      regimes,
		},
	}
}

func exists(t *testing.T, fname string) bool {
	_, err := dataset.ReadCSVFile(fname)
	if err != nil {
		require.True(t, failure.Is(err, failure.IO), "unexpected error: %v", err)
		return false
	}
	return true
}

func TestOutputFiles(t *testing.T) {
	x, y := OutputFiles("out/forest", 3)
	assert.Equal(t, "out/forest-3-X.csv", x)
	assert.Equal(t, "out/forest-3-Y.csv", y)
}

func TestWorkerSeedsAreDistinct(t *testing.T) {
	seen := map[int64]bool{}
	for regime := 0; regime < 8; regime++ {
		for partition := 0; partition < 64; partition++ {
			s := workerSeed(42, regime, partition)
			assert.False(t, seen[s], "regime %d partition %d", regime, partition)
			seen[s] = true
		}
	}
}

// Rows are split over four concurrent workers; the output files must still
// follow the input order.
func TestRunPreservesRowOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	const rows, partitions = 9, 4
	working := make(dataset.Matrix, rows)
	expectedX := make(dataset.Matrix, rows)
	expectedY := make(dataset.Matrix, rows)
	for p := 0; p < partitions; p++ {
		mock.ExpectBegin()
		mock.ExpectPrepare(workerSQL)
		mock.ExpectCommit()
	}
	for i := 0; i < rows; i++ {
		v := float64(i)
		working[i] = []float64{v, 10 + v}
		expectedX[i] = []float64{v - 1, v + 1, 2, 9.5 + v, 10.5 + v, 1}
		expectedY[i] = []float64{v, 2 * v, 3 * v, 4 * v}
		mock.ExpectQuery(workerSQL).WithArgs(v-1, v+1, 9.5+v, 10.5+v).
			WillReturnRows(sqlmock.NewRows(resultColumns).AddRow(int64(i), 2*v, 3*v, 4*v))
	}

	gen := New(db, testConfig(config.Regime{Mean: []float64{1, 0.5}, Std: []float64{0, 0}}),
		NewMetrics(nil), log.NewNopLogger())
	progress := &countingProgress{}
	gen.SetProgress(func(regime, total int) Progress {
		assert.Equal(t, 0, regime)
		assert.Equal(t, rows, total)
		return progress
	})

	prefix := filepath.Join(t.TempDir(), "forest")
	require.NoError(t, gen.Run(context.Background(), working, partitions, prefix))
	require.NoError(t, mock.ExpectationsWereMet())

	x, y := OutputFiles(prefix, 0)
	gotX, err := dataset.ReadCSVFile(x)
	require.NoError(t, err)
	gotY, err := dataset.ReadCSVFile(y)
	require.NoError(t, err)
	assert.Equal(t, expectedX, gotX)
	assert.Equal(t, expectedY, gotY)
	assert.Equal(t, int64(rows), progress.added.Load())
	assert.True(t, progress.finished.Load())
}

func TestRunStopsAtFailedRegime(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	result := func() *sqlmock.Rows {
		return sqlmock.NewRows(resultColumns).AddRow(int64(1), 1.0, 1.0, 1.0)
	}
	// regime 0
	mock.ExpectBegin()
	mock.ExpectPrepare(workerSQL)
	mock.ExpectQuery(workerSQL).WithArgs(4.0, 6.0, 9.0, 11.0).WillReturnRows(result())
	mock.ExpectQuery(workerSQL).WithArgs(6.0, 8.0, -1.0, 1.0).WillReturnRows(result())
	mock.ExpectCommit()
	// regime 1
	mock.ExpectBegin()
	mock.ExpectPrepare(workerSQL)
	mock.ExpectQuery(workerSQL).WithArgs(3.0, 7.0, 8.0, 12.0).
		WillReturnError(errors.New("canceling statement due to statement timeout"))
	mock.ExpectRollback()

	cfg := testConfig(
		config.Regime{Mean: []float64{1, 1}, Std: []float64{0, 0}},
		config.Regime{Mean: []float64{2, 2}, Std: []float64{0, 0}},
		config.Regime{Mean: []float64{3, 3}, Std: []float64{0, 0}},
	)
	gen := New(db, cfg, NewMetrics(nil), log.NewNopLogger())
	prefix := filepath.Join(t.TempDir(), "forest")

	err = gen.Run(context.Background(), dataset.Matrix{{5, 10}, {7, 0}}, 1, prefix)
	require.Error(t, err)
	assert.Equal(t, failure.Database, failure.KindOf(err))
	assert.Contains(t, err.Error(), "regime 1")
	require.NoError(t, mock.ExpectationsWereMet())

	x0, y0 := OutputFiles(prefix, 0)
	assert.True(t, exists(t, x0))
	assert.True(t, exists(t, y0))
	for regime := 1; regime < 3; regime++ {
		x, y := OutputFiles(prefix, regime)
		assert.False(t, exists(t, x))
		assert.False(t, exists(t, y))
	}
}

// A failing worker does not cancel its siblings and no output is written.
func TestRunRegimeWaitsForAllWorkers(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectPrepare(workerSQL)
	mock.ExpectPrepare(workerSQL)
	mock.ExpectQuery(workerSQL).WithArgs(4.0, 6.0, 9.0, 11.0).
		WillReturnError(errors.New("server closed the connection unexpectedly"))
	mock.ExpectQuery(workerSQL).WithArgs(6.0, 8.0, -1.0, 1.0).
		WillReturnRows(sqlmock.NewRows(resultColumns).AddRow(int64(1), 7.0, 7.0, 7.0))
	mock.ExpectRollback()
	mock.ExpectCommit()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	gen := New(db, testConfig(config.Regime{Mean: []float64{1, 1}, Std: []float64{0, 0}}),
		metrics, log.NewNopLogger())
	parts, err := dataset.Matrix{{5, 10}, {7, 0}}.Partition(2)
	require.NoError(t, err)
	prefix := filepath.Join(t.TempDir(), "forest")

	err = gen.RunRegime(context.Background(), 0, parts, prefix)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partition 0")
	assert.NotContains(t, err.Error(), "partition 1")
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failedWorkers.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queries.WithLabelValues("0")))
	x, y := OutputFiles(prefix, 0)
	assert.False(t, exists(t, x))
	assert.False(t, exists(t, y))
}

func TestRunRejectsBadInput(t *testing.T) {
	gen := New(nil, testConfig(config.Regime{Mean: []float64{1, 1}, Std: []float64{0, 0}}),
		NewMetrics(nil), log.NewNopLogger())

	err := gen.Run(context.Background(), dataset.Matrix{{1, 2}}, 0, "unused")
	assert.Equal(t, failure.InvalidInput, failure.KindOf(err))

	err = gen.Run(context.Background(), dataset.Matrix{{1, 2, 3}}, 1, "unused")
	assert.Equal(t, failure.Shape, failure.KindOf(err))

	err = gen.RunRegime(context.Background(), 4, nil, "unused")
	assert.Equal(t, failure.InvalidInput, failure.KindOf(err))
}
