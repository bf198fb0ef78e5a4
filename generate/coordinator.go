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

// Package generate turns a working matrix into range-query training data:
// for every regime it synthesizes a random range around each row, asks the
// database for the aggregates inside that range and writes both to CSV.
package generate

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"nstrain/config"
	"nstrain/dataset"
	"nstrain/failure"
)

// ProgressFunc returns the progress reporter of one regime.
type ProgressFunc func(regime, total int) Progress

// OutputFiles returns the range and result file names of a regime.
func OutputFiles(prefix string, regime int) (x, y string) {
	return fmt.Sprintf("%s-%d-X.csv", prefix, regime), fmt.Sprintf("%s-%d-Y.csv", prefix, regime)
}

// Seed of the random source of one worker. Distinct for every regime and
// partition of a run.
func workerSeed(base int64, regime, partition int) int64 {
	return base + int64(regime)*1_000_003 + int64(partition)*7_919
}

// Generator runs the regimes of a configuration against one database.
type Generator struct {
	db          TxBeginner
	query       *Query
	group       []bool
	regimes     []config.Regime
	seed        int64
	metrics     *Metrics
	logger      log.Logger
	newProgress ProgressFunc
}

// New returns a generator for cfg, which must be valid. A zero seed in the
// configuration is replaced by a time based one.
func New(db TxBeginner, cfg *config.Config, metrics *Metrics, logger log.Logger) *Generator {
	gen := cfg.Generator
	query := NewQuery(cfg.DB.TableName, gen.SelectFields, gen.AggFields)
	seed := gen.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		db:      db,
		query:   query,
		group:   query.GroupMask(gen.GroupFields),
		regimes: gen.Regimes,
		seed:    seed,
		metrics: metrics,
		logger:  logger,
		newProgress: func(int, int) Progress {
			return nopProgress{}
		},
	}
}

func (g *Generator) SetProgress(fn ProgressFunc) {
	g.newProgress = fn
}

func (g *Generator) Query() *Query {
	return g.query
}

// Run partitions the working matrix and generates every regime in order,
// stopping at the first regime that fails.
func (g *Generator) Run(ctx context.Context, working dataset.Matrix, partitions int, prefix string) error {
	if err := working.CheckWidth(len(g.query.Selected)); err != nil {
		return err
	}
	parts, err := working.Partition(partitions)
	if err != nil {
		return err
	}
	for i := range g.regimes {
		if err := g.RunRegime(ctx, i, parts, prefix); err != nil {
			return err
		}
	}
	return nil
}

// RunRegime runs one worker per partition and waits for all of them. Output
// files are written only when every worker succeeded.
func (g *Generator) RunRegime(ctx context.Context, regime int, parts []dataset.Matrix, prefix string) error {
	if regime < 0 || regime >= len(g.regimes) {
		return failure.Newf(failure.InvalidInput, "regime %d is not configured", regime)
	}
	r := g.regimes[regime]
	label := strconv.Itoa(regime)
	start := time.Now()

	total := 0
	for _, p := range parts {
		total += p.Rows()
	}
	level.Info(g.logger).Log("msg", "generating regime", "regime", regime,
		"partitions", len(parts), "rows", humanize.Comma(int64(total)))

	progress := g.newProgress(regime, total)
	var matched atomic.Int64
	outputs := make([]output, len(parts))
	errs := make([]error, len(parts))

	// Siblings are not cancelled when one worker fails, every worker
	// finishes or fails on its own.
	var eg errgroup.Group
	for i, part := range parts {
		w := &worker{
			regime:    regime,
			partition: i,
			rows:      part,
			means:     append([]float64(nil), r.Mean...),
			stds:      append([]float64(nil), r.Std...),
			group:     g.group,
			query:     g.query,
			rng:       rand.New(rand.NewSource(workerSeed(g.seed, regime, i))),
			db:        g.db,
			progress:  progress,
			matched:   &matched,
			metrics:   g.metrics,
			logger:    log.With(g.logger, "regime", regime, "partition", i),
		}
		i := i
		eg.Go(func() error {
			out, err := w.run(ctx)
			if err != nil {
				g.metrics.failedWorkers.WithLabelValues(label).Inc()
				errs[i] = errors.Wrapf(err, "partition %d", i)
				return errs[i]
			}
			outputs[i] = out
			return nil
		})
	}
	_ = eg.Wait()
	_ = progress.Finish()
	g.metrics.regimeDuration.WithLabelValues(label).Set(time.Since(start).Seconds())

	if err := multierr.Combine(errs...); err != nil {
		level.Error(g.logger).Log("msg", "regime failed, no output written", "regime", regime, "err", err)
		return errors.Wrapf(err, "regime %d", regime)
	}

	ranges := make([]dataset.Matrix, len(outputs))
	results := make([]dataset.Matrix, len(outputs))
	for i, out := range outputs {
		ranges[i], results[i] = out.ranges, out.results
	}
	x, y := OutputFiles(prefix, regime)
	err := dataset.WriteCSVFiles(map[string]dataset.Matrix{
		x: dataset.Concat(ranges...),
		y: dataset.Concat(results...),
	})
	if err != nil {
		return errors.Wrapf(err, "regime %d", regime)
	}
	level.Info(g.logger).Log("msg", "finished regime", "regime", regime,
		"ranges", x, "results", y, "matched_rows", humanize.Comma(matched.Load()),
		"duration", time.Since(start))
	return nil
}
