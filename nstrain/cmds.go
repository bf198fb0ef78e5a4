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

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	progressbar "github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"nstrain/config"
	"nstrain/dataset"
	"nstrain/failure"
	"nstrain/generate"
)

const finishedMessage = "The generator finishes the job."

func fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(1)
}

func newLogger(w io.Writer, name string) (log.Logger, error) {
	var opt level.Option
	switch strings.ToLower(name) {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, failure.Newf(failure.InvalidInput, "unknown log level '%s'", name)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

func parseThreads(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, failure.Wrapf(failure.NumericParse, err, "threads must be a number, got '%s'", s)
	}
	if n < 1 {
		return 0, failure.Newf(failure.InvalidInput, "threads must be at least 1, got %d", n)
	}
	return n, nil
}

// Represents the state used when processing a command.
type Action struct {
	cmd      *cobra.Command
	quiet    bool
	logger   log.Logger
	registry *prometheus.Registry
	db       *sql.DB
	start    time.Time
}

func newAction(cmd *cobra.Command) *Action {
	result := &Action{cmd: cmd, start: time.Now(), registry: prometheus.NewRegistry()}
	result.quiet = result.getBool("quiet")
	logger, err := newLogger(os.Stderr, result.getString("log-level"))
	if err != nil {
		fatal("%s", err)
	}
	result.logger = logger
	return result
}

func (a *Action) Context() context.Context {
	return a.cmd.Context()
}

func (a *Action) getBool(name string) bool {
	result, _ := a.cmd.Flags().GetBool(name)
	return result
}

func (a *Action) getString(name string) string {
	result, _ := a.cmd.Flags().GetString(name)
	return result
}

func (a *Action) loadConfig() (*config.Config, error) {
	var cfg config.Config
	fname := a.getString("config")
	if err := config.LoadConfigFile(fname, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level.Debug(a.logger).Log("msg", "loaded config", "file", fname, "table", cfg.DB.TableName,
		"regimes", len(cfg.Generator.Regimes))
	return &cfg, nil
}

// Connects to the configured database, the connection is closed on Exit.
func (a *Action) openDB(cfg *config.Config, maxConns int) (*sql.DB, error) {
	db, err := dataset.Open(a.Context(), cfg.DSN(), maxConns)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *Action) newProgressBar(regime, total int) generate.Progress {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(fmt.Sprintf("Regime %d", regime)),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func rtrimEol(value string) string {
	return strings.TrimRight(value, "\r\n")
}

func showJSON(v interface{}) {
	e := json.NewEncoder(os.Stdout)
	e.SetIndent("", "  ")
	e.Encode(v)
}

func (a *Action) showValue(v interface{}) {
	switch vv := v.(type) {
	case nil:
		return
	case string:
		fmt.Println(rtrimEol(vv))
	default:
		showJSON(v)
	}
}

func (a *Action) Append(format string, args ...interface{}) *Action {
	if a.quiet {
		return a
	}
	fmt.Printf(format, args...)
	return a
}

// Show the action banner message.
func (a *Action) Start(format string, args ...interface{}) *Action {
	if a.quiet {
		return a
	}
	var msg string
	msg = fmt.Sprintf(format, args...)
	msg = fmt.Sprintf("%s .. ", msg)
	fmt.Print(msg)
	return a
}

func (a *Action) close() {
	if a.db != nil {
		a.db.Close()
	}
	if fname := a.getString("metrics-file"); fname != "" {
		if err := prometheus.WriteToTextfile(fname, a.registry); err != nil {
			level.Warn(a.logger).Log("msg", "cannot write metrics", "file", fname, "err", err)
		}
	}
}

// Update the action banner and exit.
func (a *Action) Exit(result interface{}, err error) {
	a.close()
	delta := time.Since(a.start).Seconds()
	if err != nil {
		a.Append("(%.1fs)\n", delta)
		level.Debug(a.logger).Log("msg", "command failed", "kind", failure.KindOf(err), "err", err)
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(failure.ExitCode(err))
	} else {
		a.Append("Ok (%.1fs)\n", delta)
		a.showValue(result)
		os.Exit(0)
	}
}

//
// Training data
//

func generateData(cmd *cobra.Command, args []string) {
	// assert len(args) == 2
	action := newAction(cmd)
	prefix := args[0]
	threads, err := parseThreads(args[1])
	if err != nil {
		action.Exit(nil, err)
	}
	cfg, err := action.loadConfig()
	if err != nil {
		action.Exit(nil, err)
	}
	action.Start("Generate training data '%s' (%d threads)", prefix, threads)
	err = action.generate(cfg, prefix, threads, action.getString("data"))
	action.Exit(finishedMessage, err)
}

func (a *Action) generate(cfg *config.Config, prefix string, threads int, dataFile string) error {
	ctx := a.Context()
	db, err := a.openDB(cfg, threads+1)
	if err != nil {
		return err
	}
	store := dataset.NewStore(db, cfg.DB.TableName, a.logger)
	data, found, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if !found {
		if dataFile == "" {
			return failure.Newf(failure.Config,
				"table '%s' does not exist, pass a data file to create it", cfg.DB.TableName)
		}
		if data, err = dataset.ReadCSVFile(dataFile); err != nil {
			return err
		}
		if err = store.Bootstrap(ctx, data); err != nil {
			return err
		}
	}
	level.Info(a.logger).Log("msg", "loaded data", "table", cfg.DB.TableName,
		"rows", humanize.Comma(int64(data.Rows())), "columns", data.Cols())

	working, err := data.Select(cfg.Generator.SelectFields)
	if err != nil {
		return err
	}
	gen := generate.New(db, cfg, generate.NewMetrics(a.registry), a.logger)
	if !a.quiet {
		gen.SetProgress(a.newProgressBar)
	}
	return gen.Run(ctx, working, threads, prefix)
}

func bootstrapTable(cmd *cobra.Command, args []string) {
	// assert len(args) == 1
	action := newAction(cmd)
	fname := args[0]
	cfg, err := action.loadConfig()
	if err != nil {
		action.Exit(nil, err)
	}
	action.Start("Bootstrap table '%s' from '%s'", cfg.DB.TableName, fname)
	data, err := dataset.ReadCSVFile(fname)
	if err != nil {
		action.Exit(nil, err)
	}
	db, err := action.openDB(cfg, 1)
	if err != nil {
		action.Exit(nil, err)
	}
	err = dataset.NewStore(db, cfg.DB.TableName, action.logger).Bootstrap(action.Context(), data)
	action.Exit(nil, err)
}

//
// Misc
//

func formatQuery(q *generate.Query, group []int) string {
	mask := q.GroupMask(group)
	var sb strings.Builder
	sb.WriteString(q.SQL)
	sb.WriteString("\n")
	for _, b := range q.Bindings {
		fmt.Fprintf(&sb, "$%d\t%s\t%s", b.Param, dataset.ColumnName(b.Column), b.Bound)
		if mask[b.Position] {
			sb.WriteString("\t(midpoint)")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func showSQL(cmd *cobra.Command, args []string) {
	action := newAction(cmd)
	cfg, err := action.loadConfig()
	if err != nil {
		action.Exit(nil, err)
	}
	action.Start("Compile range query for '%s'", cfg.DB.TableName)
	gen := cfg.Generator
	q := generate.NewQuery(cfg.DB.TableName, gen.SelectFields, gen.AggFields)
	action.Exit(formatQuery(q, gen.GroupFields), nil)
}

func showConfig(cmd *cobra.Command, args []string) {
	action := newAction(cmd)
	cfg, err := action.loadConfig()
	action.Start("Load config '%s'", action.getString("config"))
	if err != nil {
		action.Exit(nil, err)
	}
	action.Exit(cfg.Masked(), nil)
}
