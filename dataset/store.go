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

package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"nstrain/failure"
)

const (
	readLogEvery   = 100
	insertLogEvery = 1000

	// Postgres accepts at most 65535 bind parameters per statement.
	maxParams      = 65535
	maxInsertBatch = 1000
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Open connects to postgres, allowing up to maxConns open connections.
func Open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, failure.Wrap(failure.Database, err, "cannot open postgres db")
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, failure.Wrap(failure.Database, err, "cannot establish db connection")
	}
	return db, nil
}

// IsUndefinedTable answers if err reports a missing table.
func IsUndefinedTable(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "undefined_table" || strings.Contains(pqErr.Message, "does not exist")
	}
	return strings.Contains(err.Error(), "does not exist")
}

// ColumnName is the name of the i-th column of a training table.
func ColumnName(i int) string {
	return fmt.Sprintf("c%d", i)
}

func columnNames(n int) []string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = ColumnName(i)
	}
	return cols
}

// Store reads and creates the training table.
type Store struct {
	db     *sql.DB
	table  string
	logger log.Logger
}

func NewStore(db *sql.DB, table string, logger log.Logger) *Store {
	return &Store{db: db, table: table, logger: logger}
}

// Load reads every row of the table in a read-only transaction. found is
// false, with a nil error, when the table does not exist.
func (s *Store) Load(ctx context.Context) (m Matrix, found bool, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, false, failure.Wrap(failure.Database, err, "cannot begin transaction")
	}
	defer func() {
		if err != nil || !found {
			tx.Rollback() // nolint:errcheck
		}
	}()

	query, args, err := psql.Select("*").From(s.table).ToSql()
	if err != nil {
		return nil, false, failure.Wrap(failure.Internal, err, "cannot build select")
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		if IsUndefinedTable(err) {
			level.Warn(s.logger).Log("msg", "table does not exist", "table", s.table, "err", err)
			return nil, false, nil
		}
		return nil, false, failure.Wrapf(failure.Database, err, "cannot read table '%s'", s.table)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, failure.Wrap(failure.Database, err, "cannot read columns")
	}
	values := make([]sql.NullFloat64, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, false, failure.Wrapf(failure.Database, err, "cannot scan row %d", len(m)+1)
		}
		row := make([]float64, len(cols))
		for i, v := range values {
			if !v.Valid {
				return nil, false, failure.Newf(failure.Database, "row %d column %s is null", len(m)+1, cols[i])
			}
			row[i] = v.Float64
		}
		m = append(m, row)
		if len(m)%readLogEvery == 0 {
			level.Debug(s.logger).Log("msg", "records read from the db", "count", humanize.Comma(int64(len(m))))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, failure.Wrapf(failure.Database, err, "cannot read table '%s'", s.table)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, failure.Wrap(failure.Database, err, "cannot commit transaction")
	}
	return m, true, nil
}

func createTableSQL(table string, ncols int) string {
	defs := make([]string, ncols)
	for i := range defs {
		defs[i] = ColumnName(i) + " DOUBLE PRECISION"
	}
	return fmt.Sprintf("CREATE TABLE %s (%s);", table, strings.Join(defs, ", "))
}

func createIndexSQL(table string, col int) string {
	return fmt.Sprintf("CREATE INDEX idx_%s_%s ON %s (%s);", table, ColumnName(col), table, ColumnName(col))
}

func insertBatchSize(ncols int) int {
	n := maxParams / ncols
	if n > maxInsertBatch {
		n = maxInsertBatch
	}
	return n
}

// Bootstrap creates the table with an index on every column and inserts the
// rows of m, all in one transaction.
func (s *Store) Bootstrap(ctx context.Context, m Matrix) (err error) {
	if m.Rows() == 0 || m.Cols() == 0 {
		return failure.New(failure.Shape, "no data to bootstrap the table with")
	}
	ncols := m.Cols()
	if err := m.CheckWidth(ncols); err != nil {
		return err
	}

	level.Info(s.logger).Log("msg", "creating schema", "table", s.table, "columns", ncols)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failure.Wrap(failure.Database, err, "cannot begin transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback() // nolint:errcheck
		}
	}()

	if _, err = tx.ExecContext(ctx, createTableSQL(s.table, ncols)); err != nil {
		return failure.Wrapf(failure.Database, err, "cannot create table '%s'", s.table)
	}
	for i := 0; i < ncols; i++ {
		if _, err = tx.ExecContext(ctx, createIndexSQL(s.table, i)); err != nil {
			return failure.Wrapf(failure.Database, err, "cannot create index on %s", ColumnName(i))
		}
	}

	level.Info(s.logger).Log("msg", "inserting data", "table", s.table, "rows", humanize.Comma(int64(m.Rows())))
	cols := columnNames(ncols)
	batch := insertBatchSize(ncols)
	inserted := 0
	for start := 0; start < m.Rows(); start += batch {
		end := start + batch
		if end > m.Rows() {
			end = m.Rows()
		}
		builder := psql.Insert(s.table).Columns(cols...)
		for _, row := range m[start:end] {
			values := make([]interface{}, len(row))
			for i, v := range row {
				values[i] = v
			}
			builder = builder.Values(values...)
		}
		query, args, err := builder.ToSql()
		if err != nil {
			return failure.Wrap(failure.Internal, err, "cannot build insert")
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return failure.Wrapf(failure.Database, err, "cannot insert rows %d-%d", start+1, end)
		}
		prev := inserted
		inserted = end
		if inserted/insertLogEvery != prev/insertLogEvery {
			level.Info(s.logger).Log("msg", "records inserted", "count", humanize.Comma(int64(inserted)))
		}
	}

	if err = tx.Commit(); err != nil {
		return failure.Wrap(failure.Database, err, "cannot commit bootstrap")
	}
	level.Info(s.logger).Log("msg", "finished bootstrapping table", "table", s.table)
	return nil
}
