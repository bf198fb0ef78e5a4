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
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"nstrain/failure"
)

// ReadCSVFile reads a headerless CSV file of numbers.
func ReadCSVFile(fname string) (Matrix, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, failure.Wrapf(failure.IO, err, "error opening '%s'", fname)
	}
	defer f.Close()
	return ReadCSV(bufio.NewReader(f))
}

// ReadCSV reads headerless CSV records, every field must parse as a float
// and every record must have the width of the first one.
func ReadCSV(r io.Reader) (Matrix, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	var result Matrix
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, failure.Wrap(failure.CSVParse, err, "error reading csv")
		}
		row := make([]float64, len(record))
		for i, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, failure.Wrapf(failure.CSVParse, err, "record %d field %d", len(result)+1, i+1)
			}
			row[i] = v
		}
		result = append(result, row)
	}
	return result, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteCSV writes the matrix as headerless CSV with decimal values.
func WriteCSV(w io.Writer, m Matrix) error {
	writer := csv.NewWriter(w)
	var record []string
	for _, row := range m {
		record = record[:0]
		for _, v := range row {
			record = append(record, formatFloat(v))
		}
		if err := writer.Write(record); err != nil {
			return failure.Wrap(failure.IO, err, "error writing csv")
		}
	}
	writer.Flush()
	return failure.Wrap(failure.IO, writer.Error(), "error writing csv")
}

// PendingCSV is a fully written CSV file that replaces its target path only
// when committed.
type PendingCSV struct {
	Path string
	file *renameio.PendingFile
}

// CreateCSV writes m to a temporary file next to fname.
func CreateCSV(fname string, m Matrix) (*PendingCSV, error) {
	f, err := renameio.NewPendingFile(fname, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, failure.Wrapf(failure.IO, err, "error creating '%s'", fname)
	}
	w := bufio.NewWriter(f)
	err = WriteCSV(w, m)
	if err == nil {
		err = failure.Wrap(failure.IO, w.Flush(), "error writing csv")
	}
	if err != nil {
		f.Cleanup() // nolint:errcheck
		return nil, err
	}
	return &PendingCSV{Path: fname, file: f}, nil
}

func (p *PendingCSV) Commit() error {
	return failure.Wrapf(failure.IO, p.file.CloseAtomicallyReplace(), "error replacing '%s'", p.Path)
}

// Discard removes the temporary file, the target is left untouched.
func (p *PendingCSV) Discard() error {
	return failure.Wrapf(failure.IO, p.file.Cleanup(), "error discarding '%s'", p.Path)
}

// WriteCSVFiles writes all matrices and then moves them into place, so
// either every target is replaced or, when writing fails, none is.
func WriteCSVFiles(files map[string]Matrix) error {
	pending := make([]*PendingCSV, 0, len(files))
	discard := func() {
		for _, p := range pending {
			p.Discard() // nolint:errcheck
		}
	}
	for fname, m := range files {
		p, err := CreateCSV(fname, m)
		if err != nil {
			discard()
			return err
		}
		pending = append(pending, p)
	}
	for i, p := range pending {
		if err := p.Commit(); err != nil {
			for _, rest := range pending[i+1:] {
				rest.Discard() // nolint:errcheck
			}
			return err
		}
	}
	return nil
}
