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

// Package failure classifies the errors surfaced by the generator so the
// command line can tell database, file and parse failures apart and exit
// with a distinct status for each.
package failure

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type Kind int

const (
	Unknown Kind = iota
	IO
	Config
	CSVParse
	NumericParse
	Database
	Shape
	Internal
	InvalidInput
)

var kindNames = map[Kind]string{
	Unknown:      "unknown",
	IO:           "io",
	Config:       "config",
	CSVParse:     "csv-parse",
	NumericParse: "numeric-parse",
	Database:     "database",
	Shape:        "shape",
	Internal:     "internal",
	InvalidInput: "invalid-input",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Process exit status for the given kind, never zero.
func (k Kind) ExitCode() int {
	switch k {
	case IO:
		return 2
	case Config:
		return 3
	case CSVParse:
		return 4
	case NumericParse:
		return 5
	case Database:
		return 6
	case Shape:
		return 7
	case Internal:
		return 8
	case InvalidInput:
		return 9
	}
	return 1
}

// Error carries a Kind along with the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Format prints the kind, the message and the cause's stack trace for %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s failure", e.Kind)
			if e.Msg != "" {
				fmt.Fprintf(s, ": %s", e.Msg)
			}
			if e.Err != nil {
				fmt.Fprintf(s, "\ncaused by: %+v", e.Err)
			}
			return
		}
		fallthrough
	case 's':
		io.WriteString(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

// New returns an error of the given kind with a stack trace.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// Wrap annotates err with a kind and a message. Returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: errors.WithStack(err)}
}

func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: errors.WithStack(err)}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode returns 0 for a nil error, otherwise the kind's exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
