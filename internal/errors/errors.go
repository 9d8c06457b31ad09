// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errors provides user-facing CLI errors: what went wrong, why, and
// how to fix it, rendered either as colored text or as JSON.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Category groups user errors for exit codes and JSON output.
type Category string

const (
	CategoryConfig     Category = "config"
	CategoryInput      Category = "input"
	CategoryDatabase   Category = "database"
	CategoryNetwork    Category = "network"
	CategoryPermission Category = "permission"
	CategoryInternal   Category = "internal"
)

// UserError is an error meant to be shown to a person.
type UserError struct {
	Category Category
	Message  string // what went wrong
	Detail   string // why
	Fix      string // what to do about it
	Err      error  // underlying cause, may be nil
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UserError) Unwrap() error { return e.Err }

// ExitCode maps the category to a process exit code.
func (e *UserError) ExitCode() int {
	switch e.Category {
	case CategoryInput:
		return 2
	case CategoryConfig:
		return 3
	case CategoryDatabase:
		return 4
	case CategoryNetwork:
		return 5
	case CategoryPermission:
		return 6
	default:
		return 1
	}
}

func NewConfigError(msg, detail, fix string, err error) *UserError {
	return &UserError{Category: CategoryConfig, Message: msg, Detail: detail, Fix: fix, Err: err}
}

func NewInputError(msg, detail, fix string) *UserError {
	return &UserError{Category: CategoryInput, Message: msg, Detail: detail, Fix: fix}
}

func NewDatabaseError(msg, detail, fix string, err error) *UserError {
	return &UserError{Category: CategoryDatabase, Message: msg, Detail: detail, Fix: fix, Err: err}
}

func NewNetworkError(msg, detail, fix string, err error) *UserError {
	return &UserError{Category: CategoryNetwork, Message: msg, Detail: detail, Fix: fix, Err: err}
}

func NewPermissionError(msg, detail, fix string, err error) *UserError {
	return &UserError{Category: CategoryPermission, Message: msg, Detail: detail, Fix: fix, Err: err}
}

func NewInternalError(msg, detail, fix string, err error) *UserError {
	return &UserError{Category: CategoryInternal, Message: msg, Detail: detail, Fix: fix, Err: err}
}

// jsonError is the --json shape of a fatal error.
type jsonError struct {
	Error    string `json:"error"`
	Category string `json:"category"`
	Detail   string `json:"detail,omitempty"`
	Fix      string `json:"fix,omitempty"`
	Cause    string `json:"cause,omitempty"`
}

// Write renders err to w. Plain errors are treated as internal errors.
func Write(w io.Writer, err error, jsonMode bool) {
	var ue *UserError
	if !stderrors.As(err, &ue) {
		ue = NewInternalError(err.Error(), "", "", nil)
	}

	if jsonMode {
		out := jsonError{Error: ue.Message, Category: string(ue.Category), Detail: ue.Detail, Fix: ue.Fix}
		if ue.Err != nil {
			out.Cause = ue.Err.Error()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	red := color.New(color.FgRed, color.Bold)
	_, _ = red.Fprintf(w, "Error: %s\n", ue.Message)
	if ue.Detail != "" {
		_, _ = fmt.Fprintf(w, "  %s\n", ue.Detail)
	}
	if ue.Err != nil {
		_, _ = color.New(color.Faint).Fprintf(w, "  cause: %v\n", ue.Err)
	}
	if ue.Fix != "" {
		_, _ = color.New(color.FgCyan).Fprintf(w, "\nFix: %s\n", ue.Fix)
	}
}

// exit is replaced in tests.
var (
	osExit = os.Exit
	exit   = osExit
)

// FatalError prints err to stderr (stdout in JSON mode) and exits.
func FatalError(err error, jsonMode bool) {
	w := io.Writer(os.Stderr)
	if jsonMode {
		w = os.Stdout
	}
	Write(w, err, jsonMode)

	code := 1
	var ue *UserError
	if stderrors.As(err, &ue) {
		code = ue.ExitCode()
	}
	exit(code)
}
