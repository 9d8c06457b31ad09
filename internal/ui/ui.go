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

// Package ui holds terminal output helpers shared by CLI commands.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	Green  = color.New(color.FgGreen)
	Yellow = color.New(color.FgYellow)
	Red    = color.New(color.FgRed)
	Cyan   = color.New(color.FgCyan)
	Bold   = color.New(color.Bold)
	Dim    = color.New(color.Faint)
)

// InitColors enables colors only for terminals, unless disabled.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" || !IsTerminal(os.Stdout) {
		color.NoColor = true
	}
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Header prints a bold section title followed by an underline.
func Header(title string) {
	_, _ = Bold.Println(title)
	_, _ = Dim.Println(underline(len(title)))
}

// SubHeader prints a bold cyan subsection title.
func SubHeader(title string) {
	_, _ = color.New(color.FgCyan, color.Bold).Println(title)
}

func Label(s string) string { return Bold.Sprint(s) }

func DimText(s string) string { return Dim.Sprint(s) }

func CountText(n int) string { return Cyan.Sprint(n) }

func ErrorText(s string) string { return Red.Sprint(s) }

func Info(msg string) { _, _ = Cyan.Println(msg) }

func Infof(format string, args ...any) { Info(fmt.Sprintf(format, args...)) }

func Success(msg string) { _, _ = Green.Println("✓ " + msg) }

func Successf(format string, args ...any) { Success(fmt.Sprintf(format, args...)) }

// Warning goes to stderr so it never mixes with command output.
func Warning(msg string) { _, _ = Yellow.Fprintln(os.Stderr, "! "+msg) }

func Warningf(format string, args ...any) { Warning(fmt.Sprintf(format, args...)) }

func underline(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '-'
	}
	return string(b)
}
