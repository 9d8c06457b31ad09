// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package errors

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserError_Unwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := NewDatabaseError("Cannot write catalog", "write failed", "Free some space", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Cannot write catalog: disk full", err.Error())
	assert.Equal(t, 4, err.ExitCode())

	wrapped := fmt.Errorf("ingest: %w", err)
	var ue *UserError
	require.ErrorAs(t, wrapped, &ue)
	assert.Equal(t, CategoryDatabase, ue.Category)
}

func TestWrite_JSON(t *testing.T) {
	var buf bytes.Buffer
	Write(&buf, NewInputError("Bad query", "limit must be positive", "Use --limit 20"), true)

	var out map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "Bad query", out["error"])
	assert.Equal(t, "input", out["category"])
	assert.Equal(t, "Use --limit 20", out["fix"])
}

func TestWrite_Text(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	Write(&buf, stderrors.New("boom"), false)
	assert.Equal(t, "Error: boom\n", buf.String())
}

func TestFatalError_ExitCode(t *testing.T) {
	var code int
	exit = func(c int) { code = c }
	defer func() { exit = osExit }()

	FatalError(NewConfigError("Config missing", "", "", nil), true)
	assert.Equal(t, 3, code)
}
