// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var runLogMu sync.Mutex

// AppendRunLog appends one timestamped line to <dir>/runs/<source>.log.
// Line format: RFC3339 + " " + message. An empty dir disables the log, and
// write failures are ignored since the log is advisory.
func AppendRunLog(dir, sourceID, message string) {
	if dir == "" {
		return
	}
	runLogMu.Lock()
	defer runLogMu.Unlock()

	runsDir := filepath.Join(dir, "runs")
	if err := os.MkdirAll(runsDir, 0750); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(runsDir, RunLogName(sourceID)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), message)
	_, _ = f.WriteString(line)
	_ = f.Close()
}

// RunLogName maps a source ID to a safe file name.
func RunLogName(sourceID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, sourceID)
	if safe == "" || strings.Trim(safe, ".") == "" {
		safe = "_"
	}
	return safe + ".log"
}
