// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ProgressConfig decides whether and where progress bars are drawn.
type ProgressConfig struct {
	Enabled bool
	Writer  io.Writer
}

// NewProgressConfig disables bars in quiet mode and when stderr is not a
// terminal.
func NewProgressConfig(quiet bool) ProgressConfig {
	return ProgressConfig{
		Enabled: !quiet && IsTerminal(os.Stderr),
		Writer:  os.Stderr,
	}
}

// NewProgressBar returns a bar for total items, or nil when disabled.
func NewProgressBar(cfg ProgressConfig, total int64, description string) *progressbar.ProgressBar {
	if !cfg.Enabled {
		return nil
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(cfg.Writer),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
}

// PhaseProgress draws one bar per phase, replacing the bar when the phase
// changes. It is safe for concurrent use.
type PhaseProgress struct {
	cfg      ProgressConfig
	describe func(phase string) string

	mu    sync.Mutex
	phase string
	bar   *progressbar.ProgressBar
}

// NewPhaseProgress returns a PhaseProgress labelling bars with describe.
func NewPhaseProgress(cfg ProgressConfig, describe func(phase string) string) *PhaseProgress {
	return &PhaseProgress{cfg: cfg, describe: describe}
}

// Update moves the bar of phase to current, starting a new bar first if
// phase differs from the last one seen.
func (p *PhaseProgress) Update(current, total int64, phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if phase != p.phase {
		if p.bar != nil {
			_ = p.bar.Finish()
		}
		p.phase = phase
		p.bar = NewProgressBar(p.cfg, total, p.describe(phase))
	}
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// Phase returns the last phase seen.
func (p *PhaseProgress) Phase() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Finish completes the current bar.
func (p *PhaseProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
}
