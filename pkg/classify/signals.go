// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"fmt"
	"path"
	"strings"

	"github.com/kraklabs/acat/pkg/catalog"
)

// TypeSignals lists the naming conventions that point at one artifact type.
type TypeSignals struct {
	// Containers are directory names that group instances of the type.
	Containers []string
	// Markers are file names whose presence identifies an instance.
	Markers []string
	// Extensions are conventional member file extensions.
	Extensions []string
	// Suffixes are conventional endings of an instance's name.
	Suffixes []string
	// SingleFile types may be a lone file directly inside a container.
	SingleFile bool
}

var signalTable = map[catalog.ArtifactType]TypeSignals{
	catalog.TypeSkill: {
		Containers: []string{"skills"},
		Markers:    []string{"SKILL.md"},
		Extensions: []string{".md", ".py", ".sh", ".txt"},
		Suffixes:   []string{"-skill"},
	},
	catalog.TypeCommand: {
		Containers: []string{"commands"},
		Markers:    []string{"COMMAND.md"},
		Extensions: []string{".md"},
		Suffixes:   []string{"-command"},
		SingleFile: true,
	},
	catalog.TypeAgent: {
		Containers: []string{"agents"},
		Markers:    []string{"AGENT.md"},
		Extensions: []string{".md", ".yaml", ".yml"},
		Suffixes:   []string{"-agent"},
		SingleFile: true,
	},
	catalog.TypeConnector: {
		Containers: []string{"mcp", "connectors", "mcp-servers"},
		Markers:    []string{"mcp.json", ".mcp.json", "server.json"},
		Extensions: []string{".json", ".ts", ".js", ".py"},
		Suffixes:   []string{"-mcp", "-connector"},
	},
	catalog.TypeHook: {
		Containers: []string{"hooks"},
		Markers:    []string{"hooks.json", "HOOK.md"},
		Extensions: []string{".sh", ".py", ".js", ".json"},
		Suffixes:   []string{"-hook"},
		SingleFile: true,
	},
}

func init() {
	if err := checkSignalTable(); err != nil {
		panic(err)
	}
}

func checkSignalTable() error {
	for _, t := range catalog.AllTypes() {
		if _, ok := signalTable[t]; !ok {
			return fmt.Errorf("classify: no signals for artifact type %q", t)
		}
	}
	if len(signalTable) != len(catalog.AllTypes()) {
		return fmt.Errorf("classify: signal table has %d types, want %d", len(signalTable), len(catalog.AllTypes()))
	}
	return nil
}

// SignalsFor returns the conventions for t.
func SignalsFor(t catalog.ArtifactType) TypeSignals { return signalTable[t] }

func (s TypeSignals) isContainer(name string) bool { return containsFold(s.Containers, name) }

func (s TypeSignals) isMarker(name string) bool { return containsFold(s.Markers, name) }

func (s TypeSignals) hasExtension(p string) bool {
	return containsFold(s.Extensions, path.Ext(p))
}

func (s TypeSignals) hasSuffix(name string) bool {
	name = strings.ToLower(name)
	for _, suf := range s.Suffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// isAnyContainer reports whether name is a container of any type.
func isAnyContainer(name string) bool {
	for _, s := range signalTable {
		if s.isContainer(name) {
			return true
		}
	}
	return false
}

// isAnyMarker reports whether name is a marker of any type.
func isAnyMarker(name string) bool {
	for _, s := range signalTable {
		if s.isMarker(name) {
			return true
		}
	}
	return false
}
