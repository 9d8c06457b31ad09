// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/acat/pkg/catalog"
)

func TestParseMetadata_MarkdownFrontmatter(t *testing.T) {
	src := "---\nname: code-review\ndescription: Reviews pull requests\ntags: [Go, review, go]\ntype: skill\n---\n# Code Review\n\nLooks at diffs.\n"
	m := ParseMetadata("skills/review/SKILL.md", []byte(src))
	require.NotNil(t, m)
	assert.Equal(t, "code-review", m.Name)
	assert.Equal(t, "Code Review", m.Title)
	assert.Equal(t, "Reviews pull requests", m.Description)
	assert.Equal(t, []string{"go", "review"}, m.Tags)
	assert.Equal(t, catalog.TypeSkill, m.TypeHint)
	assert.Contains(t, m.Body, "Looks at diffs.")
}

func TestParseMetadata_CommaTagsAndKind(t *testing.T) {
	src := "---\ntitle: Deploy\ntags: ops, release\nkind: command\n---\nbody"
	m := ParseMetadata("commands/deploy.md", []byte(src))
	require.NotNil(t, m)
	assert.Equal(t, []string{"ops", "release"}, m.Tags)
	assert.Equal(t, catalog.TypeCommand, m.TypeHint)
}

func TestParseMetadata_MarkdownWithoutFrontmatter(t *testing.T) {
	m := ParseMetadata("agents/reviewer.md", []byte("# Reviewer\n\nChecks style\nand naming.\n\nMore."))
	require.NotNil(t, m)
	assert.Equal(t, "Reviewer", m.Title)
	assert.Equal(t, "Checks style and naming.", m.Description)
	assert.Empty(t, m.TypeHint)

	assert.Nil(t, ParseMetadata("x.md", []byte("   \n")))
}

func TestParseMetadata_PythonDocstring(t *testing.T) {
	src := "#!/usr/bin/env python\n\"\"\"Format changed files.\n\nRuns black on staged files.\n\"\"\"\nimport sys\n"
	m := ParseMetadata("hooks/fmt/run.py", []byte(src))
	require.NotNil(t, m)
	assert.Equal(t, "Format changed files.", m.Title)
	assert.Equal(t, "Format changed files.", m.Description)
}

func TestParseMetadata_PythonDocstringHeader(t *testing.T) {
	src := "'''\nname: lint\ndescription: Lints code\ntype: hook\n'''\n"
	m := ParseMetadata("hooks/lint.py", []byte(src))
	require.NotNil(t, m)
	assert.Equal(t, "lint", m.Name)
	assert.Equal(t, catalog.TypeHook, m.TypeHint)
}

func TestParseMetadata_JavaScriptComment(t *testing.T) {
	src := "#!/usr/bin/env node\n/**\n * GitHub connector.\n * Exposes issues.\n */\nconst x = 1;\n"
	m := ParseMetadata("mcp/github/index.js", []byte(src))
	require.NotNil(t, m)
	assert.Equal(t, "GitHub connector.", m.Title)

	ts := "// Slack bridge\nexport const a = 1;\n"
	m = ParseMetadata("mcp/slack/index.ts", []byte(ts))
	require.NotNil(t, m)
	assert.Equal(t, "Slack bridge", m.Title)

	assert.Nil(t, ParseMetadata("mcp/x/index.js", []byte("const a = 1;\n")))
}

func TestParseMetadata_JSONManifests(t *testing.T) {
	m := ParseMetadata("mcp/github/server.json", []byte(`{"name":"github","description":"GitHub API"}`))
	require.NotNil(t, m)
	assert.Equal(t, "github", m.Name)
	assert.Equal(t, "GitHub API", m.Description)

	m = ParseMetadata("x/.mcp.json", []byte(`{"mcpServers":{"Linear":{},"jira":{}}}`))
	require.NotNil(t, m)
	assert.Equal(t, catalog.TypeConnector, m.TypeHint)
	assert.ElementsMatch(t, []string{"linear", "jira"}, m.Tags)

	assert.Nil(t, ParseMetadata("x/data.json", []byte(`[1,2]`)))
}

func TestParseMetadata_ShellComments(t *testing.T) {
	m := ParseMetadata("hooks/pre.sh", []byte("#!/bin/sh\n# Block commits with secrets\necho ok\n"))
	require.NotNil(t, m)
	assert.Equal(t, "Block commits with secrets", m.Title)
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := "ééé"
	assert.Equal(t, "é", truncate(s, 3))
	assert.Equal(t, "ab", truncate("ab", 5))
}
