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

package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/acat/pkg/catalog"
)

// maxBodyBytes bounds the body kept for search text.
const maxBodyBytes = 2048

// header is the subset of frontmatter keys the catalog understands.
type header struct {
	Name        string   `yaml:"name" json:"name"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description" json:"description"`
	Tags        tagList  `yaml:"tags" json:"tags"`
	Type        string   `yaml:"type" json:"type"`
	Kind        string   `yaml:"kind" json:"kind"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
}

// tagList accepts a YAML sequence or a comma separated string.
type tagList []string

func (t *tagList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := n.Decode(&list); err != nil {
			return err
		}
		*t = list
	case yaml.ScalarNode:
		for _, part := range strings.Split(n.Value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*t = append(*t, part)
			}
		}
	}
	return nil
}

func (h header) empty() bool {
	return h.Name == "" && h.Title == "" && h.Description == "" && len(h.Tags) == 0 && h.Type == "" && h.Kind == ""
}

func (h header) metadata(body string) *catalog.Metadata {
	m := &catalog.Metadata{
		Name:        strings.TrimSpace(h.Name),
		Title:       strings.TrimSpace(h.Title),
		Description: strings.TrimSpace(h.Description),
		Tags:        normalizeTags(append([]string(h.Tags), h.Keywords...)),
		Body:        truncate(body, maxBodyBytes),
	}
	hint := h.Type
	if hint == "" {
		hint = h.Kind
	}
	if t, err := catalog.ParseArtifactType(hint); err == nil {
		m.TypeHint = t
	}
	return m
}

// Extractor reads embedded metadata from primary files. Tree-sitter parsers
// are pooled per language because a parser is not safe for concurrent use.
type Extractor struct {
	pyPool sync.Pool
	jsPool sync.Pool
	tsPool sync.Pool
}

// NewExtractor returns an extractor with lazily created parsers.
func NewExtractor() *Extractor {
	x := &Extractor{}
	x.pyPool.New = func() any {
		p := sitter.NewParser()
		p.SetLanguage(python.GetLanguage())
		return p
	}
	x.jsPool.New = func() any {
		p := sitter.NewParser()
		p.SetLanguage(javascript.GetLanguage())
		return p
	}
	x.tsPool.New = func() any {
		p := sitter.NewParser()
		p.SetLanguage(typescript.GetLanguage())
		return p
	}
	return x
}

var defaultExtractor = NewExtractor()

// ParseMetadata extracts metadata with a shared extractor.
func ParseMetadata(p string, content []byte) *catalog.Metadata {
	return defaultExtractor.Parse(p, content)
}

// Parse returns the metadata of the file at p, or nil when it has none.
func (x *Extractor) Parse(p string, content []byte) *catalog.Metadata {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	switch strings.ToLower(path.Ext(p)) {
	case ".md", ".markdown":
		return parseMarkdown(content)
	case ".yaml", ".yml":
		var h header
		if err := yaml.Unmarshal(content, &h); err != nil || h.empty() {
			return nil
		}
		return h.metadata("")
	case ".json":
		return parseJSON(content)
	case ".py":
		return x.parseScript(&x.pyPool, content, pythonDocstring)
	case ".js":
		return x.parseScript(&x.jsPool, content, leadingComments)
	case ".ts":
		return x.parseScript(&x.tsPool, content, leadingComments)
	case ".sh":
		return fromDocText(shellComments(content), "")
	}
	return nil
}

// parseMarkdown reads YAML frontmatter between --- lines. Without
// frontmatter the first heading and paragraph are used.
func parseMarkdown(content []byte) *catalog.Metadata {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	if fm, body, ok := splitFrontmatter(text); ok {
		var h header
		if err := yaml.Unmarshal([]byte(fm), &h); err == nil && !h.empty() {
			m := h.metadata(body)
			if m.Title == "" {
				m.Title = firstHeading(body)
			}
			return m
		}
		text = body
	}
	title := firstHeading(text)
	desc := firstParagraph(text)
	if title == "" && desc == "" {
		return nil
	}
	return &catalog.Metadata{Title: title, Description: desc, Body: truncate(text, maxBodyBytes)}
}

func splitFrontmatter(text string) (fm, body string, ok bool) {
	if !strings.HasPrefix(text, "---\n") {
		return "", text, false
	}
	rest := text[len("---\n"):]
	for _, end := range []string{"\n---\n", "\n...\n"} {
		if i := strings.Index(rest, end); i >= 0 {
			return rest[:i], rest[i+len(end):], true
		}
	}
	for _, end := range []string{"\n---", "\n..."} {
		if strings.HasSuffix(rest, end) {
			return strings.TrimSuffix(rest, end), "", true
		}
	}
	return "", text, false
}

func firstHeading(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}

func firstParagraph(text string) string {
	var para []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" && len(para) > 0:
			return strings.Join(para, " ")
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, "```"):
			continue
		default:
			para = append(para, line)
		}
	}
	return strings.Join(para, " ")
}

// parseJSON reads name/description from connector manifests such as
// server.json. mcp.json style files nest servers under "mcpServers".
func parseJSON(content []byte) *catalog.Metadata {
	var h header
	if err := json.Unmarshal(content, &h); err != nil {
		return nil
	}
	if h.empty() {
		var servers struct {
			MCPServers map[string]json.RawMessage `json:"mcpServers"`
		}
		if err := json.Unmarshal(content, &servers); err != nil || len(servers.MCPServers) == 0 {
			return nil
		}
		names := make([]string, 0, len(servers.MCPServers))
		for name := range servers.MCPServers {
			names = append(names, name)
		}
		return &catalog.Metadata{Tags: normalizeTags(names), TypeHint: catalog.TypeConnector}
	}
	return h.metadata("")
}

func (x *Extractor) parseScript(pool *sync.Pool, content []byte, doc func(*sitter.Node, []byte) string) *catalog.Metadata {
	parser, ok := pool.Get().(*sitter.Parser)
	if !ok {
		return nil
	}
	defer pool.Put(parser)
	t, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil || t == nil {
		return nil
	}
	defer t.Close()
	return fromDocText(doc(t.RootNode(), content), string(content))
}

// fromDocText turns a docstring into metadata. Docstrings made of
// "key: value" lines are read as a header.
func fromDocText(doc, body string) *catalog.Metadata {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return nil
	}
	var h header
	if err := yaml.Unmarshal([]byte(doc), &h); err == nil && !h.empty() {
		return h.metadata(body)
	}
	return &catalog.Metadata{
		Title:       firstLine(doc),
		Description: firstParagraph(doc),
		Body:        truncate(body, maxBodyBytes),
	}
}

// pythonDocstring returns the module docstring.
func pythonDocstring(root *sitter.Node, content []byte) string {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "comment":
			continue
		case "expression_statement":
			if child.NamedChildCount() > 0 && child.NamedChild(0).Type() == "string" {
				return unquotePython(child.NamedChild(0).Content(content))
			}
		}
		return ""
	}
	return ""
}

func unquotePython(lit string) string {
	lit = strings.TrimLeft(lit, "rRuUbBfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(lit, q) && strings.HasSuffix(lit, q) && len(lit) >= 2*len(q) {
			return dedent(lit[len(q) : len(lit)-len(q)])
		}
	}
	return lit
}

// leadingComments joins the comment nodes at the top of a JS/TS program.
func leadingComments(root *sitter.Node, content []byte) string {
	var parts []string
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child.Type() == "hash_bang_line" {
			continue
		}
		if child.Type() != "comment" {
			break
		}
		parts = append(parts, stripComment(child.Content(content)))
	}
	return strings.Join(parts, "\n")
}

func stripComment(c string) string {
	if strings.HasPrefix(c, "//") {
		return strings.TrimSpace(strings.TrimPrefix(c, "//"))
	}
	c = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(c, "/*"), "*"), "*/")
	lines := strings.Split(c, "\n")
	for i, l := range lines {
		l = strings.TrimSpace(l)
		l = strings.TrimPrefix(l, "*")
		lines[i] = strings.TrimPrefix(l, " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// shellComments returns the leading comment block of a shell script.
func shellComments(content []byte) string {
	var parts []string
	for i, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if i == 0 && strings.HasPrefix(line, "#!") {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		parts = append(parts, strings.TrimPrefix(strings.TrimPrefix(line, "#"), " "))
	}
	return strings.Join(parts, "\n")
}

func dedent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
