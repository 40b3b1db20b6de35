package doctree

import (
	"bytes"
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

type leaf struct {
	Text string `json:"text"`
}

type element struct {
	Type     string `json:"type"`
	Children []leaf `json:"children"`
}

var headingPrefixes = []struct {
	prefix string
	typ    string
}{
	{"### ", "h3"},
	{"## ", "h2"},
	{"# ", "h1"},
	{"> ", "blockquote"},
}

// FromMarkdown converts Markdown text into a document tree. A YAML
// frontmatter "title" becomes the leading h1 when the body has none.
func FromMarkdown(data []byte) (Value, error) {
	fm, body := splitFrontmatter(data)

	var out []element
	var para []string
	flush := func() {
		if len(para) == 0 {
			return
		}
		out = append(out, element{Type: "p", Children: []leaf{{Text: strings.Join(para, " ")}}})
		para = nil
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		typ, text := classify(trimmed)
		if typ == "p" {
			para = append(para, text)
			continue
		}
		flush()
		out = append(out, element{Type: typ, Children: []leaf{{Text: text}}})
	}
	flush()

	if title, ok := fm["title"].(string); ok && strings.TrimSpace(title) != "" {
		if len(out) == 0 || out[0].Type != "h1" {
			out = append([]element{{Type: "h1", Children: []leaf{{Text: strings.TrimSpace(title)}}}}, out...)
		}
	}
	if len(out) == 0 {
		out = append(out, element{Type: "p", Children: []leaf{{Text: ""}}})
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return Value(raw), nil
}

// ToMarkdown renders the text of a document tree as Markdown, one block per
// top-level node.
func ToMarkdown(v Value) (string, error) {
	nodes, err := Parse(v)
	if err != nil {
		return "", err
	}
	blocks := make([]string, 0, len(nodes))
	for _, n := range nodes {
		text := Text(n)
		switch n.Type {
		case "h1":
			text = "# " + text
		case "h2":
			text = "## " + text
		case "h3":
			text = "### " + text
		case "blockquote":
			text = "> " + text
		}
		blocks = append(blocks, text)
	}
	return strings.Join(blocks, "\n\n") + "\n", nil
}

func classify(line string) (string, string) {
	for _, h := range headingPrefixes {
		if strings.HasPrefix(line, h.prefix) {
			return h.typ, strings.TrimSpace(line[len(h.prefix):])
		}
	}
	return "p", line
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. Invalid YAML is treated as body.
func splitFrontmatter(data []byte) (map[string]any, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]any
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		return nil, string(data)
	}
	return fm, body
}
