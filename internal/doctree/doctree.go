// Package doctree handles the opaque document tree stored as a document body.
//
// A tree is a JSON array of element nodes. Elements carry a "type" and
// "children"; leaves carry "text". Everything else is preserved verbatim and
// ignored here.
package doctree

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/starford/scriptorium/internal/checksum"
)

// DefaultTitle is used when no text run yields a title.
const DefaultTitle = "Untitled document"

// UntitledLabel is shown for recovery candidates without any title.
const UntitledLabel = "(untitled)"

const maxTitleRunes = 60

// Value is a serialized document tree.
type Value = json.RawMessage

// Node is the subset of a tree node needed for text extraction.
type Node struct {
	Type     string  `json:"type,omitempty"`
	Text     *string `json:"text,omitempty"`
	Children []Node  `json:"children,omitempty"`
}

var defaultContent = Value(`[{"type":"h1","children":[{"text":"Untitled document"}]},{"type":"p","children":[{"text":""}]}]`)

// DefaultContent returns a fresh copy of the content used for new documents.
func DefaultContent() Value {
	return Clone(defaultContent)
}

// Empty returns the content used for placeholder records that are not hydrated yet.
func Empty() Value {
	return Value("[]")
}

// Clone returns an independent copy of v.
func Clone(v Value) Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	copy(out, v)
	return out
}

// Valid reports whether v decodes as a JSON array of nodes.
func Valid(v Value) bool {
	_, err := Parse(v)
	return err == nil
}

// Parse decodes v into its top-level nodes.
func Parse(v Value) ([]Node, error) {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errNotArray
	}
	var nodes []Node
	if err := json.Unmarshal(trimmed, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Text returns the concatenated text of n and all its descendants.
func Text(n Node) string {
	if n.Text != nil {
		return *n.Text
	}
	var b strings.Builder
	for _, c := range n.Children {
		b.WriteString(Text(c))
	}
	return b.String()
}

// DeriveTitle returns the first non-empty text run of the top-level nodes,
// falling back to fallback. Both are truncated to 60 runes.
func DeriveTitle(v Value, fallback string) string {
	nodes, err := Parse(v)
	if err == nil {
		for _, n := range nodes {
			if text := strings.TrimSpace(Text(n)); text != "" {
				return truncate(text)
			}
		}
	}
	return truncate(fallback)
}

// Snapshot returns a digest of the compacted tree, used to filter no-op edits.
func Snapshot(v Value) string {
	return checksum.SumJSON(v)
}

// Equal reports whether a and b are the same tree modulo whitespace.
func Equal(a, b Value) bool {
	return Snapshot(a) == Snapshot(b)
}

func truncate(text string) string {
	s := strings.TrimSpace(text)
	if utf8.RuneCountInString(s) <= maxTitleRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxTitleRunes]) + "…"
}
