package mcpserver

// DocumentFormatContract describes how document bodies are represented so
// that LLM consumers can read and write them.
const DocumentFormatContract = `# Scriptorium Document Format

Every document body is a JSON array of block nodes.

## Structure

` + "```" + `json
[
  {"type": "h1", "children": [{"text": "Weekly standup"}]},
  {"type": "p",  "children": [{"text": "Attendees: Alice, Bob."}]}
]
` + "```" + `

## Rules

1. **The body is an array.** Anything else is rejected.
2. **Blocks** carry a ` + "`" + `type` + "`" + ` and ` + "`" + `children` + "`" + `. Known types are ` + "`" + `h1` + "`" + `, ` + "`" + `h2` + "`" + `,
   ` + "`" + `h3` + "`" + `, ` + "`" + `blockquote` + "`" + ` and ` + "`" + `p` + "`" + `; unknown types are kept verbatim.
3. **Leaves** carry ` + "`" + `text` + "`" + ` and may carry formatting marks, which are preserved.
4. **Title** is derived from the first non-empty text run (at most 60 characters).
   It is never set directly.
5. **Markdown input** is accepted by ` + "`" + `create_document` + "`" + ` and ` + "`" + `update_document` + "`" + `:
   headings (` + "`" + `#` + "`" + `, ` + "`" + `##` + "`" + `, ` + "`" + `###` + "`" + `), quotes (` + "`" + `>` + "`" + `) and paragraphs separated by
   blank lines. A YAML frontmatter ` + "`" + `title` + "`" + ` becomes the leading heading.
6. **Versions** increase by one on every change. Deleting moves a document to the
   trash; trashed documents are purged after the retention window.
`
