// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes document tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/scriptorium/internal/conflicts"
	"github.com/starford/scriptorium/internal/doctree"
	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/workspace"
)

const formatResourceURI = "scriptorium://document-format"

// Workspace is the document session the tools operate on.
type Workspace interface {
	List() []models.Document
	Trash() []models.Document
	Get(ctx context.Context, id string) (models.Document, error)
	Create(ctx context.Context) (models.Document, error)
	UpdateContent(ctx context.Context, id string, content doctree.Value) (models.Document, error)
	Delete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) (models.Document, error)
	Conflicts() []models.Conflict
	ResolveConflict(ctx context.Context, id string, choice conflicts.Choice) error
	Health(ctx context.Context) workspace.Health
}

// Compile-time check.
var _ Workspace = (*workspace.Session)(nil)

// Server wraps the MCP server with document tools.
type Server struct {
	mcp *server.MCPServer
	ws  Workspace
}

// New creates a new MCP server with all document tools registered.
func New(ws Workspace, version string) *Server {
	s := &Server{ws: ws}

	s.mcp = server.NewMCPServer(
		"Scriptorium",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List live documents, most recently updated first."),
		mcp.WithBoolean("include_trash", mcp.Description("Also list documents in the trash")),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("read_document",
		mcp.WithDescription("Read a document. Returns Markdown by default or the full JSON record."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithString("format", mcp.Description("markdown (default) or json"), mcp.Enum("markdown", "json")),
	), s.readDocument)

	s.mcp.AddTool(mcp.NewTool("create_document",
		mcp.WithDescription("Create a document. Without markdown it starts from the default template. "+
			"Read the format first via get_document_format or the "+formatResourceURI+" resource."),
		mcp.WithString("markdown", mcp.Description("Initial body as Markdown")),
	), s.createDocument)

	s.mcp.AddTool(mcp.NewTool("update_document",
		mcp.WithDescription("Replace the body of a live document. Provide markdown or a JSON node array in content."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithString("markdown", mcp.Description("New body as Markdown")),
		mcp.WithString("content", mcp.Description("New body as a JSON node array")),
	), s.updateDocument)

	s.mcp.AddTool(mcp.NewTool("delete_document",
		mcp.WithDescription("Move a document to the trash."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
	), s.deleteDocument)

	s.mcp.AddTool(mcp.NewTool("restore_document",
		mcp.WithDescription("Take a document out of the trash."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
	), s.restoreDocument)

	s.mcp.AddTool(mcp.NewTool("list_conflicts",
		mcp.WithDescription("List documents whose local version was rejected by the remote authority."),
	), s.listConflicts)

	s.mcp.AddTool(mcp.NewTool("resolve_conflict",
		mcp.WithDescription("Resolve a conflict by adopting the remote state or forcing the local one."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithString("choice", mcp.Required(), mcp.Enum("remote", "local")),
	), s.resolveConflict)

	s.mcp.AddTool(mcp.NewTool("storage_health",
		mcp.WithDescription("Report availability and counts of the local storage tiers."),
	), s.storageHealth)

	s.mcp.AddTool(mcp.NewTool("get_document_format",
		mcp.WithDescription("Returns the document body format. Call this before creating or updating documents."),
	), s.getDocumentFormat)

	// Resource: document format contract.
	s.mcp.AddResource(
		mcp.NewResource(formatResourceURI, "Document Format",
			mcp.WithResourceDescription("How document bodies are structured."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type documentSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Version   int64  `json:"version"`
	UpdatedAt int64  `json:"updatedAt"`
	Trashed   bool   `json:"trashed,omitempty"`
}

func summaries(docs []models.Document) []documentSummary {
	out := make([]documentSummary, len(docs))
	for i, d := range docs {
		out[i] = documentSummary{ID: d.ID, Title: d.Title, Version: d.Version, UpdatedAt: d.UpdatedAt, Trashed: d.Deleted()}
	}
	return out
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func (s *Server) listDocuments(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs := s.ws.List()
	if includeTrash, _ := req.GetArguments()["include_trash"].(bool); includeTrash {
		docs = append(docs, s.ws.Trash()...)
	}
	return jsonResult(summaries(docs)), nil
}

func (s *Server) readDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.ws.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	if format, fErr := req.RequireString("format"); fErr == nil && format == "json" {
		return jsonResult(doc), nil
	}
	md, err := doctree.ToMarkdown(doc.Content)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(md), nil
}

func (s *Server) createDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var content doctree.Value
	if md, err := req.RequireString("markdown"); err == nil && md != "" {
		if content, err = doctree.FromMarkdown([]byte(md)); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	doc, err := s.ws.Create(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if content != nil {
		if doc, err = s.ws.UpdateContent(ctx, doc.ID, content); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s (%s)", doc.ID, doc.Title)), nil
}

func (s *Server) updateDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var content doctree.Value
	if raw, cErr := req.RequireString("content"); cErr == nil && raw != "" {
		content = doctree.Value(raw)
	} else if md, mErr := req.RequireString("markdown"); mErr == nil && md != "" {
		if content, err = doctree.FromMarkdown([]byte(md)); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	} else {
		return mcp.NewToolResultError("markdown or content is required"), nil
	}

	doc, err := s.ws.UpdateContent(ctx, id, content)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated: %s v%d", doc.ID, doc.Version)), nil
}

func (s *Server) deleteDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.ws.Delete(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", id)), nil
}

func (s *Server) restoreDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.ws.Restore(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("restored: %s v%d", doc.ID, doc.Version)), nil
}

func (s *Server) listConflicts(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	found := s.ws.Conflicts()
	if len(found) == 0 {
		return mcp.NewToolResultText("no conflicts"), nil
	}
	return jsonResult(found), nil
}

func (s *Server) resolveConflict(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	choice, err := req.RequireString("choice")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c := conflicts.Choice(choice)
	if c != conflicts.AdoptRemote && c != conflicts.ForceLocal {
		return mcp.NewToolResultError(`choice must be "remote" or "local"`), nil
	}
	if err := s.ws.ResolveConflict(ctx, id, c); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("resolved: %s (%s)", id, choice)), nil
}

func (s *Server) storageHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.ws.Health(ctx)), nil
}

func (s *Server) getDocumentFormat(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(DocumentFormatContract), nil
}

func (s *Server) readFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatResourceURI,
			MIMEType: "text/markdown",
			Text:     DocumentFormatContract,
		},
	}, nil
}
