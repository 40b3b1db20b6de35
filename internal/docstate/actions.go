package docstate

import "github.com/starford/scriptorium/internal/doctree"

// Action is a state transition request. The set of actions is closed.
type Action interface {
	isAction()
}

// Init replaces the document set. When HasActive is false the current
// selection is kept if it still exists, else the most recent live document
// is selected.
type Init struct {
	Docs      []Document
	ActiveID  string
	HasActive bool
}

// Select changes the active document.
type Select struct {
	ID string
}

// Create inserts a new default document at the head and selects it.
// An empty ID is replaced with a fresh UUID.
type Create struct {
	ID  string
	Now int64
}

// UpdateContent replaces the body, re-derives the title and bumps the version.
type UpdateContent struct {
	ID      string
	Content doctree.Value
	Now     int64
}

// DeleteSoft tombstones a document.
type DeleteSoft struct {
	ID  string
	Now int64
}

// Restore clears the tombstone and selects the document.
type Restore struct {
	ID  string
	Now int64
}

// Purge removes the record entirely.
type Purge struct {
	ID string
}

// ServerState is the remote copy adopted by ApplyServerState.
type ServerState struct {
	Title     *string
	Content   doctree.Value
	Version   int64
	UpdatedAt int64
	DeletedAt *int64
}

// ApplyServerState overwrites a record from a remote or stored snapshot
// without incrementing its version. A non-empty IfSignature makes it
// conditional: the record is left alone unless its current signature
// matches.
type ApplyServerState struct {
	ID          string
	Server      ServerState
	IfSignature string
}

// BumpVersion sets the version explicitly, leaving the body untouched.
type BumpVersion struct {
	ID        string
	ToVersion int64
	Now       int64
}

func (Init) isAction()             {}
func (Select) isAction()           {}
func (Create) isAction()           {}
func (UpdateContent) isAction()    {}
func (DeleteSoft) isAction()       {}
func (Restore) isAction()          {}
func (Purge) isAction()            {}
func (ApplyServerState) isAction() {}
func (BumpVersion) isAction()      {}
