package models

// Folder is a node in the externally-managed folder hierarchy. blobgate only
// resolves paths and checks ownership; folder CRUD lives elsewhere.
type Folder struct {
	ID      string
	OwnerID string
	Name    string
	// FullPath is the slash-prefixed path from the owner root, e.g. "/docs/tax".
	FullPath string
}
