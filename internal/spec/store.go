// Package spec loads the JSON specification documents a product is
// described by: manifests, components, routes, styles, endpoints, the auth
// contract, the security policy and the invariants configuration.
package spec

import (
	"errors"
	"fmt"
	"io/fs"

	"specforge/internal/workspace"
)

// SpecificationError reports a missing or malformed document.
type SpecificationError struct {
	Path string
	Err  error
}

func (e *SpecificationError) Error() string {
	return fmt.Sprintf("specification error in %s: %v", e.Path, e.Err)
}

func (e *SpecificationError) Unwrap() error { return e.Err }

// ErrNotFound is wrapped by SpecificationError for absent documents.
var ErrNotFound = errors.New("document not found")

// Store reads and writes specification documents inside a workspace.
type Store struct {
	ws *workspace.Workspace
}

// NewStore returns a store rooted at ws.
func NewStore(ws *workspace.Workspace) *Store {
	return &Store{ws: ws}
}

// Workspace returns the store's workspace.
func (s *Store) Workspace() *workspace.Workspace { return s.ws }

// Exists reports whether the document at rel exists.
func (s *Store) Exists(rel string) bool { return s.ws.Exists(rel) }

// Document loads the JSON object at rel.
func (s *Store) Document(rel string) (Document, error) {
	data, err := s.ws.ReadFile(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, &SpecificationError{Path: rel, Err: ErrNotFound}
	}
	if err != nil {
		return Document{}, &SpecificationError{Path: rel, Err: err}
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return Document{}, &SpecificationError{Path: rel, Err: err}
	}
	return doc, nil
}

// Decode loads the document at rel into v.
func (s *Store) Decode(rel string, v any) error {
	doc, err := s.Document(rel)
	if err != nil {
		return err
	}
	if err := doc.Decode(v); err != nil {
		return &SpecificationError{Path: rel, Err: err}
	}
	return nil
}

// Save writes doc to rel in its indented on-disk form.
func (s *Store) Save(rel string, doc Document) error {
	data, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	return s.ws.WriteFile(rel, data)
}

// Invariants loads the invariants configuration.
func (s *Store) Invariants(rel string) (*Invariants, error) {
	var inv Invariants
	if err := s.Decode(rel, &inv); err != nil {
		return nil, err
	}
	if inv.Frontend.ManifestPath == "" {
		return nil, &SpecificationError{Path: rel, Err: errors.New("frontend.manifest_path is required")}
	}
	if inv.Backend.ManifestPath == "" {
		return nil, &SpecificationError{Path: rel, Err: errors.New("backend.manifest_path is required")}
	}
	return &inv, nil
}

// Endpoints loads every *.json document directly inside dir, in file name
// order.
func (s *Store) Endpoints(dir string) ([]Endpoint, error) {
	files, err := s.ws.ReadDir(dir, ".json")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &SpecificationError{Path: dir, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &SpecificationError{Path: dir, Err: err}
	}
	endpoints := make([]Endpoint, 0, len(files))
	for _, f := range files {
		doc, err := s.Document(f)
		if err != nil {
			return nil, err
		}
		ep, err := ParseEndpoint(doc)
		if err != nil {
			return nil, &SpecificationError{Path: f, Err: err}
		}
		ep.Path = f
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// AuthContract loads the auth contract at rel.
func (s *Store) AuthContract(rel string) (*AuthContract, error) {
	doc, err := s.Document(rel)
	if err != nil {
		return nil, err
	}
	c, err := ParseAuthContract(doc)
	if err != nil {
		return nil, &SpecificationError{Path: rel, Err: err}
	}
	c.Path = rel
	return c, nil
}

// Component loads the component document for id.
func (s *Store) Component(frontendDir, id string) (*Component, error) {
	rel, err := ComponentPath(frontendDir, id)
	if err != nil {
		return nil, &SpecificationError{Path: frontendDir, Err: err}
	}
	var c Component
	if err := s.Decode(rel, &c); err != nil {
		return nil, err
	}
	if c.Name == "" {
		return nil, &SpecificationError{Path: rel, Err: errors.New("component name is required")}
	}
	return &c, nil
}

// Route loads the route document for id.
func (s *Store) Route(frontendDir, id string) (*Route, error) {
	rel, err := RoutePath(frontendDir, id)
	if err != nil {
		return nil, &SpecificationError{Path: frontendDir, Err: err}
	}
	var r Route
	if err := s.Decode(rel, &r); err != nil {
		return nil, err
	}
	if r.Name == "" {
		return nil, &SpecificationError{Path: rel, Err: errors.New("route name is required")}
	}
	return &r, nil
}

// Style loads the style document for id.
func (s *Store) Style(frontendDir, id string) (*Style, error) {
	rel, err := StylePath(frontendDir, id)
	if err != nil {
		return nil, &SpecificationError{Path: frontendDir, Err: err}
	}
	var st Style
	if err := s.Decode(rel, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
