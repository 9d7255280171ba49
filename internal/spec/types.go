package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Id prefixes map manifest ids to document files:
// component_<Name> → components/<Name>.json and so on.
const (
	ComponentPrefix = "component_"
	RoutePrefix     = "route_"
	StylePrefix     = "style_"
)

// Endpoint is one backend endpoint document. Its identity is Name.
type Endpoint struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Route     string   `json:"route"`
	Method    string   `json:"method"`
	Inputs    []string `json:"inputs"`
	Outputs   []string `json:"outputs"`
	LogicRefs []string `json:"logic_refs"`

	// Path is the document's location relative to the project root.
	Path string `json:"-"`

	doc Document
}

// Flag returns the boolean stored at field and whether the field is present
// as an explicit JSON boolean.
func (e Endpoint) Flag(field string) (value, explicit bool) {
	raw, ok := e.doc.Raw(field)
	if !ok {
		return false, false
	}
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// FieldString returns field rendered as a string: the value of a JSON
// string, "" when absent or null, and the raw JSON text otherwise.
func (e Endpoint) FieldString(field string) string {
	raw, _ := e.doc.Raw(field)
	return rawString(raw)
}

// HasLogic reports whether id appears in LogicRefs.
func (e Endpoint) HasLogic(id string) bool {
	for _, ref := range e.LogicRefs {
		if ref == id {
			return true
		}
	}
	return false
}

// ParseEndpoint decodes an endpoint document.
func ParseEndpoint(doc Document) (Endpoint, error) {
	var e Endpoint
	if err := doc.Decode(&e); err != nil {
		return Endpoint{}, err
	}
	e.doc = doc
	return e, nil
}

// Operation is one named block of the auth contract.
type Operation struct {
	Method  string   `json:"method"`
	Route   string   `json:"route"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`

	fields Document
}

// FieldString returns field rendered as a string, as Endpoint.FieldString.
func (o Operation) FieldString(field string) string {
	raw, _ := o.fields.Raw(field)
	return rawString(raw)
}

// AuthContract is the client-facing description of the auth operations.
type AuthContract struct {
	BaseURL string
	Path    string

	doc Document
}

// ParseAuthContract decodes an auth contract document.
func ParseAuthContract(doc Document) (*AuthContract, error) {
	c := &AuthContract{doc: doc}
	if doc.Has("baseUrl") {
		if err := doc.Get("baseUrl", &c.BaseURL); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Operation returns the named operation block. ok is false when the contract
// has no object under that name.
func (c *AuthContract) Operation(name string) (op Operation, ok bool, err error) {
	if !c.doc.IsObject(name) {
		return Operation{}, false, nil
	}
	raw, _ := c.doc.Raw(name)
	fields, err := ParseDocument(raw)
	if err != nil {
		return Operation{}, false, fmt.Errorf("%s: %w", name, err)
	}
	if err := fields.Decode(&op); err != nil {
		return Operation{}, false, fmt.Errorf("%s: %w", name, err)
	}
	op.fields = fields
	return op, true, nil
}

// Document returns the underlying contract document.
func (c *AuthContract) Document() Document { return c.doc }

// Component is a UI component document.
type Component struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Title    string   `json:"title"`
	Children []string `json:"children"`
}

// Route is a page document listing top-level components.
type Route struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Components []string `json:"components"`
}

// Style holds raw stylesheet text.
type Style struct {
	ID  string `json:"id"`
	CSS string `json:"css"`
}

// Guidelines is the optional llm_guidelines block carried by manifests.
type Guidelines struct {
	Rules []json.RawMessage `json:"rules"`
}

// ComponentPath maps component_<Name> to <frontendDir>/components/<Name>.json.
func ComponentPath(frontendDir, id string) (string, error) {
	return docPath(frontendDir, "components", ComponentPrefix, id)
}

// RoutePath maps route_<Name> to <frontendDir>/routes/<Name>.json.
func RoutePath(frontendDir, id string) (string, error) {
	return docPath(frontendDir, "routes", RoutePrefix, id)
}

// StylePath maps style_<Name> to <frontendDir>/styles/<Name>.json.
func StylePath(frontendDir, id string) (string, error) {
	return docPath(frontendDir, "styles", StylePrefix, id)
}

func docPath(dir, kind, prefix, id string) (string, error) {
	name, ok := strings.CutPrefix(id, prefix)
	if !ok || name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid %s id %q (want %s<Name>)", strings.TrimSuffix(kind, "s"), id, prefix)
	}
	return path.Join(dir, kind, name+".json"), nil
}

func rawString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}
