package spec

// document.go: order-preserving JSON object documents.
//
// Manifests and other specification files are edited by the plugin manager
// and written back to disk. Document keeps the source text and edits it in
// place, so key order survives a rewrite and diffs stay minimal. Every
// mutation returns a new Document, leaving the receiver untouched.

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

var (
	// ErrFieldMissing is returned when a document has no such top-level key.
	ErrFieldMissing = errors.New("field missing")
	// ErrNotArray is returned when a field exists but is not a JSON array of
	// strings.
	ErrNotArray = errors.New("field is not an array")
)

// encodeOptions lay every array out one element per line, like
// json.MarshalIndent.
var encodeOptions = &pretty.Options{Indent: "  "}

// Document is a JSON object with ordered top-level keys.
type Document struct {
	raw []byte
}

// NewDocument returns an empty document.
func NewDocument() Document {
	return Document{raw: []byte("{}")}
}

// ParseDocument decodes a JSON object. Anything other than a single object is
// rejected.
func ParseDocument(data []byte) (Document, error) {
	if !gjson.ValidBytes(data) {
		return Document{}, errors.New("invalid JSON")
	}
	if !gjson.ParseBytes(data).IsObject() {
		return Document{}, errors.New("document must be a JSON object")
	}
	return Document{raw: bytes.Clone(data)}, nil
}

func (d Document) json() []byte {
	if d.raw == nil {
		return []byte("{}")
	}
	return d.raw
}

func (d Document) field(key string) gjson.Result {
	return gjson.GetBytes(d.json(), gjson.Escape(key))
}

// Keys returns the top-level keys in source order.
func (d Document) Keys() []string {
	var keys []string
	gjson.ParseBytes(d.json()).ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	return keys
}

// Has reports whether key is present.
func (d Document) Has(key string) bool {
	return d.field(key).Exists()
}

// Raw returns the undecoded value of key.
func (d Document) Raw(key string) (json.RawMessage, bool) {
	r := d.field(key)
	if !r.Exists() {
		return nil, false
	}
	return json.RawMessage(r.Raw), true
}

// Get decodes the value of key into v.
func (d Document) Get(key string, v any) error {
	r := d.field(key)
	if !r.Exists() {
		return fmt.Errorf("%q: %w", key, ErrFieldMissing)
	}
	if err := json.Unmarshal([]byte(r.Raw), v); err != nil {
		return fmt.Errorf("%q: %w", key, err)
	}
	return nil
}

// IsObject reports whether key holds a JSON object.
func (d Document) IsObject(key string) bool {
	return d.field(key).IsObject()
}

// IsArray reports whether key holds a JSON array.
func (d Document) IsArray(key string) bool {
	return d.field(key).IsArray()
}

// Strings returns the string array stored at key.
func (d Document) Strings(key string) ([]string, error) {
	r := d.field(key)
	if !r.Exists() {
		return nil, fmt.Errorf("%q: %w", key, ErrFieldMissing)
	}
	if !r.IsArray() {
		return nil, fmt.Errorf("%q: %w", key, ErrNotArray)
	}
	out := []string{}
	for _, el := range r.Array() {
		if el.Type != gjson.String {
			return nil, fmt.Errorf("%q: %w", key, ErrNotArray)
		}
		out = append(out, el.Str)
	}
	return out, nil
}

// Set returns a copy of d with key set to v. New keys are appended.
func (d Document) Set(key string, v any) (Document, error) {
	val, err := marshalValue(v)
	if err != nil {
		return Document{}, fmt.Errorf("%q: %w", key, err)
	}
	out, err := sjson.SetRawBytes(bytes.Clone(d.json()), gjson.Escape(key), val)
	if err != nil {
		return Document{}, fmt.Errorf("%q: %w", key, err)
	}
	return Document{raw: out}, nil
}

// SetIDs returns a copy of d with key replaced by ids.
func (d Document) SetIDs(key string, ids []string) Document {
	if ids == nil {
		ids = []string{}
	}
	out, err := d.Set(key, ids)
	if err != nil {
		return d
	}
	return out
}

// AddIDs returns a copy of d with ids appended to the array at key, keeping
// the first occurrence of every id.
func (d Document) AddIDs(key string, ids []string) (Document, error) {
	current, err := d.Strings(key)
	if err != nil {
		return Document{}, err
	}
	return d.SetIDs(key, AddIDs(current, ids)), nil
}

// RemoveIDs returns a copy of d with ids removed from the array at key.
func (d Document) RemoveIDs(key string, ids []string) (Document, error) {
	current, err := d.Strings(key)
	if err != nil {
		return Document{}, err
	}
	return d.SetIDs(key, RemoveIDs(current, ids)), nil
}

// Decode unmarshals the whole document into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.json(), v)
}

// MarshalJSON encodes d compactly, preserving key order.
func (d Document) MarshalJSON() ([]byte, error) {
	return pretty.Ugly(d.json()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(data []byte) error {
	doc, err := ParseDocument(data)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}

// Encode renders d as two-space indented JSON with a trailing newline, the
// on-disk form of every specification document.
func (d Document) Encode() ([]byte, error) {
	return pretty.PrettyOptions(d.json(), encodeOptions), nil
}

// AddIDs appends values to list, dropping duplicates while keeping the first
// occurrence of each id.
func AddIDs(list, values []string) []string {
	seen := make(map[string]bool, len(list)+len(values))
	out := make([]string, 0, len(list)+len(values))
	for _, v := range append(append([]string(nil), list...), values...) {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// RemoveIDs returns list without any of values.
func RemoveIDs(list, values []string) []string {
	drop := make(map[string]bool, len(values))
	for _, v := range values {
		drop[v] = true
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !drop[v] {
			out = append(out, v)
		}
	}
	return out
}

// MarshalIndent encodes v as two-space indented JSON with a trailing newline
// and without HTML escaping.
func MarshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
