// Package serialization persists scheduler snapshots.
package serialization

import (
	"encoding/gob"
	"encoding/json"
	"io"
)

// A Codec turns values into bytes and back.
type Codec interface {
	Name() string
	Encode(w io.Writer, v any) error
	Decode(r io.Reader, v any) error
}

// JSONCodec writes human-readable snapshots.
type JSONCodec struct {
	Indent bool
}

// NewJSONCodec creates a JSONCodec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Name returns "json".
func (c JSONCodec) Name() string {
	return "json"
}

// Encode writes v as a single JSON document.
func (c JSONCodec) Encode(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)

	if c.Indent {
		encoder.SetIndent("", "  ")
	}

	return encoder.Encode(v)
}

// Decode reads a JSON document into v. Unknown fields are rejected.
func (c JSONCodec) Decode(r io.Reader, v any) error {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	return decoder.Decode(v)
}

// GobCodec writes compact binary snapshots.
type GobCodec struct{}

// NewGobCodec creates a GobCodec.
func NewGobCodec() *GobCodec {
	return &GobCodec{}
}

// Name returns "gob".
func (c GobCodec) Name() string {
	return "gob"
}

// Encode writes v with encoding/gob.
func (c GobCodec) Encode(w io.Writer, v any) error {
	return gob.NewEncoder(w).Encode(v)
}

// Decode reads a gob stream into v.
func (c GobCodec) Decode(r io.Reader, v any) error {
	return gob.NewDecoder(r).Decode(v)
}
