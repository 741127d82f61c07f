// Package models contains domain types for the DataParser pipeline.
package models

import "time"

// FieldType represents the semantic type of a decoded field.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeEnum      FieldType = "enum"
)

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeString, FieldTypeInteger, FieldTypeFloat, FieldTypeTimestamp, FieldTypeEnum:
		return true
	}
	return false
}

// Field is one typed value within a Record, corresponding to one CSV column.
type Field struct {
	Name  string    `json:"name"`
	Type  FieldType `json:"type"`
	Raw   string    `json:"raw"`
	Value any       `json:"value"` // string, int64, float64 or time.Time; nil when invalid or empty
	Valid bool      `json:"valid"`
	Err   string    `json:"error,omitempty"`
}

// Record is one decoded frame. Field order mirrors the column order of the format.
type Record struct {
	Index  int64   `json:"index"`  // zero-based frame number in the source
	Offset int64   `json:"offset"` // byte offset of the frame start
	Fields []Field `json:"fields"`
}

// InvalidFields returns the names of fields that failed to decode.
func (r *Record) InvalidFields() []string {
	var names []string
	for i := range r.Fields {
		if !r.Fields[i].Valid {
			names = append(names, r.Fields[i].Name)
		}
	}
	return names
}

// HasInvalid reports whether any field failed to decode.
func (r *Record) HasInvalid() bool {
	for i := range r.Fields {
		if !r.Fields[i].Valid {
			return true
		}
	}
	return false
}

// ParseCursor tracks decoding position. Mutated only by the decoder.
type ParseCursor struct {
	Offset int64 `json:"offset"` // bytes consumed from the (decoded) stream
	Frame  int64 `json:"frame"`  // frames seen, including skipped ones
	Line   int   `json:"line"`   // physical line for text formats
}

// RawDataFile describes the opened source file.
type RawDataFile struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Format   string    `json:"format"`
	Modified time.Time `json:"modified"`
}
