// Package format holds the data-driven raw format tables: framing rules and field
// type lists. Adding a raw format means adding a table, not code.
package format

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/dataparser/dataparser/internal/models"
)

// FramingKind selects how the byte stream is cut into frames.
type FramingKind string

const (
	FramingDelimited      FramingKind = "delimited"
	FramingFixed          FramingKind = "fixed"
	FramingLengthPrefixed FramingKind = "length_prefixed"
	FramingMsgpack        FramingKind = "msgpack"
)

// Binary field encodings.
const (
	EncodingUint  = "uint"
	EncodingInt   = "int"
	EncodingFloat = "float"
	EncodingASCII = "ascii"
)

// Timestamp layouts understood besides plain Go layouts.
const (
	LayoutUnixS    = "unix_s"
	LayoutUnixMs   = "unix_ms"
	LayoutUnixUs   = "unix_us"
	LayoutUnixNs   = "unix_ns"
	LayoutRFC3339  = "rfc3339"
	LayoutDatetime = "datetime" // "YYYY-MM-DD HH:MM:SS[.fff]", UTC
)

const (
	defaultTextMaxFrame   = 1024 * 1024 // 1MB, same as the line scanner limit
	defaultBinaryMaxFrame = 64 * 1024
)

// Framing describes frame boundaries.
type Framing struct {
	Kind FramingKind `yaml:"kind" validate:"required,oneof=delimited fixed length_prefixed msgpack"`

	// delimited
	Terminator        string `yaml:"terminator"`
	Separator         string `yaml:"separator"`
	SkipLines         int    `yaml:"skip_lines" validate:"min=0"`
	CommentPrefix     string `yaml:"comment_prefix"`
	KeepBlank         bool   `yaml:"keep_blank"`
	TrimSpace         bool   `yaml:"trim_space"`
	RequireTerminator bool   `yaml:"require_terminator"`

	// fixed
	Size int `yaml:"size" validate:"min=0"`

	// length_prefixed
	Prefix string `yaml:"prefix" validate:"omitempty,oneof=uvarint u16 u32"`

	// binary kinds: hex bytes expected at the start of every frame
	Sync string `yaml:"sync"`

	MaxFrameBytes int `yaml:"max_frame_bytes" validate:"min=0"`
}

// FieldDef declares one column.
type FieldDef struct {
	Name     string           `yaml:"name" validate:"required,max=128"`
	Type     models.FieldType `yaml:"type" validate:"required"`
	Layout   string           `yaml:"layout"`
	Values   []string         `yaml:"values"`
	Rest     bool             `yaml:"rest"`
	Optional bool             `yaml:"optional"`

	// CountOf names the rest field whose separated values this integer counts.
	CountOf string `yaml:"count_of"`

	// binary layouts (fixed, length_prefixed)
	Offset   int     `yaml:"offset" validate:"min=0"`
	Width    int     `yaml:"width" validate:"min=0"`
	Encoding string  `yaml:"encoding" validate:"omitempty,oneof=uint int float ascii"`
	Scale    float64 `yaml:"scale"`
}

// Partition names the field that selects records for a per-value output and the
// column whose header becomes the selected value.
type Partition struct {
	Field  string `yaml:"field" validate:"required"`
	Column string `yaml:"column"`
}

// CountCheck pairs a count field with the rest field it counts, by index.
type CountCheck struct {
	Field  int
	Target int
}

// Spec is a complete raw format table.
type Spec struct {
	Name        string     `yaml:"name" validate:"required,max=64"`
	Description string     `yaml:"description"`
	Extensions  []string   `yaml:"extensions"`
	Magic       string     `yaml:"magic"`
	Sniff       string     `yaml:"sniff"`
	Encoding    string     `yaml:"encoding"`
	ByteOrder   string     `yaml:"byte_order" validate:"omitempty,oneof=little big"`
	Header      *bool      `yaml:"header"`
	Framing     Framing    `yaml:"framing"`
	Fields      []FieldDef `yaml:"fields" validate:"required,min=1,dive"`
	Partition   *Partition `yaml:"partition"`

	// Source records where the table came from ("builtin" or a file path).
	Source string `yaml:"-"`

	compiled bool
	magic    []byte
	sync     []byte
	sniff    *regexp.Regexp
	textEnc  encoding.Encoding
	counts   []CountCheck
	partIdx  int
	partCol  int
}

var validate = validator.New()

// Validate checks the table and compiles derived values. It must succeed before
// the spec is used by a decoder.
func (s *Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("format %q: %w", s.Name, err)
	}

	var err error
	if s.magic, err = decodeHex(s.Magic); err != nil {
		return fmt.Errorf("format %q: magic: %w", s.Name, err)
	}
	if s.sync, err = decodeHex(s.Framing.Sync); err != nil {
		return fmt.Errorf("format %q: sync: %w", s.Name, err)
	}
	if s.Sniff != "" {
		if s.sniff, err = regexp.Compile(s.Sniff); err != nil {
			return fmt.Errorf("format %q: sniff: %w", s.Name, err)
		}
	}
	if s.Encoding != "" {
		if s.textEnc, err = lookupEncoding(s.Encoding); err != nil {
			return fmt.Errorf("format %q: %w", s.Name, err)
		}
	}

	index := make(map[string]int, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		if _, dup := index[f.Name]; dup {
			return fmt.Errorf("format %q: duplicate field %q", s.Name, f.Name)
		}
		index[f.Name] = i
		if !f.Type.Valid() {
			return fmt.Errorf("format %q: field %q: unknown type %q", s.Name, f.Name, f.Type)
		}
		if f.Rest && (i != len(s.Fields)-1 || s.Framing.Kind != FramingDelimited) {
			return fmt.Errorf("format %q: field %q: rest is only allowed on the last field of a delimited format", s.Name, f.Name)
		}
		if f.Type == models.FieldTypeTimestamp && f.Layout == "" {
			return fmt.Errorf("format %q: field %q: timestamp needs a layout", s.Name, f.Name)
		}
		if f.Layout != "" && f.Type != models.FieldTypeTimestamp {
			return fmt.Errorf("format %q: field %q: layout is only valid for timestamps", s.Name, f.Name)
		}
	}

	if err := s.compileCounts(index); err != nil {
		return err
	}
	if err := s.compilePartition(index); err != nil {
		return err
	}

	switch s.Framing.Kind {
	case FramingDelimited:
		if err := s.validateDelimited(); err != nil {
			return err
		}
	case FramingFixed:
		if s.Framing.Size <= 0 {
			return fmt.Errorf("format %q: fixed framing needs size", s.Name)
		}
		if len(s.sync) >= s.Framing.Size {
			return fmt.Errorf("format %q: sync marker longer than frame", s.Name)
		}
		if err := s.validateBinaryFields(s.Framing.Size); err != nil {
			return err
		}
	case FramingLengthPrefixed:
		if s.Framing.Prefix == "" {
			return fmt.Errorf("format %q: length_prefixed framing needs prefix", s.Name)
		}
		if err := s.validateBinaryFields(s.MaxFrame()); err != nil {
			return err
		}
	case FramingMsgpack:
		for _, f := range s.Fields {
			if f.Encoding != "" || f.Width != 0 {
				return fmt.Errorf("format %q: field %q: msgpack fields take no binary layout", s.Name, f.Name)
			}
		}
	}

	s.compiled = true
	return nil
}

func (s *Spec) compileCounts(index map[string]int) error {
	s.counts = nil
	for i, f := range s.Fields {
		if f.CountOf == "" {
			continue
		}
		t, ok := index[f.CountOf]
		if !ok {
			return fmt.Errorf("format %q: field %q: count_of names unknown field %q", s.Name, f.Name, f.CountOf)
		}
		if f.Type != models.FieldTypeInteger || !s.Fields[t].Rest || s.Framing.Kind != FramingDelimited {
			return fmt.Errorf("format %q: field %q: count_of needs an integer counting a rest field of a delimited format", s.Name, f.Name)
		}
		s.counts = append(s.counts, CountCheck{Field: i, Target: t})
	}
	return nil
}

func (s *Spec) compilePartition(index map[string]int) error {
	s.partIdx, s.partCol = -1, -1
	if s.Partition == nil {
		return nil
	}
	i, ok := index[s.Partition.Field]
	if !ok {
		return fmt.Errorf("format %q: partition field %q not in table", s.Name, s.Partition.Field)
	}
	s.partIdx = i
	if s.Partition.Column != "" {
		c, ok := index[s.Partition.Column]
		if !ok {
			return fmt.Errorf("format %q: partition column %q not in table", s.Name, s.Partition.Column)
		}
		s.partCol = c
	}
	return nil
}

func (s *Spec) validateDelimited() error {
	if len(s.Framing.Terminator) > 1 || len(s.Framing.Separator) > 1 {
		return fmt.Errorf("format %q: terminator and separator must be single bytes", s.Name)
	}
	if s.TerminatorByte() == s.SeparatorByte() {
		return fmt.Errorf("format %q: terminator and separator must differ", s.Name)
	}
	for _, f := range s.Fields {
		if f.Encoding != "" || f.Width != 0 {
			return fmt.Errorf("format %q: field %q: delimited fields take no binary layout", s.Name, f.Name)
		}
	}
	return nil
}

func (s *Spec) validateBinaryFields(frameSize int) error {
	for _, f := range s.Fields {
		if f.Width <= 0 || f.Encoding == "" {
			return fmt.Errorf("format %q: field %q: binary fields need width and encoding", s.Name, f.Name)
		}
		if f.Offset+f.Width > frameSize {
			return fmt.Errorf("format %q: field %q: extends past frame (%d > %d)", s.Name, f.Name, f.Offset+f.Width, frameSize)
		}
		switch f.Encoding {
		case EncodingUint, EncodingInt:
			if f.Width != 1 && f.Width != 2 && f.Width != 4 && f.Width != 8 {
				return fmt.Errorf("format %q: field %q: integer width must be 1, 2, 4 or 8", s.Name, f.Name)
			}
		case EncodingFloat:
			if f.Width != 4 && f.Width != 8 {
				return fmt.Errorf("format %q: field %q: float width must be 4 or 8", s.Name, f.Name)
			}
		}
		switch f.Type {
		case models.FieldTypeString:
			if f.Encoding != EncodingASCII {
				return fmt.Errorf("format %q: field %q: string fields need ascii encoding", s.Name, f.Name)
			}
		case models.FieldTypeEnum:
			if f.Encoding != EncodingUint && f.Encoding != EncodingInt && f.Encoding != EncodingASCII {
				return fmt.Errorf("format %q: field %q: enum needs integer or ascii encoding", s.Name, f.Name)
			}
			if f.Encoding != EncodingASCII && len(f.Values) == 0 {
				return fmt.Errorf("format %q: field %q: integer enum needs values", s.Name, f.Name)
			}
		case models.FieldTypeInteger, models.FieldTypeTimestamp:
			if f.Encoding != EncodingUint && f.Encoding != EncodingInt {
				return fmt.Errorf("format %q: field %q: %s needs integer encoding", s.Name, f.Name, f.Type)
			}
			if f.Type == models.FieldTypeTimestamp && !IsUnixLayout(f.Layout) {
				return fmt.Errorf("format %q: field %q: binary timestamps need a unix_* layout", s.Name, f.Name)
			}
		case models.FieldTypeFloat:
			if f.Encoding == EncodingASCII {
				return fmt.Errorf("format %q: field %q: float cannot use ascii encoding", s.Name, f.Name)
			}
		}
	}
	return nil
}

// Columns returns the CSV column names in field order.
func (s *Spec) Columns() []string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = f.Name
	}
	return cols
}

// PartitionColumns returns the column names for the output selected by tag: the
// partition column is renamed to the tag.
func (s *Spec) PartitionColumns(tag string) []string {
	cols := s.Columns()
	if s.partCol >= 0 {
		cols[s.partCol] = tag
	}
	return cols
}

// PartitionField returns the index of the partition field, or -1.
func (s *Spec) PartitionField() int { return s.partIdx }

// CountChecks returns the compiled count_of pairs.
func (s *Spec) CountChecks() []CountCheck { return s.counts }

// EmitHeader reports whether a header row is written. Defaults to true.
func (s *Spec) EmitHeader() bool {
	return s.Header == nil || *s.Header
}

// IsText reports whether frames are text lines.
func (s *Spec) IsText() bool {
	return s.Framing.Kind == FramingDelimited
}

// Order returns the byte order for binary fields.
func (s *Spec) Order() binary.ByteOrder {
	if s.ByteOrder == "big" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// TerminatorByte returns the frame terminator for delimited formats.
func (s *Spec) TerminatorByte() byte {
	if s.Framing.Terminator == "" {
		return '\n'
	}
	return s.Framing.Terminator[0]
}

// SeparatorByte returns the field separator for delimited formats.
func (s *Spec) SeparatorByte() byte {
	if s.Framing.Separator == "" {
		return ','
	}
	return s.Framing.Separator[0]
}

// MaxFrame returns the largest acceptable frame in bytes.
func (s *Spec) MaxFrame() int {
	if s.Framing.MaxFrameBytes > 0 {
		return s.Framing.MaxFrameBytes
	}
	if s.IsText() {
		return defaultTextMaxFrame
	}
	return defaultBinaryMaxFrame
}

// MinPayload returns the number of payload bytes the binary field layout needs.
func (s *Spec) MinPayload() int {
	n := 0
	for _, f := range s.Fields {
		if end := f.Offset + f.Width; end > n {
			n = end
		}
	}
	return n
}

// SyncBytes returns the decoded sync marker, or nil.
func (s *Spec) SyncBytes() []byte { return s.sync }

// MagicBytes returns the decoded detection magic, or nil.
func (s *Spec) MagicBytes() []byte { return s.magic }

// SniffRegexp returns the compiled sniff expression, or nil.
func (s *Spec) SniffRegexp() *regexp.Regexp { return s.sniff }

// TextEncoding returns the source text encoding, or nil for UTF-8.
func (s *Spec) TextEncoding() encoding.Encoding { return s.textEnc }

// Compiled reports whether Validate has succeeded.
func (s *Spec) Compiled() bool { return s.compiled }

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x"), "0X")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "utf-8", "utf8":
		return nil, nil
	case "utf-16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	case "utf-16be":
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown text encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported text encoding %q", name)
	}
	return enc, nil
}

// IsUnixLayout reports whether layout is one of the unix_* epoch layouts.
func IsUnixLayout(layout string) bool {
	switch layout {
	case LayoutUnixS, LayoutUnixMs, LayoutUnixUs, LayoutUnixNs:
		return true
	}
	return false
}
