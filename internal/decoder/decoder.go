// Package decoder turns a raw byte stream into a lazy sequence of typed records,
// driven entirely by a format.Spec table.
package decoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/transform"

	"github.com/dataparser/dataparser/internal/apperr"
	"github.com/dataparser/dataparser/internal/format"
	"github.com/dataparser/dataparser/internal/models"
)

const readBufferSize = 64 * 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// MalformedFunc receives frames that had a valid boundary but could not be mapped
// onto the field table (wrong field count, wrong arity, short payload).
type MalformedFunc func(models.ParseWarning)

// Options configures a Decoder.
type Options struct {
	OnMalformed MalformedFunc
}

// Decoder yields records one at a time. It is not restartable and not safe for
// concurrent use.
type Decoder struct {
	spec    *format.Spec
	src     *countingReader
	framer  framer
	opts    Options
	cursor  models.ParseCursor
	skipped int64
	toSkip  int
	err     error
}

// New prepares a decoder over r. The spec must have been validated.
func New(r io.Reader, spec *format.Spec, opts Options) (*Decoder, error) {
	if !spec.Compiled() {
		if err := spec.Validate(); err != nil {
			return nil, apperr.NewInvalidError("format table", err)
		}
	}

	if enc := spec.TextEncoding(); enc != nil {
		r = transform.NewReader(r, enc.NewDecoder())
	}
	src := &countingReader{br: bufio.NewReaderSize(r, readBufferSize)}

	d := &Decoder{spec: spec, src: src, opts: opts}

	switch spec.Framing.Kind {
	case format.FramingDelimited:
		if err := src.skipBOM(); err != nil {
			return nil, err
		}
		d.toSkip = spec.Framing.SkipLines
		d.framer = &lineFramer{
			src:         src,
			term:        spec.TerminatorByte(),
			max:         spec.MaxFrame(),
			requireTerm: spec.Framing.RequireTerminator,
		}
	case format.FramingFixed:
		d.framer = &fixedFramer{src: src, size: spec.Framing.Size, sync: spec.SyncBytes()}
	case format.FramingLengthPrefixed:
		d.framer = &prefixFramer{
			src:    src,
			prefix: spec.Framing.Prefix,
			order:  spec.Order(),
			sync:   spec.SyncBytes(),
			max:    spec.MaxFrame(),
		}
	case format.FramingMsgpack:
		d.framer = newMsgpackFramer(src)
	default:
		return nil, apperr.NewInvalidError("format table", fmt.Errorf("unsupported framing %q", spec.Framing.Kind))
	}
	return d, nil
}

// Cursor returns the current decoding position.
func (d *Decoder) Cursor() models.ParseCursor {
	c := d.cursor
	c.Offset = d.src.n
	return c
}

// Skipped returns the number of malformed frames dropped so far.
func (d *Decoder) Skipped() int64 {
	return d.skipped
}

// Next returns the next record, or io.EOF when the stream is exhausted.
//
// A record with fields that failed conversion comes back together with a
// FieldDecode error naming the first bad field; that error is not fatal and the
// following call continues with the next frame. A corrupt frame boundary yields a
// FrameCorruption error and cancellation of ctx a Cancelled error; once Next fails
// that way it keeps failing. ctx is checked before every frame, skipped ones
// included.
func (d *Decoder) Next(ctx context.Context) (*models.Record, error) {
	if d.err != nil {
		return nil, d.err
	}
	for {
		if err := ctx.Err(); err != nil {
			d.err = apperr.NewCancelledError(err)
			return nil, d.err
		}

		fr, err := d.framer.next()
		if err != nil {
			d.err = d.classify(err)
			return nil, d.err
		}
		if fr.line > 0 {
			d.cursor.Line = fr.line
		}

		if d.spec.IsText() && d.skipText(fr.data) {
			continue
		}

		index := d.cursor.Frame
		d.cursor.Frame++

		rec, reason := d.build(fr, index)
		if reason != "" {
			d.skipped++
			if d.opts.OnMalformed != nil {
				d.opts.OnMalformed(models.ParseWarning{
					Frame:  index,
					Offset: fr.offset,
					Line:   fr.line,
					Reason: reason,
				})
			}
			continue
		}
		if err := fieldError(rec); err != nil {
			return rec, err
		}
		return rec, nil
	}
}

// fieldError returns a FieldDecode error for the first invalid field of rec.
func fieldError(rec *models.Record) error {
	for i := range rec.Fields {
		if f := &rec.Fields[i]; !f.Valid {
			return apperr.NewFieldDecodeError(f.Name, rec.Index, rec.Offset, errors.New(f.Err))
		}
	}
	return nil
}

func (d *Decoder) classify(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	var c *corruption
	if errors.As(err, &c) {
		return apperr.NewFrameCorruptionError(d.cursor.Frame, c.offset, errors.New(c.reason))
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.NewIOError("read", "", err)
}

// skipText reports whether a text frame carries no record: leading skip_lines,
// blank lines and comments.
func (d *Decoder) skipText(line []byte) bool {
	if d.toSkip > 0 {
		d.toSkip--
		return true
	}
	if !d.spec.Framing.KeepBlank && len(bytes.TrimSpace(line)) == 0 {
		return true
	}
	if p := d.spec.Framing.CommentPrefix; p != "" && bytes.HasPrefix(line, []byte(p)) {
		return true
	}
	return false
}

func (d *Decoder) build(fr frame, index int64) (*models.Record, string) {
	rec := &models.Record{
		Index:  index,
		Offset: fr.offset,
		Fields: make([]models.Field, len(d.spec.Fields)),
	}

	switch d.spec.Framing.Kind {
	case format.FramingDelimited:
		cells, reason := d.splitText(string(fr.data))
		if reason != "" {
			return nil, reason
		}
		for i := range d.spec.Fields {
			def := &d.spec.Fields[i]
			value, err := decodeText(def, cells[i])
			rec.Fields[i] = newField(def, cells[i], value, err)
		}
		if reason := d.checkCounts(rec, cells); reason != "" {
			return nil, reason
		}

	case format.FramingFixed, format.FramingLengthPrefixed:
		if need := d.spec.MinPayload(); len(fr.data) < need {
			return nil, fmt.Sprintf("payload has %d bytes, field layout needs %d", len(fr.data), need)
		}
		order := d.spec.Order()
		for i := range d.spec.Fields {
			def := &d.spec.Fields[i]
			raw, value, err := decodeBinary(def, fr.data, order)
			rec.Fields[i] = newField(def, raw, value, err)
		}

	case format.FramingMsgpack:
		if fr.values == nil {
			return nil, "frame is not a msgpack array"
		}
		if len(fr.values) != len(d.spec.Fields) {
			return nil, fmt.Sprintf("expected %d values, got %d", len(d.spec.Fields), len(fr.values))
		}
		for i := range d.spec.Fields {
			def := &d.spec.Fields[i]
			raw, value, err := decodeMsgpackValue(def, fr.values[i])
			rec.Fields[i] = newField(def, raw, value, err)
		}
	}
	return rec, ""
}

func (d *Decoder) splitText(line string) ([]string, string) {
	n := len(d.spec.Fields)
	sep := string(d.spec.SeparatorByte())
	last := &d.spec.Fields[n-1]

	var cells []string
	if last.Rest {
		cells = strings.SplitN(line, sep, n)
		if len(cells) == n-1 && last.Optional {
			cells = append(cells, "")
		}
	} else {
		cells = strings.Split(line, sep)
	}
	if len(cells) != n {
		return nil, fmt.Sprintf("expected %d fields, got %d", n, len(cells))
	}
	if d.spec.Framing.TrimSpace {
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
	}
	return cells, ""
}

// checkCounts compares count_of fields with the number of values in the rest
// field they describe. A mismatch means the frame lost or gained values.
func (d *Decoder) checkCounts(rec *models.Record, cells []string) string {
	sep := string(d.spec.SeparatorByte())
	for _, c := range d.spec.CountChecks() {
		want, ok := rec.Fields[c.Field].Value.(int64)
		if !ok {
			continue
		}
		got := 0
		if cells[c.Target] != "" {
			got = strings.Count(cells[c.Target], sep) + 1
		}
		if int64(got) != want {
			return fmt.Sprintf("%s is %d but %s has %d values",
				d.spec.Fields[c.Field].Name, want, d.spec.Fields[c.Target].Name, got)
		}
	}
	return ""
}

func newField(def *format.FieldDef, raw string, value any, err error) models.Field {
	f := models.Field{
		Name:  def.Name,
		Type:  def.Type,
		Raw:   raw,
		Value: value,
		Valid: err == nil,
	}
	if err != nil {
		f.Value = nil
		f.Err = err.Error()
	}
	return f
}

// countingReader counts bytes handed to framers. It implements io.ByteScanner so
// msgpack reads through it without another buffer.
type countingReader struct {
	br *bufio.Reader
	n  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) UnreadByte() error {
	err := c.br.UnreadByte()
	if err == nil {
		c.n--
	}
	return err
}

func (c *countingReader) ReadSlice(delim byte) ([]byte, error) {
	b, err := c.br.ReadSlice(delim)
	c.n += int64(len(b))
	return b, err
}

func (c *countingReader) skipBOM() error {
	head, err := c.br.Peek(len(utf8BOM))
	if err != nil && !errors.Is(err, io.EOF) {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperr.NewIOError("read", "", err)
	}
	if bytes.Equal(head, utf8BOM) {
		_, _ = c.br.Discard(len(utf8BOM))
		c.n += int64(len(utf8BOM))
	}
	return nil
}
