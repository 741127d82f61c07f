// Package csvenc renders decoded records as RFC 4180 CSV rows.
package csvenc

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dataparser/dataparser/internal/models"
)

// ErrHeaderWritten is returned when WriteHeader is called twice or after a row.
var ErrHeaderWritten = errors.New("csv header already written")

// Options configures an Encoder.
type Options struct {
	CRLF          bool   // terminate rows with \r\n instead of \n
	InvalidMarker string // cell text for fields that failed to decode
}

// Encoder writes CSV rows to w. Each row is handed to w in a single Write call.
type Encoder struct {
	w       io.Writer
	opts    Options
	eol     string
	columns int
	started bool
	rows    int64
	line    []byte
}

// New creates an Encoder writing to w.
func New(w io.Writer, opts Options) *Encoder {
	eol := "\n"
	if opts.CRLF {
		eol = "\r\n"
	}
	return &Encoder{w: w, opts: opts, eol: eol}
}

// Rows returns the number of data rows written, header excluded.
func (e *Encoder) Rows() int64 {
	return e.rows
}

// SetColumns fixes the row width without emitting a header.
func (e *Encoder) SetColumns(n int) {
	e.columns = n
}

// WriteHeader writes the column names. It may be called at most once, before any row.
func (e *Encoder) WriteHeader(names []string) error {
	if e.started {
		return ErrHeaderWritten
	}
	e.started = true
	e.columns = len(names)

	e.line = e.line[:0]
	for i, name := range names {
		if i > 0 {
			e.line = append(e.line, ',')
		}
		e.line = appendCell(e.line, name)
	}
	e.line = append(e.line, e.eol...)
	_, err := e.w.Write(e.line)
	return err
}

// Encode renders rec as one CSV row without the line terminator.
func (e *Encoder) Encode(rec *models.Record) string {
	return string(e.appendRecord(nil, rec))
}

// WriteRecord writes rec as one terminated row.
func (e *Encoder) WriteRecord(rec *models.Record) error {
	if e.columns > 0 && len(rec.Fields) != e.columns {
		return fmt.Errorf("record %d has %d fields, want %d", rec.Index, len(rec.Fields), e.columns)
	}
	e.started = true

	e.line = e.appendRecord(e.line[:0], rec)
	e.line = append(e.line, e.eol...)
	if _, err := e.w.Write(e.line); err != nil {
		return err
	}
	e.rows++
	return nil
}

func (e *Encoder) appendRecord(dst []byte, rec *models.Record) []byte {
	for i := range rec.Fields {
		if i > 0 {
			dst = append(dst, ',')
		}
		f := &rec.Fields[i]
		if !f.Valid {
			dst = appendCell(dst, e.opts.InvalidMarker)
			continue
		}
		dst = appendCell(dst, FormatValue(f.Value))
	}
	return dst
}

// FormatValue renders a decoded value deterministically: integers in base 10,
// floats in the shortest exact decimal form, timestamps as RFC 3339 in UTC.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func needsQuote(s string) bool {
	return strings.ContainsAny(s, ",\"\r\n")
}

func appendCell(dst []byte, s string) []byte {
	if !needsQuote(s) {
		return append(dst, s...)
	}
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			dst = append(dst, '"')
		}
		dst = append(dst, s[i])
	}
	return append(dst, '"')
}
