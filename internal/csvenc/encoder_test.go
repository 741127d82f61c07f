package csvenc

import (
	"bytes"
	"encoding/csv"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparser/dataparser/internal/models"
)

func record(index int64, values ...any) *models.Record {
	rec := &models.Record{Index: index}
	for i, v := range values {
		rec.Fields = append(rec.Fields, models.Field{
			Name:  string(rune('a' + i)),
			Value: v,
			Valid: true,
		})
	}
	return rec
}

func TestEncode_Quoting(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{name: "plain", value: "abc", want: "abc"},
		{name: "comma and quote", value: `a,b"c`, want: `"a,b""c"`},
		{name: "newline", value: "a\nb", want: "\"a\nb\""},
		{name: "carriage return", value: "a\rb", want: "\"a\rb\""},
		{name: "only quote", value: `"`, want: `""""`},
		{name: "leading space untouched", value: " x", want: " x"},
		{name: "empty", value: "", want: ""},
	}
	enc := New(&bytes.Buffer{}, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, enc.Encode(record(0, tt.value)))
		})
	}
}

func TestEncode_RoundTripThroughEncodingCSV(t *testing.T) {
	var buf bytes.Buffer
	enc := New(&buf, Options{})
	require.NoError(t, enc.WriteHeader([]string{"id", "text", "note"}))
	require.NoError(t, enc.WriteRecord(record(0, int64(1), `a,b"c`, "multi\nline")))
	require.NoError(t, enc.WriteRecord(record(1, int64(2), "", `"quoted"`)))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"id", "text", "note"},
		{"1", `a,b"c`, "multi\nline"},
		{"2", "", `"quoted"`},
	}, rows)
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2025, 9, 25, 8, 2, 11, 500000000, time.FixedZone("CEST", 2*3600))
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "nil", in: nil, want: ""},
		{name: "int", in: int64(-42), want: "-42"},
		{name: "uint", in: uint64(math.MaxUint64), want: "18446744073709551615"},
		{name: "float", in: 0.1, want: "0.1"},
		{name: "float whole", in: float64(2000), want: "2000"},
		{name: "float tiny", in: 1e-7, want: "0.0000001"},
		{name: "float large", in: 1e21, want: "1000000000000000000000"},
		{name: "timestamp", in: ts, want: "2025-09-25T06:02:11.5Z"},
		{name: "bool", in: true, want: "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatValue(tt.in))
		})
	}
}

func TestWriteRecord_InvalidMarker(t *testing.T) {
	rec := record(0, "ok", nil)
	rec.Fields[1].Valid = false
	rec.Fields[1].Raw = "garbage"

	var buf bytes.Buffer
	require.NoError(t, New(&buf, Options{}).WriteRecord(rec))
	assert.Equal(t, "ok,\n", buf.String())

	buf.Reset()
	require.NoError(t, New(&buf, Options{InvalidMarker: "#INVALID"}).WriteRecord(rec))
	assert.Equal(t, "ok,#INVALID\n", buf.String())
}

func TestWriteRecord_CRLF(t *testing.T) {
	var buf bytes.Buffer
	enc := New(&buf, Options{CRLF: true})
	require.NoError(t, enc.WriteHeader([]string{"a", "b"}))
	require.NoError(t, enc.WriteRecord(record(0, "x", "y\nz")))

	assert.Equal(t, "a,b\r\nx,\"y\nz\"\r\n", buf.String())
	assert.Equal(t, int64(1), enc.Rows())
}

func TestWriteHeader_Once(t *testing.T) {
	var buf bytes.Buffer
	enc := New(&buf, Options{})
	require.NoError(t, enc.WriteHeader([]string{"a"}))
	assert.ErrorIs(t, enc.WriteHeader([]string{"a"}), ErrHeaderWritten)

	enc = New(&buf, Options{})
	require.NoError(t, enc.WriteRecord(record(0, "x")))
	assert.ErrorIs(t, enc.WriteHeader([]string{"a"}), ErrHeaderWritten)
}

func TestWriteRecord_WidthMismatch(t *testing.T) {
	var buf bytes.Buffer
	enc := New(&buf, Options{})
	require.NoError(t, enc.WriteHeader([]string{"a", "b"}))
	assert.Error(t, enc.WriteRecord(record(3, "only")))
	assert.Equal(t, "a,b\n", buf.String())
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("full") }

func TestWriteRecord_PropagatesWriteError(t *testing.T) {
	enc := New(errWriter{}, Options{})
	assert.Error(t, enc.WriteRecord(record(0, "x")))
	assert.Equal(t, int64(0), enc.Rows())
}

func TestEncode_Deterministic(t *testing.T) {
	rec := record(0, int64(7), 3.14159, time.Unix(1700000000, 1).UTC(), "a,b")
	enc := New(&bytes.Buffer{}, Options{})
	first := enc.Encode(rec)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, enc.Encode(rec))
	}
	assert.Equal(t, `7,3.14159,2023-11-14T22:13:20.000000001Z,"a,b"`, first)
}
