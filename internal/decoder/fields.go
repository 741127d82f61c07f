package decoder

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dataparser/dataparser/internal/format"
	"github.com/dataparser/dataparser/internal/models"
)

var errEmpty = errors.New("empty value")

// decodeText converts one text cell according to its field definition.
func decodeText(def *format.FieldDef, raw string) (any, error) {
	if raw == "" {
		if def.Optional {
			return nil, nil
		}
		return nil, errEmpty
	}

	switch def.Type {
	case models.FieldTypeString:
		if !utf8.ValidString(raw) {
			return nil, errors.New("invalid UTF-8")
		}
		return raw, nil
	case models.FieldTypeInteger:
		return parseInteger(raw)
	case models.FieldTypeFloat:
		return parseFloat(raw)
	case models.FieldTypeTimestamp:
		return parseTimestamp(def.Layout, raw)
	case models.FieldTypeEnum:
		return checkEnum(def, raw)
	}
	return nil, fmt.Errorf("unsupported field type %q", def.Type)
}

func checkEnum(def *format.FieldDef, s string) (any, error) {
	if !utf8.ValidString(s) {
		return nil, errors.New("invalid UTF-8")
	}
	if len(def.Values) > 0 && !slices.Contains(def.Values, s) {
		return nil, fmt.Errorf("unknown enum value %q", s)
	}
	return s, nil
}

// parseInteger parses decimal, hex (0x), binary (0b) and octal (0o) integers
// with optional sign and '_' or ',' digit grouping.
func parseInteger(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return 0, errEmpty
	}

	neg := false
	body := s
	if body[0] == '+' || body[0] == '-' {
		neg = body[0] == '-'
		body = body[1:]
	}

	base := 10
	if len(body) > 2 && body[0] == '0' {
		switch body[1] {
		case 'x', 'X':
			base, body = 16, body[2:]
		case 'b', 'B':
			base, body = 2, body[2:]
		case 'o', 'O':
			base, body = 8, body[2:]
		}
	}

	u, err := strconv.ParseUint(body, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	if neg {
		if u > 1<<63 {
			return 0, fmt.Errorf("integer %q overflows int64", raw)
		}
		return int64(-u), nil
	}
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("integer %q overflows int64", raw)
	}
	return int64(u), nil
}

func parseFloat(raw string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", raw)
	}
	return f, nil
}

// parseTimestamp parses raw with one of the named layouts or a Go layout.
// Results are always UTC.
func parseTimestamp(layout, raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	switch layout {
	case format.LayoutUnixS:
		return parseUnix(s, time.Second)
	case format.LayoutUnixMs:
		return parseUnix(s, time.Millisecond)
	case format.LayoutUnixUs:
		return parseUnix(s, time.Microsecond)
	case format.LayoutUnixNs:
		return parseUnix(s, time.Nanosecond)
	case format.LayoutRFC3339:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
		}
		return t.UTC(), nil
	case format.LayoutDatetime:
		return parseDatetime(s)
	default:
		t, err := time.Parse(layout, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q for layout %q", raw, layout)
		}
		return t.UTC(), nil
	}
}

// parseUnix parses "<int>[.<frac>]" epoch values in the given unit without going
// through float64, so sub-unit digits are kept exactly down to nanoseconds.
func parseUnix(s string, unit time.Duration) (time.Time, error) {
	intPart, frac, _ := strings.Cut(s, ".")
	whole, err := parseInteger(intPart)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch timestamp %q", s)
	}

	var fracNs int64
	if frac != "" {
		digits := frac
		if len(digits) > 9 {
			digits = digits[:9]
		}
		n, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch timestamp %q", s)
		}
		fracNs = int64(n) * int64(unit)
		for i := 0; i < len(digits); i++ {
			fracNs /= 10
		}
		if strings.HasPrefix(intPart, "-") {
			fracNs = -fracNs
		}
	}

	return unixTime(whole, unit, fracNs)
}

func unixTime(whole int64, unit time.Duration, extraNs int64) (time.Time, error) {
	perSec := int64(time.Second / unit)
	sec := whole / perSec
	ns := (whole%perSec)*int64(unit) + extraNs
	return time.Unix(sec, ns).UTC(), nil
}

// parseDatetime parses "%Y-%m-%d %H:%M:%S.%f" using manual parsing for speed.
func parseDatetime(ts string) (time.Time, error) {
	// Minimum length: "2025-09-25 06:02:11" = 19 chars
	if len(ts) < 19 || ts[4] != '-' || ts[7] != '-' || (ts[10] != ' ' && ts[10] != 'T') || ts[13] != ':' || ts[16] != ':' {
		return time.Time{}, fmt.Errorf("invalid datetime %q", ts)
	}

	year := parseInt4(ts[0:4])
	month := parseInt2(ts[5:7])
	day := parseInt2(ts[8:10])
	hour := parseInt2(ts[11:13])
	min := parseInt2(ts[14:16])
	sec := parseInt2(ts[17:19])

	if year < 0 || month < 1 || month > 12 || day < 1 || day > 31 ||
		hour < 0 || hour > 23 || min < 0 || min > 59 || sec < 0 || sec > 59 {
		return time.Time{}, fmt.Errorf("invalid datetime %q", ts)
	}

	var nsec int
	if len(ts) > 19 {
		if ts[19] != '.' || len(ts) == 20 {
			return time.Time{}, fmt.Errorf("invalid datetime %q", ts)
		}
		frac := ts[20:]
		fracLen := len(frac)
		if fracLen > 9 {
			frac = frac[:9]
			fracLen = 9
		}
		nsec = parseIntN(frac, fracLen)
		if nsec < 0 {
			return time.Time{}, fmt.Errorf("invalid datetime %q", ts)
		}
		for i := fracLen; i < 9; i++ {
			nsec *= 10
		}
	}

	t := time.Date(year, time.Month(month), day, hour, min, sec, nsec, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("invalid datetime %q", ts)
	}
	return t, nil
}

// parseInt2 parses a 2-digit decimal string. Returns -1 on error.
func parseInt2(s string) int {
	d1, d2 := s[0]-'0', s[1]-'0'
	if d1 > 9 || d2 > 9 {
		return -1
	}
	return int(d1)*10 + int(d2)
}

// parseInt4 parses a 4-digit decimal string. Returns -1 on error.
func parseInt4(s string) int {
	d1, d2, d3, d4 := s[0]-'0', s[1]-'0', s[2]-'0', s[3]-'0'
	if d1 > 9 || d2 > 9 || d3 > 9 || d4 > 9 {
		return -1
	}
	return int(d1)*1000 + int(d2)*100 + int(d3)*10 + int(d4)
}

// parseIntN parses an n-digit decimal string. Returns -1 on error.
func parseIntN(s string, n int) int {
	result := 0
	for i := 0; i < n; i++ {
		d := s[i] - '0'
		if d > 9 {
			return -1
		}
		result = result*10 + int(d)
	}
	return result
}

// decodeBinary decodes one field from a binary payload. The caller guarantees the
// payload covers the field layout. raw is the hex of the field bytes.
func decodeBinary(def *format.FieldDef, data []byte, order binary.ByteOrder) (string, any, error) {
	b := data[def.Offset : def.Offset+def.Width]
	raw := hex.EncodeToString(b)

	switch def.Encoding {
	case format.EncodingASCII:
		s := strings.TrimRight(string(b), "\x00 ")
		if !utf8.ValidString(s) {
			return raw, nil, errors.New("invalid UTF-8")
		}
		if s == "" && !def.Optional {
			return raw, nil, errEmpty
		}
		if s == "" {
			return raw, nil, nil
		}
		if def.Type == models.FieldTypeEnum {
			v, err := checkEnum(def, s)
			return raw, v, err
		}
		return raw, s, nil

	case format.EncodingFloat:
		var f float64
		if def.Width == 4 {
			f = float64(math.Float32frombits(order.Uint32(b)))
		} else {
			f = math.Float64frombits(order.Uint64(b))
		}
		if def.Scale != 0 {
			f *= def.Scale
		}
		return raw, f, nil
	}

	u := readUint(b, order)
	var i int64
	signed := def.Encoding == format.EncodingInt
	if signed {
		i = signExtend(u, def.Width)
	}

	switch def.Type {
	case models.FieldTypeInteger:
		if !signed {
			if u > math.MaxInt64 {
				return raw, nil, fmt.Errorf("value %d overflows int64", u)
			}
			i = int64(u)
		}
		return raw, i, nil

	case models.FieldTypeFloat:
		f := float64(u)
		if signed {
			f = float64(i)
		}
		if def.Scale != 0 {
			f *= def.Scale
		}
		return raw, f, nil

	case models.FieldTypeTimestamp:
		if !signed {
			if u > math.MaxInt64 {
				return raw, nil, fmt.Errorf("timestamp %d overflows int64", u)
			}
			i = int64(u)
		}
		t, err := epochFromInt(i, def.Layout)
		return raw, t, err

	case models.FieldTypeEnum:
		code := int64(u)
		if signed {
			code = i
		}
		if code < 0 || code >= int64(len(def.Values)) || u > math.MaxInt64 {
			return raw, nil, fmt.Errorf("enum code %d out of range", code)
		}
		return raw, def.Values[code], nil
	}
	return raw, nil, fmt.Errorf("unsupported field type %q", def.Type)
}

func readUint(b []byte, order binary.ByteOrder) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	default:
		return order.Uint64(b)
	}
}

func signExtend(u uint64, width int) int64 {
	switch width {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	default:
		return int64(u)
	}
}

func epochFromInt(v int64, layout string) (time.Time, error) {
	switch layout {
	case format.LayoutUnixS:
		return unixTime(v, time.Second, 0)
	case format.LayoutUnixMs:
		return unixTime(v, time.Millisecond, 0)
	case format.LayoutUnixUs:
		return unixTime(v, time.Microsecond, 0)
	case format.LayoutUnixNs:
		return unixTime(v, time.Nanosecond, 0)
	}
	return time.Time{}, fmt.Errorf("layout %q cannot decode an integer timestamp", layout)
}

// decodeMsgpackValue converts one loosely decoded msgpack value (int64, uint64,
// float64, string, []byte, bool, time.Time or nil).
func decodeMsgpackValue(def *format.FieldDef, v any) (string, any, error) {
	raw := msgpackRaw(v)
	if v == nil {
		if def.Optional {
			return raw, nil, nil
		}
		return raw, nil, errEmpty
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch def.Type {
	case models.FieldTypeString:
		s, ok := v.(string)
		if !ok {
			return raw, nil, fmt.Errorf("expected string, got %T", v)
		}
		if !utf8.ValidString(s) {
			return raw, nil, errors.New("invalid UTF-8")
		}
		return raw, s, nil

	case models.FieldTypeInteger:
		switch n := v.(type) {
		case int64:
			return raw, n, nil
		case uint64:
			if n > math.MaxInt64 {
				return raw, nil, fmt.Errorf("value %d overflows int64", n)
			}
			return raw, int64(n), nil
		case string:
			i, err := parseInteger(n)
			return raw, i, err
		}
		return raw, nil, fmt.Errorf("expected integer, got %T", v)

	case models.FieldTypeFloat:
		switch n := v.(type) {
		case float64:
			return raw, n, nil
		case int64:
			return raw, float64(n), nil
		case uint64:
			return raw, float64(n), nil
		case string:
			f, err := parseFloat(n)
			return raw, f, err
		}
		return raw, nil, fmt.Errorf("expected float, got %T", v)

	case models.FieldTypeTimestamp:
		switch n := v.(type) {
		case time.Time:
			return raw, n.UTC(), nil
		case int64:
			t, err := epochFromInt(n, def.Layout)
			return raw, t, err
		case uint64:
			if n > math.MaxInt64 {
				return raw, nil, fmt.Errorf("timestamp %d overflows int64", n)
			}
			t, err := epochFromInt(int64(n), def.Layout)
			return raw, t, err
		case string:
			t, err := parseTimestamp(def.Layout, n)
			return raw, t, err
		}
		return raw, nil, fmt.Errorf("expected timestamp, got %T", v)

	case models.FieldTypeEnum:
		switch n := v.(type) {
		case string:
			s, err := checkEnum(def, n)
			return raw, s, err
		case int64, uint64:
			code, _ := strconv.ParseInt(raw, 10, 64)
			if len(def.Values) == 0 || code < 0 || code >= int64(len(def.Values)) {
				return raw, nil, fmt.Errorf("enum code %s out of range", raw)
			}
			return raw, def.Values[code], nil
		}
		return raw, nil, fmt.Errorf("expected enum, got %T", v)
	}
	return raw, nil, fmt.Errorf("unsupported field type %q", def.Type)
}

func msgpackRaw(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case []byte:
		return string(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case uint64:
		return strconv.FormatUint(n, 10)
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(n)
	case time.Time:
		return n.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
