package decoder

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/dataparser/dataparser/internal/apperr"
)

// frame is one bounded unit of the stream. data is only valid until the next call.
type frame struct {
	data   []byte
	values []any // msgpack arrays
	offset int64
	line   int
}

// framer cuts the stream into frames. It returns io.EOF at a clean end and a
// *corruption when the next boundary cannot be located.
type framer interface {
	next() (frame, error)
}

// corruption is a boundary failure; the decoder never resynchronizes after one.
type corruption struct {
	offset int64
	reason string
}

func (c *corruption) Error() string {
	return fmt.Sprintf("offset %d: %s", c.offset, c.reason)
}

func corrupt(offset int64, format string, args ...any) *corruption {
	return &corruption{offset: offset, reason: fmt.Sprintf(format, args...)}
}

// lineFramer splits on a terminator byte.
type lineFramer struct {
	src         *countingReader
	term        byte
	max         int
	requireTerm bool
	line        int
	buf         []byte
}

func (f *lineFramer) next() (frame, error) {
	start := f.src.n
	f.buf = f.buf[:0]
	terminated := false

	// room for the terminator, and a CR before a LF terminator
	limit := f.max + 1
	if f.term == '\n' {
		limit++
	}
	for {
		chunk, err := f.src.ReadSlice(f.term)
		f.buf = append(f.buf, chunk...)
		if len(f.buf) > limit {
			return frame{}, corrupt(start, "frame exceeds %d bytes without terminator", f.max)
		}
		if err == nil {
			terminated = true
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		return frame{}, err
	}

	if len(f.buf) == 0 {
		return frame{}, io.EOF
	}
	f.line++

	data := f.buf
	if terminated {
		data = data[:len(data)-1]
		if f.term == '\n' && len(data) > 0 && data[len(data)-1] == '\r' {
			data = data[:len(data)-1]
		}
	} else if f.requireTerm {
		return frame{}, corrupt(start, "unterminated final frame of %d bytes", len(data))
	}
	if len(data) > f.max {
		return frame{}, corrupt(start, "frame exceeds %d bytes", f.max)
	}
	return frame{data: data, offset: start, line: f.line}, nil
}

// fixedFramer reads fixed-size frames with an optional sync marker.
type fixedFramer struct {
	src  *countingReader
	size int
	sync []byte
	buf  []byte
}

func (f *fixedFramer) next() (frame, error) {
	if f.buf == nil {
		f.buf = make([]byte, f.size)
	}
	start := f.src.n
	n, err := io.ReadFull(f.src, f.buf)
	switch {
	case errors.Is(err, io.EOF):
		return frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return frame{}, corrupt(start, "truncated frame: %d of %d bytes", n, f.size)
	case err != nil:
		return frame{}, err
	}
	if len(f.sync) > 0 && !bytes.HasPrefix(f.buf, f.sync) {
		return frame{}, corrupt(start, "sync marker mismatch: want % x, got % x", f.sync, f.buf[:len(f.sync)])
	}
	return frame{data: f.buf, offset: start}, nil
}

// prefixFramer reads [sync][length][payload] frames.
type prefixFramer struct {
	src    *countingReader
	prefix string
	order  binary.ByteOrder
	sync   []byte
	max    int
	buf    []byte
}

func (f *prefixFramer) next() (frame, error) {
	start := f.src.n

	if len(f.sync) > 0 {
		marker := make([]byte, len(f.sync))
		n, err := io.ReadFull(f.src, marker)
		switch {
		case errors.Is(err, io.EOF):
			return frame{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return frame{}, corrupt(start, "truncated sync marker: %d of %d bytes", n, len(f.sync))
		case err != nil:
			return frame{}, err
		}
		if !bytes.Equal(marker, f.sync) {
			return frame{}, corrupt(start, "sync marker mismatch: want % x, got % x", f.sync, marker)
		}
	}

	length, err := f.readLength(len(f.sync) == 0)
	if err != nil {
		if errors.Is(err, io.EOF) && len(f.sync) == 0 {
			return frame{}, io.EOF
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return frame{}, corrupt(start, "truncated length prefix")
		}
		if errors.Is(err, errVarintOverflow) {
			return frame{}, corrupt(start, "%v", err)
		}
		return frame{}, err
	}
	if length > uint64(f.max) {
		return frame{}, corrupt(start, "declared length %d exceeds %d bytes", length, f.max)
	}

	if cap(f.buf) < int(length) {
		f.buf = make([]byte, length)
	}
	f.buf = f.buf[:length]
	n, err := io.ReadFull(f.src, f.buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return frame{}, corrupt(start, "truncated payload: %d of %d bytes", n, length)
		}
		return frame{}, err
	}
	return frame{data: f.buf, offset: start}, nil
}

var errVarintOverflow = errors.New("length prefix varint too long")

// readLength reads the length prefix. io.EOF is only returned when no prefix byte
// was read and atStart is set; a partial prefix is io.ErrUnexpectedEOF.
func (f *prefixFramer) readLength(atStart bool) (uint64, error) {
	switch f.prefix {
	case "u16":
		var b [2]byte
		if _, err := io.ReadFull(f.src, b[:]); err != nil {
			return 0, err
		}
		return uint64(f.order.Uint16(b[:])), nil
	case "u32":
		var b [4]byte
		if _, err := io.ReadFull(f.src, b[:]); err != nil {
			return 0, err
		}
		return uint64(f.order.Uint32(b[:])), nil
	default:
		return readVarInt(f.src, atStart)
	}
}

// readVarInt reads a variable-length integer
func readVarInt(r io.ByteReader, atStart bool) (uint64, error) {
	var result uint64
	var shift uint
	first := true

	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && !(first && atStart) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		first = false
		result |= uint64(b&0x7F) << shift
		if (b & 0x80) == 0 {
			break
		}
		shift += 7
		if shift >= 64 {
			return 0, errVarintOverflow
		}
	}

	return result, nil
}

// msgpackFramer decodes one top-level msgpack value per frame.
type msgpackFramer struct {
	src *countingReader
	dec *msgpack.Decoder
}

func newMsgpackFramer(src *countingReader) *msgpackFramer {
	dec := msgpack.NewDecoder(src)
	dec.UseLooseInterfaceDecoding(true)
	return &msgpackFramer{src: src, dec: dec}
}

func (f *msgpackFramer) next() (frame, error) {
	start := f.src.n

	if _, err := f.src.ReadByte(); err != nil {
		if errors.Is(err, io.EOF) {
			return frame{}, io.EOF
		}
		return frame{}, err
	}
	_ = f.src.UnreadByte()

	code, err := f.dec.PeekCode()
	if err != nil {
		return frame{}, f.wrap(start, err)
	}

	if !msgpcode.IsFixedArray(code) && code != msgpcode.Array16 && code != msgpcode.Array32 {
		if err := f.dec.Skip(); err != nil {
			return frame{}, f.wrap(start, err)
		}
		return frame{offset: start}, nil
	}

	n, err := f.dec.DecodeArrayLen()
	if err != nil {
		return frame{}, f.wrap(start, err)
	}
	values := make([]any, 0, min(n, 64))
	for i := 0; i < n; i++ {
		v, err := f.dec.DecodeInterfaceLoose()
		if err != nil {
			return frame{}, f.wrap(start, err)
		}
		values = append(values, v)
	}
	return frame{values: values, offset: start}, nil
}

// wrap turns msgpack errors into corruption while keeping reader I/O errors intact.
func (f *msgpackFramer) wrap(start int64, err error) error {
	if isIOError(err) {
		return err
	}
	return corrupt(start, "malformed msgpack value: %v", err)
}

func isIOError(err error) bool {
	var ae *apperr.Error
	return errors.As(err, &ae) && ae.Kind == apperr.KindIO
}
