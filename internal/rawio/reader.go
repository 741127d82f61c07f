// Package rawio opens raw data files for sequential, forward-only reading.
package rawio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dataparser/dataparser/internal/apperr"
	"github.com/dataparser/dataparser/internal/models"
)

// DefaultChunkSize is the read buffer size.
const DefaultChunkSize = 64 * 1024

// SniffSize is how many leading bytes are offered to format detection.
const SniffSize = 4096

// DetectFunc picks a format tag from the file name and its leading bytes.
type DetectFunc func(fileName string, head []byte) (string, error)

// Options configures Open.
type Options struct {
	ChunkSize int
	Detect    DetectFunc
}

// Reader streams a raw data file. It owns the file descriptor until Close.
type Reader struct {
	file   *os.File
	buf    *bufio.Reader
	info   models.RawDataFile
	offset int64
	closed bool
}

// Open opens path for reading. When opts.Detect is set it is called with the
// file's leading bytes and its result becomes RawDataFile.Format.
func Open(path string, opts Options) (*Reader, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, apperr.NewIOError("open", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, apperr.NewIOError("stat", path, err)
	}
	if stat.IsDir() {
		file.Close()
		return nil, apperr.NewIOError("open", path, errors.New("is a directory"))
	}

	bufSize := opts.ChunkSize
	if bufSize < SniffSize {
		bufSize = SniffSize
	}

	r := &Reader{
		file: file,
		buf:  bufio.NewReaderSize(file, bufSize),
		info: models.RawDataFile{
			Path:     path,
			Size:     stat.Size(),
			Modified: stat.ModTime(),
		},
	}

	if opts.Detect != nil {
		head, err := r.Peek(SniffSize)
		if err != nil {
			r.Close()
			return nil, err
		}
		tag, err := opts.Detect(filepath.Base(path), head)
		if err != nil {
			r.Close()
			return nil, apperr.NewInvalidError("detect format of "+path, err)
		}
		r.info.Format = tag
	}

	return r, nil
}

// Info returns the immutable description of the opened file.
func (r *Reader) Info() models.RawDataFile {
	return r.info
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Peek returns up to n leading unread bytes without consuming them.
// A short file yields a short slice and no error.
func (r *Reader) Peek(n int) ([]byte, error) {
	if r.closed {
		return nil, apperr.NewIOError("peek", r.info.Path, os.ErrClosed)
	}
	head, err := r.buf.Peek(n)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, apperr.NewIOError("read", r.info.Path, err)
	}
	return head, nil
}

// Read implements io.Reader. Errors other than io.EOF are IOErrors.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, apperr.NewIOError("read", r.info.Path, os.ErrClosed)
	}
	n, err := r.buf.Read(p)
	r.offset += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, apperr.NewIOError("read", r.info.Path, err)
	}
	return n, err
}

// ReadChunk returns the next chunk of at most max bytes. It returns io.EOF once
// the file is exhausted. The returned slice is only valid until the next call.
func (r *Reader) ReadChunk(max int) ([]byte, error) {
	if max <= 0 {
		return nil, fmt.Errorf("read chunk: invalid size %d", max)
	}
	if r.closed {
		return nil, apperr.NewIOError("read", r.info.Path, os.ErrClosed)
	}
	if max > r.buf.Size() {
		max = r.buf.Size()
	}
	chunk, err := r.buf.Peek(max)
	if len(chunk) == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, apperr.NewIOError("read", r.info.Path, err)
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, apperr.NewIOError("read", r.info.Path, err)
	}
	if _, err := r.buf.Discard(len(chunk)); err != nil {
		return nil, apperr.NewIOError("read", r.info.Path, err)
	}
	r.offset += int64(len(chunk))
	return chunk, nil
}

// Close releases the file descriptor. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.file.Close(); err != nil {
		return apperr.NewIOError("close", r.info.Path, err)
	}
	return nil
}
