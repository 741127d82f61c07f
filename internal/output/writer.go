// Package output writes the CSV beside its source without ever exposing a
// partial file at the final path.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/dataparser/dataparser/internal/apperr"
	"github.com/dataparser/dataparser/internal/models"
)

// Policy decides what happens when the target already exists.
type Policy string

const (
	PolicyFail      Policy = "fail"
	PolicyOverwrite Policy = "overwrite"
)

const defaultBufferSize = 64 * 1024

// Options configures a Writer.
type Options struct {
	Policy     Policy
	BufferSize int
	Perm       os.FileMode
}

type writerState int

const (
	stateOpen writerState = iota
	stateFinalized
	stateAborted
)

// Writer buffers lines into a hidden temp file in the target directory and
// publishes it on Finalize.
type Writer struct {
	path   string
	temp   string
	policy Policy
	perm   os.FileMode
	file   *os.File
	buf    *bufio.Writer
	out    models.OutputFile
	state  writerState
}

// SiblingPath returns the CSV path for source: same directory, same stem,
// ".csv" extension. A source that is itself a .csv gets a "_parsed" suffix so the
// output can never replace it.
func SiblingPath(source string) string {
	dir := filepath.Dir(source)
	base := filepath.Base(source)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = base
	}
	if strings.EqualFold(ext, ".csv") {
		return filepath.Join(dir, stem+"_parsed.csv")
	}
	return filepath.Join(dir, stem+".csv")
}

// TaggedPath returns the per-tag CSV path for source: "<stem>_<tag>.csv" in the
// same directory.
func TaggedPath(source, tag string) string {
	base := filepath.Base(source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return filepath.Join(filepath.Dir(source), stem+"_"+tag+".csv")
}

// ValidTag reports whether tag can be embedded in a file name.
func ValidTag(tag string) bool {
	if tag == "" || tag == "." || tag == ".." {
		return false
	}
	return !strings.ContainsAny(tag, `/\:*?"<>|`+"\x00")
}

// Create checks the target against the policy and opens the temp file. Nothing
// is written to path until Finalize.
func Create(path string, opts Options) (*Writer, error) {
	if opts.Policy == "" {
		opts.Policy = PolicyFail
	}
	if opts.Policy != PolicyFail && opts.Policy != PolicyOverwrite {
		return nil, apperr.NewInvalidError("output policy", fmt.Errorf("unknown policy %q", opts.Policy))
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Perm == 0 {
		opts.Perm = 0644
	}

	info, err := os.Lstat(path)
	switch {
	case err == nil:
		if opts.Policy == PolicyFail || info.IsDir() {
			return nil, apperr.NewOutputConflictError(path)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, apperr.NewIOError("stat output", path, err)
	}

	temp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.New().String()+".partial")
	f, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, opts.Perm)
	if err != nil {
		return nil, apperr.NewIOError("create output", temp, err)
	}

	return &Writer{
		path:   path,
		temp:   temp,
		policy: opts.Policy,
		perm:   opts.Perm,
		file:   f,
		buf:    bufio.NewWriterSize(f, opts.BufferSize),
		out:    models.OutputFile{Path: path, TempPath: temp},
	}, nil
}

// Path returns the final output path.
func (w *Writer) Path() string { return w.path }

// Output returns a snapshot of the output bookkeeping.
func (w *Writer) Output() models.OutputFile { return w.out }

// Write appends one complete line, terminator included.
func (w *Writer) Write(p []byte) (int, error) {
	if w.state != stateOpen {
		return 0, apperr.NewIOError("write output", w.temp, fs.ErrClosed)
	}
	n, err := w.buf.Write(p)
	w.out.BytesWritten += int64(n)
	if err != nil {
		return n, apperr.NewIOError("write output", w.temp, err)
	}
	w.out.Lines++
	return n, nil
}

// WriteLine appends s followed by a newline.
func (w *Writer) WriteLine(s string) error {
	_, err := w.Write([]byte(s + "\n"))
	return err
}

// Finalize flushes, syncs and publishes the file at its final path. On any
// failure the temp file is removed and nothing appears at the final path.
func (w *Writer) Finalize() error {
	if w.state != stateOpen {
		return apperr.NewIOError("finalize output", w.path, fs.ErrClosed)
	}

	if err := w.closeTemp(); err != nil {
		w.discard()
		return err
	}
	if err := w.publish(); err != nil {
		w.discard()
		return err
	}
	syncDir(filepath.Dir(w.path))

	w.state = stateFinalized
	w.out.TempPath = ""
	return nil
}

// Abort drops everything written so far. It is safe to call more than once and
// after a failed Finalize; it is a no-op after a successful one.
func (w *Writer) Abort() error {
	if w.state != stateOpen {
		return nil
	}
	_ = w.file.Close()
	return w.discard()
}

func (w *Writer) closeTemp() error {
	if err := w.buf.Flush(); err != nil {
		return apperr.NewIOError("flush output", w.temp, err)
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return apperr.NewIOError("sync output", w.temp, err)
	}
	if err := w.file.Close(); err != nil {
		return apperr.NewIOError("close output", w.temp, err)
	}
	return nil
}

func (w *Writer) publish() error {
	if w.policy == PolicyOverwrite {
		if err := os.Rename(w.temp, w.path); err != nil {
			return apperr.NewIOError("publish output", w.path, err)
		}
		return nil
	}

	// A hard link fails if the target appeared since Create.
	err := os.Link(w.temp, w.path)
	switch {
	case err == nil:
		_ = os.Remove(w.temp)
		return nil
	case errors.Is(err, fs.ErrExist):
		return apperr.NewOutputConflictError(w.path)
	}

	// Filesystems without hard links: check and rename.
	if _, statErr := os.Lstat(w.path); statErr == nil {
		return apperr.NewOutputConflictError(w.path)
	}
	if err := os.Rename(w.temp, w.path); err != nil {
		return apperr.NewIOError("publish output", w.path, err)
	}
	return nil
}

func (w *Writer) discard() error {
	w.state = stateAborted
	if err := os.Remove(w.temp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.NewIOError("remove partial output", w.temp, err)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
