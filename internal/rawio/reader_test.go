package rawio

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparser/dataparser/internal/apperr"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestOpen(t *testing.T) {
	path := writeFile(t, "a.raw", []byte("hello world"))

	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()

	info := r.Info()
	assert.Equal(t, path, info.Path)
	assert.Equal(t, int64(11), info.Size)
	assert.Empty(t, info.Format)
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.raw"), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpen_Directory(t *testing.T) {
	_, err := Open(t.TempDir(), Options{})
	assert.ErrorIs(t, err, apperr.ErrIO)
}

func TestOpen_Detect(t *testing.T) {
	path := writeFile(t, "rec.bin", []byte{0xAA, 0x55, 1, 2, 3})

	var gotName string
	var gotHead []byte
	r, err := Open(path, Options{Detect: func(name string, head []byte) (string, error) {
		gotName = name
		gotHead = append([]byte(nil), head...)
		return "sensor", nil
	}})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "rec.bin", gotName)
	assert.Equal(t, []byte{0xAA, 0x55, 1, 2, 3}, gotHead)
	assert.Equal(t, "sensor", r.Info().Format)
	assert.Equal(t, int64(0), r.Offset(), "detection must not consume input")
}

func TestOpen_DetectFailure(t *testing.T) {
	path := writeFile(t, "rec.bin", []byte("x"))
	_, err := Open(path, Options{Detect: func(string, []byte) (string, error) {
		return "", errors.New("no match")
	}})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestReadChunk(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	path := writeFile(t, "big.raw", data)

	r, err := Open(path, Options{ChunkSize: 4096})
	require.NoError(t, err)
	defer r.Close()

	var got []byte
	for {
		chunk, err := r.ReadChunk(3000)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk), 3000)
		got = append(got, chunk...)
	}
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), r.Offset())

	_, err = r.ReadChunk(10)
	assert.ErrorIs(t, err, io.EOF, "EOF is sticky")
}

func TestRead_AfterClose(t *testing.T) {
	path := writeFile(t, "a.raw", []byte("abc"))
	r, err := Open(path, Options{})
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "close is idempotent")

	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, apperr.ErrIO)
	_, err = r.ReadChunk(1)
	assert.ErrorIs(t, err, apperr.ErrIO)
}

func TestRead_TracksOffset(t *testing.T) {
	path := writeFile(t, "a.raw", []byte("abcdef"))
	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 4)
	n, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), r.Offset())

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(rest))
	assert.Equal(t, int64(6), r.Offset())
}
