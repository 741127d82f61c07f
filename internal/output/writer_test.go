package output

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparser/dataparser/internal/apperr"
)

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSiblingPath(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{source: "/data/run1.bin", want: "/data/run1.csv"},
		{source: "/data/run1", want: "/data/run1.csv"},
		{source: "/data/run.1.raw", want: "/data/run.1.csv"},
		{source: "/data/emotibit.csv", want: "/data/emotibit_parsed.csv"},
		{source: "/data/EMOTIBIT.CSV", want: "/data/EMOTIBIT_parsed.csv"},
		{source: "/data/.hidden", want: "/data/.hidden.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), SiblingPath(filepath.FromSlash(tt.source)))
		})
	}
}

func TestTaggedPath(t *testing.T) {
	assert.Equal(t, filepath.FromSlash("/data/run1_AX.csv"), TaggedPath(filepath.FromSlash("/data/run1.csv"), "AX"))
	assert.Equal(t, filepath.FromSlash("/data/run1_HR.csv"), TaggedPath(filepath.FromSlash("/data/run1"), "HR"))

	for _, tag := range []string{"AX", "%A", "T1"} {
		assert.True(t, ValidTag(tag), tag)
	}
	for _, tag := range []string{"", ".", "..", "a/b", `a\b`, "a:b"} {
		assert.False(t, ValidTag(tag), tag)
	}
}

func TestWriter_Finalize(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.csv")

	w, err := Create(target, Options{})
	require.NoError(t, err)

	tmp := w.Output().TempPath
	assert.True(t, strings.HasPrefix(filepath.Base(tmp), ".out.csv."))
	assert.True(t, strings.HasSuffix(tmp, ".partial"))

	require.NoError(t, w.WriteLine("a,b"))
	_, err = w.Write([]byte("1,2\n"))
	require.NoError(t, err)

	// nothing at the final path yet
	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, w.Finalize())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
	assert.Equal(t, []string{"out.csv"}, listDir(t, dir))

	out := w.Output()
	assert.Equal(t, int64(8), out.BytesWritten)
	assert.Equal(t, int64(2), out.Lines)
	assert.Empty(t, out.TempPath)

	assert.NoError(t, w.Abort(), "abort after finalize is a no-op")
	_, err = os.Stat(target)
	assert.NoError(t, err)
}

func TestWriter_ConflictLeavesExistingFileUntouched(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.csv")
	original := []byte("precious,data\n")
	require.NoError(t, os.WriteFile(target, original, 0644))

	w, err := Create(target, Options{Policy: PolicyFail})
	assert.Nil(t, w)
	require.ErrorIs(t, err, apperr.ErrOutputConflict)
	assert.Equal(t, apperr.ExitOutputConflict, apperr.ExitCode(err))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, original, data)
	assert.Equal(t, []string{"out.csv"}, listDir(t, dir))
}

func TestWriter_ConflictAppearingMidRun(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.csv")

	w, err := Create(target, Options{})
	require.NoError(t, err)
	require.NoError(t, w.WriteLine("new"))

	require.NoError(t, os.WriteFile(target, []byte("someone else\n"), 0644))

	err = w.Finalize()
	require.ErrorIs(t, err, apperr.ErrOutputConflict)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "someone else\n", string(data))
	assert.Equal(t, []string{"out.csv"}, listDir(t, dir))
}

func TestWriter_Overwrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.csv")
	require.NoError(t, os.WriteFile(target, []byte("old\n"), 0644))

	w, err := Create(target, Options{Policy: PolicyOverwrite})
	require.NoError(t, err)
	require.NoError(t, w.WriteLine("new"))

	// the old file stays readable until finalize
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(data))

	require.NoError(t, w.Finalize())
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))
	assert.Equal(t, []string{"out.csv"}, listDir(t, dir))
}

func TestWriter_OverwriteRefusesDirectory(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.csv")
	require.NoError(t, os.Mkdir(target, 0755))

	_, err := Create(target, Options{Policy: PolicyOverwrite})
	assert.ErrorIs(t, err, apperr.ErrOutputConflict)
}

func TestWriter_Abort(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.csv")

	w, err := Create(target, Options{})
	require.NoError(t, err)
	require.NoError(t, w.WriteLine("partial"))

	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())
	assert.Empty(t, listDir(t, dir))

	assert.ErrorIs(t, w.WriteLine("late"), apperr.ErrIO)
	assert.ErrorIs(t, w.Finalize(), apperr.ErrIO)
}

func TestCreate_Errors(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "out.csv"), Options{Policy: "merge"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = Create(filepath.Join(t.TempDir(), "missing", "out.csv"), Options{})
	assert.ErrorIs(t, err, apperr.ErrIO)
}
