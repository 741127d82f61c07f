// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dataparser/dataparser/internal/format"
	"github.com/dataparser/dataparser/internal/models"
)

// KVTable is a minimal delimited table: a string key and an integer value.
const KVTable = `
name: kv
extensions: [".kv"]
framing: {kind: delimited, max_frame_bytes: 64}
fields:
  - {name: key, type: string}
  - {name: value, type: integer}
`

// WriteFile writes data to name inside dir and returns the full path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// WriteLines streams n generated lines to name inside dir without holding them
// in memory.
func WriteLines(t testing.TB, dir, name string, n int, line func(i int) string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	w := bufio.NewWriter(f)
	for i := 0; i < n; i++ {
		_, err := w.WriteString(line(i))
		require.NoError(t, err)
		require.NoError(t, w.WriteByte('\n'))
	}
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())
	return path
}

// Registry returns the default registry plus the given YAML tables.
func Registry(t testing.TB, tables ...string) *format.Registry {
	t.Helper()
	reg, err := format.NewDefaultRegistry()
	require.NoError(t, err)
	for _, table := range tables {
		spec, err := format.LoadFromReader(strings.NewReader(table))
		require.NoError(t, err)
		require.NoError(t, reg.Register(spec))
	}
	return reg
}

// DirNames lists the entries of dir.
func DirNames(t testing.TB, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// Recorder captures pipeline callbacks the way the invoking shell sees them.
type Recorder struct {
	mu        sync.Mutex
	States    []models.JobState
	Progress  []int64
	Terminals []models.JobResult
}

// OnStateChange records the target state.
func (r *Recorder) OnStateChange(_, to models.JobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.States = append(r.States, to)
}

// OnProgress records the record count.
func (r *Recorder) OnProgress(records, _, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progress = append(r.Progress, records)
}

// OnTerminal records the final result.
func (r *Recorder) OnTerminal(res models.JobResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Terminals = append(r.Terminals, res)
}
