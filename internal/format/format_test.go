package format

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparser/dataparser/internal/models"
)

const sensorTable = `
name: sensor_bin
magic: "5344"
byte_order: big
framing:
  kind: fixed
  size: 16
  sync: "5344"
fields:
  - {name: ts, type: timestamp, layout: unix_ms, offset: 2, width: 8, encoding: uint}
  - {name: channel, type: enum, offset: 10, width: 1, encoding: uint, values: [ACC, GYR, MAG]}
  - {name: value, type: float, offset: 11, width: 4, encoding: float}
  - {name: flags, type: integer, offset: 15, width: 1, encoding: uint}
`

func TestLoadFromReader(t *testing.T) {
	spec, err := LoadFromReader(strings.NewReader(sensorTable))
	require.NoError(t, err)

	assert.Equal(t, "sensor_bin", spec.Name)
	assert.Equal(t, []string{"ts", "channel", "value", "flags"}, spec.Columns())
	assert.Equal(t, []byte{0x53, 0x44}, spec.SyncBytes())
	assert.Equal(t, 16, spec.MinPayload())
	assert.True(t, spec.EmitHeader())
	assert.False(t, spec.IsText())
	assert.True(t, spec.Compiled())
}

func TestLoadFromReader_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		table string
		want  string
	}{
		{
			name:  "unknown key",
			table: "name: x\nframing: {kind: delimited}\nfields: [{name: a, type: string}]\nbogus: 1\n",
			want:  "bogus",
		},
		{
			name:  "unknown field type",
			table: "name: x\nframing: {kind: delimited}\nfields: [{name: a, type: blob}]\n",
			want:  "unknown type",
		},
		{
			name:  "no fields",
			table: "name: x\nframing: {kind: delimited}\n",
			want:  "Fields",
		},
		{
			name:  "duplicate field",
			table: "name: x\nframing: {kind: delimited}\nfields: [{name: a, type: string}, {name: a, type: integer}]\n",
			want:  "duplicate field",
		},
		{
			name:  "rest not last",
			table: "name: x\nframing: {kind: delimited}\nfields: [{name: a, type: string, rest: true}, {name: b, type: string}]\n",
			want:  "rest",
		},
		{
			name:  "timestamp without layout",
			table: "name: x\nframing: {kind: delimited}\nfields: [{name: a, type: timestamp}]\n",
			want:  "layout",
		},
		{
			name:  "fixed without size",
			table: "name: x\nframing: {kind: fixed}\nfields: [{name: a, type: integer, width: 4, encoding: uint}]\n",
			want:  "size",
		},
		{
			name:  "field past frame",
			table: "name: x\nframing: {kind: fixed, size: 4}\nfields: [{name: a, type: integer, offset: 2, width: 4, encoding: uint}]\n",
			want:  "extends past frame",
		},
		{
			name:  "bad integer width",
			table: "name: x\nframing: {kind: fixed, size: 8}\nfields: [{name: a, type: integer, width: 3, encoding: uint}]\n",
			want:  "width",
		},
		{
			name:  "integer enum without values",
			table: "name: x\nframing: {kind: fixed, size: 8}\nfields: [{name: a, type: enum, width: 1, encoding: uint}]\n",
			want:  "values",
		},
		{
			name:  "same terminator and separator",
			table: "name: x\nframing: {kind: delimited, terminator: ';', separator: ';'}\nfields: [{name: a, type: string}]\n",
			want:  "differ",
		},
		{
			name:  "unknown encoding",
			table: "name: x\nencoding: klingon-8\nframing: {kind: delimited}\nfields: [{name: a, type: string}]\n",
			want:  "encoding",
		},
		{
			name:  "count_of unknown field",
			table: "name: x\nframing: {kind: delimited}\nfields: [{name: n, type: integer, count_of: d}]\n",
			want:  "unknown field",
		},
		{
			name:  "count_of needs rest target",
			table: "name: x\nframing: {kind: delimited}\nfields: [{name: n, type: integer, count_of: d}, {name: d, type: string}]\n",
			want:  "count_of",
		},
		{
			name:  "partition field missing",
			table: "name: x\nframing: {kind: delimited}\nfields: [{name: a, type: string}]\npartition: {field: tag}\n",
			want:  "partition field",
		},
		{
			name:  "partition column missing",
			table: "name: x\nframing: {kind: delimited}\nfields: [{name: a, type: string}]\npartition: {field: a, column: b}\n",
			want:  "partition column",
		},
		{
			name:  "bad sync hex",
			table: "name: x\nframing: {kind: fixed, size: 4, sync: zz}\nfields: [{name: a, type: integer, offset: 2, width: 1, encoding: uint}]\n",
			want:  "sync",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tt.table))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuiltinEmotibitPartition(t *testing.T) {
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)
	spec, err := reg.Get("emotibit")
	require.NoError(t, err)

	assert.True(t, spec.Framing.RequireTerminator)
	assert.Equal(t, 3, spec.PartitionField())
	assert.Equal(t, []CountCheck{{Field: 2, Target: 6}}, spec.CountChecks())
	assert.Equal(t,
		[]string{"EmotiBitTimestamp", "PacketNumber", "DataLength", "TypeTag", "ProtocolVersion", "DataReliability", "HR"},
		spec.PartitionColumns("HR"))
	assert.Equal(t, "Data", spec.Columns()[6])
}

func TestSpecDefaults(t *testing.T) {
	spec, err := LoadFromReader(strings.NewReader("name: x\nframing: {kind: delimited}\nfields: [{name: a, type: string}]\n"))
	require.NoError(t, err)

	assert.Equal(t, byte('\n'), spec.TerminatorByte())
	assert.Equal(t, byte(','), spec.SeparatorByte())
	assert.Equal(t, defaultTextMaxFrame, spec.MaxFrame())
	assert.Nil(t, spec.TextEncoding())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(sensorTable), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"),
		[]byte("name: alpha\nframing: {kind: delimited, separator: ';'}\nfields: [{name: a, type: string}]\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	specs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "alpha", specs[0].Name)
	assert.Equal(t, "sensor_bin", specs[1].Name)
	assert.Equal(t, filepath.Join(dir, "b.yaml"), specs[1].Source)
}

func TestDefaultRegistry_Emotibit(t *testing.T) {
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)

	spec, err := reg.Get("EmotiBit")
	require.NoError(t, err)
	assert.Equal(t, "builtin", spec.Source)
	assert.Equal(t, []string{
		"EmotiBitTimestamp", "PacketNumber", "DataLength", "TypeTag",
		"ProtocolVersion", "DataReliability", "Data",
	}, spec.Columns())
	assert.Equal(t, models.FieldTypeEnum, spec.Fields[3].Type)
	assert.True(t, spec.Fields[6].Rest)
}

func TestRegistry_Detect(t *testing.T) {
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)
	bin, err := LoadFromReader(strings.NewReader(sensorTable))
	require.NoError(t, err)
	require.NoError(t, reg.Register(bin))
	plain, err := LoadFromReader(strings.NewReader(
		"name: plain\nextensions: [.dat]\nframing: {kind: delimited, separator: ';'}\nfields: [{name: a, type: string}]\n"))
	require.NoError(t, err)
	require.NoError(t, reg.Register(plain))

	t.Run("magic", func(t *testing.T) {
		spec, err := reg.Detect("x.raw", []byte{0x53, 0x44, 0, 0})
		require.NoError(t, err)
		assert.Equal(t, "sensor_bin", spec.Name)
	})

	t.Run("sniffed text with BOM", func(t *testing.T) {
		head := "\xEF\xBB\xBF1000,1,2,EA,1,100,0.1,0.2\n1010,2,1,PI,1,100,5\n"
		spec, err := reg.Detect("recording.csv", []byte(head))
		require.NoError(t, err)
		assert.Equal(t, "emotibit", spec.Name)
	})

	t.Run("extension fallback", func(t *testing.T) {
		spec, err := reg.Detect("values.DAT", []byte("a;b\n"))
		require.NoError(t, err)
		assert.Equal(t, "plain", spec.Name)
	})

	t.Run("text that does not sniff", func(t *testing.T) {
		_, err := reg.Detect("notes.csv", []byte("name,age\nbob,4\n"))
		assert.Error(t, err)
	})
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	reg := NewRegistry()
	a, err := LoadFromReader(strings.NewReader("name: x\nframing: {kind: delimited}\nfields: [{name: a, type: string}]\n"))
	require.NoError(t, err)
	b, err := LoadFromReader(strings.NewReader("name: X\nframing: {kind: delimited}\nfields: [{name: b, type: string}]\n"))
	require.NoError(t, err)

	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	assert.Len(t, reg.List(), 1)
	got, err := reg.Get("x")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got.Columns())
}
