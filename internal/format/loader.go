package format

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile parses and validates a YAML format table.
func LoadFile(filePath string) (*Spec, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	spec, err := LoadFromReader(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	spec.Source = filePath
	return spec, nil
}

// LoadFromReader parses and validates a format table from an io.Reader.
// Unknown keys are rejected so typos in a table do not silently change framing.
func LoadFromReader(r io.Reader) (*Spec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parsing format table: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadDir loads every *.yaml / *.yml table in dir, sorted by file name.
func LoadDir(dir string) ([]*Spec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	specs := make([]*Spec, 0, len(names))
	for _, name := range names {
		spec, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
