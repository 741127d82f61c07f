package format

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// sniffLines is how many non-blank lines are checked when sniffing text formats.
const sniffLines = 10

// sniffRatio is the share of sniffed lines that must match.
const sniffRatio = 0.6

// Registry holds all available format tables and provides auto-detection.
type Registry struct {
	specs []*Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry returns a registry preloaded with the built-in tables.
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	err := fs.WalkDir(builtinFS, "builtin", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		f, err := builtinFS.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		spec, err := LoadFromReader(f)
		if err != nil {
			return fmt.Errorf("builtin %s: %w", path.Base(p), err)
		}
		spec.Source = "builtin"
		return r.Register(spec)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds a validated table. A table with the same name replaces the earlier
// one, so user tables can shadow built-ins.
func (r *Registry) Register(spec *Spec) error {
	if !spec.Compiled() {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	for i, s := range r.specs {
		if strings.EqualFold(s.Name, spec.Name) {
			r.specs[i] = spec
			return nil
		}
	}
	r.specs = append(r.specs, spec)
	return nil
}

// Get returns a table by name.
func (r *Registry) Get(name string) (*Spec, error) {
	for _, s := range r.specs {
		if strings.EqualFold(s.Name, name) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("format not found: %s", name)
}

// List returns the tables sorted by name.
func (r *Registry) List() []*Spec {
	out := make([]*Spec, len(r.specs))
	copy(out, r.specs)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Detect picks the table for a file from its name and leading bytes.
// Magic numbers win over sniffed text, which wins over a bare extension match.
func (r *Registry) Detect(fileName string, head []byte) (*Spec, error) {
	for _, s := range r.specs {
		if m := s.MagicBytes(); len(m) > 0 && bytes.HasPrefix(head, m) {
			return s, nil
		}
	}

	for _, s := range r.specs {
		if re := s.SniffRegexp(); re != nil && sniffMatches(s, head) {
			return s, nil
		}
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	for _, s := range r.specs {
		if len(s.MagicBytes()) > 0 || s.SniffRegexp() != nil {
			continue
		}
		for _, e := range s.Extensions {
			if strings.EqualFold(e, ext) {
				return s, nil
			}
		}
	}

	return nil, fmt.Errorf("no suitable format found for file: %s", fileName)
}

// sniffMatches checks the first lines of head against the table's sniff regexp.
// At least sniffRatio of the checked lines must match.
func sniffMatches(s *Spec, head []byte) bool {
	head = bytes.TrimPrefix(head, utf8BOM)
	scanner := bufio.NewScanner(bytes.NewReader(head))
	scanner.Buffer(make([]byte, 0, 4096), len(head)+1)

	checked, matched := 0, 0
	for scanner.Scan() && checked < sniffLines {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if s.Framing.CommentPrefix != "" && strings.HasPrefix(line, s.Framing.CommentPrefix) {
			continue
		}
		checked++
		if s.SniffRegexp().MatchString(line) {
			matched++
		}
	}
	return checked > 0 && float64(matched)/float64(checked) >= sniffRatio
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}
