// Package store is the persisted section/subsection/property configuration
// store backing local identity and bonded peer records.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Store is the key-value view consumed by the adapter and security components.
// An empty subsection addresses the section's own properties.
type Store interface {
	Load() error
	Save() error
	Reload() error

	GetValue(section, subsection, property string) (any, bool)
	GetString(section, subsection, property string) (string, bool)
	GetInt(section, subsection, property string) (int, bool)
	GetBool(section, subsection, property string) (bool, bool)
	SetValue(section, subsection, property string, value any)

	Subsections(section string) []string
	HasSubsection(section, subsection string) bool
	RemoveSubsection(section, subsection string) bool
}

type section struct {
	Properties  map[string]any            `yaml:"properties,omitempty"`
	Subsections map[string]map[string]any `yaml:"subsections,omitempty"`
}

type document struct {
	Sections map[string]*section `yaml:"sections"`
}

// FileStore keeps the document in memory and persists it as YAML.
// With an empty path it is memory only.
type FileStore struct {
	mu   sync.RWMutex
	path string
	doc  document
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, doc: document{Sections: map[string]*section{}}}
}

// Load reads the file; a missing file yields an empty document.
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Reload discards unsaved changes and reads the file again.
func (s *FileStore) Reload() error {
	return s.Load()
}

func (s *FileStore) loadLocked() error {
	s.doc = document{Sections: map[string]*section{}}
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read config store %s", s.path)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "failed to decode config store %s", s.path)
	}
	if doc.Sections == nil {
		doc.Sections = map[string]*section{}
	}
	s.doc = doc
	return nil
}

// Save writes the document atomically through a temp file.
func (s *FileStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.path == "" {
		return nil
	}

	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return errors.Wrap(err, "failed to encode config store")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", s.path)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write config store %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, s.path), "failed to replace config store %s", s.path)
}

func (s *FileStore) props(sec, sub string, create bool) map[string]any {
	sc, ok := s.doc.Sections[sec]
	if !ok {
		if !create {
			return nil
		}
		sc = &section{}
		s.doc.Sections[sec] = sc
	}
	if sub == "" {
		if sc.Properties == nil && create {
			sc.Properties = map[string]any{}
		}
		return sc.Properties
	}
	if sc.Subsections == nil {
		if !create {
			return nil
		}
		sc.Subsections = map[string]map[string]any{}
	}
	p, ok := sc.Subsections[sub]
	if !ok && create {
		p = map[string]any{}
		sc.Subsections[sub] = p
	}
	return p
}

func (s *FileStore) GetValue(sec, sub, property string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.props(sec, sub, false)[property]
	return v, ok
}

func (s *FileStore) GetString(sec, sub, property string) (string, bool) {
	v, ok := s.GetValue(sec, sub, property)
	if !ok {
		return "", false
	}
	str, err := cast.ToStringE(v)
	return str, err == nil
}

func (s *FileStore) GetInt(sec, sub, property string) (int, bool) {
	v, ok := s.GetValue(sec, sub, property)
	if !ok {
		return 0, false
	}
	n, err := cast.ToIntE(v)
	return n, err == nil
}

func (s *FileStore) GetBool(sec, sub, property string) (bool, bool) {
	v, ok := s.GetValue(sec, sub, property)
	if !ok {
		return false, false
	}
	b, err := cast.ToBoolE(v)
	return b, err == nil
}

func (s *FileStore) SetValue(sec, sub, property string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props(sec, sub, true)[property] = value
}

// Subsections returns the subsection names of sec, sorted.
func (s *FileStore) Subsections(sec string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.doc.Sections[sec]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(sc.Subsections))
	for name := range sc.Subsections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *FileStore) HasSubsection(sec, sub string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props(sec, sub, false) != nil
}

func (s *FileStore) RemoveSubsection(sec, sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.doc.Sections[sec]
	if !ok || sc.Subsections == nil {
		return false
	}
	if _, ok := sc.Subsections[sub]; !ok {
		return false
	}
	delete(sc.Subsections, sub)
	return true
}
