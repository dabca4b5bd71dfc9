package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xmidt-org/talaria/sensorlink"
)

// File keeps definitions in one YAML document keyed by identifier. Every
// Save rewrites the document through a temporary file and a rename.
type File struct {
	path string

	mu   sync.Mutex
	defs map[string]sensorlink.Definition
}

type fileDocument struct {
	Definitions map[string]sensorlink.Definition `yaml:"definitions"`
}

// OpenFile loads path, which need not exist yet.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file store needs a path", sensorlink.ErrInvalidParameter)
	}
	f := &File{path: path, defs: make(map[string]sensorlink.Definition)}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store %s: %w", path, err)
	}
	for id, def := range doc.Definitions {
		f.defs[id] = def
	}
	return f, nil
}

func (f *File) Load(_ context.Context, identifier string) (sensorlink.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.defs[identifier]
	if !ok {
		return sensorlink.Definition{}, notFound(identifier)
	}
	return def.Clone(), nil
}

func (f *File) Save(_ context.Context, identifier string, def sensorlink.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.defs[identifier]
	f.defs[identifier] = def.Clone()
	if err := f.flush(); err != nil {
		if had {
			f.defs[identifier] = prev
		} else {
			delete(f.defs, identifier)
		}
		return err
	}
	return nil
}

func (f *File) flush() error {
	data, err := yaml.Marshal(fileDocument{Definitions: f.defs})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".definitions-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *File) Close() error { return nil }
