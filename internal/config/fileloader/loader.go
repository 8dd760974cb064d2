// Package fileloader reads YAML documents from disk into typed values.
package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileLoader loads a YAML file from disk.
type FileLoader struct {
	// path is the filesystem path to the file.
	path string
}

// NewFileLoader creates a FileLoader for path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Path returns the file the loader reads.
func (l *FileLoader) Path() string { return l.path }

// Load reads the file and decodes it into out, which must be a pointer.
// Unknown fields are rejected so typos in hand-edited files surface early.
func (l *FileLoader) Load(ctx context.Context, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", l.path, err)
	}
	return nil
}
