package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"icsuntis/internal/timetable"
)

// remapDocument is the on-disk layout of the remap file.
type remapDocument struct {
	Subjects map[string]string `yaml:"subjects"`
	Rooms    map[string]string `yaml:"rooms"`
	Teachers map[string]string `yaml:"teachers"`
}

// RemapFile persists remap tables as YAML.
type RemapFile struct {
	path string
}

func NewRemapFile(path string) *RemapFile {
	return &RemapFile{path: path}
}

// Path returns the file location.
func (f *RemapFile) Path() string {
	return f.path
}

// Load reads the tables, overlaying them on base. A missing file yields base
// unchanged.
func (f *RemapFile) Load(base RemapConfig) (*timetable.Tables, error) {
	doc := remapDocument{
		Subjects: maps.Clone(base.Subjects),
		Rooms:    maps.Clone(base.Rooms),
		Teachers: maps.Clone(base.Teachers),
	}

	if f.path != "" {
		data, err := os.ReadFile(f.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read remap file: %w", err)
		default:
			var onDisk remapDocument
			if err := yaml.Unmarshal(data, &onDisk); err != nil {
				return nil, fmt.Errorf("parse remap file %s: %w", f.path, err)
			}
			doc.Subjects = overlay(doc.Subjects, onDisk.Subjects)
			doc.Rooms = overlay(doc.Rooms, onDisk.Rooms)
			doc.Teachers = overlay(doc.Teachers, onDisk.Teachers)
		}
	}

	return timetable.NewTables(doc.Subjects, doc.Rooms, doc.Teachers), nil
}

func overlay(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

// SaveRemap writes t atomically via a temp file and rename, with 0600
// permissions.
func (f *RemapFile) SaveRemap(t *timetable.Tables) error {
	if f.path == "" {
		return errors.New("remap file path is empty")
	}
	if t == nil {
		return errors.New("remap tables are nil")
	}

	data, err := yaml.Marshal(remapDocument{
		Subjects: t.Subjects.Map(),
		Rooms:    t.Rooms.Map(),
		Teachers: t.Teachers.Map(),
	})
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".icsuntis-remap-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}
