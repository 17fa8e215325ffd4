package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const manifestExtension = ".yaml"

var ErrManifestMismatch = errors.New("manifest header does not match its path")

// NotFoundError reports a record missing from the store, whether requested
// directly or reached through a dangling ref.
type NotFoundError struct {
	Kind Kind
	Name string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("manifest %s/%s not found", string(e.Kind), e.Name)
}

// Store persists manifests one file per record, grouped by kind:
// <root>/<kind>/<name>.yaml. Records stay human-readable YAML so operators
// can inspect and hand-edit them.
type Store struct {
	root string
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(kind Kind, name string) string {
	return filepath.Join(s.root, string(kind), name+manifestExtension)
}

// Save writes the record as a whole, creating the kind directory on first
// use. The write goes through a temp file so a crash never leaves a
// half-written manifest behind.
func (s *Store) Save(record Record) error {
	data, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", record.ManifestKind(), record.ManifestName(), err)
	}

	dir := filepath.Join(s.root, string(record.ManifestKind()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create kind directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+record.ManifestName()+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close manifest: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(record.ManifestKind(), record.ManifestName())); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to place manifest: %w", err)
	}

	return nil
}

// Delete removes the record's file. A record that is already gone is not an
// error.
func (s *Store) Delete(record Record) error {
	return s.DeleteByName(record.ManifestKind(), record.ManifestName())
}

func (s *Store) DeleteByName(kind Kind, name string) error {
	if err := os.Remove(s.path(kind, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete manifest %s/%s: %w", string(kind), name, err)
	}

	return nil
}

// ListExisting returns the names of all records of a kind, sorted. A kind
// that has never been written lists as empty.
func (s *Store) ListExisting(kind Kind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(kind)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s manifests: %w", string(kind), err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, manifestExtension) {
			continue
		}

		names = append(names, strings.TrimSuffix(name, manifestExtension))
	}

	return names, nil
}

func (s *Store) Exists(kind Kind, name string) bool {
	_, err := os.Stat(s.path(kind, name))
	return err == nil
}

// load decodes one record strictly: unknown fields are rejected and the
// header must match the path the record was addressed by.
func load[M any, S any](s *Store, kind Kind, name string) (*Manifest[M, S], error) {
	data, err := os.ReadFile(s.path(kind, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, NotFoundError{Kind: kind, Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s/%s: %w", string(kind), name, err)
	}

	record := new(Manifest[M, S])
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(record); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s/%s: %w", string(kind), name, err)
	}

	if record.Kind != kind || record.Name != name {
		return nil, fmt.Errorf("%s/%s holds %s/%s: %w", string(kind), name, string(record.Kind), record.Name, ErrManifestMismatch)
	}

	return record, nil
}

// NewStore opens a manifest store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create manifest root: %w", err)
	}

	return &Store{root: dir}, nil
}
