package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/colony/pkg/types"
)

// configDocument is the on-disk layout of the cluster configuration
type configDocument struct {
	Nodes []types.NodeEntry `yaml:"nodes"`
}

// FileStore keeps the cluster configuration in a YAML file
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by the YAML file at path. The file is
// created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load() ([]types.NodeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", f.path, err)
	}

	entries, err := DecodeEntries(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", f.path, err)
	}
	return entries, nil
}

func (f *FileStore) Save(entries []types.NodeEntry) error {
	if err := types.ValidateEntries(entries); err != nil {
		return err
	}

	data, err := EncodeEntries(entries)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeFileAtomic(f.path, data); err != nil {
		return fmt.Errorf("failed to save config %s: %w", f.path, err)
	}
	return nil
}

// DecodeEntries parses and validates a YAML configuration document
func DecodeEntries(data []byte) ([]types.NodeEntry, error) {
	var doc configDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := types.ValidateEntries(doc.Nodes); err != nil {
		return nil, err
	}
	return doc.Nodes, nil
}

// EncodeEntries renders entries as a YAML configuration document
func EncodeEntries(entries []types.NodeEntry) ([]byte, error) {
	data, err := yaml.Marshal(configDocument{Nodes: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
