package kvstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/bootguard/internal/fsutil"
)

// FileStore implements core.KVStore as a single JSON document rewritten
// atomically on every mutation. Suited to small stores on hosts where SQLite
// is unavailable.
type FileStore struct {
	path       string
	backupPath string
	mu         sync.Mutex
}

// FileStoreOption configures the store.
type FileStoreOption func(*FileStore)

// WithFileBackupPath sets the backup file path.
func WithFileBackupPath(path string) FileStoreOption {
	return func(s *FileStore) {
		s.backupPath = path
	}
}

// fileEnvelope wraps the key space with an integrity checksum.
type fileEnvelope struct {
	Version   int               `json:"version"`
	Checksum  string            `json:"checksum"`
	UpdatedAt time.Time         `json:"updated_at"`
	Entries   map[string]string `json:"entries"`
}

// errChecksum marks a document whose content does not match its checksum.
var errChecksum = errors.New("checksum mismatch")

// NewFileStore creates a store backed by the JSON file at path. The file is
// created on first write.
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{
		path:       path,
		backupPath: path + ".bak",
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return s, nil
}

// Get implements core.KVStore.
func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := entries[key]
	return v, ok, nil
}

// Set implements core.KVStore.
func (s *FileStore) Set(_ context.Context, key, value string) error {
	return s.mutate(func(entries map[string]string) {
		entries[key] = value
	})
}

// Delete implements core.KVStore.
func (s *FileStore) Delete(_ context.Context, key string) error {
	return s.mutate(func(entries map[string]string) {
		delete(entries, key)
	})
}

// DeleteMany implements core.KVStore with a single rewrite.
func (s *FileStore) DeleteMany(_ context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.mutate(func(entries map[string]string) {
		for _, k := range keys {
			delete(entries, k)
		}
	})
}

// ListKeys implements core.KVStore.
func (s *FileStore) ListKeys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists checks if the store file exists.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *FileStore) mutate(fn func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	fn(entries)
	return s.save(entries)
}

// load reads the document, falling back to the backup copy when the primary
// is corrupt. A missing file is an empty store.
func (s *FileStore) load() (map[string]string, error) {
	entries, err := s.loadFromPath(s.path)
	if err == nil {
		return entries, nil
	}
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}

	backup, backupErr := s.loadFromPath(s.backupPath)
	if backupErr != nil {
		return nil, fmt.Errorf("loading store: %w (backup also failed: %v)", err, backupErr)
	}
	return backup, nil
}

func (s *FileStore) loadFromPath(path string) (map[string]string, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, err
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if env.Entries == nil {
		env.Entries = map[string]string{}
	}

	sum, err := checksum(env.Entries)
	if err != nil {
		return nil, err
	}
	if sum != env.Checksum {
		return nil, fmt.Errorf("%s: %w", path, errChecksum)
	}
	return env.Entries, nil
}

func (s *FileStore) save(entries map[string]string) error {
	sum, err := checksum(entries)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(fileEnvelope{
		Version:   1,
		Checksum:  sum,
		UpdatedAt: time.Now().UTC(),
		Entries:   entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	// Keep the previous document as the backup only while it is intact.
	if _, err := s.loadFromPath(s.path); err == nil {
		prev, err := fsutil.ReadFileScoped(s.path)
		if err == nil {
			if err := fsutil.WriteFileAtomic(s.backupPath, prev, 0o600); err != nil {
				return fmt.Errorf("writing backup: %w", err)
			}
		}
	}

	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing store file: %w", err)
	}
	return nil
}

// checksum hashes the entries; encoding/json sorts map keys so the digest is
// stable across runs.
func checksum(entries map[string]string) (string, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshaling entries for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
