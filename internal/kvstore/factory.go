package kvstore

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Options configures store creation.
type Options struct {
	// Backend selects the implementation. Empty means sqlite.
	Backend string

	// Path is the store location. Ignored by the memory backend.
	Path string

	// BackupPath overrides the backend's default backup location.
	BackupPath string
}

// Open creates the store selected by opts.
func Open(opts Options) (core.KVStore, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" {
		backend = BackendSQLite
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		p := opts.Path
		if filepath.Ext(p) != ".json" {
			p = strings.TrimSuffix(p, filepath.Ext(p)) + ".json"
		}
		var fileOpts []FileStoreOption
		if strings.TrimSpace(opts.BackupPath) != "" {
			fileOpts = append(fileOpts, WithFileBackupPath(opts.BackupPath))
		}
		return NewFileStore(p, fileOpts...)
	case BackendSQLite:
		p := opts.Path
		if !strings.HasSuffix(p, ".db") {
			p = strings.TrimSuffix(p, filepath.Ext(p)) + ".db"
		}
		var sqliteOpts []SQLiteStoreOption
		if strings.TrimSpace(opts.BackupPath) != "" {
			sqliteOpts = append(sqliteOpts, WithSQLiteBackupPath(opts.BackupPath))
		}
		return NewSQLiteStore(p, sqliteOpts...)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// Closeable is an optional interface for stores that hold resources.
type Closeable interface {
	Close() error
}

// Close safely closes a store if it implements Closeable.
func Close(s core.KVStore) error {
	if c, ok := s.(Closeable); ok {
		return c.Close()
	}
	return nil
}

// DeleteMatching removes every key matching one of the path.Match patterns
// ('*' does not cross '/') and returns the deleted keys.
func DeleteMatching(ctx context.Context, s core.KVStore, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	keys, err := s.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	var matched []string
	for _, k := range keys {
		for _, p := range patterns {
			if ok, _ := path.Match(p, k); ok {
				matched = append(matched, k)
				break
			}
		}
	}
	if err := s.DeleteMany(ctx, matched); err != nil {
		return nil, fmt.Errorf("deleting matched keys: %w", err)
	}
	return matched, nil
}
