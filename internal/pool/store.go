package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"firestige.xyz/pusgate/internal/config"
)

// Store is the persistence interface for pool state. It lets a restarted
// daemon reconnect the pools that were connected when it stopped.
// All implementations must be safe for concurrent use.
type Store interface {
	// Save persists a PersistedPool, overwriting any existing record for the same name.
	Save(pp PersistedPool) error
	// Load retrieves a single PersistedPool by name.
	// Returns os.ErrNotExist (via errors.Is) when not found.
	Load(name string) (PersistedPool, error)
	// Delete removes the persisted record for a pool.
	// Returns nil when the record does not exist (idempotent).
	Delete(name string) error
	// List returns all persisted pools; corrupt/unreadable entries are logged and skipped.
	List() ([]PersistedPool, error)
}

// PersistedPool is the on-disk format for a pool.
type PersistedPool struct {
	Version     string            `json:"version"`
	Config      config.PoolConfig `json:"config"`
	State       string            `json:"state"`
	ConnectedAt *time.Time        `json:"connected_at,omitempty"`
	ClosedAt    *time.Time        `json:"closed_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

const persistenceVersion = "v1"

// FileStore persists pools as individual JSON files under a directory.
// Writes use temp-file + atomic rename.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("pool store: create directory %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Save atomically writes pp. Each save gets its own temp file so
// concurrent saves for the same pool do not race on the temp path.
func (s *FileStore) Save(pp PersistedPool) error {
	if pp.Version == "" {
		pp.Version = persistenceVersion
	}
	name := pp.Config.Name

	data, err := json.MarshalIndent(pp, "", "  ")
	if err != nil {
		return fmt.Errorf("pool store: marshal %q: %w", name, err)
	}

	tmpFile, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("pool store: create temp file for %q: %w", name, err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("pool store: write temp file for %q: %w", name, err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("pool store: close temp file for %q: %w", name, err)
	}

	final := s.path(name)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("pool store: rename to %q: %w", final, err)
	}

	slog.Debug("pool state persisted", "pool", name, "state", pp.State)
	return nil
}

// Load reads the persisted pool with the given name.
func (s *FileStore) Load(name string) (PersistedPool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PersistedPool{}, fmt.Errorf("pool store: %q not found: %w", name, os.ErrNotExist)
		}
		return PersistedPool{}, fmt.Errorf("pool store: read %q: %w", name, err)
	}
	var pp PersistedPool
	if err := json.Unmarshal(data, &pp); err != nil {
		return PersistedPool{}, fmt.Errorf("pool store: unmarshal %q: %w", name, err)
	}
	return pp, nil
}

// Delete removes the persisted file for name.
func (s *FileStore) Delete(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pool store: delete %q: %w", name, err)
	}
	return nil
}

// List reads all {name}.json files in the directory. Unreadable files are
// logged and skipped; temp files are ignored.
func (s *FileStore) List() ([]PersistedPool, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("pool store: read directory %q: %w", s.dir, err)
	}

	var pools []PersistedPool
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		pp, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			slog.Warn("pool store: skipping unreadable file",
				"file", filepath.Join(s.dir, name),
				"error", err,
			)
			continue
		}
		pools = append(pools, pp)
	}
	return pools, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// noopStore is a Store that does nothing, used when persistence is disabled.
type noopStore struct{}

func (noopStore) Save(_ PersistedPool) error           { return nil }
func (noopStore) Load(_ string) (PersistedPool, error) { return PersistedPool{}, os.ErrNotExist }
func (noopStore) Delete(_ string) error                { return nil }
func (noopStore) List() ([]PersistedPool, error)       { return nil, nil }

var _ Store = noopStore{}
