package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Blob holds a single document, such as the merchant cache snapshot.
// Load returns ErrNotFound when nothing has been stored yet.
type Blob interface {
	Load() ([]byte, error)
	Store(data []byte) error
	Close() error
}

// Backend names accepted by OpenBlob.
const (
	BackendMemory  = "memory"
	BackendFile    = "file"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// SnapshotKey is the key the snapshot document is stored under in key-value
// backends.
var SnapshotKey = []byte("merchant-cache/snapshot")

// OpenBlob opens the snapshot store for backend at path. For the file backend
// path is the document itself; for leveldb it is a directory and for bolt a
// database file.
func OpenBlob(backend, path string) (Blob, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == BackendMemory {
		return NewKeyBlob(NewMemDB(), SnapshotKey), nil
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	switch backend {
	case "", BackendFile:
		return NewFileBlob(path)
	case BackendLevelDB:
		db, err := NewLevelDB(path)
		if err != nil {
			return nil, fmt.Errorf("storage: open leveldb %s: %w", path, err)
		}
		return NewKeyBlob(db, SnapshotKey), nil
	case BackendBolt:
		db, err := NewBoltDB(path)
		if err != nil {
			return nil, fmt.Errorf("storage: open bolt %s: %w", path, err)
		}
		return NewKeyBlob(db, SnapshotKey), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// KeyBlob stores the document under a fixed key of a Database.
type KeyBlob struct {
	db  Database
	key []byte
}

func NewKeyBlob(db Database, key []byte) *KeyBlob {
	return &KeyBlob{db: db, key: append([]byte(nil), key...)}
}

func (b *KeyBlob) Load() ([]byte, error)   { return b.db.Get(b.key) }
func (b *KeyBlob) Store(data []byte) error { return b.db.Put(b.key, data) }
func (b *KeyBlob) Close() error            { return b.db.Close() }

// FileBlob writes the document to a single file, replacing it atomically.
type FileBlob struct {
	path string
}

// NewFileBlob prepares a file-backed blob, creating the parent directory.
func NewFileBlob(path string) (*FileBlob, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: file path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return &FileBlob{path: path}, nil
}


func (b *FileBlob) Load() ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Store writes to a temporary file, fsyncs it and renames it over the target.
func (b *FileBlob) Store(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".tmp-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
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
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *FileBlob) Close() error { return nil }
