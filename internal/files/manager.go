// Package files stores user uploads on local disk with a JSON metadata index.
package files

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	metadataFile   = "metadata.json"
	DefaultPurpose = "user_data"
)

// IDPattern matches upload identifiers anywhere in a string.
var IDPattern = regexp.MustCompile(`file-[a-f0-9]{16}`)

var fullIDPattern = regexp.MustCompile(`^file-[a-f0-9]{16}$`)

// IsID reports whether s is exactly an upload identifier.
func IsID(s string) bool {
	return fullIDPattern.MatchString(s)
}

// File is the OpenAI file object. LocalPath is persisted in the index but
// never returned to clients.
type File struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
	LocalPath string `json:"local_path,omitempty"`
}

// Public returns the client-facing view of the file.
func (f File) Public() File {
	f.LocalPath = ""
	return f
}

type index struct {
	Files map[string]File `json:"files"`
}

// Manager is the upload store. Concurrent requests inside one process are
// serialized; separate processes sharing the directory may lose index updates.
type Manager struct {
	storage  *Storage
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewManager creates a manager rooted at dir.
func NewManager(log *slog.Logger, dir string, maxBytes int64) (*Manager, error) {
	storage, err := NewStorage(dir)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		storage:  storage,
		maxBytes: maxBytes,
		logger:   log.With(slog.String("service", "files")),
		now:      time.Now,
	}, nil
}

// Save spools r to disk under a fresh id and records it in the index.
func (m *Manager) Save(_ context.Context, r io.Reader, filename, purpose string) (File, error) {
	if purpose == "" {
		purpose = DefaultPurpose
	}
	id := newID()
	name := SafeName(filename)

	f, path, err := m.storage.Create(id + "-" + name)
	if err != nil {
		return File{}, err
	}
	var n int64
	if m.maxBytes > 0 {
		n, err = CopyWithLimit(f, r, m.maxBytes)
	} else {
		n, err = io.Copy(f, r)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return File{}, fmt.Errorf("write upload: %w", err)
	}

	file := File{
		ID:        id,
		Object:    "file",
		Bytes:     n,
		CreatedAt: m.now().Unix(),
		Filename:  name,
		Purpose:   purpose,
		LocalPath: path,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.load()
	idx.Files[id] = file
	if err := m.store(idx); err != nil {
		_ = os.Remove(path)
		return File{}, err
	}
	m.logger.Info("file uploaded", slog.String("id", id), slog.String("filename", name), slog.Int64("bytes", n))
	return file.Public(), nil
}

// List returns all uploads ordered by creation time, oldest first.
func (m *Manager) List(_ context.Context) []File {
	m.mu.Lock()
	idx := m.load()
	m.mu.Unlock()

	out := make([]File, 0, len(idx.Files))
	for _, f := range idx.Files {
		out = append(out, f.Public())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Get returns the metadata of one upload.
func (m *Manager) Get(_ context.Context, id string) (File, error) {
	f, err := m.lookup(id)
	if err != nil {
		return File{}, err
	}
	return f.Public(), nil
}

// Resolve returns the local path of an upload.
func (m *Manager) Resolve(_ context.Context, id string) (string, error) {
	f, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	if f.LocalPath == "" {
		return "", ErrNotFound
	}
	return f.LocalPath, nil
}

// Open returns the upload bytes.
func (m *Manager) Open(_ context.Context, id string) (io.ReadCloser, File, error) {
	f, err := m.lookup(id)
	if err != nil {
		return nil, File{}, err
	}
	rc, err := m.storage.Open(filepath.Base(f.LocalPath))
	if err != nil {
		return nil, File{}, err
	}
	return rc, f.Public(), nil
}

// Delete removes the upload and its index entry.
func (m *Manager) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.load()
	f, ok := idx.Files[id]
	if !ok {
		return ErrNotFound
	}
	if f.LocalPath != "" {
		if err := m.storage.Delete(filepath.Base(f.LocalPath)); err != nil {
			return err
		}
	}
	delete(idx.Files, id)
	if err := m.store(idx); err != nil {
		return err
	}
	m.logger.Info("file deleted", slog.String("id", id))
	return nil
}

func (m *Manager) lookup(id string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.load().Files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	return f, nil
}

// load reads the index. A missing or corrupt index reads as empty.
func (m *Manager) load() index {
	idx := index{Files: map[string]File{}}
	data, err := os.ReadFile(m.indexPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("read file index failed", slog.Any("error", err))
		}
		return idx
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		m.logger.Warn("decode file index failed", slog.Any("error", err))
		return index{Files: map[string]File{}}
	}
	if idx.Files == nil {
		idx.Files = map[string]File{}
	}
	return idx
}

func (m *Manager) store(idx index) error {
	if err := os.MkdirAll(m.storage.Root(), 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode file index: %w", err)
	}
	tmp := m.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write file index: %w", err)
	}
	if err := os.Rename(tmp, m.indexPath()); err != nil {
		return fmt.Errorf("replace file index: %w", err)
	}
	return nil
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.storage.Root(), metadataFile)
}

func newID() string {
	u := uuid.New()
	return "file-" + hex.EncodeToString(u[:8])
}
