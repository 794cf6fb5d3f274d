package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Storage keeps upload bytes as flat files under a root directory.
type Storage struct {
	root string
}

// NewStorage resolves root to an absolute path. The directory is created lazily.
func NewStorage(root string) (*Storage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload root: %w", err)
	}
	return &Storage{root: abs}, nil
}

// Root returns the absolute storage directory.
func (s *Storage) Root() string {
	return s.root
}

// Create opens a new file for key, creating the root directory if needed.
func (s *Storage) Create(key string) (*os.File, string, error) {
	dest, err := s.Path(key)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, "", fmt.Errorf("create upload dir: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("create file: %w", err)
	}
	return f, dest, nil
}

// Open reads the file stored under key.
func (s *Storage) Open(key string) (io.ReadCloser, error) {
	dest, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes the file stored under key. Missing files are not an error.
func (s *Storage) Delete(key string) error {
	dest, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Path converts a storage key into an absolute path inside the root.
func (s *Storage) Path(key string) (string, error) {
	clean := filepath.Clean(key)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: absolute key %s", ErrPathTraversal, key)
	}
	if clean == ".." || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, key)
	}
	if strings.ContainsRune(clean, filepath.Separator) {
		return "", fmt.Errorf("%w: nested key %s", ErrPathTraversal, key)
	}
	joined := filepath.Join(s.root, clean)
	if !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, key)
	}
	return joined, nil
}

// SafeName reduces a client supplied filename to a single path element.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == '/' || r == ':' {
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." || name == "" || name == "/" {
		return "upload"
	}
	return name
}
