// Package artifactstore persists image artifacts on the local filesystem
// under a single root directory. Writes go through a temp file plus rename
// so a partially written artifact is never visible under its final name.
package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no artifact exists under the given name.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidName is returned for names that are empty or escape the root.
	ErrInvalidName = errors.New("invalid artifact name")
	// ErrTooLarge is returned when a write exceeds the configured byte cap.
	ErrTooLarge = errors.New("artifact exceeds maximum size")
)

const defaultMaxBytes = 10 << 20

// Artifact describes a stored file.
type Artifact struct {
	Name     string
	Path     string
	ByteSize int64
	MimeType string
	ModTime  time.Time
}

// Config configures the store.
type Config struct {
	Root     string // storage root directory, required
	MaxBytes int64  // per-artifact byte cap; defaults to 10MiB
	Logger   *slog.Logger
}

// Store is a flat filesystem artifact store. All operations are safe for
// concurrent use; concurrent saves under the same name are last-writer-wins.
type Store struct {
	root     string
	maxBytes int64
	logger   *slog.Logger
}

// New creates the root directory if needed and returns a store rooted there.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("artifact store: root directory is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("artifact store: create root %s: %w", root, err)
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		root:     root,
		maxBytes: maxBytes,
		logger:   logger.With("component", "artifact_store"),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Save writes the reader's contents under name, replacing any previous
// artifact with that name atomically.
func (s *Store) Save(ctx context.Context, name string, r io.Reader) (*Artifact, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.root, ".partial-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := s.copyCapped(tmp, r)
	if err != nil {
		s.discardTemp(ctx, tmp, tmpPath)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		s.removeTemp(ctx, tmpPath)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		s.removeTemp(ctx, tmpPath)
		return nil, fmt.Errorf("rename artifact into place: %w", err)
	}

	return &Artifact{
		Name:     filepath.Base(path),
		Path:     path,
		ByteSize: n,
		MimeType: mimeTypeFor(name),
		ModTime:  time.Now(),
	}, nil
}

func (s *Store) copyCapped(dst io.Writer, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, io.LimitReader(src, s.maxBytes+1))
	if err != nil {
		return 0, fmt.Errorf("write artifact: %w", err)
	}
	if n > s.maxBytes {
		return 0, fmt.Errorf("%w (%d byte cap)", ErrTooLarge, s.maxBytes)
	}
	return n, nil
}

func (s *Store) discardTemp(ctx context.Context, tmp *os.File, tmpPath string) {
	if err := tmp.Close(); err != nil {
		s.logger.WarnContext(ctx, "close temp artifact failed", "path", tmpPath, "error", err)
	}
	s.removeTemp(ctx, tmpPath)
}

func (s *Store) removeTemp(ctx context.Context, tmpPath string) {
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		s.logger.WarnContext(ctx, "remove temp artifact failed", "path", tmpPath, "error", err)
	}
}

// Open returns a reader over the named artifact.
func (s *Store) Open(name string) (io.ReadCloser, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) // #nosec G304 - path is resolved against the store root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// Stat returns metadata for the named artifact.
func (s *Store) Stat(name string) (*Artifact, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	return &Artifact{
		Name:     info.Name(),
		Path:     path,
		ByteSize: info.Size(),
		MimeType: mimeTypeFor(info.Name()),
		ModTime:  info.ModTime(),
	}, nil
}

// Delete removes the named artifact. A missing artifact is ErrNotFound so
// callers can decide whether absence matters.
func (s *Store) Delete(name string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// List enumerates stored artifacts, skipping directories and in-flight temp
// files.
func (s *Store) List() ([]*Artifact, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read artifact root: %w", err)
	}

	artifacts := make([]*Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // deleted between ReadDir and Info
			}
			return nil, fmt.Errorf("stat artifact %s: %w", entry.Name(), err)
		}
		artifacts = append(artifacts, &Artifact{
			Name:     entry.Name(),
			Path:     filepath.Join(s.root, entry.Name()),
			ByteSize: info.Size(),
			MimeType: mimeTypeFor(entry.Name()),
			ModTime:  info.ModTime(),
		})
	}
	return artifacts, nil
}

// resolve validates a name and joins it onto the root. Names carrying path
// separators or traversal segments are rejected, not normalized.
func (s *Store) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.root, name), nil
}

func mimeTypeFor(name string) string {
	if mt := mime.TypeByExtension(filepath.Ext(name)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
