package config

import "strings"

// StorageConfig controls the filesystem artifact store.
type StorageConfig struct {
	// Root is the directory artifacts are written under. Created on startup
	// when missing.
	Root string `env:"ROOT" envDefault:"static"`

	// MaxFileSize caps a single artifact in bytes.
	MaxFileSize int64 `env:"MAX_FILE_SIZE" envDefault:"10485760"`

	// AllowedExtensions is the upload extension allow-list.
	AllowedExtensions []string `env:"ALLOWED_EXTENSIONS" envDefault:"jpg,jpeg,png,gif,webp"`
}

// Sanitize applies guardrails to storage configuration values.
func (s *StorageConfig) Sanitize() {
	s.Root = strings.TrimSpace(s.Root)
	if s.Root == "" {
		s.Root = "static"
	}
	if s.MaxFileSize <= 0 {
		s.MaxFileSize = 10 << 20
	}

	cleaned := make([]string, 0, len(s.AllowedExtensions))
	for _, ext := range s.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(ext, ".")))
		if ext != "" {
			cleaned = append(cleaned, ext)
		}
	}
	if len(cleaned) == 0 {
		cleaned = []string{"jpg", "jpeg", "png", "gif", "webp"}
	}
	s.AllowedExtensions = cleaned
}

// ExtensionAllowed reports whether the (dotless, case-insensitive) extension
// is on the allow-list.
func (s *StorageConfig) ExtensionAllowed(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	for _, allowed := range s.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
