// Package persist reads and writes the per-character JSON documents.
//
// Each document lives in its own file. Writes are atomic (temp file, fsync,
// rename), unchanged content is skipped by checksum and the previous version
// is kept as a timestamped backup.
package persist

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Document keys.
const (
	KeyEmotion  = "emotion"
	KeySetting  = "setting"
	KeyMemory   = "memory"
	KeySchedule = "schedule"
	KeyHistory  = "history"
	KeyUnread   = "unread"
)

// ErrUnknownKey is returned for a document key without a configured path.
var ErrUnknownKey = errors.New("persist: unknown document key")

// Config holds configuration options for Files
type Config struct {
	Paths       map[string]string // document key -> file path
	BackupCount int               // number of backup files to keep per document (0 = none)
	Logger      zerolog.Logger
}

// Files maps document keys to JSON files on disk.
type Files struct {
	mu        sync.Mutex
	paths     map[string]string
	backups   int
	checksums map[string]string
	log       zerolog.Logger
	now       func() time.Time
}

// New creates Files from cfg. Parent directories are created lazily on save.
func New(cfg Config) *Files {
	paths := make(map[string]string, len(cfg.Paths))
	for k, v := range cfg.Paths {
		paths[k] = v
	}
	return &Files{
		paths:     paths,
		backups:   cfg.BackupCount,
		checksums: make(map[string]string),
		log:       cfg.Logger.With().Str("component", "persist").Logger(),
		now:       time.Now,
	}
}

// Path returns the file path registered for key.
func (f *Files) Path(key string) (string, error) {
	p, ok := f.paths[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return p, nil
}

// Load decodes the document stored under key into a value of type T.
// A missing, empty or malformed file yields def, which is written back
// immediately so the file on disk is valid afterwards.
func Load[T any](f *Files, key string, def T) T {
	path, err := f.Path(key)
	if err != nil {
		f.log.Error().Err(err).Msg("load")
		return def
	}

	data, err := os.ReadFile(path)
	if err == nil && len(bytes.TrimSpace(data)) > 0 {
		var v T
		if err = json.Unmarshal(data, &v); err == nil {
			f.remember(key, data)
			f.log.Debug().Str("key", key).Str("path", path).Msg("document loaded")
			return v
		}
		err = fmt.Errorf("invalid JSON format: %w", err)
	}

	f.log.Warn().Err(err).Str("key", key).Str("path", path).Msg("document missing or invalid, writing default")
	if serr := f.Save(key, def); serr != nil {
		f.log.Error().Err(serr).Str("key", key).Msg("failed to write default document")
	}
	return def
}

// ReadRaw returns the file contents for key without decoding.
func (f *Files) ReadRaw(key string) ([]byte, error) {
	path, err := f.Path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Save writes v as indented JSON under key.
func (f *Files) Save(key string, v any) error {
	path, err := f.Path(key)
	if err != nil {
		return err
	}

	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	sum := checksum(data)
	if sum == f.checksums[key] {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if f.backups > 0 {
		if err := f.createBackup(path); err != nil {
			f.log.Warn().Err(err).Str("path", path).Msg("failed to create backup")
		}
	}

	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	f.checksums[key] = sum
	return nil
}

// Marshal encodes v the way documents are stored: two-space indent and no
// HTML escaping so non-ASCII and markup survive verbatim.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Files) remember(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checksums[key] = checksum(data)
}

// writeFileAtomic performs atomic file write using temporary file and rename
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// createBackup copies the current file to path.backup.<timestamp>
func (f *Files) createBackup(path string) error {
	src, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer src.Close()

	backup := fmt.Sprintf("%s.backup.%s", path, f.now().Format("20060102_150405.000"))
	dst, err := os.Create(backup)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	f.cleanupOldBackups(path)
	return nil
}

// cleanupOldBackups removes the oldest backups beyond the configured limit.
// Backup names embed a sortable timestamp, so lexical order is age order.
func (f *Files) cleanupOldBackups(path string) {
	matches, err := filepath.Glob(path + ".backup.*")
	if err != nil || len(matches) <= f.backups {
		return
	}
	sort.Strings(matches)
	for _, m := range matches[:len(matches)-f.backups] {
		if err := os.Remove(m); err != nil {
			f.log.Warn().Err(err).Str("path", m).Msg("failed to remove old backup")
		}
	}
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
