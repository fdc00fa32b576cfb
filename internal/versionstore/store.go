// Package versionstore persists the locally applied patch version as a single
// decimal integer in a text file.
package versionstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lanternops/gamepatch/internal/logging"
)

var log = logging.L("versionstore")

// Store reads and writes the version file at Path.
type Store struct {
	Path string
}

// New returns a Store for the version file at path.
func New(path string) *Store {
	return &Store{Path: path}
}

// ReadLocal returns the persisted version. A missing, empty, negative or
// unparsable file reads as 0 so a fresh install starts from the beginning.
func (s *Store) ReadLocal() int {
	v, err := s.Read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("version file unreadable, treating as version 0", "path", s.Path, "error", err)
		}
		return 0
	}
	return v
}

// Read is the strict form of ReadLocal: it reports why the file could not
// be used instead of falling back to 0.
func (s *Store) Read() (int, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return 0, err
	}
	v, err := Parse(string(data))
	if err != nil {
		return 0, fmt.Errorf("version file %s: %w", s.Path, err)
	}
	return v, nil
}

// WriteLocal replaces the version file with v. The new content is written to
// a sibling temp file, synced and renamed so a crash never leaves a torn file.
func (s *Store) WriteLocal(v int) error {
	if v < 0 {
		return fmt.Errorf("refusing to persist negative version %d", v)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create version directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp version file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(strconv.Itoa(v)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp version file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp version file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp version file: %w", err)
	}

	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace version file: %w", err)
	}

	log.Debug("version persisted", logging.KeyVersion, v, "path", s.Path)
	return nil
}

// Parse converts the text of a version file or version endpoint into a
// version number. Surrounding whitespace is ignored.
func Parse(s string) (int, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
	if s == "" {
		return 0, errors.New("empty version")
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative version %d", v)
	}
	return v, nil
}
