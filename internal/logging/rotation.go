package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 3
)

// FileWriter appends log records to a file and shifts it to path.1, path.2
// and so on once it would exceed its size limit. Safe for concurrent use.
type FileWriter struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	size    int64
	limit   int64
	backups int
}

// NewFileWriter opens path for appending and creates its directory.
// Non-positive limits use 10 MB and 3 backups.
func NewFileWriter(path string, maxSizeMB, maxBackups int) (*FileWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	w := &FileWriter{path: path, limit: int64(maxSizeMB) << 20, backups: maxBackups}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.shift(); err != nil {
			return 0, fmt.Errorf("rotate %s: %w", w.path, err)
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *FileWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.f, w.size = f, st.Size()
	return nil
}

// shift closes the live file, renames path.N-1 to path.N down to path to
// path.1, and reopens an empty path. The oldest backup is dropped.
func (w *FileWriter) shift() error {
	w.f.Close()
	w.f = nil

	os.Remove(w.backup(w.backups))
	for i := w.backups; i > 1; i-- {
		os.Rename(w.backup(i-1), w.backup(i))
	}
	os.Rename(w.path, w.backup(1))
	return w.open()
}

func (w *FileWriter) backup(n int) string {
	return w.path + "." + fmt.Sprint(n)
}
