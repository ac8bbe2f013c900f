package activity

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lorddemonos/killfeed/internal/model"
)

const (
	// DefaultMaxJournalSize is the size at which the journal is rotated.
	DefaultMaxJournalSize = 10 * 1024 * 1024
	journalExt            = ".jsonl"
	archiveDir            = "archive"
)

// Journal is an append-only JSONL file of activity entries with size based
// rotation into an archive directory next to it.
type Journal struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	rotationCounter int
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	j := &Journal{path: path, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.currentSize = st.Size()
	return nil
}

// Write appends one entry.
func (j *Journal) Write(a model.Activity) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize+int64(len(data)) > j.maxSize && j.currentSize > 0 {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	dir := filepath.Join(filepath.Dir(j.path), archiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	j.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(j.path), journalExt)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), j.rotationCounter, journalExt)
	if err := os.Rename(j.path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.open()
}

// Size returns the current journal size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}

// Close syncs and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadTail returns up to n of the newest entries in the journal at path,
// oldest first. Malformed lines are skipped and a missing file is empty.
func ReadTail(path string, n int) ([]model.Activity, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var out []model.Activity
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var a model.Activity
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			continue
		}
		out = append(out, a)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read journal: %w", err)
	}
	return out, nil
}
