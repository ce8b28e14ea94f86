package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gregtusar/autotrader/pkg/models"
)

const maxLineBytes = 16 << 20

// FileJournal writes one JSON line per decision to <dir>/<trader>.jsonl.
type FileJournal struct {
	dir string

	mu     sync.Mutex
	files  map[string]*os.File
	locks  map[string]*sync.Mutex
	closed bool
}

func NewFileJournal(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	return &FileJournal{
		dir:   dir,
		files: make(map[string]*os.File),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (j *FileJournal) path(traderID string) string {
	return filepath.Join(j.dir, traderID+".jsonl")
}

// traderLock returns the mutex serializing access to one trader's file.
func (j *FileJournal) traderLock(traderID string) (*sync.Mutex, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	l, ok := j.locks[traderID]
	if !ok {
		l = &sync.Mutex{}
		j.locks[traderID] = l
	}
	return l, nil
}

func (j *FileJournal) Append(d models.Decision) error {
	if err := checkDecision(d); err != nil {
		return err
	}
	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision %s: %w", d.ID, err)
	}
	line = append(line, '\n')

	l, err := j.traderLock(d.TraderID)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	f, err := j.file(d.TraderID)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append decision %s: %w", d.ID, err)
	}
	return f.Sync()
}

func (j *FileJournal) file(traderID string) (*os.File, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	if f, ok := j.files[traderID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(j.path(traderID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal for %s: %w", traderID, err)
	}
	j.files[traderID] = f
	return f, nil
}

func (j *FileJournal) Recent(traderID string, limit int) ([]models.Decision, error) {
	l, err := j.traderLock(traderID)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()

	records, err := ReadFile(j.path(traderID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tail(records, limit), nil
}

func (j *FileJournal) All(traderID string) ([]models.Decision, error) {
	return j.Recent(traderID, 0)
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	var errs []error
	for _, f := range j.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadFile decodes every decision in a JSONL journal file.
func ReadFile(path string) ([]models.Decision, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []models.Decision
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var d models.Decision
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		records = append(records, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return records, nil
}
