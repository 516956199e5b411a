package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"checkoutd/internal/checkout/domain"
)

// FileJournal appends reconciliation records to a file as JSON lines and
// syncs after every record.
type FileJournal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open constructs a FileJournal appending to path.
func Open(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{path: path, f: f}, nil
}

// Path returns the journal file location.
func (j *FileJournal) Path() string {
	return j.path
}

func (j *FileJournal) Record(ctx context.Context, rec domain.Reconciliation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	n, err := j.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}
	return j.f.Sync()
}

// Close releases the underlying file handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReadAll decodes every record in the journal at path. A torn final line
// (crash mid-write) is ignored; corruption elsewhere is an error.
func ReadAll(path string) ([]domain.Reconciliation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads JSON-line records from r.
func Decode(r io.Reader) ([]domain.Reconciliation, error) {
	var (
		out     []domain.Reconciliation
		pending error
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if pending != nil {
			return nil, pending
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec domain.Reconciliation
		if err := json.Unmarshal(raw, &rec); err != nil {
			pending = fmt.Errorf("journal line %d: %w", line, err)
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
