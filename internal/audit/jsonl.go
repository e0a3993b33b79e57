package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// JSONLSink writes events as append-only JSONL, one event per line.
// The file is created with 0600 permissions.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenJSONL opens (or creates) path in append-only mode.
func OpenJSONL(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &JSONLSink{file: f, path: path}, nil
}

func (s *JSONLSink) Name() string { return "jsonl" }

// SendEvent marshals outside the lock; only the write is serialized.
func (s *JSONLSink) SendEvent(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file. Further events fail with os.ErrClosed.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// maxLineBytes bounds a single JSONL record when reading back.
const maxLineBytes = 1 << 20

// ReadJSONL returns the last n events of the JSONL log at path (all events
// when n <= 0). Malformed lines are skipped.
func ReadJSONL(path string, n int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()
	return readEvents(f, n)
}

func readEvents(r io.Reader, n int) ([]Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var out []Event
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return out, fmt.Errorf("reading audit log: %w", err)
	}
	return out, nil
}
