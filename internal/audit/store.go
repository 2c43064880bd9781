// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"grimm.is/ptables/internal/errors"
)

// Store persists audit events as JSON lines, one event per line. Appends are
// serialized and synced so the trail survives a crash of the daemon.
type Store struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenStore opens (creating if needed) the audit log at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrap(err, errors.KindResource, "creating audit log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindResource, "opening audit log")
	}
	return &Store{path: path, f: f}, nil
}

// Append writes one event.
func (s *Store) Append(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding audit event")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return errors.Wrap(err, errors.KindResource, "writing audit event")
	}
	return s.f.Sync()
}

// Events reads back all stored events, oldest first.
func (s *Store) Events() ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.KindResource, "reading audit log")
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			// A torn final line from a crash is expected; skip it.
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindResource, "scanning audit log")
	}
	return events, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
