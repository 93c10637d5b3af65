package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps facts in a JSON file. Writes go through a temp file and
// rename so a crash never leaves a truncated store behind.
type FileStore struct {
	mu    sync.Mutex
	path  string
	facts []Fact
	now   func() time.Time
}

func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read memory store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.facts); err != nil {
		return nil, fmt.Errorf("decode memory store: %w", err)
	}
	return s, nil
}

func (s *FileStore) Load() ([]Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Fact, len(s.facts))
	copy(out, s.facts)
	return out, nil
}

func (s *FileStore) Save(key, value string) (Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fact := Fact{Key: key, Value: value, CreatedAt: s.now()}
	replaced := false
	for i := range s.facts {
		if s.facts[i].Key == key {
			s.facts[i] = fact
			replaced = true
			break
		}
	}
	if !replaced {
		s.facts = append(s.facts, fact)
	}
	if err := s.persistLocked(); err != nil {
		return Fact{}, err
	}
	return fact, nil
}

func (s *FileStore) ContextString() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RenderContext(s.facts), nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = nil
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(s.facts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory store: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".lumen-memory-*")
	if err != nil {
		return fmt.Errorf("persist memory store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persist memory store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist memory store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist memory store: %w", err)
	}
	return nil
}
