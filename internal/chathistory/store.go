// Package chathistory persists chat lines per room so a client that rejoins a
// room sees what was said before.
package chathistory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind tells who produced a history entry.
type Kind string

const (
	KindSelf   Kind = "self"
	KindPeer   Kind = "peer"
	KindSystem Kind = "system"
)

// DefaultLimit caps how many entries a room keeps.
const DefaultLimit = 500

// Entry is one persisted chat line.
type Entry struct {
	Name string    `msgpack:"name"`
	Text string    `msgpack:"text"`
	Kind Kind      `msgpack:"kind"`
	At   time.Time `msgpack:"at"`
}

// Store loads and appends history keyed by room id.
type Store interface {
	Load(room string) ([]Entry, error)
	Append(room string, e Entry) error
}

// FileStore keeps one msgpack file per room in Dir.
type FileStore struct {
	Dir   string
	Limit int

	mu sync.Mutex
}

// NewFileStore stores history under dir, or under the user cache dir when dir
// is empty.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("locate cache dir: %w", err)
		}
		dir = filepath.Join(cache, "peerstream")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &FileStore{Dir: dir, Limit: DefaultLimit}, nil
}

// Path returns the history file of room.
func (s *FileStore) Path(room string) string {
	return filepath.Join(s.Dir, "peerstream-chat-"+safeName(room)+".msgpack")
}

// Load returns the stored entries of room, oldest first. A room without
// history yields no entries and no error.
func (s *FileStore) Load(room string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(room)
}

func (s *FileStore) load(room string) ([]Entry, error) {
	data, err := os.ReadFile(s.Path(room))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var entries []Entry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", room, err)
	}
	return entries, nil
}

// Append adds e to the history of room, dropping the oldest entries past the
// limit.
func (s *FileStore) Append(room string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(room)
	if err != nil {
		// A corrupt file is replaced rather than blocking new history.
		entries = nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	entries = append(entries, e)
	if s.Limit > 0 && len(entries) > s.Limit {
		entries = entries[len(entries)-s.Limit:]
	}

	data, err := msgpack.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	path := s.Path(room)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

func safeName(room string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, room)
}
