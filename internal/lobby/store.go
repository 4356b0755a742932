package lobby

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-racer/overlay/internal/atomicfile"
)

// ErrNotFound is returned for operations on an unknown record id.
var ErrNotFound = errors.New("lobby record not found")

// storeVersion is bumped when the file layout changes.
const storeVersion = 1

// DefaultMaxClosed bounds how many closed records are kept.
const DefaultMaxClosed = 200

type storeFile struct {
	Version int       `json:"version"`
	Records []*Record `json:"records"`
	SavedAt time.Time `json:"savedAt"`
}

// Store keeps lobby records keyed by id. With a path every mutation is
// written through to disk; without one records live in memory only. A
// failed write keeps the in-memory mutation and returns the error together
// with the mutated record.
type Store struct {
	mu        sync.RWMutex
	path      string
	records   map[string]*Record
	maxClosed int
	now       func() time.Time
}

// NewMemoryStore returns a store that never touches disk.
func NewMemoryStore() *Store {
	return &Store{
		records:   make(map[string]*Record),
		maxClosed: DefaultMaxClosed,
		now:       time.Now,
	}
}

// Open loads the store at path, creating an empty one if the file does not
// exist yet. Records left Active by a previous run are closed at load time.
func Open(path string) (*Store, error) {
	s := NewMemoryStore()
	s.path = path
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading lobby store: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing lobby store: %w", err)
	}

	now := s.now()
	orphaned := false
	for _, r := range f.Records {
		if r == nil || r.ID == "" {
			continue
		}
		if r.Status == Active {
			closedAt := now
			r.Status = Closed
			r.ClosedAt = &closedAt
			orphaned = true
		}
		s.records[r.ID] = r
	}
	if orphaned {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetMaxClosed changes how many closed records are retained. Zero or less
// keeps all of them.
func (s *Store) SetMaxClosed(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxClosed = n
}

// Path returns the backing file, or "" for a memory-only store.
func (s *Store) Path() string { return s.path }

// Create stores r as a new Active record. An empty ID is assigned.
func (s *Store) Create(r Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := s.records[r.ID]; exists {
		return nil, fmt.Errorf("lobby record %s already exists", r.ID)
	}
	r.Status = Active
	r.ClosedAt = nil
	stored := r.Clone()
	s.records[stored.ID] = stored
	return stored.Clone(), s.saveLocked()
}

// Update applies fn to the record with the given id. The record's ID is
// restored if fn changes it.
func (s *Store) Update(id string, fn func(*Record)) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := existing.Clone()
	fn(next)
	next.ID = id
	s.records[id] = next
	return next.Clone(), s.saveLocked()
}

// Close marks the record Closed at the given time. Closing a closed record
// is a no-op that returns it unchanged.
func (s *Store) Close(id string, at time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if existing.IsClosed() {
		return existing.Clone(), nil
	}
	next := existing.Clone()
	closedAt := at
	next.Status = Closed
	next.ClosedAt = &closedAt
	next.UpdatedAt = at
	s.records[id] = next
	s.pruneLocked()
	return next.Clone(), s.saveLocked()
}

func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns every record, oldest first.
func (s *Store) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(func(*Record) bool { return true })
}

// Active returns the records that are not closed, oldest first.
func (s *Store) Active() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(func(r *Record) bool { return !r.IsClosed() })
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, r := range s.records {
		if !r.IsClosed() {
			count++
		}
	}
	return count
}

func (s *Store) sortedLocked(keep func(*Record) bool) []*Record {
	result := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		if keep(r) {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// pruneLocked drops the oldest closed records beyond maxClosed.
func (s *Store) pruneLocked() {
	if s.maxClosed <= 0 {
		return
	}
	var closed []*Record
	for _, r := range s.records {
		if r.IsClosed() {
			closed = append(closed, r)
		}
	}
	if len(closed) <= s.maxClosed {
		return
	}
	sort.Slice(closed, func(i, j int) bool {
		return closedTime(closed[i]).Before(closedTime(closed[j]))
	})
	for _, r := range closed[:len(closed)-s.maxClosed] {
		delete(s.records, r.ID)
	}
}

func closedTime(r *Record) time.Time {
	if r.ClosedAt == nil {
		return r.UpdatedAt
	}
	return *r.ClosedAt
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	f := storeFile{
		Version: storeVersion,
		Records: make([]*Record, 0, len(s.records)),
		SavedAt: s.now().UTC(),
	}
	for _, r := range s.records {
		f.Records = append(f.Records, r)
	}
	sort.Slice(f.Records, func(i, j int) bool { return f.Records[i].ID < f.Records[j].ID })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lobby store: %w", err)
	}
	data = append(data, '\n')
	if err := atomicfile.Write(s.path, data); err != nil {
		return fmt.Errorf("saving lobby store: %w", err)
	}
	return nil
}
