package auditlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local tooling.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*Entry
	head    string
	nextID  int64
	now     func() time.Time
	// FailAppend, when set, is returned by Append.
	FailAppend error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{head: Genesis, nextID: 1, now: time.Now}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAppend != nil {
		return s.FailAppend
	}

	e.ID = s.nextID
	e.CreatedAt = s.now().UTC().Truncate(time.Microsecond)
	if err := Seal(e, s.head); err != nil {
		return err
	}
	s.nextID++
	s.head = e.Hash

	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if matches(e, f) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	total := len(matched)
	if offset >= total {
		return []*Entry{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func matches(e *Entry, f Filter) bool {
	if f.ConversationID != nil && (e.ConversationID == nil || *e.ConversationID != *f.ConversationID) {
		return false
	}
	if f.PatientID != nil && (e.PatientID == nil || *e.PatientID != *f.PatientID) {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

func (s *MemoryStore) ordered() []*Entry {
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) Walk(_ context.Context, r Range, fn func(*Entry) error) error {
	s.mu.Lock()
	entries := s.ordered()
	s.mu.Unlock()

	for _, e := range entries {
		if !r.contains(e.ID) {
			continue
		}
		cp := *e
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) HashBefore(_ context.Context, target *Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := Genesis
	for _, e := range s.ordered() {
		if e.ID == target.ID {
			return prev, nil
		}
		prev = e.Hash
	}
	return "", ErrNotFound
}

func (s *MemoryStore) Head(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

func (s *MemoryStore) Rechain(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := Genesis
	ordered := s.ordered()
	for _, e := range ordered {
		if err := Seal(e, prev); err != nil {
			return 0, err
		}
		prev = e.Hash
	}
	s.head = prev
	return len(ordered), nil
}

// Tamper applies fn to the stored entry with the given ID without
// resealing it. Test helper for corruption scenarios.
func (s *MemoryStore) Tamper(id int64, fn func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			fn(e)
			return true
		}
	}
	return false
}
