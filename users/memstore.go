package users

import (
	"slices"
	"strings"
	"sync"
)

// MemStore is a transient Oracle, mostly for tests and embedding.
type MemStore struct {
	mu    sync.Mutex
	cost  int
	users map[string]*record
}

var _ Oracle = (*MemStore)(nil)

// NewMemStore returns an empty store hashing passwords with the given bcrypt
// cost (0 means the default cost).
func NewMemStore(cost int) *MemStore {
	return &MemStore{cost: cost, users: make(map[string]*record)}
}

func (s *MemStore) Login(name, password string) (User, error) {
	s.mu.Lock()
	rec := s.users[name]
	s.mu.Unlock()
	if rec == nil {
		return User{}, ErrUserNotFound
	}
	return rec.login(password)
}

func (s *MemStore) Register(name, password string, level Level) error {
	rec, err := newRecord(name, password, level, s.cost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[name] != nil {
		return ErrUserExists
	}
	s.users[name] = rec
	return nil
}

func (s *MemStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[name] == nil {
		return ErrUserNotFound
	}
	delete(s.users, name)
	return nil
}

func (s *MemStore) List() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]User, 0, len(s.users))
	for _, rec := range s.users {
		result = append(result, rec.user())
	}
	slices.SortFunc(result, func(a, b User) int { return strings.Compare(a.Name, b.Name) })
	return result
}
