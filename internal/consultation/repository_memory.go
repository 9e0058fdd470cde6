package consultation

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// memoryRepo keeps clones of sessions so readers never see a partial write.
type memoryRepo struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryRepository() Repository {
	return &memoryRepo{sessions: make(map[string]*Session)}
}

func (r *memoryRepo) Create(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return errors.Errorf("session %s already exists", s.ID)
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt, s.Version = now, now, 1
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.Wrap(ErrSessionNotFound, id)
	}
	return s.Clone(), nil
}

func (r *memoryRepo) Update(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[s.ID]
	if !ok {
		return errors.Wrap(ErrSessionNotFound, s.ID)
	}
	if stored.Version != s.Version {
		return errors.Wrapf(ErrVersionConflict, "session %s version %d", s.ID, s.Version)
	}

	s.Version++
	s.UpdatedAt = time.Now().UTC()
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *memoryRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return errors.Wrap(ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	return nil
}
