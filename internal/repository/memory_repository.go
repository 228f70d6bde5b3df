package repository

import (
	"context"
	"sync"
	"time"

	"github.com/digkill/astronote-billing/internal/models"
)

// MemoryAttemptRepository keeps attempts in process memory. It is used when
// no MySQL DSN is configured and in tests.
type MemoryAttemptRepository struct {
	mu        sync.RWMutex
	attempts  map[string]models.Attempt
	bySession map[string]string
}

func NewMemoryAttemptRepository() *MemoryAttemptRepository {
	return &MemoryAttemptRepository{
		attempts:  make(map[string]models.Attempt),
		bySession: make(map[string]string),
	}
}

func (r *MemoryAttemptRepository) Create(_ context.Context, attempt *models.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySession[attempt.SessionID]; ok {
		return ErrDuplicateSession
	}
	now := time.Now().UTC()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	r.attempts[attempt.ID] = *attempt
	r.bySession[attempt.SessionID] = attempt.ID
	return nil
}

func (r *MemoryAttemptRepository) GetByID(_ context.Context, id string) (*models.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attempts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *MemoryAttemptRepository) FindBySession(_ context.Context, sessionID string) (*models.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sessionID]
	if !ok {
		return nil, nil
	}
	a := r.attempts[id]
	return &a, nil
}

func (r *MemoryAttemptRepository) CompareAndSwap(_ context.Context, attempt *models.Attempt, from models.AttemptState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.attempts[attempt.ID]
	if !ok || current.State != from {
		return false, nil
	}
	current.State = attempt.State
	current.Rechecks = attempt.Rechecks
	current.LastError = attempt.LastError
	current.UpdatedAt = time.Now().UTC()
	r.attempts[attempt.ID] = current
	attempt.UpdatedAt = current.UpdatedAt
	return true, nil
}
