package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// PositionStore persists tracked positions and close outcomes. It doubles as
// the holdings source the engine loads from at startup.
type PositionStore interface {
	LoadPositions(ctx context.Context) ([]*models.Position, error)
	SavePosition(ctx context.Context, p *models.Position) error
	DeletePosition(ctx context.Context, id string) error
	RecordClose(ctx context.Context, rec models.CloseRecord) error
	Closes(ctx context.Context) ([]models.CloseRecord, error)
	Close() error
}

// InMemoryPositionStore implements an in-memory position storage
type InMemoryPositionStore struct {
	positions map[string]*models.Position
	closes    []models.CloseRecord
	mu        sync.RWMutex
	log       *logger.Logger
}

// NewInMemoryPositionStore creates a new in-memory position store
func NewInMemoryPositionStore() *InMemoryPositionStore {
	return &InMemoryPositionStore{
		positions: make(map[string]*models.Position),
		log:       logger.GetLogger("store.memory"),
	}
}

// LoadPositions returns copies of all stored positions ordered by ID
func (s *InMemoryPositionStore) LoadPositions(_ context.Context) ([]*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SavePosition saves or updates a position
func (s *InMemoryPositionStore) SavePosition(_ context.Context, p *models.Position) error {
	if p == nil {
		return errors.InvalidArgument("cannot save nil position")
	}
	if p.ID == "" {
		return errors.InvalidArgument("position ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p.Clone()
	return nil
}

// DeletePosition removes a position by ID
func (s *InMemoryPositionStore) DeletePosition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[id]; !exists {
		return errors.NotFound("position not found: " + id)
	}
	delete(s.positions, id)
	return nil
}

// RecordClose appends a close outcome
func (s *InMemoryPositionStore) RecordClose(_ context.Context, rec models.CloseRecord) error {
	s.mu.Lock()
	s.closes = append(s.closes, rec)
	s.mu.Unlock()
	return nil
}

// Closes returns all recorded close outcomes in insertion order
func (s *InMemoryPositionStore) Closes(_ context.Context) ([]models.CloseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.CloseRecord(nil), s.closes...), nil
}

// Close is a no-op for the in-memory store
func (s *InMemoryPositionStore) Close() error {
	return nil
}
