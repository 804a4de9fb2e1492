// Package directory supplies staff and service records to the scheduler. Records are owned by
// the business service; this side keeps a local copy fed by Kafka events.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
)

type Directory interface {
	Staff(ctx context.Context, id string) (model.StaffMember, error)
	Service(ctx context.Context, id string) (model.Service, error)
}

// Writer is implemented by directories that accept updates from the event stream. Upserts older
// than the stored record are ignored and report false.
type Writer interface {
	UpsertStaff(ctx context.Context, s model.StaffMember) (bool, error)
	UpsertService(ctx context.Context, s model.Service) (bool, error)
}

type Memory struct {
	mu       sync.RWMutex
	staff    map[string]model.StaffMember
	services map[string]model.Service
}

func NewMemory() *Memory {
	return &Memory{staff: map[string]model.StaffMember{}, services: map[string]model.Service{}}
}

func (m *Memory) Staff(_ context.Context, id string) (model.StaffMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.staff[id]
	if !ok {
		return model.StaffMember{}, fmt.Errorf("%w: %s", apperr.ErrStaffNotFound, id)
	}
	return s, nil
}

func (m *Memory) Service(_ context.Context, id string) (model.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return model.Service{}, fmt.Errorf("%w: %s", apperr.ErrServiceNotFound, id)
	}
	return s, nil
}

func (m *Memory) UpsertStaff(_ context.Context, s model.StaffMember) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.staff[s.ID]; ok && cur.UpdatedAt.After(s.UpdatedAt) {
		return false, nil
	}
	m.staff[s.ID] = s
	return true, nil
}

func (m *Memory) UpsertService(_ context.Context, s model.Service) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.services[s.ID]; ok && cur.UpdatedAt.After(s.UpdatedAt) {
		return false, nil
	}
	m.services[s.ID] = s
	return true, nil
}
