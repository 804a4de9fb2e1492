package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
)

// MemoryStore is an in-process Store for development and tests. Commits re-check the non-overlap
// invariant the way the Postgres exclusion constraint does.
type MemoryStore struct {
	mu    sync.RWMutex
	appts map[string]model.Appointment
	idem  map[string]IdempotencyRecord

	locks *KeyedLocks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appts: map[string]model.Appointment{},
		idem:  map[string]IdempotencyRecord{},
		locks: NewKeyedLocks(),
	}
}

func (s *MemoryStore) Lock(ctx context.Context, staffIDs []string, timeout time.Duration) (Session, error) {
	keys := SortedKeys(staffIDs)
	release, err := s.locks.Acquire(ctx, keys, timeout)
	if err != nil {
		return nil, err
	}
	return &memorySession{store: s, release: release}, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appts[id]
	if !ok {
		return model.Appointment{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}
	return a, nil
}

func (s *MemoryStore) ListActive(_ context.Context, staffID string) ([]model.Appointment, error) {
	return s.filter(func(a model.Appointment) bool { return a.StaffID == staffID && a.Status.Active() }, 0), nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]model.Appointment, error) {
	return s.filter(func(a model.Appointment) bool {
		return a.Status == model.StatusPending && a.ExpiresAt != nil && !a.ExpiresAt.After(now)
	}, limit), nil
}

func (s *MemoryStore) ListEndedConfirmed(_ context.Context, now time.Time, limit int) ([]model.Appointment, error) {
	return s.filter(func(a model.Appointment) bool {
		return a.Status == model.StatusConfirmed && !a.EndUTC.After(now)
	}, limit), nil
}

func (s *MemoryStore) LookupIdempotency(_ context.Context, scope, key string) (IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idem[idemKey(scope, key)]
	return rec, ok, nil
}

func (s *MemoryStore) filter(keep func(model.Appointment) bool, limit int) []model.Appointment {
	s.mu.RLock()
	var out []model.Appointment
	for _, a := range s.appts {
		if keep(a) {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartUTC.Before(out[j].StartUTC) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func idemKey(scope, key string) string {
	return scope + "\x00" + key
}

type memorySession struct {
	store   *MemoryStore
	once    sync.Once
	release func()
}

func (ms *memorySession) Release(context.Context) {
	ms.once.Do(ms.release)
}

func (ms *memorySession) Tx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{
		store:  ms.store,
		writes: map[string]model.Appointment{},
		idem:   map[string]IdempotencyRecord{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ms.store.commit(tx); err != nil {
		return err
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, rec := range tx.idem {
		if _, exists := s.idem[k]; exists {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateKey, rec.Scope, rec.Key)
		}
	}
	for _, w := range tx.order {
		a := tx.writes[w]
		if !a.Status.Active() {
			continue
		}
		for id, other := range s.appts {
			if _, rewritten := tx.writes[id]; rewritten {
				continue
			}
			if other.StaffID == a.StaffID && other.Status.Active() && other.Overlaps(a.StartUTC, a.EndUTC) {
				return fmt.Errorf("%w: overlaps appointment %s", apperr.ErrSlotUnavailable, id)
			}
		}
		for _, w2 := range tx.order {
			b := tx.writes[w2]
			if b.ID != a.ID && b.StaffID == a.StaffID && b.Status.Active() && b.Overlaps(a.StartUTC, a.EndUTC) {
				return fmt.Errorf("%w: overlaps appointment %s", apperr.ErrSlotUnavailable, b.ID)
			}
		}
	}
	for _, w := range tx.order {
		s.appts[w] = tx.writes[w]
	}
	for k, rec := range tx.idem {
		s.idem[k] = rec
	}
	return nil
}

// memoryTx buffers writes until commit; reads see its own writes first.
type memoryTx struct {
	store  *MemoryStore
	writes map[string]model.Appointment
	order  []string
	idem   map[string]IdempotencyRecord
	hooks  []func()
}

func (tx *memoryTx) Get(ctx context.Context, id string) (model.Appointment, error) {
	if a, ok := tx.writes[id]; ok {
		return a, nil
	}
	return tx.store.Get(ctx, id)
}

func (tx *memoryTx) ActiveOverlapping(_ context.Context, staffID string, start, end time.Time) ([]model.Appointment, error) {
	seen := map[string]struct{}{}
	var out []model.Appointment
	for _, id := range tx.order {
		a := tx.writes[id]
		seen[id] = struct{}{}
		if a.StaffID == staffID && a.Status.Active() && a.Overlaps(start, end) {
			out = append(out, a)
		}
	}
	tx.store.mu.RLock()
	for id, a := range tx.store.appts {
		if _, ok := seen[id]; ok {
			continue
		}
		if a.StaffID == staffID && a.Status.Active() && a.Overlaps(start, end) {
			out = append(out, a)
		}
	}
	tx.store.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartUTC.Before(out[j].StartUTC) })
	return out, nil
}

func (tx *memoryTx) Insert(ctx context.Context, appt model.Appointment) error {
	if _, err := tx.Get(ctx, appt.ID); err == nil {
		return fmt.Errorf("appointment %s already exists", appt.ID)
	}
	tx.put(appt)
	return nil
}

func (tx *memoryTx) Update(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	cur, err := tx.Get(ctx, appt.ID)
	if err != nil {
		return model.Appointment{}, err
	}
	if cur.Version != appt.Version {
		return model.Appointment{}, fmt.Errorf("%w: %s at version %d, expected %d", apperr.ErrConcurrentUpdate, appt.ID, cur.Version, appt.Version)
	}
	appt.Version++
	tx.put(appt)
	return appt, nil
}

func (tx *memoryTx) LookupIdempotency(ctx context.Context, scope, key string) (IdempotencyRecord, bool, error) {
	if rec, ok := tx.idem[idemKey(scope, key)]; ok {
		return rec, true, nil
	}
	return tx.store.LookupIdempotency(ctx, scope, key)
}

func (tx *memoryTx) SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error {
	if _, ok, _ := tx.LookupIdempotency(ctx, rec.Scope, rec.Key); ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateKey, rec.Scope, rec.Key)
	}
	tx.idem[idemKey(rec.Scope, rec.Key)] = rec
	return nil
}

func (tx *memoryTx) AfterCommit(fn func()) {
	tx.hooks = append(tx.hooks, fn)
}

func (tx *memoryTx) put(appt model.Appointment) {
	if _, ok := tx.writes[appt.ID]; !ok {
		tx.order = append(tx.order, appt.ID)
	}
	tx.writes[appt.ID] = appt
}
