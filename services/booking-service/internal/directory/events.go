package directory

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	TopicStaffUpdated   = "business.staff.updated.v1"
	TopicServiceUpdated = "business.service.updated.v1"
)

// Invalidator drops cached copies after a write. RedisCache implements it.
type Invalidator interface {
	InvalidateStaff(ctx context.Context, id string) error
	InvalidateService(ctx context.Context, id string) error
}

// Applier turns directory events into upserts on w, then invalidates any cache in front of it.
type Applier struct {
	w     Writer
	cache Invalidator
}

func NewApplier(w Writer, cache Invalidator) *Applier {
	return &Applier{w: w, cache: cache}
}

// MalformedEventError marks payloads that will never succeed; consumers log and skip them.
type MalformedEventError struct{ err error }

func (e MalformedEventError) Error() string { return "malformed directory event: " + e.err.Error() }
func (e MalformedEventError) Unwrap() error { return e.err }

// Apply dispatches on topic. Unknown topics are ignored.
func (a *Applier) Apply(ctx context.Context, topic string, payload []byte) error {
	switch topic {
	case TopicStaffUpdated:
		return a.ApplyStaffEvent(ctx, payload)
	case TopicServiceUpdated:
		return a.ApplyServiceEvent(ctx, payload)
	default:
		return nil
	}
}

func (a *Applier) ApplyStaffEvent(ctx context.Context, payload []byte) error {
	var rec StaffRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return MalformedEventError{err}
	}
	staff, err := rec.Model()
	if err != nil {
		return MalformedEventError{err}
	}
	changed, err := a.w.UpsertStaff(ctx, staff)
	if err != nil {
		return fmt.Errorf("upsert staff %s: %w", staff.ID, err)
	}
	if changed && a.cache != nil {
		return a.cache.InvalidateStaff(ctx, staff.ID)
	}
	return nil
}

func (a *Applier) ApplyServiceEvent(ctx context.Context, payload []byte) error {
	var rec ServiceRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return MalformedEventError{err}
	}
	svc, err := rec.Model()
	if err != nil {
		return MalformedEventError{err}
	}
	changed, err := a.w.UpsertService(ctx, svc)
	if err != nil {
		return fmt.Errorf("upsert service %s: %w", svc.ID, err)
	}
	if changed && a.cache != nil {
		return a.cache.InvalidateService(ctx, svc.ID)
	}
	return nil
}
