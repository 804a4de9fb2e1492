package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/apptsched/libs/db"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
)

// DirectoryRepository is the local copy of staff and service records fed by directory events.
type DirectoryRepository struct {
	pool *db.Pool
}

func NewDirectoryRepository(pool *db.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

func (r *DirectoryRepository) Staff(ctx context.Context, id string) (model.StaffMember, error) {
	s := model.StaffMember{ID: id, WorkingHours: map[time.Weekday][]model.LocalInterval{}}
	err := r.pool.QueryRow(ctx, `
		SELECT timezone, buffer_minutes, minimum_lead_minutes, slot_granularity_minutes, updated_at
		FROM staff_members
		WHERE staff_id = $1
	`, id).Scan(&s.Timezone, &s.BufferMinutes, &s.MinimumLeadMinutes, &s.SlotGranularityMinutes, &s.UpdatedAt)
	if db.IsNotFound(err) {
		return model.StaffMember{}, fmt.Errorf("%w: %s", apperr.ErrStaffNotFound, id)
	}
	if err != nil {
		return model.StaffMember{}, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT weekday, start_minute, end_minute
		FROM staff_working_hours
		WHERE staff_id = $1
		ORDER BY weekday, start_minute
	`, id)
	if err != nil {
		return model.StaffMember{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			day int16
			li  model.LocalInterval
		)
		if err := rows.Scan(&day, &li.StartMinute, &li.EndMinute); err != nil {
			return model.StaffMember{}, err
		}
		wd := time.Weekday(day)
		s.WorkingHours[wd] = append(s.WorkingHours[wd], li)
	}
	return s, rows.Err()
}

func (r *DirectoryRepository) Service(ctx context.Context, id string) (model.Service, error) {
	s := model.Service{ID: id}
	err := r.pool.QueryRow(ctx, `
		SELECT duration_minutes, updated_at
		FROM services
		WHERE service_id = $1
	`, id).Scan(&s.DurationMinutes, &s.UpdatedAt)
	if db.IsNotFound(err) {
		return model.Service{}, fmt.Errorf("%w: %s", apperr.ErrServiceNotFound, id)
	}
	return s, err
}

// UpsertStaff replaces the record and its working hours unless the stored copy is newer.
func (r *DirectoryRepository) UpsertStaff(ctx context.Context, s model.StaffMember) (bool, error) {
	changed := false
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO staff_members
				(staff_id, timezone, buffer_minutes, minimum_lead_minutes, slot_granularity_minutes, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (staff_id) DO UPDATE
			SET timezone = EXCLUDED.timezone,
				buffer_minutes = EXCLUDED.buffer_minutes,
				minimum_lead_minutes = EXCLUDED.minimum_lead_minutes,
				slot_granularity_minutes = EXCLUDED.slot_granularity_minutes,
				updated_at = EXCLUDED.updated_at
			WHERE staff_members.updated_at <= EXCLUDED.updated_at
		`, s.ID, s.Timezone, s.BufferMinutes, s.MinimumLeadMinutes, granularity(s), s.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		changed = true

		if _, err := tx.Exec(ctx, `DELETE FROM staff_working_hours WHERE staff_id = $1`, s.ID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for day, intervals := range s.WorkingHours {
			for _, li := range intervals {
				batch.Queue(`
					INSERT INTO staff_working_hours (staff_id, weekday, start_minute, end_minute)
					VALUES ($1, $2, $3, $4)
				`, s.ID, int16(day), li.StartMinute, li.EndMinute)
			}
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return changed, err
}

func (r *DirectoryRepository) UpsertService(ctx context.Context, s model.Service) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO services (service_id, duration_minutes, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (service_id) DO UPDATE
		SET duration_minutes = EXCLUDED.duration_minutes,
			updated_at = EXCLUDED.updated_at
		WHERE services.updated_at <= EXCLUDED.updated_at
	`, s.ID, s.DurationMinutes, s.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func granularity(s model.StaffMember) int {
	if s.SlotGranularityMinutes <= 0 {
		return model.DefaultSlotGranularityMinutes
	}
	return s.SlotGranularityMinutes
}
