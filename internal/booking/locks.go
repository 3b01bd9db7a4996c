package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AcquireLock claims the slot of serviceID starting at slotStart for holderID.
// A non-positive ttl uses the configured slot lock TTL.
func (e *Engine) AcquireLock(ctx context.Context, serviceID uuid.UUID, slotStart time.Time, holderID string, ttl time.Duration) (*SlotLock, error) {
	if holderID == "" {
		return nil, &ValidationError{msg: "holder_id is required"}
	}
	svc, err := e.loadService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !svc.Active {
		return nil, ErrServiceInactive
	}
	if err := e.checkWindow(*svc, slotStart, e.now()); err != nil {
		return nil, err
	}
	return e.acquireLock(ctx, *svc, slotStart, holderID, ttl, uuid.Nil)
}

// acquireLock runs the availability check and the insert as one critical
// section. exclude names a booking that must not count against the slot.
func (e *Engine) acquireLock(ctx context.Context, svc Service, slotStart time.Time, holderID string, ttl time.Duration, exclude uuid.UUID) (*SlotLock, error) {
	if ttl <= 0 {
		ttl = e.cfg.SlotLockTTL
	}

	var created *SlotLock

	err := e.withKey(ctx, slotKey(svc.ID, slotStart), ErrSlotUnavailable, func(lockCtx context.Context) error {
		slot, occ, err := e.slotAt(lockCtx, svc, slotStart, exclude)
		if err != nil {
			return err
		}
		if !slot.Available {
			return ErrSlotUnavailable
		}

		now := e.now()
		e.expireStale(lockCtx, occ.Locks, slotStart, now)

		lock, err := e.repo.CreateLock(lockCtx, SlotLock{
			ID:        e.ids.NewID(),
			ServiceID: svc.ID,
			EntityID:  svc.EntityID,
			SlotStart: slotStart,
			HolderID:  holderID,
			Status:    LockActive,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		})
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return ErrSlotUnavailable
			}
			return fmt.Errorf("create slot lock: %w", err)
		}
		created = lock

		e.logEvent(lockCtx, nil, &lock.ID, EventLockAcquired, map[string]any{
			"service_id": svc.ID.String(),
			"slot_start": slotStart,
			"holder_id":  holderID,
			"expires_at": lock.ExpiresAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// expireStale marks active locks on the slot whose TTL has passed so the
// store's one-active-lock rule does not reject the new claim.
func (e *Engine) expireStale(ctx context.Context, locks []SlotLock, slotStart, now time.Time) {
	for _, l := range locks {
		if !l.SlotStart.Equal(slotStart) || l.Status != LockActive || l.Holds(now) {
			continue
		}
		if _, err := e.repo.UpdateLockStatus(ctx, l.ID, LockActive, LockExpired, nil); err != nil && !errors.Is(err, ErrLockNotFound) {
			e.log.Warn().Err(err).Str("lock_id", l.ID.String()).Msg("expire stale slot lock")
			continue
		}
		e.logEvent(ctx, nil, &l.ID, EventLockExpired, map[string]any{"reason": "reclaimed"})
	}
}

// ReleaseLock gives a claim back. Releasing a released or expired lock is a
// no-op; a converted lock reports ErrLockAlreadyConverted.
func (e *Engine) ReleaseLock(ctx context.Context, lockID uuid.UUID) (*SlotLock, error) {
	lock, err := e.repo.GetLockByID(ctx, lockID)
	if err != nil {
		if errors.Is(err, ErrLockNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load slot lock: %w", err)
	}

	switch lock.Status {
	case LockConverted:
		return lock, ErrLockAlreadyConverted
	case LockReleased, LockExpired:
		return lock, nil
	}

	released, err := e.repo.UpdateLockStatus(ctx, lock.ID, LockActive, LockReleased, nil)
	if err != nil {
		if !errors.Is(err, ErrLockNotFound) {
			return nil, fmt.Errorf("release slot lock: %w", err)
		}
		// Lost a race with conversion or the sweeper; report the state that won.
		current, getErr := e.repo.GetLockByID(ctx, lock.ID)
		if getErr != nil {
			return nil, fmt.Errorf("reload slot lock: %w", getErr)
		}
		if current.Status == LockConverted {
			return current, ErrLockAlreadyConverted
		}
		return current, nil
	}

	e.logEvent(ctx, nil, &released.ID, EventLockReleased, map[string]any{
		"holder_id": released.HolderID,
	})

	return released, nil
}
