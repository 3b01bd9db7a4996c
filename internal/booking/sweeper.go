package booking

import (
	"context"
	"errors"
	"fmt"
)

// CleanupExpiredLocks marks every active lock past its expiry as expired.
// It never touches bookings or reminders. Returns how many locks were expired.
func (e *Engine) CleanupExpiredLocks(ctx context.Context) (int, error) {
	now := e.now()
	candidates, err := e.repo.FindExpiredActiveLocks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired slot locks: %w", err)
	}

	expired := 0
	for _, l := range candidates {
		_, err := e.repo.UpdateLockStatus(ctx, l.ID, LockActive, LockExpired, nil)
		if err != nil {
			if !errors.Is(err, ErrLockNotFound) {
				e.log.Error().Err(err).Str("lock_id", l.ID.String()).Msg("expire slot lock")
			}
			continue
		}
		expired++
		e.logEvent(ctx, nil, &l.ID, EventLockExpired, map[string]any{
			"reason":     "sweeper",
			"service_id": l.ServiceID.String(),
			"slot_start": l.SlotStart,
		})
	}

	return expired, nil
}
