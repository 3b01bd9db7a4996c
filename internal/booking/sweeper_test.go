package booking

import (
	"testing"
	"time"
)

func TestCleanupExpiredLocks(t *testing.T) {
	f := newFixture(t)

	short, err := f.engine.AcquireLock(f.ctx, f.svc.ID, at(monday, 9, 0), "cart-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	long, err := f.engine.AcquireLock(f.ctx, f.svc.ID, at(monday, 9, 40), "cart-2", 30*time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	b := f.book(at(monday.AddDate(0, 0, 1), 9, 0), "p-1")

	f.clock.Advance(10 * time.Minute)
	n, err := f.engine.CleanupExpiredLocks(f.ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredLocks error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	got, _ := f.repo.GetLockByID(f.ctx, short.ID)
	if got.Status != LockExpired {
		t.Fatalf("short lock = %s, want expired", got.Status)
	}
	got, _ = f.repo.GetLockByID(f.ctx, long.ID)
	if got.Status != LockActive {
		t.Fatalf("long lock = %s, want active", got.Status)
	}

	stored, _ := f.engine.GetBooking(f.ctx, b.ID)
	if stored.Status != StatusConfirmed {
		t.Fatalf("booking = %s, want untouched", stored.Status)
	}

	// idempotent
	if n, _ := f.engine.CleanupExpiredLocks(f.ctx); n != 0 {
		t.Fatalf("second sweep expired = %d, want 0", n)
	}
	if c := f.events(EventLockExpired); c != 1 {
		t.Fatalf("LOCK_EXPIRED events = %d, want 1", c)
	}
}
