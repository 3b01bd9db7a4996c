package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reservation-engine/internal/booking"
	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/keylock"
	redisclient "github.com/hackgods/slot-reservation-engine/internal/redis"
)

type nopDispatcher struct{}

func (nopDispatcher) Send(ctx context.Context, kind booking.ReminderKind, recipient string, msg booking.ReminderMessage) error {
	return nil
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	engine  *booking.Engine
	svc     *booking.Service
	now     time.Time
	clock   *time.Time
}

// 2026-01-12 is a Monday; the clock sits a week earlier.
var firstSlot = time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	now := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	clock := new(time.Time)
	*clock = now
	engine := booking.NewEngine(booking.NewMemoryRepository(), keylock.New(), nopDispatcher{},
		config.Config{SlotLockTTL: 15 * time.Minute}, zerolog.Nop(),
		booking.WithClock(func() time.Time { return *clock }))

	ctx := context.Background()
	ent, err := engine.CreateEntity(ctx, booking.Entity{Name: "Harbor Dental", Email: "desk@harbor.test"})
	if err != nil {
		t.Fatalf("CreateEntity error: %v", err)
	}
	svc, err := engine.CreateService(ctx, booking.Service{
		EntityID:        ent.ID,
		Name:            "Cleaning",
		DurationMinutes: 30,
		BufferMinutes:   10,
		Timezone:        "UTC",
		Availability: []booking.AvailabilityRule{
			{Weekday: time.Monday, Start: "09:00", End: "10:10"},
		},
		Cancellation: booking.CancellationPolicy{CutoffHours: 24, RefundPercentage: 50},
		Reschedule:   booking.ReschedulePolicy{CutoffHours: 24, Fee: 500},
		Price:        20000,
		Currency:     "USD",
		Active:       true,
	})
	if err != nil {
		t.Fatalf("CreateService error: %v", err)
	}

	return &testServer{
		t:       t,
		handler: NewRouter(RouterConfig{Engine: engine, Logger: zerolog.Nop(), Env: "test", Version: "dev"}),
		engine:  engine,
		svc:     svc,
		now:     now,
		clock:   clock,
	}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (s *testServer) createLock(start time.Time, holder string) LockResponse {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/locks", CreateLockRequest{ServiceID: s.svc.ID.String(), SlotStart: start, HolderID: holder})
	if rec.Code != http.StatusCreated {
		s.t.Fatalf("POST /locks status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[LockResponse](s.t, rec)
}

func (s *testServer) createBooking(req CreateBookingRequest) BookingResponse {
	s.t.Helper()
	req.ServiceID = s.svc.ID.String()
	rec := s.do(http.MethodPost, "/bookings", req)
	if rec.Code != http.StatusCreated {
		s.t.Fatalf("POST /bookings status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[BookingResponse](s.t, rec)
}

func TestListSlots(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/services/"+s.svc.ID.String()+"/slots?from=2026-01-12&to=2026-01-12", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[SlotsResponse](t, rec)
	if len(resp.Slots) != 2 {
		t.Fatalf("slots = %+v, want 2", resp.Slots)
	}
	if !resp.Slots[0].Start.Equal(firstSlot) || !resp.Slots[1].Start.Equal(firstSlot.Add(40*time.Minute)) {
		t.Fatalf("starts = %s, %s", resp.Slots[0].Start, resp.Slots[1].Start)
	}
}

func TestListSlots_BadInput(t *testing.T) {
	s := newTestServer(t)
	base := "/services/" + s.svc.ID.String() + "/slots"

	cases := []struct {
		name string
		path string
		want int
	}{
		{"bad service id", "/services/nope/slots?from=2026-01-12", http.StatusBadRequest},
		{"unknown service", "/services/00000000-0000-0000-0000-000000000001/slots?from=2026-01-12", http.StatusNotFound},
		{"bad date", base + "?from=12-01-2026", http.StatusBadRequest},
		{"reversed", base + "?from=2026-01-12&to=2026-01-01", http.StatusUnprocessableEntity},
		{"too long", base + "?from=2026-01-01&to=2026-06-01", http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := s.do(http.MethodGet, tc.path, nil); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestLocks_AcquireConflictRelease(t *testing.T) {
	s := newTestServer(t)

	lock := s.createLock(firstSlot, "cart-1")
	if lock.Status != string(booking.LockActive) {
		t.Fatalf("status = %s, want active", lock.Status)
	}

	rec := s.do(http.MethodPost, "/locks", CreateLockRequest{ServiceID: s.svc.ID.String(), SlotStart: firstSlot, HolderID: "cart-2"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second lock status = %d, want 409", rec.Code)
	}
	if e := decodeBody[ErrorResponse](t, rec); e.Error != "slot_unavailable" {
		t.Fatalf("error = %q, want slot_unavailable", e.Error)
	}

	for i := 0; i < 2; i++ {
		rec = s.do(http.MethodDelete, "/locks/"+lock.ID.String(), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("DELETE #%d status = %d", i+1, rec.Code)
		}
	}
	if got := decodeBody[LockResponse](t, rec); got.Status != string(booking.LockReleased) {
		t.Fatalf("status = %s, want released", got.Status)
	}
}

func TestLocks_PreconditionErrors(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		req  CreateLockRequest
		want int
	}{
		{"off grid", CreateLockRequest{ServiceID: s.svc.ID.String(), SlotStart: firstSlot.Add(5 * time.Minute), HolderID: "c"}, http.StatusUnprocessableEntity},
		{"past", CreateLockRequest{ServiceID: s.svc.ID.String(), SlotStart: s.now.Add(-time.Hour), HolderID: "c"}, http.StatusUnprocessableEntity},
		{"no holder", CreateLockRequest{ServiceID: s.svc.ID.String(), SlotStart: firstSlot}, http.StatusUnprocessableEntity},
		{"bad service", CreateLockRequest{ServiceID: "x", SlotStart: firstSlot, HolderID: "c"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := s.do(http.MethodPost, "/locks", tc.req); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	if rec := s.do(http.MethodDelete, "/locks/00000000-0000-0000-0000-000000000009", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown lock status = %d, want 404", rec.Code)
	}
}

func TestBookings_LockToBookingToCancel(t *testing.T) {
	s := newTestServer(t)

	lock := s.createLock(firstSlot, "cart-1")
	b := s.createBooking(CreateBookingRequest{
		PatientID:     "patient-7",
		LockID:        lock.ID.String(),
		HolderID:      "cart-1",
		PaymentStatus: "paid",
	})
	if b.Status != string(booking.StatusConfirmed) || !strings.HasPrefix(b.Reference, "BK-") {
		t.Fatalf("booking = %+v", b)
	}

	rec := s.do(http.MethodGet, "/bookings/"+b.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	if got := decodeBody[BookingResponse](t, rec); len(got.Reminders) != 3 {
		t.Fatalf("reminders = %d, want 3", len(got.Reminders))
	}

	rec = s.do(http.MethodGet, "/bookings/by-reference/"+strings.ToLower(b.Reference), nil)
	if rec.Code != http.StatusOK || decodeBody[BookingResponse](t, rec).ID != b.ID {
		t.Fatalf("by reference status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodPost, "/bookings/"+b.ID.String()+"/cancel", CancelRequest{Reason: "travel", Actor: "patient"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[CancelResponse](t, rec)
	if !res.Success || res.RefundAmount != 10000 || res.Booking.Status != string(booking.StatusCancelled) {
		t.Fatalf("cancel = %+v", res)
	}
	if res.Booking.PaymentStatus != string(booking.PaymentRefunded) {
		t.Fatalf("payment status = %s, want refunded", res.Booking.PaymentStatus)
	}

	rec = s.do(http.MethodPost, "/bookings/"+b.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestBookings_Reschedule(t *testing.T) {
	s := newTestServer(t)
	b := s.createBooking(CreateBookingRequest{PatientID: "p", AppointmentAt: &firstSlot})

	rec := s.do(http.MethodPost, "/bookings/"+b.ID.String()+"/reschedule", RescheduleRequest{NewStart: firstSlot.Add(40 * time.Minute), Actor: "patient"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reschedule status = %d, body %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[RescheduleResponse](t, rec)
	if !res.Success || res.Fee != 500 || len(res.Booking.RescheduleHistory) != 1 {
		t.Fatalf("reschedule = %+v", res)
	}
	if res.Booking.ID != b.ID || res.Booking.Status != string(booking.StatusRescheduled) {
		t.Fatalf("booking = %+v, want same record rescheduled", res.Booking)
	}

	rec = s.do(http.MethodPost, "/bookings/"+b.ID.String()+"/reschedule", map[string]string{"actor": "patient"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing new_start status = %d, want 400", rec.Code)
	}
}

func TestBookings_RefusalsAreOK(t *testing.T) {
	s := newTestServer(t)
	b := s.createBooking(CreateBookingRequest{PatientID: "p", AppointmentAt: &firstSlot})
	*s.clock = firstSlot.Add(-3 * time.Hour)

	rec := s.do(http.MethodPost, "/bookings/"+b.ID.String()+"/cancel", CancelRequest{Actor: "patient"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", rec.Code)
	}
	res := decodeBody[CancelResponse](t, rec)
	if res.Success || res.Reason != booking.RefusalCutoffNotMet || res.CutoffHours != 24 {
		t.Fatalf("cancel = %+v, want cutoff refusal", res)
	}

	rec = s.do(http.MethodPost, "/bookings/"+b.ID.String()+"/reschedule", RescheduleRequest{NewStart: firstSlot.Add(40 * time.Minute)})
	if rec.Code != http.StatusOK {
		t.Fatalf("reschedule status = %d, want 200", rec.Code)
	}
	if rr := decodeBody[RescheduleResponse](t, rec); rr.Success || rr.Reason != booking.RefusalCutoffNotMet {
		t.Fatalf("reschedule = %+v, want cutoff refusal", rr)
	}
}

func TestBookings_CloseOut(t *testing.T) {
	s := newTestServer(t)
	done := s.createBooking(CreateBookingRequest{PatientID: "p1", AppointmentAt: &firstSlot})
	second := firstSlot.Add(40 * time.Minute)
	missed := s.createBooking(CreateBookingRequest{PatientID: "p2", AppointmentAt: &second})

	rec := s.do(http.MethodPost, "/bookings/"+done.ID.String()+"/complete", ActorRequest{Actor: "clinic"})
	if rec.Code != http.StatusOK || decodeBody[BookingResponse](t, rec).Status != string(booking.StatusCompleted) {
		t.Fatalf("complete status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = s.do(http.MethodPost, "/bookings/"+missed.ID.String()+"/no-show", nil)
	if rec.Code != http.StatusOK || decodeBody[BookingResponse](t, rec).Status != string(booking.StatusNoShow) {
		t.Fatalf("no-show status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = s.do(http.MethodPost, "/bookings/"+done.ID.String()+"/no-show", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("no-show after complete status = %d, want 409", rec.Code)
	}
}

func TestBookings_DirectBookingConflict(t *testing.T) {
	s := newTestServer(t)
	s.createBooking(CreateBookingRequest{PatientID: "p1", AppointmentAt: &firstSlot})

	rec := s.do(http.MethodPost, "/bookings", CreateBookingRequest{ServiceID: s.svc.ID.String(), PatientID: "p2", AppointmentAt: &firstSlot})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}

	rec = s.do(http.MethodPost, "/bookings", CreateBookingRequest{ServiceID: s.svc.ID.String(), PatientID: "p3", AppointmentAt: &firstSlot, PaymentStatus: "refunded"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("refunded payment status = %d, want 400", rec.Code)
	}

	rec = s.do(http.MethodGet, "/bookings/00000000-0000-0000-0000-000000000042", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown booking status = %d, want 404", rec.Code)
	}
}

func TestCalendarExport(t *testing.T) {
	s := newTestServer(t)
	b := s.createBooking(CreateBookingRequest{PatientID: "p", AppointmentAt: &firstSlot})

	rec := s.do(http.MethodGet, "/bookings/"+b.ID.String()+"/calendar.ics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"BEGIN:VCALENDAR", "BEGIN:VEVENT", "DTSTART:20260112T090000Z", "Cleaning"} {
		if !strings.Contains(body, want) {
			t.Fatalf("calendar body missing %q:\n%s", want, body)
		}
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/health/live", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("live status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID header")
	}

	rec = s.do(http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}
	ready := decodeBody[ReadinessResponse](t, rec)
	if ready.Status != "ok" || ready.Dependencies["postgres"] != depDisabled || ready.Dependencies["redis"] != depDisabled {
		t.Fatalf("readiness = %+v", ready)
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID = %q, want req-123", got)
	}
}

type downLocker struct{}

func (downLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return fmt.Errorf("%w: acquire %s: connection refused", redisclient.ErrLockBackend, key)
}

func TestLocks_LockBackendDown(t *testing.T) {
	engine := booking.NewEngine(booking.NewMemoryRepository(), downLocker{}, nopDispatcher{},
		config.Config{SlotLockTTL: 15 * time.Minute}, zerolog.Nop(),
		booking.WithClock(func() time.Time { return firstSlot.AddDate(0, 0, -7) }))

	ctx := context.Background()
	ent, err := engine.CreateEntity(ctx, booking.Entity{Name: "Harbor Dental"})
	if err != nil {
		t.Fatalf("CreateEntity error: %v", err)
	}
	svc, err := engine.CreateService(ctx, booking.Service{
		EntityID:        ent.ID,
		Name:            "Cleaning",
		DurationMinutes: 30,
		Timezone:        "UTC",
		Availability:    []booking.AvailabilityRule{{Weekday: time.Monday, Start: "09:00", End: "10:00"}},
		Active:          true,
	})
	if err != nil {
		t.Fatalf("CreateService error: %v", err)
	}

	s := &testServer{
		t:       t,
		handler: NewRouter(RouterConfig{Engine: engine, Logger: zerolog.Nop(), Env: "test", Version: "dev"}),
		engine:  engine,
		svc:     svc,
	}
	rec := s.do(http.MethodPost, "/locks", CreateLockRequest{ServiceID: svc.ID.String(), SlotStart: firstSlot, HolderID: "cart-1"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusServiceUnavailable, rec.Body.String())
	}
	if got := decodeBody[ErrorResponse](t, rec); got.Error != "lock_backend_unavailable" {
		t.Fatalf("error = %q, want lock_backend_unavailable", got.Error)
	}
}
