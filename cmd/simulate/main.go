package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/slot-reservation-engine/internal/api"
	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/db"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	Days            int
	ServiceIDs      []string
	ServiceLimit    int
	CancelRatio     float64
	RescheduleRatio float64
	ReadRatio       float64
}

type simBooking struct {
	ID        uuid.UUID
	ServiceID uuid.UUID
}

// DataPool is the shared view of services, candidate slots and the
// bookings workers have created so far.
type DataPool struct {
	Services []uuid.UUID
	Slots    map[uuid.UUID][]time.Time

	mu       sync.RWMutex
	bookings []simBooking
}

func (dp *DataPool) AddBooking(b simBooking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (simBooking, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return simBooking{}, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
}

func (dp *DataPool) Bookings() []simBooking {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make([]simBooking, len(dp.bookings))
	copy(out, dp.bookings)
	return out
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     zerolog.Logger
	metrics Metrics
}

func main() {
	var cfg SimConfig

	cmd := &cobra.Command{
		Use:          "simulate",
		Short:        "Drive concurrent lock, booking, cancel and reschedule traffic at the api server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.APIBaseURL, "api", "http://localhost:8080", "api server base url")
	f.DurationVar(&cfg.Duration, "duration", 30*time.Second, "how long to generate load")
	f.IntVar(&cfg.Workers, "workers", 10, "concurrent workers")
	f.IntVar(&cfg.Days, "days", 7, "days of slots to contend for, starting tomorrow")
	f.StringSliceVar(&cfg.ServiceIDs, "service", nil, "service ids to target; loaded from Postgres when empty")
	f.IntVar(&cfg.ServiceLimit, "service-limit", 20, "max services loaded from Postgres")
	f.Float64Var(&cfg.CancelRatio, "cancel-ratio", 0.15, "share of operations that cancel a booking")
	f.Float64Var(&cfg.RescheduleRatio, "reschedule-ratio", 0.1, "share of operations that reschedule a booking")
	f.Float64Var(&cfg.ReadRatio, "read-ratio", 0.25, "share of operations that read bookings or slots")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg SimConfig) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("service", "simulate").Logger()

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("cancel", cfg.CancelRatio).
		Float64("reschedule", cfg.RescheduleRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	services, err := resolveServices(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{Services: services, Slots: make(map[uuid.UUID][]time.Time)},
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}

	if err := sim.loadSlots(ctx); err != nil {
		return err
	}

	sim.Run(ctx)

	doubles, err := sim.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verify bookings: %w", err)
	}

	sim.PrintReport(doubles)
	if doubles > 0 {
		return fmt.Errorf("%d slots were booked more than once", doubles)
	}
	return nil
}

func validateConfig(cfg SimConfig) error {
	switch {
	case cfg.Workers <= 0:
		return errors.New("--workers must be > 0")
	case cfg.Duration <= 0:
		return errors.New("--duration must be > 0")
	case cfg.Days <= 0:
		return errors.New("--days must be > 0")
	case cfg.CancelRatio < 0 || cfg.RescheduleRatio < 0 || cfg.ReadRatio < 0:
		return errors.New("ratios must not be negative")
	case cfg.CancelRatio+cfg.RescheduleRatio+cfg.ReadRatio >= 1:
		return errors.New("cancel, reschedule and read ratios must leave room for bookings")
	}
	return nil
}

// resolveServices parses --service ids or loads active services from Postgres.
func resolveServices(ctx context.Context, cfg SimConfig, logger zerolog.Logger) ([]uuid.UUID, error) {
	if len(cfg.ServiceIDs) > 0 {
		ids := make([]uuid.UUID, 0, len(cfg.ServiceIDs))
		for _, raw := range cfg.ServiceIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid --service %q: %w", raw, err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	baseCfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if baseCfg.StoreDriver != config.StoreDriverPostgres {
		return nil, errors.New("pass --service when the api server runs on the memory store")
	}

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(loadCtx, baseCfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	defer pgPool.Close()

	ids, err := loadServices(loadCtx, pgPool, cfg.ServiceLimit)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("services", len(ids)).Msg("loaded services from postgres")
	return ids, nil
}

func loadServices(ctx context.Context, pool *pgxpool.Pool, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `
		SELECT id FROM services
		WHERE active
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.New("no active services found, run seed data first")
	}
	return ids, nil
}

func (s *Simulator) loadSlots(ctx context.Context) error {
	from := time.Now().AddDate(0, 0, 1)
	to := from.AddDate(0, 0, s.config.Days-1)

	total := 0
	for _, svcID := range s.pool.Services {
		var resp api.SlotsResponse
		status, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/services/%s/slots?from=%s&to=%s",
			svcID, from.Format(time.DateOnly), to.Format(time.DateOnly)), nil, &resp)
		if err != nil {
			return fmt.Errorf("list slots for %s: %w", svcID, err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("list slots for %s: status %d", svcID, status)
		}

		var starts []time.Time
		for _, sl := range resp.Slots {
			if sl.Available {
				starts = append(starts, sl.Start)
			}
		}
		s.pool.Slots[svcID] = starts
		total += len(starts)
	}

	if total == 0 {
		return errors.New("no open slots to contend for")
	}
	s.log.Info().Int("services", len(s.pool.Services)).Int("slots", total).Msg("slots loaded")
	return nil
}

func (s *Simulator) Run(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.Duration)
	defer cancel()

	s.log.Info().Msg("load started")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(runCtx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("load finished")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	holder := fmt.Sprintf("sim-worker-%d", workerID)

	cancelUpTo := s.config.CancelRatio
	rescheduleUpTo := cancelUpTo + s.config.RescheduleRatio
	readUpTo := rescheduleUpTo + s.config.ReadRatio

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < cancelUpTo:
			s.doCancel(ctx, rng, holder)
		case r < rescheduleUpTo:
			s.doReschedule(ctx, rng, holder)
		case r < readUpTo:
			if rng.Intn(2) == 0 {
				s.doReadBooking(ctx, rng)
			} else {
				s.doListSlots(ctx, rng)
			}
		default:
			s.doBook(ctx, rng, holder)
		}
	}
}

func (s *Simulator) randomSlot(rng *rand.Rand) (uuid.UUID, time.Time, bool) {
	svcID := s.pool.Services[rng.Intn(len(s.pool.Services))]
	starts := s.pool.Slots[svcID]
	if len(starts) == 0 {
		return uuid.Nil, time.Time{}, false
	}
	return svcID, starts[rng.Intn(len(starts))], true
}

// doBook claims a slot with a lock and converts it, like a checkout would.
func (s *Simulator) doBook(ctx context.Context, rng *rand.Rand, holder string) {
	svcID, start, ok := s.randomSlot(rng)
	if !ok {
		return
	}

	var lock api.LockResponse
	begin := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/locks", api.CreateLockRequest{
		ServiceID:  svcID.String(),
		SlotStart:  start,
		HolderID:   holder,
		TTLSeconds: 60,
	}, &lock)
	s.metrics.Lock.Record(time.Since(begin), classify(status, err, http.StatusCreated))
	if err != nil || status != http.StatusCreated {
		return
	}

	var b api.BookingResponse
	begin = time.Now()
	status, err = s.call(ctx, http.MethodPost, "/bookings", api.CreateBookingRequest{
		ServiceID:     svcID.String(),
		PatientID:     fmt.Sprintf("sim-patient-%d", rng.Intn(100000)),
		LockID:        lock.ID.String(),
		HolderID:      holder,
		PaymentStatus: "paid",
	}, &b)
	s.metrics.Book.Record(time.Since(begin), classify(status, err, http.StatusCreated))
	if err == nil && status == http.StatusCreated {
		s.pool.AddBooking(simBooking{ID: b.ID, ServiceID: b.ServiceID})
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand, holder string) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}

	var resp api.CancelResponse
	begin := time.Now()
	status, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/bookings/%s/cancel", b.ID),
		api.CancelRequest{Reason: "simulated", Actor: holder}, &resp)
	s.metrics.Cancel.Record(time.Since(begin), classifyResult(status, err, resp.Success))
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand, holder string) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	starts := s.pool.Slots[b.ServiceID]
	if len(starts) == 0 {
		return
	}

	var resp api.RescheduleResponse
	begin := time.Now()
	status, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/bookings/%s/reschedule", b.ID),
		api.RescheduleRequest{NewStart: starts[rng.Intn(len(starts))], Reason: "simulated", Actor: holder}, &resp)
	s.metrics.Reschedule.Record(time.Since(begin), classifyResult(status, err, resp.Success))
}

func (s *Simulator) doReadBooking(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}

	begin := time.Now()
	status, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/bookings/%s", b.ID), nil, nil)
	s.metrics.Read.Record(time.Since(begin), classify(status, err, http.StatusOK))
}

func (s *Simulator) doListSlots(ctx context.Context, rng *rand.Rand) {
	svcID := s.pool.Services[rng.Intn(len(s.pool.Services))]
	day := time.Now().AddDate(0, 0, 1+rng.Intn(s.config.Days)).Format(time.DateOnly)

	begin := time.Now()
	status, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/services/%s/slots?from=%s", svcID, day), nil, nil)
	s.metrics.Slots.Record(time.Since(begin), classify(status, err, http.StatusOK))
}

// Verify re-reads every booking the run created and counts slots held by
// more than one live booking.
func (s *Simulator) Verify(ctx context.Context) (int, error) {
	type slotKey struct {
		service uuid.UUID
		at      int64
	}
	seen := make(map[slotKey]int)

	for _, b := range s.pool.Bookings() {
		var resp api.BookingResponse
		status, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/bookings/%s", b.ID), nil, &resp)
		if err != nil {
			return 0, err
		}
		if status != http.StatusOK {
			return 0, fmt.Errorf("get booking %s: status %d", b.ID, status)
		}
		if resp.Status == "cancelled" {
			continue
		}
		seen[slotKey{service: resp.ServiceID, at: resp.AppointmentAt.Unix()}]++
	}

	doubles := 0
	for _, n := range seen {
		if n > 1 {
			doubles++
		}
	}
	return doubles, nil
}

func (s *Simulator) PrintReport(doubles int) {
	fmt.Println("\n" + rule())
	fmt.Println("SIMULATION REPORT")
	fmt.Println(rule())
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Services: %d\n", len(s.pool.Services))
	fmt.Printf("Bookings created: %d\n", len(s.pool.Bookings()))
	fmt.Printf("Double-booked slots: %d\n", doubles)
	fmt.Println()

	printOperationReport("Acquire lock", &s.metrics.Lock)
	printOperationReport("Create booking", &s.metrics.Book)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Read booking", &s.metrics.Read)
	printOperationReport("List slots", &s.metrics.Slots)
}

// call sends one JSON request. out may be nil.
func (s *Simulator) call(ctx context.Context, method, path string, in, out any) (int, error) {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func classify(status int, err error, want int) outcome {
	switch {
	case err != nil:
		return outcomeError
	case status == want:
		return outcomeSuccess
	case status == http.StatusConflict:
		return outcomeConflict
	default:
		return outcomeError
	}
}

// classifyResult treats a 200 refusal as a conflict.
func classifyResult(status int, err error, success bool) outcome {
	o := classify(status, err, http.StatusOK)
	if o == outcomeSuccess && !success {
		return outcomeConflict
	}
	return o
}
