package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/slot-reservation-engine/internal/app"
	"github.com/hackgods/slot-reservation-engine/internal/booking"
	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/db"
	"github.com/hackgods/slot-reservation-engine/internal/keylock"
	"github.com/hackgods/slot-reservation-engine/internal/notify"
)

var serviceNames = []string{
	"General Consultation",
	"Dental Cleaning",
	"Physiotherapy Session",
	"Dermatology Review",
	"Eye Examination",
	"Vaccination",
	"Hearing Test",
	"Nutrition Advice",
}

var timezones = []string{"UTC", "Europe/Berlin", "Europe/London", "America/New_York", "Asia/Kolkata"}

func main() {
	root := &cobra.Command{
		Use:           "seed",
		Short:         "Prepare a Postgres database for the slot reservation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), dataCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			logger.Info().Strs("migrations", applied).Msg("schema up to date")
			return nil
		},
	}
}

func dataCmd() *cobra.Command {
	var (
		entities          int
		servicesPerEntity int
		bookingsPerSvc    int
	)

	cmd := &cobra.Command{
		Use:   "data",
		Short: "Migrate, then create fake entities, services and bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if entities <= 0 || servicesPerEntity <= 0 {
				return errors.New("--entities and --services must be positive")
			}

			ctx := cmd.Context()
			cfg, logger, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if _, err := db.Migrate(ctx, pool); err != nil {
				return err
			}

			engine := booking.NewEngine(
				booking.NewPgRepository(pool),
				keylock.New(),
				notify.NewLogDispatcher(logger),
				cfg,
				logger,
			)

			gofakeit.Seed(time.Now().UnixNano())

			s := &seeder{engine: engine, log: logger}
			return s.run(ctx, entities, servicesPerEntity, bookingsPerSvc)
		},
	}

	cmd.Flags().IntVar(&entities, "entities", 5, "number of entities to create")
	cmd.Flags().IntVar(&servicesPerEntity, "services", 3, "services per entity")
	cmd.Flags().IntVar(&bookingsPerSvc, "bookings", 4, "bookings per service within the next week")
	return cmd
}

func connect(ctx context.Context) (config.Config, zerolog.Logger, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return config.Config{}, zerolog.Nop(), nil, errors.New("seed only works against STORE_DRIVER=postgres")
	}

	logger := app.NewLogger(cfg, "seed")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(connectCtx, cfg.PostgresDSN)
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, fmt.Errorf("connect postgres: %w", err)
	}
	return cfg, logger, pool, nil
}

type seeder struct {
	engine *booking.Engine
	log    zerolog.Logger
}

func (s *seeder) run(ctx context.Context, entities, servicesPerEntity, bookingsPerSvc int) error {
	s.log.Info().Int("entities", entities).Int("services_per_entity", servicesPerEntity).Msg("seeding")

	var services []*booking.Service
	for i := 0; i < entities; i++ {
		ent, err := s.engine.CreateEntity(ctx, booking.Entity{
			Name:    gofakeit.Company(),
			Address: gofakeit.Street() + ", " + gofakeit.City(),
			Email:   gofakeit.Email(),
			Phone:   gofakeit.Phone(),
		})
		if err != nil {
			return fmt.Errorf("seed entity: %w", err)
		}

		for j := 0; j < servicesPerEntity; j++ {
			svc, err := s.engine.CreateService(ctx, fakeService(ent.ID))
			if err != nil {
				return fmt.Errorf("seed service: %w", err)
			}
			services = append(services, svc)
			s.log.Info().
				Str("entity", ent.Name).
				Str("service_id", svc.ID.String()).
				Str("service", svc.Name).
				Str("timezone", svc.Timezone).
				Msg("service seeded")
		}
	}

	booked := 0
	for _, svc := range services {
		n, err := s.bookSome(ctx, svc, bookingsPerSvc)
		if err != nil {
			return err
		}
		booked += n
	}

	s.log.Info().Int("services", len(services)).Int("bookings", booked).Msg("seed complete")
	return nil
}

// bookSome books up to n random open slots within the next seven days.
func (s *seeder) bookSome(ctx context.Context, svc *booking.Service, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	from := time.Now().AddDate(0, 0, 1)
	slots, err := s.engine.AvailableSlots(ctx, svc.ID, from, from.AddDate(0, 0, 6))
	if err != nil {
		return 0, fmt.Errorf("list slots for %s: %w", svc.Name, err)
	}

	var open []booking.Slot
	for _, sl := range slots {
		if sl.Available {
			open = append(open, sl)
		}
	}

	booked := 0
	for booked < n && len(open) > 0 {
		idx := gofakeit.Number(0, len(open)-1)
		slot := open[idx]
		open = append(open[:idx], open[idx+1:]...)

		paid := booking.PaymentPending
		if gofakeit.Number(0, 1) == 1 {
			paid = booking.PaymentPaid
		}

		_, err := s.engine.CreateBooking(ctx, booking.CreateInput{
			ServiceID:     svc.ID,
			PatientID:     gofakeit.UUID(),
			Recipient:     gofakeit.Email(),
			AppointmentAt: slot.Start,
			PaymentStatus: paid,
		})
		if errors.Is(err, booking.ErrSlotUnavailable) {
			continue
		}
		if err != nil {
			return booked, fmt.Errorf("seed booking for %s: %w", svc.Name, err)
		}
		booked++
	}
	return booked, nil
}

func fakeService(entityID uuid.UUID) booking.Service {
	durations := []int{15, 30, 45, 60}
	buffers := []int{0, 5, 10, 15}

	var rules []booking.AvailabilityRule
	for day := time.Monday; day <= time.Friday; day++ {
		if gofakeit.Number(0, 4) == 0 {
			continue
		}
		start := gofakeit.Number(7, 10)
		end := start + gofakeit.Number(4, 8)
		rules = append(rules, booking.AvailabilityRule{
			Weekday: day,
			Start:   fmt.Sprintf("%02d:00", start),
			End:     fmt.Sprintf("%02d:00", end),
		})
	}

	return booking.Service{
		EntityID:           entityID,
		Name:               serviceNames[gofakeit.Number(0, len(serviceNames)-1)],
		DurationMinutes:    durations[gofakeit.Number(0, len(durations)-1)],
		BufferMinutes:      buffers[gofakeit.Number(0, len(buffers)-1)],
		Timezone:           timezones[gofakeit.Number(0, len(timezones)-1)],
		Availability:       rules,
		AdvanceBookingDays: 60,
		Cancellation: booking.CancellationPolicy{
			CutoffHours:      []int{2, 12, 24, 48}[gofakeit.Number(0, 3)],
			RefundPercentage: []int{0, 50, 80, 100}[gofakeit.Number(0, 3)],
		},
		Reschedule: booking.ReschedulePolicy{
			CutoffHours: []int{2, 12, 24}[gofakeit.Number(0, 2)],
			Fee:         int64(gofakeit.Number(0, 4)) * 500,
		},
		MaxBookingsPerDay: gofakeit.Number(0, 12),
		Price:             int64(gofakeit.Number(20, 150)) * 100,
		Currency:          "USD",
		Active:            true,
	}
}
