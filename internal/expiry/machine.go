// Package expiry drives the service lifecycle: active services past their
// expiry either renew from the owner's balance or enter a three-day grace
// window and are finally deprovisioned. The machine is the main producer of
// the service.* events retention scenarios key off.
package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/engine"
	"github.com/lifecyclehq/pulse/internal/metrics"
)

// GracePeriod is how long a service may stay unpaid past its expiry.
const GracePeriod = 72 * time.Hour

// ServiceStore is the persistence surface of the machine. Implemented by
// *db.Repository.
type ServiceStore interface {
	DueServices(ctx context.Context, now time.Time, limit int) ([]*db.Service, error)
	RenewService(ctx context.Context, svc *db.Service) error
	StartGrace(ctx context.Context, serviceID uuid.UUID, payDayAt time.Time) (bool, error)
	DeleteService(ctx context.Context, serviceID uuid.UUID) error
}

// Deprovisioner tears the underlying resource down (VM destroy, domain
// release). External collaborator.
type Deprovisioner interface {
	Deprovision(ctx context.Context, svc *db.Service) error
}

// EventSink receives the lifecycle events the machine emits. Implemented by
// the event dispatcher.
type EventSink interface {
	Dispatch(ctx context.Context, evt *engine.Event) ([]engine.Result, error)
}

// Clock abstracts time for deterministic sweeps in tests.
type Clock interface {
	Now() time.Time
}

// Machine is the expiration/grace state machine.
type Machine struct {
	store       ServiceStore
	deprovision Deprovisioner
	events      EventSink
	clock       Clock
	interval    time.Duration
	batchSize   int
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
}

// New creates the machine. The sweep interval defaults to daily, coarser
// than the automation dispatch ticks by design.
func New(store ServiceStore, deprovision Deprovisioner, events EventSink, clock Clock, interval time.Duration, logger *zap.Logger) *Machine {
	if interval == 0 {
		interval = 24 * time.Hour
	}
	return &Machine{
		store:       store,
		deprovision: deprovision,
		events:      events,
		clock:       clock,
		interval:    interval,
		batchSize:   1000,
		maxAttempts: 3,
		retryDelay:  time.Second,
		logger:      logger,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (m *Machine) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("expiry machine stopping")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates the transition rule once for every due service. One
// service's failure never aborts the rest of the pass.
func (m *Machine) Sweep(ctx context.Context) {
	started := m.clock.Now()
	defer func() {
		metrics.RecordSweepDuration("expiry", m.clock.Now().Sub(started))
	}()

	services, err := m.store.DueServices(ctx, m.clock.Now(), m.batchSize)
	if err != nil {
		m.logger.Error("failed to list due services", zap.Error(err))
		return
	}

	for _, svc := range services {
		if err := m.step(ctx, svc); err != nil {
			m.logger.Error("service transition failed",
				zap.Error(err),
				zap.String("service_id", svc.ID.String()),
				zap.String("kind", svc.Kind),
			)
		}
	}
}

// step applies one transition for one service: renew, start grace,
// deprovision, or remind — in that priority order.
func (m *Machine) step(ctx context.Context, svc *db.Service) error {
	now := m.clock.Now()
	if svc.ExpireAt.After(now) {
		return nil
	}

	// Renewal is attempted first so a funded service skips grace entirely.
	err := m.store.RenewService(ctx, svc)
	if err == nil {
		metrics.RecordServiceTransition("renewed")
		m.emit(ctx, &engine.Event{
			Name:        "service.renewed",
			UserID:      svc.UserID,
			At:          now,
			ServiceID:   svc.ID,
			ServiceType: svc.Kind,
			Amount:      svc.RenewalPrice,
		})
		return nil
	}
	if !errors.Is(err, db.ErrInsufficient) {
		return err
	}

	if svc.PayDayAt == nil {
		payDayAt := now.Add(GracePeriod)
		entered, err := m.store.StartGrace(ctx, svc.ID, payDayAt)
		if err != nil {
			return err
		}
		if !entered {
			// A concurrent sweep won the transition.
			return nil
		}
		svc.PayDayAt = &payDayAt
		metrics.RecordServiceTransition("grace")
		m.logger.Info("service entered grace",
			zap.String("service_id", svc.ID.String()),
			zap.String("kind", svc.Kind),
			zap.Time("pay_day_at", payDayAt),
		)
		m.emit(ctx, &engine.Event{
			Name:        "service.expiring",
			UserID:      svc.UserID,
			At:          now,
			ServiceID:   svc.ID,
			ServiceType: svc.Kind,
			GraceDay:    1,
			PayDayAt:    &payDayAt,
		})
		m.emit(ctx, &engine.Event{
			Name:        "service.grace_start",
			UserID:      svc.UserID,
			At:          now,
			ServiceID:   svc.ID,
			ServiceType: svc.Kind,
			GraceDay:    1,
			PayDayAt:    &payDayAt,
		})
		return nil
	}

	if !svc.PayDayAt.After(now) {
		return m.remove(ctx, svc)
	}

	// Still inside grace: surface a day-2/day-3 reminder as the deadline
	// approaches. The consuming scenario's cooldown dedupes repeat sweeps.
	if day := graceDay(*svc.PayDayAt, now); day > 1 {
		m.emit(ctx, &engine.Event{
			Name:        "service.expiring",
			UserID:      svc.UserID,
			At:          now,
			ServiceID:   svc.ID,
			ServiceType: svc.Kind,
			GraceDay:    day,
			PayDayAt:    svc.PayDayAt,
		})
	}
	return nil
}

// remove deprovisions with bounded retry and deletes the record. The record
// is deleted even when deprovisioning keeps failing; the failure is logged
// loudly for operators to reconcile the orphaned resource.
func (m *Machine) remove(ctx context.Context, svc *db.Service) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lastErr = m.deprovision.Deprovision(ctx, svc)
		if lastErr == nil {
			break
		}
		m.logger.Warn("deprovisioning attempt failed",
			zap.Error(lastErr),
			zap.String("service_id", svc.ID.String()),
			zap.Int("attempt", attempt),
		)
		if attempt < m.maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryDelay * time.Duration(1<<(attempt-1))):
			}
		}
	}
	if lastErr != nil {
		m.logger.Error("deprovisioning exhausted retries, deleting record anyway",
			zap.Error(lastErr),
			zap.String("service_id", svc.ID.String()),
			zap.String("provider_ref", svc.ProviderRef),
		)
	}

	if err := m.store.DeleteService(ctx, svc.ID); err != nil {
		return err
	}
	metrics.RecordServiceTransition("deleted")
	m.emit(ctx, &engine.Event{
		Name:        "service.deleted",
		UserID:      svc.UserID,
		At:          m.clock.Now(),
		ServiceID:   svc.ID,
		ServiceType: svc.Kind,
	})
	return nil
}

// graceDay maps the remaining time before the deadline onto a 1..3 day
// index: >48h left is day 1, 24-48h is day 2, under 24h is day 3.
func graceDay(payDayAt, now time.Time) int {
	left := payDayAt.Sub(now)
	switch {
	case left > 48*time.Hour:
		return 1
	case left > 24*time.Hour:
		return 2
	default:
		return 3
	}
}

func (m *Machine) emit(ctx context.Context, evt *engine.Event) {
	if m.events == nil {
		return
	}
	if _, err := m.events.Dispatch(ctx, evt); err != nil {
		m.logger.Error("lifecycle event dispatch failed",
			zap.Error(err),
			zap.String("event", evt.Name),
			zap.String("service_id", evt.ServiceID.String()),
		)
	}
}
