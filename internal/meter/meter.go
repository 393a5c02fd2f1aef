// Package meter records per-request accounting off the response path.
// Recording is fire-and-forget from the caller's perspective, but a single
// serial worker applies events in order so per-credential usage counters
// and last-used timestamps never regress.
package meter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/snapgate/snapgate/internal/store"
	"github.com/snapgate/snapgate/pkg/models"
)

// Event is one completed request attempt, success or failure.
type Event struct {
	CredentialID *uuid.UUID
	PrincipalID  uuid.UUID
	Endpoint     string
	Outcome      string
	Duration     time.Duration
	PayloadBytes int64
	ErrorDetail  string
}

type periodTotal struct {
	count  int64
	anchor time.Time // first instant of the calendar month the count covers
}

// Meter appends usage records durably and serves per-principal monthly
// aggregates for billing and dashboards.
type Meter struct {
	store  store.Store
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	totals map[uuid.UUID]*periodTotal

	now func() time.Time
}

// New creates a Meter and starts its worker. queueSize bounds how many
// unwritten events may be in flight before Record starts dropping.
func New(s store.Store, queueSize int) *Meter {
	m := &Meter{
		store:  s,
		events: make(chan Event, queueSize),
		done:   make(chan struct{}),
		totals: make(map[uuid.UUID]*periodTotal),
		now:    time.Now,
	}
	go m.run()
	return m
}

// Record enqueues an event without blocking. Metering failures must never
// abort the caller's in-flight response, so a full queue drops the event
// with a log line instead of applying backpressure.
func (m *Meter) Record(ev Event) {
	select {
	case m.events <- ev:
	default:
		slog.Warn("usage meter queue full, dropping event",
			"principal_id", ev.PrincipalID, "endpoint", ev.Endpoint)
	}
}

// Aggregate returns the principal's usage count for the current calendar
// month. When at least one month has elapsed since the accumulator's
// anchor, it resets exactly once; polling cadence does not matter because
// the reset is conditioned on the elapsed period, not on wall-clock ticks.
func (m *Meter) Aggregate(ctx context.Context, principalID uuid.UUID) (int64, error) {
	now := m.now().UTC()
	monthStart := startOfMonth(now)

	m.mu.Lock()
	defer m.mu.Unlock()

	total, ok := m.totals[principalID]
	if !ok {
		// First observation: seed from durable records so restarts do not
		// zero a principal's month.
		count, err := m.store.CountUsageSince(ctx, principalID, monthStart)
		if err != nil {
			return 0, err
		}
		m.totals[principalID] = &periodTotal{count: count, anchor: monthStart}
		return count, nil
	}

	if total.anchor.Before(monthStart) {
		total.count = 0
		total.anchor = monthStart
	}
	return total.count, nil
}

// Close stops accepting events and blocks until the worker has drained the
// queue.
func (m *Meter) Close() {
	close(m.events)
	<-m.done
}

func (m *Meter) run() {
	defer close(m.done)
	for ev := range m.events {
		m.apply(ev)
	}
}

func (m *Meter) apply(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &models.UsageRecord{
		ID:           uuid.New(),
		CredentialID: ev.CredentialID,
		PrincipalID:  ev.PrincipalID,
		Endpoint:     ev.Endpoint,
		Outcome:      ev.Outcome,
		DurationMS:   ev.Duration.Milliseconds(),
		PayloadBytes: ev.PayloadBytes,
		CreatedAt:    m.now().UTC(),
	}
	if ev.ErrorDetail != "" {
		rec.ErrorDetail = &ev.ErrorDetail
	}

	if err := m.store.InsertUsageRecord(ctx, rec); err != nil {
		slog.Error("insert usage record failed", "principal_id", ev.PrincipalID, "error", err)
	}

	if ev.CredentialID != nil {
		if err := m.store.TouchCredentialUsage(ctx, *ev.CredentialID); err != nil {
			slog.Error("touch credential usage failed", "credential_id", *ev.CredentialID, "error", err)
		}
	}

	m.bump(ev.PrincipalID)
}

func (m *Meter) bump(principalID uuid.UUID) {
	monthStart := startOfMonth(m.now().UTC())

	m.mu.Lock()
	defer m.mu.Unlock()

	total, ok := m.totals[principalID]
	if !ok {
		m.totals[principalID] = &periodTotal{count: 1, anchor: monthStart}
		return
	}
	if total.anchor.Before(monthStart) {
		total.count = 0
		total.anchor = monthStart
	}
	total.count++
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
