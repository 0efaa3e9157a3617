package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokehq/stoke/pkg/eventbus"
	"github.com/stokehq/stoke/pkg/events"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence/memory"
)

type capturingBus struct {
	published []eventbus.Event
}

func (b *capturingBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	b.published = append(b.published, event)

	return nil
}

func newTestScheduler(p *memory.Persistence, bus eventbus.EventPublisher, lease *Lease) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewScheduler(p, bus, lease, time.Second, logger)
}

func TestTickFiresDueSchedules(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()
	bus := &capturingBus{}

	due, err := models.NewSchedule("sch-1", "wf-1", "fetch", models.ScheduleSpec{Interval: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, p.Schedules().Save(ctx, due))

	notDue, err := models.NewSchedule("sch-2", "wf-1", "slow", models.ScheduleSpec{Interval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, p.Schedules().Save(ctx, notDue))

	time.Sleep(5 * time.Millisecond)

	s := newTestScheduler(p, bus, nil)
	require.NoError(t, s.Tick(ctx))

	require.Len(t, bus.published, 1)

	trigger, ok := bus.published[0].(events.TriggerFired)
	require.True(t, ok)
	assert.Equal(t, "fetch", trigger.HandlerName)
	assert.Equal(t, models.TriggerKindSchedule, trigger.TriggerKind)
	assert.Equal(t, events.TriggerFiredEvent, trigger.GetType())
}

func TestTickAdvancesFiredSchedule(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()
	bus := &capturingBus{}

	schedule, err := models.NewSchedule("sch-1", "wf-1", "fetch", models.ScheduleSpec{Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, p.Schedules().Save(ctx, schedule))

	time.Sleep(15 * time.Millisecond)

	s := newTestScheduler(p, bus, nil)
	require.NoError(t, s.Tick(ctx))
	require.Len(t, bus.published, 1)

	stored, err := p.Schedules().GetByID(ctx, "sch-1")
	require.NoError(t, err)
	assert.True(t, stored.NextDueAt.After(time.Now().UTC()))

	// The advanced schedule is no longer due on the next pass.
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, bus.published, 1)
}

func TestCronScheduleAdvances(t *testing.T) {
	schedule, err := models.NewSchedule("sch-1", "wf-1", "nightly", models.ScheduleSpec{Cron: "0 3 * * *"})
	require.NoError(t, err)

	next := schedule.NextDueAt
	assert.Equal(t, 3, next.Hour())
	assert.True(t, next.After(time.Now().UTC()))
}

func TestInvalidScheduleSpecRejected(t *testing.T) {
	_, err := models.NewSchedule("sch-1", "wf-1", "fetch", models.ScheduleSpec{})
	assert.ErrorIs(t, err, models.ErrInvalidSchedule)

	_, err = models.NewSchedule("sch-2", "wf-1", "fetch", models.ScheduleSpec{Cron: "not a cron"})
	assert.Error(t, err)
}

func TestLeaseSingleHolder(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	first := NewLease(client, "holder-1", 30*time.Second)
	second := NewLease(client, "holder-2", 30*time.Second)

	held, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	// A competing holder is rejected while the lease is live.
	held, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	// The owner can refresh its own lease.
	held, err = first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, first.Release(ctx))

	held, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLeaseReleaseOnlyByOwner(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	owner := NewLease(client, "holder-1", 30*time.Second)
	intruder := NewLease(client, "holder-2", 30*time.Second)

	held, err := owner.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	// Releasing someone else's lease is a no-op.
	require.NoError(t, intruder.Release(ctx))

	held, err = intruder.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestTickSkippedWithoutLease(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	// Another instance owns the lease.
	require.NoError(t, client.Set(ctx, "stoke:scheduler:lease", "other-holder", time.Minute).Err())

	p := memory.NewPersistence()
	bus := &capturingBus{}

	schedule, err := models.NewSchedule("sch-1", "wf-1", "fetch", models.ScheduleSpec{Interval: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, p.Schedules().Save(ctx, schedule))

	time.Sleep(5 * time.Millisecond)

	s := newTestScheduler(p, bus, NewLease(client, "holder-1", time.Minute))
	require.NoError(t, s.Tick(ctx))

	assert.Empty(t, bus.published)
}
