package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/arvinnon/vecbook/internal/metrics"
	"github.com/arvinnon/vecbook/internal/schedule"
)

// ReviewNotifier receives audit events flagged for human review.
type ReviewNotifier interface {
	NotifyReview(ctx context.Context, ev ScanEvent)
}

// SweepStats summarizes one closer pass.
type SweepStats struct {
	AutoClosed   int
	AbsentMarked int
}

// Closer is the background sweep that resolves unterminated days: it closes
// open records past the auto-close cutoff and marks missing teachers absent
// past the absence cutoff. It runs as a goroutine and is safe to stop via
// its context or the Stop method.
type Closer struct {
	store    Store
	policy   schedule.Policy
	locks    *keyedMutex
	interval time.Duration
	logger   *log.Logger
	notify   ReviewNotifier
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCloser creates a closer for the engine's store but does not start it.
// The closer shares the engine's per-(teacher, date) locks so sweep writes
// serialize with in-flight scans. notify may be nil.
func NewCloser(engine *Engine, interval time.Duration, logger *log.Logger, notify ReviewNotifier) *Closer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Closer{
		store:    engine.store,
		policy:   engine.cfg.Policy,
		locks:    engine.locks,
		interval: interval,
		logger:   logger,
		notify:   notify,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the background loop. It sweeps immediately on startup, then
// repeats on the configured interval until ctx is cancelled or Stop is
// called.
func (c *Closer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
	c.logger.Printf("daily closer started (interval=%s)", c.interval)
}

// Stop signals the closer to exit and waits for it to finish.
func (c *Closer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Closer) loop(ctx context.Context) {
	defer close(c.done)

	c.runSweep(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runSweep(ctx)
		}
	}
}

func (c *Closer) runSweep(ctx context.Context) {
	stats, err := c.Sweep(ctx, c.now())
	if err != nil {
		c.logger.Printf("closer sweep error: %v", err)
		return
	}
	if stats.AutoClosed > 0 || stats.AbsentMarked > 0 {
		c.logger.Printf("closer sweep: auto-closed %d, marked absent %d", stats.AutoClosed, stats.AbsentMarked)
	}
}

// Sweep runs one pass as of now. It is idempotent: records already terminal
// are skipped, and the audit entries it writes carry deterministic request
// keys so a rerun never double-logs.
func (c *Closer) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	var stats SweepStats

	closed, err := c.autoClose(ctx, now)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return stats, err
	}
	stats.AutoClosed = closed

	absent, err := c.markAbsent(ctx, now)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return stats, err
	}
	stats.AbsentMarked = absent

	metrics.SweepRuns.WithLabelValues("ok").Inc()
	metrics.SweepRecords.WithLabelValues("auto_closed").Add(float64(stats.AutoClosed))
	metrics.SweepRecords.WithLabelValues("absence_marked").Add(float64(stats.AbsentMarked))
	return stats, nil
}

// autoClose terminates records with a time-in and no time-out once the
// auto-close cutoff has passed for their date.
func (c *Closer) autoClose(ctx context.Context, now time.Time) (int, error) {
	today := now.Format("2006-01-02")
	includeToday := schedule.ClockOf(now) >= c.policy.AutoCloseCutoff

	open, err := c.store.OpenRecords(ctx, today, includeToday)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, rec := range open {
		done, err := c.closeRecord(ctx, rec.TeacherID, rec.Date, now)
		if err != nil {
			return closed, err
		}
		if done {
			closed++
		}
	}
	return closed, nil
}

// closeRecord terminates one open record. It holds the record's per-(teacher,
// date) lock and re-reads the row: a scan may have committed a real time-out
// after OpenRecords listed it, and that must win over the cutoff.
func (c *Closer) closeRecord(ctx context.Context, teacherID int64, date string, now time.Time) (bool, error) {
	release := c.locks.Lock(recordKey(teacherID, date))
	defer release()

	rec, err := c.store.Record(ctx, teacherID, date)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rec.Status.Terminal() || rec.TimeIn == nil || rec.TimeOut != nil {
		return false, nil
	}

	cutoff := c.policy.AutoCloseCutoff
	worked := c.policy.WorkedMinutes(*rec.TimeIn, cutoff)
	under := c.policy.Undertime(worked, c.policy.ScheduledMinutes(rec.ScheduledStart, rec.ScheduledEnd))
	closedAt := now

	rec.TimeOut = &cutoff
	rec.Status = StatusAutoClosed
	rec.Remarks = fmt.Sprintf("Auto-closed at cutoff %s.", cutoff)
	rec.WorkedMinutes = &worked
	rec.UndertimeMinutes = &under
	rec.AutoClosedAt = &closedAt
	rec.Source = "SystemAutoClose"
	rec.UpdatedAt = now

	if err := c.store.UpdateRecord(ctx, rec); err != nil {
		return false, err
	}

	ev := &ScanEvent{
		TeacherID:      &rec.TeacherID,
		Decision:       DecisionAutoClosedSet,
		Message:        rec.Remarks,
		EventDate:      rec.Date,
		EventTime:      schedule.ClockOf(now),
		CapturedAt:     now,
		Source:         "SystemAutoClose",
		RequestID:      fmt.Sprintf("auto_close:%s:%d", rec.Date, rec.TeacherID),
		RequiresReview: true,
		RecordID:       &rec.ID,
		Payload:        sweepPayload(map[string]any{"time_out": cutoff.String()}),
	}
	inserted, err := c.store.AppendEvent(ctx, ev)
	if err != nil {
		return false, err
	}
	if inserted && c.notify != nil {
		c.notify.NotifyReview(ctx, *ev)
	}
	return true, nil
}

// markAbsent creates Absent records for teachers with no scans once the
// absence cutoff has passed for today.
func (c *Closer) markAbsent(ctx context.Context, now time.Time) (int, error) {
	if schedule.ClockOf(now) < c.policy.AbsenceCutoff {
		return 0, nil
	}
	date := now.Format("2006-01-02")

	missing, err := c.store.TeacherIDsWithoutRecord(ctx, date)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, teacherID := range missing {
		done, err := c.markTeacherAbsent(ctx, teacherID, date, now)
		if err != nil {
			return marked, err
		}
		if done {
			marked++
		}
	}
	return marked, nil
}

// markTeacherAbsent creates one Absent record under the record's lock.
func (c *Closer) markTeacherAbsent(ctx context.Context, teacherID int64, date string, now time.Time) (bool, error) {
	release := c.locks.Lock(recordKey(teacherID, date))
	defer release()

	markedAt := now
	sched := c.policy.ScheduledMinutes(c.policy.AMStart, c.policy.PMEnd)
	under := sched
	rec := &DailyRecord{
		TeacherID:        teacherID,
		Date:             date,
		Status:           StatusAbsent,
		Remarks:          "No valid time-in before absence cutoff.",
		Source:           "SystemAbsence",
		ScheduledStart:   c.policy.AMStart,
		ScheduledEnd:     c.policy.PMEnd,
		GraceMinutes:     c.policy.GraceMinutes,
		UndertimeMinutes: &under,
		AbsenceMarkedAt:  &markedAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.store.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			return false, nil // a scan beat the sweep to it
		}
		return false, err
	}

	ev := &ScanEvent{
		TeacherID:      &teacherID,
		Decision:       DecisionAbsenceMarked,
		Message:        rec.Remarks,
		EventDate:      date,
		EventTime:      c.policy.AbsenceCutoff,
		CapturedAt:     now,
		Source:         "SystemAbsence",
		RequestID:      fmt.Sprintf("absence_marked:%s:%d", date, teacherID),
		RequiresReview: true,
		RecordID:       &rec.ID,
		Payload: sweepPayload(map[string]any{
			"cutoff": c.policy.AbsenceCutoff.String(),
		}),
	}
	inserted, err := c.store.AppendEvent(ctx, ev)
	if err != nil {
		return false, err
	}
	if inserted && c.notify != nil {
		c.notify.NotifyReview(ctx, *ev)
	}
	return true, nil
}

func sweepPayload(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
