package attendance_test

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arvinnon/vecbook/internal/attendance"
	"github.com/arvinnon/vecbook/internal/attendance/memory"
	"github.com/arvinnon/vecbook/internal/metrics"
)

type captureNotifier struct {
	events []attendance.ScanEvent
}

func (n *captureNotifier) NotifyReview(_ context.Context, ev attendance.ScanEvent) {
	n.events = append(n.events, ev)
}

func newTestCloser(t *testing.T, store attendance.Store, notify attendance.ReviewNotifier) *attendance.Closer {
	t.Helper()
	eng := attendance.NewEngine(store, attendance.EngineConfig{
		Policy:            testPolicy(t),
		DuplicateCooldown: 120 * time.Second,
	})
	return attendance.NewCloser(eng, 0, log.New(io.Discard, "", 0), notify)
}

func seedOpenRecord(t *testing.T, store *memory.Store, teacherID int64, date, timeIn string) {
	t.Helper()
	in := mustClock(t, timeIn)
	if err := store.CreateRecord(context.Background(), &attendance.DailyRecord{
		TeacherID:      teacherID,
		Date:           date,
		TimeIn:         &in,
		Status:         attendance.StatusPresent,
		ScanAttempts:   1,
		Source:         "LiveFaceCapture",
		ScheduledStart: mustClock(t, "07:30"),
		ScheduledEnd:   mustClock(t, "17:00"),
		GraceMinutes:   10,
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestSweepAutoClosesOpenRecords(t *testing.T) {
	store := memory.New()
	teacher := store.AddTeacher(attendance.Teacher{FullName: "Alicia Reyes"})
	seedOpenRecord(t, store, teacher.ID, "2026-03-02", "07:40")

	notify := &captureNotifier{}
	closer := newTestCloser(t, store, notify)
	ctx := context.Background()

	stats, err := closer.Sweep(ctx, stamp(t, "2026-03-02", "20:05"))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.AutoClosed != 1 {
		t.Fatalf("auto-closed = %d, want 1", stats.AutoClosed)
	}

	rec, err := store.Record(ctx, teacher.ID, "2026-03-02")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Status != attendance.StatusAutoClosed {
		t.Errorf("status = %s, want %s", rec.Status, attendance.StatusAutoClosed)
	}
	if rec.TimeOut == nil || rec.TimeOut.String() != "20:00:00" {
		t.Errorf("time_out = %v, want the 20:00:00 cutoff", rec.TimeOut)
	}
	// 07:40 to 20:00 is 740 minutes; lunch subtracts 60.
	if rec.WorkedMinutes == nil || *rec.WorkedMinutes != 680 {
		t.Errorf("worked_minutes = %v, want 680", rec.WorkedMinutes)
	}
	if rec.UndertimeMinutes == nil || *rec.UndertimeMinutes != 0 {
		t.Errorf("undertime_minutes = %v, want 0", rec.UndertimeMinutes)
	}
	if rec.AutoClosedAt == nil {
		t.Error("auto_closed_at not set")
	}

	events, err := store.ListEvents(ctx, attendance.EventFilter{TeacherID: &teacher.ID, Date: "2026-03-02"})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Decision != attendance.DecisionAutoClosedSet {
		t.Fatalf("events = %+v, want one AUTO_CLOSED_SET", events)
	}
	if len(notify.events) != 1 {
		t.Errorf("notified %d times, want 1", len(notify.events))
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	store := memory.New()
	teacher := store.AddTeacher(attendance.Teacher{FullName: "Alicia Reyes"})
	seedOpenRecord(t, store, teacher.ID, "2026-03-02", "07:40")

	notify := &captureNotifier{}
	closer := newTestCloser(t, store, notify)
	ctx := context.Background()

	if _, err := closer.Sweep(ctx, stamp(t, "2026-03-02", "20:05")); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	stats, err := closer.Sweep(ctx, stamp(t, "2026-03-02", "20:10"))
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if stats.AutoClosed != 0 {
		t.Errorf("second sweep auto-closed = %d, want 0", stats.AutoClosed)
	}

	events, err := store.ListEvents(ctx, attendance.EventFilter{TeacherID: &teacher.ID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("event count = %d, want 1", len(events))
	}
	if len(notify.events) != 1 {
		t.Errorf("notified %d times, want 1", len(notify.events))
	}
}

func TestSweepClosesPreviousDays(t *testing.T) {
	store := memory.New()
	teacher := store.AddTeacher(attendance.Teacher{FullName: "Alicia Reyes"})
	seedOpenRecord(t, store, teacher.ID, "2026-03-01", "07:45")

	closer := newTestCloser(t, store, nil)
	ctx := context.Background()

	// The next morning, before today's cutoff, yesterday still gets closed.
	stats, err := closer.Sweep(ctx, stamp(t, "2026-03-02", "09:00"))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.AutoClosed != 1 {
		t.Fatalf("auto-closed = %d, want 1", stats.AutoClosed)
	}

	rec, err := store.Record(ctx, teacher.ID, "2026-03-01")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Status != attendance.StatusAutoClosed {
		t.Errorf("status = %s, want %s", rec.Status, attendance.StatusAutoClosed)
	}
}

func TestSweepSkipsTodayBeforeCutoff(t *testing.T) {
	store := memory.New()
	teacher := store.AddTeacher(attendance.Teacher{FullName: "Alicia Reyes"})
	seedOpenRecord(t, store, teacher.ID, "2026-03-02", "07:40")

	closer := newTestCloser(t, store, nil)

	stats, err := closer.Sweep(context.Background(), stamp(t, "2026-03-02", "16:00"))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.AutoClosed != 0 {
		t.Errorf("auto-closed = %d, want 0 before the cutoff", stats.AutoClosed)
	}
}

func TestSweepMarksAbsentAfterCutoff(t *testing.T) {
	store := memory.New()
	teacher := store.AddTeacher(attendance.Teacher{FullName: "Alicia Reyes"})

	notify := &captureNotifier{}
	closer := newTestCloser(t, store, notify)
	ctx := context.Background()

	// Before the absence cutoff nothing happens.
	stats, err := closer.Sweep(ctx, stamp(t, "2026-03-02", "17:15"))
	if err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	if stats.AbsentMarked != 0 {
		t.Fatalf("absent = %d before cutoff, want 0", stats.AbsentMarked)
	}

	stats, err = closer.Sweep(ctx, stamp(t, "2026-03-02", "17:35"))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.AbsentMarked != 1 {
		t.Fatalf("absent = %d, want 1", stats.AbsentMarked)
	}

	rec, err := store.Record(ctx, teacher.ID, "2026-03-02")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Status != attendance.StatusAbsent {
		t.Errorf("status = %s, want %s", rec.Status, attendance.StatusAbsent)
	}
	if rec.UndertimeMinutes == nil || *rec.UndertimeMinutes != 510 {
		t.Errorf("undertime_minutes = %v, want the full 510", rec.UndertimeMinutes)
	}
	if rec.AbsenceMarkedAt == nil {
		t.Error("absence_marked_at not set")
	}

	// Re-running must not mark again.
	stats, err = closer.Sweep(ctx, stamp(t, "2026-03-02", "17:40"))
	if err != nil {
		t.Fatalf("repeat sweep: %v", err)
	}
	if stats.AbsentMarked != 0 {
		t.Errorf("repeat absent = %d, want 0", stats.AbsentMarked)
	}
	if len(notify.events) != 1 {
		t.Errorf("notified %d times, want 1", len(notify.events))
	}
}

// sweepHookStore lets a test interleave work between the sweep's listing and
// its per-record writes.
type sweepHookStore struct {
	*memory.Store
	afterOpen func()
}

func (s *sweepHookStore) OpenRecords(ctx context.Context, date string, includeDate bool) ([]attendance.DailyRecord, error) {
	recs, err := s.Store.OpenRecords(ctx, date, includeDate)
	if hook := s.afterOpen; hook != nil {
		s.afterOpen = nil
		hook()
	}
	return recs, err
}

func TestSweepDoesNotOverwriteScanTimeOut(t *testing.T) {
	mem := memory.New()
	teacher := mem.AddTeacher(attendance.Teacher{FullName: "Noel Cruz", FaceEnrolled: true})
	seedOpenRecord(t, mem, teacher.ID, "2026-03-02", "07:40")

	hooked := &sweepHookStore{Store: mem}
	eng := attendance.NewEngine(hooked, attendance.EngineConfig{
		Policy:            testPolicy(t),
		DuplicateCooldown: 120 * time.Second,
	})
	closer := attendance.NewCloser(eng, 0, log.New(io.Discard, "", 0), nil)
	ctx := context.Background()

	// A scan lands after the sweep has listed the open record but before it
	// writes the cutoff.
	hooked.afterOpen = func() {
		res, err := eng.ProcessScan(ctx, verifiedScan(teacher.ID, stamp(t, "2026-03-02", "16:30")))
		if err != nil {
			t.Errorf("ProcessScan: %v", err)
			return
		}
		if res.Decision != attendance.DecisionTimeOutSet {
			t.Errorf("scan decision = %s, want %s", res.Decision, attendance.DecisionTimeOutSet)
		}
	}

	stats, err := closer.Sweep(ctx, stamp(t, "2026-03-02", "20:05"))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.AutoClosed != 0 {
		t.Fatalf("auto-closed = %d, want 0", stats.AutoClosed)
	}

	rec, err := mem.Record(ctx, teacher.ID, "2026-03-02")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.TimeOut == nil || rec.TimeOut.String() != "16:30:00" {
		t.Errorf("time_out = %v, want the scan's 16:30:00", rec.TimeOut)
	}
	if rec.Status != attendance.StatusPresent {
		t.Errorf("status = %s, want %s", rec.Status, attendance.StatusPresent)
	}

	events, err := mem.ListEvents(ctx, attendance.EventFilter{TeacherID: &teacher.ID, Date: "2026-03-02", Decision: attendance.DecisionAutoClosedSet})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("auto-close events = %d, want 0", len(events))
	}
}

func TestSweepCountsRunsAndRecords(t *testing.T) {
	store := memory.New()
	teacher := store.AddTeacher(attendance.Teacher{FullName: "Alicia Reyes"})
	seedOpenRecord(t, store, teacher.ID, "2026-03-02", "07:40")

	closer := newTestCloser(t, store, nil)

	runsBefore := testutil.ToFloat64(metrics.SweepRuns.WithLabelValues("ok"))
	closedBefore := testutil.ToFloat64(metrics.SweepRecords.WithLabelValues("auto_closed"))

	if _, err := closer.Sweep(context.Background(), stamp(t, "2026-03-02", "20:05")); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if got := testutil.ToFloat64(metrics.SweepRuns.WithLabelValues("ok")) - runsBefore; got != 1 {
		t.Errorf("ok sweep runs delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.SweepRecords.WithLabelValues("auto_closed")) - closedBefore; got != 1 {
		t.Errorf("auto_closed records delta = %v, want 1", got)
	}
}
