package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arvinnon/vecbook/internal/schedule"
)

// DefaultSource tags scans arriving from the live capture path.
const DefaultSource = "LiveFaceCapture"

// EngineConfig tunes the decision engine.
type EngineConfig struct {
	Policy            schedule.Policy
	DuplicateCooldown time.Duration
	LogoutMode        LogoutMode
}

// Engine converts debounced recognition outcomes into attendance decisions.
// All mutations for a given (teacher, date) run under a single-flight lock,
// and every decision is written to the audit log before it is returned.
type Engine struct {
	store Store
	cfg   EngineConfig
	locks *keyedMutex
	now   func() time.Time
}

func NewEngine(store Store, cfg EngineConfig) *Engine {
	if cfg.LogoutMode == "" {
		cfg.LogoutMode = LogoutFlexible
	}
	return &Engine{
		store: store,
		cfg:   cfg,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// ProcessScan runs the attendance state machine for one debounced scan.
// Expected policy outcomes (out-of-window, duplicate, unverified face) come
// back as decision codes with a nil error; only storage failures return an
// error, and those are also recorded as ERROR audit events when possible.
func (e *Engine) ProcessScan(ctx context.Context, in ScanInput) (ScanResult, error) {
	if in.At.IsZero() {
		in.At = e.now()
	}
	date := in.At.Format("2006-01-02")
	clock := schedule.ClockOf(in.At)
	if in.Source == "" {
		in.Source = DefaultSource
	}

	// Idempotent replay: answer a retried request with the stored outcome.
	if in.RequestID != "" {
		ev, err := e.store.EventByRequestID(ctx, in.RequestID)
		if err == nil {
			return e.replayResult(ctx, ev)
		}
		if !errors.Is(err, ErrNotFound) {
			return e.errorResult(ctx, in, date, clock, err), err
		}
	}

	if !in.Verified {
		return e.processUnverified(ctx, in, date, clock)
	}

	var teacher *Teacher
	if in.TeacherID != nil {
		t, err := e.store.TeacherByID(ctx, *in.TeacherID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return e.errorResult(ctx, in, date, clock, err), err
		}
		teacher = t
	}
	if teacher == nil {
		return e.processUnknownTeacher(ctx, in, date, clock)
	}

	release := e.locks.Lock(recordKey(teacher.ID, date))
	defer release()

	// A retry carrying the same request id may have committed while this
	// scan waited for the lock. Re-check before evaluating again.
	if in.RequestID != "" {
		ev, err := e.store.EventByRequestID(ctx, in.RequestID)
		if err == nil {
			return e.replayResult(ctx, ev)
		}
		if !errors.Is(err, ErrNotFound) {
			return e.errorResult(ctx, in, date, clock, err), err
		}
	}

	res, err := e.processVerified(ctx, in, teacher, date, clock)
	if err != nil {
		return e.errorResult(ctx, in, date, clock, err), err
	}
	return res, nil
}

// processUnverified records non-terminal recognition outcomes in the audit
// log without touching any daily record.
func (e *Engine) processUnverified(ctx context.Context, in ScanInput, date string, clock schedule.Clock) (ScanResult, error) {
	var (
		code    DecisionCode
		message string
		teacher *int64
	)
	switch in.Reason {
	case "pending_confirmation":
		code = DecisionPending
		message = fmt.Sprintf("Face match pending additional confirmations (%d/%d).", in.PendingCount, in.PendingLimit)
		teacher = in.TeacherID
	case "low_confidence":
		code = DecisionLowConfidence
		message = "Face match confidence is below strict threshold."
		teacher = in.TeacherID
	case "duplicate":
		code = DecisionDuplicate
		message = "Duplicate scan ignored; identity confirmed moments ago."
		teacher = in.TeacherID
	case "unknown_face":
		code = DecisionUnknownFace
		message = "Face was recognized but the teacher is not enrolled."
	default:
		code = DecisionNoMatch
		reason := in.Reason
		if reason == "" {
			reason = "no_match"
		}
		message = "No face match: " + reason
	}

	ev := &ScanEvent{
		TeacherID:       teacher,
		RecognizedLabel: in.TeacherID,
		Confidence:      in.Confidence,
		Decision:        code,
		Message:         message,
		EventDate:       date,
		EventTime:       clock,
		CapturedAt:      in.At,
		Source:          in.Source,
		SessionID:       in.SessionID,
		RequestID:       in.RequestID,
		RequiresReview:  code.RequiresReview(),
		Payload:         payloadJSON(false, in.Reason, "none"),
	}
	inserted, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		return e.errorResult(ctx, in, date, clock, err), err
	}
	if !inserted {
		return e.replayStored(ctx, in.RequestID)
	}

	attempts := 0
	if teacher != nil {
		n, err := e.store.CountEventsFor(ctx, *teacher, date)
		if err == nil {
			attempts = n
		}
	}

	return ScanResult{
		Verified:          false,
		Decision:          code,
		Message:           message,
		TeacherID:         in.TeacherID,
		Confidence:        in.Confidence,
		Date:              date,
		EventTime:         clock.String(),
		Remarks:           in.Reason,
		ScanEventID:       ev.ID,
		ScanAttemptsToday: attempts,
		RequiresReview:    ev.RequiresReview,
		RequestID:         in.RequestID,
	}, nil
}

// processUnknownTeacher handles a confirmed identity that is not in the
// directory: audit it for review, never create a record.
func (e *Engine) processUnknownTeacher(ctx context.Context, in ScanInput, date string, clock schedule.Clock) (ScanResult, error) {
	message := "Verified scan received for an unknown teacher."
	ev := &ScanEvent{
		RecognizedLabel: in.TeacherID,
		Confidence:      in.Confidence,
		Decision:        DecisionUnknownFace,
		Message:         message,
		EventDate:       date,
		EventTime:       clock,
		CapturedAt:      in.At,
		Source:          in.Source,
		SessionID:       in.SessionID,
		RequestID:       in.RequestID,
		RequiresReview:  true,
		Payload:         payloadJSON(true, in.Reason, "none"),
	}
	inserted, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		return e.errorResult(ctx, in, date, clock, err), err
	}
	if !inserted {
		return e.replayStored(ctx, in.RequestID)
	}
	return ScanResult{
		Decision:       DecisionUnknownFace,
		Message:        message,
		TeacherID:      in.TeacherID,
		Confidence:     in.Confidence,
		Date:           date,
		EventTime:      clock.String(),
		Remarks:        "unknown_teacher",
		ScanEventID:    ev.ID,
		RequiresReview: true,
		RequestID:      in.RequestID,
	}, nil
}

// processVerified runs steps 1-6 of the decision algorithm under the record
// lock held by the caller.
func (e *Engine) processVerified(ctx context.Context, in ScanInput, teacher *Teacher, date string, clock schedule.Clock) (ScanResult, error) {
	p := e.cfg.Policy

	// Step 2: lunch gap and out-of-window scans short-circuit without
	// touching the daily record.
	if !p.InWorkingHours(clock) {
		code := DecisionOutsideSchedule
		message := "Scan is outside shift hours."
		if p.PhaseAt(clock) == schedule.PhaseLunch {
			code = DecisionOutsideLunch
			message = "Scan is during lunch break."
		}
		ev := e.auditEvent(in, teacher, nil, code, message, date, clock, "none")
		if _, err := e.store.AppendEvent(ctx, ev); err != nil {
			return ScanResult{}, err
		}
		attempts, _ := e.store.CountEventsFor(ctx, teacher.ID, date)
		return ScanResult{
			Verified:          true,
			Decision:          code,
			Message:           message,
			TeacherID:         &teacher.ID,
			FullName:          teacher.FullName,
			Department:        teacher.Department,
			Confidence:        in.Confidence,
			Date:              date,
			EventTime:         clock.String(),
			Remarks:           message,
			ScanEventID:       ev.ID,
			ScanAttemptsToday: attempts,
			RequiresReview:    ev.RequiresReview,
			RequestID:         in.RequestID,
		}, nil
	}

	// Step 3: fetch-or-create the day's record.
	rec, created, err := e.fetchOrCreateRecord(ctx, teacher.ID, date, clock, in.Source)
	if err != nil {
		return ScanResult{}, err
	}

	var (
		code    DecisionCode
		message string
		action  = "none"
		retry   *int
	)
	switch {
	case !created && rec.Status.Terminal() && rec.TimeIn == nil:
		// Absence already marked; a late scan must not reopen the day.
		code = DecisionDayComplete
		message = "Attendance already closed for this day."

	case rec.TimeIn == nil:
		code = DecisionTimeInSet
		message = "Time-in recorded."
		action = "time_in"
		late := p.Lateness(clock, rec.ScheduledStart, rec.GraceMinutes)
		in2 := clock
		rec.TimeIn = &in2
		rec.LateByMinutes = late
		if late > 0 {
			rec.Status = StatusLate
		} else {
			rec.Status = StatusPresent
		}
		rec.Remarks = ""
		rec.WorkedMinutes = nil
		rec.UndertimeMinutes = nil
		rec.Source = in.Source

	case rec.TimeOut == nil:
		code, message, retry = e.decideTimeOut(rec, clock)
		if code == DecisionTimeOutSet {
			action = "time_out"
			out := clock
			rec.TimeOut = &out
			worked := p.WorkedMinutes(*rec.TimeIn, out)
			under := p.Undertime(worked, p.ScheduledMinutes(rec.ScheduledStart, rec.ScheduledEnd))
			rec.WorkedMinutes = &worked
			rec.UndertimeMinutes = &under
			if rec.Status != StatusPresent && rec.Status != StatusLate {
				rec.Status = StatusPresent
			}
			rec.Remarks = ""
			rec.Source = in.Source
		}

	default:
		code = DecisionDayComplete
		message = "Attendance already complete for this day."
	}

	// Step 6: the attempt counter moves on every evaluated event.
	rec.ScanAttempts++
	rec.UpdatedAt = e.now()
	if created {
		if err := e.store.CreateRecord(ctx, rec); err != nil {
			if !errors.Is(err, ErrDuplicateRecord) {
				return ScanResult{}, err
			}
			// Lost a cross-process race; the keyed lock only covers this
			// process. Surface as ERROR so the caller retries.
			return ScanResult{}, fmt.Errorf("record race for teacher %d on %s: %w", teacher.ID, date, err)
		}
	} else if err := e.store.UpdateRecord(ctx, rec); err != nil {
		return ScanResult{}, err
	}

	ev := e.auditEvent(in, teacher, &rec.ID, code, message, date, clock, action)
	inserted, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		return ScanResult{}, err
	}
	if !inserted {
		// Another process committed this request id first; answer with
		// its stored outcome.
		return e.replayStored(ctx, in.RequestID)
	}

	attempts, err := e.store.CountEventsFor(ctx, teacher.ID, date)
	if err != nil {
		attempts = rec.ScanAttempts
	}

	res := ScanResult{
		Verified:          true,
		Logged:            code == DecisionTimeInSet || code == DecisionTimeOutSet,
		Decision:          code,
		Message:           message,
		TeacherID:         &teacher.ID,
		FullName:          teacher.FullName,
		Department:        teacher.Department,
		Confidence:        in.Confidence,
		Date:              date,
		EventTime:         clock.String(),
		Status:            rec.Status,
		Remarks:           rec.Remarks,
		AutoClosed:        rec.AutoClosedAt != nil,
		ScanEventID:       ev.ID,
		RecordID:          &rec.ID,
		ScanAttemptsToday: attempts,
		RequiresReview:    ev.RequiresReview,
		RetryAfterSeconds: retry,
		RequestID:         in.RequestID,
	}
	if rec.TimeIn != nil {
		res.TimeIn = rec.TimeIn.String()
		late := rec.LateByMinutes
		res.LateByMinutes = &late
	}
	if rec.TimeOut != nil {
		res.TimeOut = rec.TimeOut.String()
	}
	res.WorkedMinutes = rec.WorkedMinutes
	res.UndertimeMinutes = rec.UndertimeMinutes
	return res, nil
}

// decideTimeOut applies step 4 of the algorithm for a record with an open
// time-in.
func (e *Engine) decideTimeOut(rec *DailyRecord, clock schedule.Clock) (DecisionCode, string, *int) {
	p := e.cfg.Policy
	cooldown := int(e.cfg.DuplicateCooldown.Seconds())
	elapsed := int(clock - *rec.TimeIn)

	withinCooldown := cooldown > 0 && elapsed >= 0 && elapsed < cooldown
	if e.cfg.LogoutMode == LogoutFixed {
		sameWindow := p.PhaseAt(clock) == p.PhaseAt(*rec.TimeIn)
		if sameWindow && withinCooldown {
			retry := cooldown - elapsed
			return DecisionDuplicate, "Duplicate scan ignored; too soon after time-in.", &retry
		}
		if sameWindow && rec.Status.Terminal() {
			return DecisionDayComplete, "Attendance already complete for this day.", nil
		}
		return DecisionTimeOutSet, "Time-out recorded.", nil
	}

	if withinCooldown {
		retry := cooldown - elapsed
		return DecisionDuplicate, "Duplicate scan ignored; too soon after time-in.", &retry
	}
	return DecisionTimeOutSet, "Time-out recorded.", nil
}

// fetchOrCreateRecord loads the (teacher, date) record or prepares a fresh
// one seeded with the day's schedule. A prepared record is not persisted
// until the caller commits the transition.
func (e *Engine) fetchOrCreateRecord(ctx context.Context, teacherID int64, date string, clock schedule.Clock, source string) (*DailyRecord, bool, error) {
	rec, err := e.store.Record(ctx, teacherID, date)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	p := e.cfg.Policy
	now := e.now()
	return &DailyRecord{
		TeacherID:      teacherID,
		Date:           date,
		Status:         StatusAbsent,
		Source:         source,
		ScheduledStart: p.ShiftStart(clock),
		ScheduledEnd:   p.PMEnd,
		GraceMinutes:   p.GraceMinutes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, true, nil
}

func (e *Engine) auditEvent(in ScanInput, teacher *Teacher, recordID *int64, code DecisionCode, message, date string, clock schedule.Clock, action string) *ScanEvent {
	return &ScanEvent{
		TeacherID:       &teacher.ID,
		RecognizedLabel: in.TeacherID,
		Confidence:      in.Confidence,
		Decision:        code,
		Message:         message,
		EventDate:       date,
		EventTime:       clock,
		CapturedAt:      in.At,
		Source:          in.Source,
		SessionID:       in.SessionID,
		RequestID:       in.RequestID,
		RequiresReview:  code.RequiresReview(),
		RecordID:        recordID,
		Payload:         payloadJSON(true, in.Reason, action),
	}
}

// errorResult records a storage failure as an ERROR audit event, best effort,
// and builds the ERROR payload for the caller.
func (e *Engine) errorResult(ctx context.Context, in ScanInput, date string, clock schedule.Clock, cause error) ScanResult {
	message := "Attendance scan processing failed: " + cause.Error()
	ev := &ScanEvent{
		RecognizedLabel: in.TeacherID,
		Confidence:      in.Confidence,
		Decision:        DecisionError,
		Message:         message,
		EventDate:       date,
		EventTime:       clock,
		CapturedAt:      in.At,
		Source:          in.Source,
		SessionID:       in.SessionID,
		RequestID:       in.RequestID,
		RequiresReview:  true,
		ErrorCode:       "storage_error",
		Payload:         payloadJSON(in.Verified, in.Reason, "none"),
	}
	_, _ = e.store.AppendEvent(ctx, ev)

	return ScanResult{
		Decision:       DecisionError,
		Message:        message,
		TeacherID:      in.TeacherID,
		Confidence:     in.Confidence,
		Date:           date,
		EventTime:      clock.String(),
		Remarks:        in.Reason,
		ScanEventID:    ev.ID,
		RequiresReview: true,
		RequestID:      in.RequestID,
	}
}

// replayStored answers with the stored outcome after an append hit an
// existing request id.
func (e *Engine) replayStored(ctx context.Context, requestID string) (ScanResult, error) {
	ev, err := e.store.EventByRequestID(ctx, requestID)
	if err != nil {
		return ScanResult{}, err
	}
	return e.replayResult(ctx, ev)
}

// replayResult rebuilds the original outcome for a request id seen before.
func (e *Engine) replayResult(ctx context.Context, ev *ScanEvent) (ScanResult, error) {
	res := ScanResult{
		Verified: ev.Decision != DecisionPending && ev.Decision != DecisionLowConfidence &&
			ev.Decision != DecisionNoMatch && ev.Decision != DecisionUnknownFace &&
			ev.Decision != DecisionError,
		Logged:         ev.Decision == DecisionTimeInSet || ev.Decision == DecisionTimeOutSet,
		Decision:       ev.Decision,
		Message:        ev.Message,
		TeacherID:      ev.TeacherID,
		Confidence:     ev.Confidence,
		Date:           ev.EventDate,
		EventTime:      ev.EventTime.String(),
		ScanEventID:    ev.ID,
		RecordID:       ev.RecordID,
		RequiresReview: ev.RequiresReview,
		RequestID:      ev.RequestID,
	}

	if ev.TeacherID != nil {
		if t, err := e.store.TeacherByID(ctx, *ev.TeacherID); err == nil {
			res.FullName = t.FullName
			res.Department = t.Department
		}
		if n, err := e.store.CountEventsFor(ctx, *ev.TeacherID, ev.EventDate); err == nil {
			res.ScanAttemptsToday = n
		}
	}

	if ev.RecordID != nil && ev.TeacherID != nil {
		rec, err := e.store.Record(ctx, *ev.TeacherID, ev.EventDate)
		if err == nil {
			res.Status = rec.Status
			res.Remarks = rec.Remarks
			res.AutoClosed = rec.AutoClosedAt != nil
			if rec.TimeIn != nil {
				res.TimeIn = rec.TimeIn.String()
				late := rec.LateByMinutes
				res.LateByMinutes = &late
			}
			if rec.TimeOut != nil {
				res.TimeOut = rec.TimeOut.String()
			}
			res.WorkedMinutes = rec.WorkedMinutes
			res.UndertimeMinutes = rec.UndertimeMinutes
		}
	}
	return res, nil
}

func payloadJSON(verified bool, reason, action string) string {
	b, err := json.Marshal(map[string]any{
		"scan_verified": verified,
		"reason":        reason,
		"dtr_action":    action,
	})
	if err != nil {
		return "{}"
	}
	return string(b)
}
