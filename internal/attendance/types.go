package attendance

import (
	"time"

	"github.com/arvinnon/vecbook/internal/schedule"
)

// DecisionCode tags the outcome of every evaluated scan.
type DecisionCode string

const (
	DecisionTimeInSet       DecisionCode = "TIME_IN_SET"
	DecisionTimeOutSet      DecisionCode = "TIME_OUT_SET"
	DecisionAutoClosedSet   DecisionCode = "AUTO_CLOSED_SET"
	DecisionAbsenceMarked   DecisionCode = "ABSENCE_MARKED"
	DecisionOutsideSchedule DecisionCode = "OUTSIDE_SCHEDULE"
	DecisionOutsideLunch    DecisionCode = "OUTSIDE_SCHEDULE_LUNCH"
	DecisionDayComplete     DecisionCode = "DAY_COMPLETE"
	DecisionDuplicate       DecisionCode = "DUPLICATE_IGNORED"
	DecisionUnknownFace     DecisionCode = "UNKNOWN_FACE_NOT_ENROLLED"
	DecisionLowConfidence   DecisionCode = "FACE_LOW_CONFIDENCE"
	DecisionNoMatch         DecisionCode = "FACE_NO_MATCH"
	DecisionPending         DecisionCode = "FACE_PENDING_CONFIRMATION"
	DecisionError           DecisionCode = "ERROR"
)

// RequiresReview reports whether events with this code are flagged for
// human inspection.
func (d DecisionCode) RequiresReview() bool {
	switch d {
	case DecisionOutsideLunch, DecisionDuplicate, DecisionLowConfidence,
		DecisionUnknownFace, DecisionAutoClosedSet, DecisionAbsenceMarked,
		DecisionError:
		return true
	}
	return false
}

// Status is the daily record's attendance status.
type Status string

const (
	StatusPresent Status = "Present"
	StatusLate    Status = "Late"
	StatusAbsent  Status = "Absent"
	// StatusOutsideHours appears only in rows imported from systems that
	// stamp out-of-window scans; the engine leaves the record untouched.
	StatusOutsideHours Status = "Outside Hours"
	StatusAutoClosed   Status = "Auto-Closed"
)

// Terminal reports whether a record in this status may no longer be reopened
// by a scan.
func (s Status) Terminal() bool {
	return s == StatusAbsent || s == StatusAutoClosed
}

// LogoutMode selects how a second scan after time-in is interpreted.
type LogoutMode string

const (
	// LogoutFixed expects two actions in distinct shift windows: an AM
	// time-in answered by a PM time-out.
	LogoutFixed LogoutMode = "fixed"
	// LogoutFlexible treats any scan after time-in as a time-out once the
	// duplicate cooldown has passed.
	LogoutFlexible LogoutMode = "flexible"
)

// DailyRecord is the single authoritative attendance row for one teacher and
// one calendar date.
type DailyRecord struct {
	ID               int64
	TeacherID        int64
	Date             string // YYYY-MM-DD
	TimeIn           *schedule.Clock
	TimeOut          *schedule.Clock
	Status           Status
	Remarks          string
	ScanAttempts     int
	Source           string
	ScheduledStart   schedule.Clock
	ScheduledEnd     schedule.Clock
	GraceMinutes     int
	LateByMinutes    int
	WorkedMinutes    *int
	UndertimeMinutes *int
	AutoClosedAt     *time.Time
	AbsenceMarkedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ScanEvent is one append-only audit row. Events are never updated or
// deleted once written.
type ScanEvent struct {
	ID              int64
	TeacherID       *int64
	RecognizedLabel *int64
	Confidence      *float64
	Decision        DecisionCode
	Message         string
	EventDate       string // YYYY-MM-DD
	EventTime       schedule.Clock
	CapturedAt      time.Time
	Source          string
	SessionID       string
	RequestID       string // idempotency key; empty when the caller sent none
	RequiresReview  bool
	ErrorCode       string
	RecordID        *int64
	Payload         string // opaque JSON
	CreatedAt       time.Time
}

// Teacher is a schedule-eligible person from the directory.
type Teacher struct {
	ID           int64
	FullName     string
	Department   string
	EmployeeID   string
	FaceEnrolled bool
	CreatedAt    time.Time
}

// Admin is a back-office user allowed to reset attendance data.
type Admin struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// ScanInput is a debounced recognition outcome handed to the engine.
type ScanInput struct {
	// TeacherID is the recognized identity; nil when no identity was matched.
	TeacherID *int64
	// Verified is true only for a confirmed debouncer verdict.
	Verified bool
	// Reason qualifies unverified inputs: pending_confirmation,
	// low_confidence, no_match, duplicate, or a matcher frame-reject reason.
	Reason       string
	Confidence   *float64
	At           time.Time
	Source       string
	SessionID    string
	RequestID    string
	PendingCount int
	PendingLimit int
}

// ScanResult is the engine's decision payload, also used to answer idempotent
// replays.
type ScanResult struct {
	Verified          bool         `json:"verified"`
	Logged            bool         `json:"logged"`
	Decision          DecisionCode `json:"decision_code"`
	Message           string       `json:"message"`
	TeacherID         *int64       `json:"teacher_id"`
	FullName          string       `json:"full_name,omitempty"`
	Department        string       `json:"department,omitempty"`
	Confidence        *float64     `json:"confidence"`
	Date              string       `json:"date"`
	EventTime         string       `json:"event_time"`
	TimeIn            string       `json:"time_in,omitempty"`
	TimeOut           string       `json:"time_out,omitempty"`
	Status            Status       `json:"status,omitempty"`
	Remarks           string       `json:"remarks,omitempty"`
	LateByMinutes     *int         `json:"late_by_minutes,omitempty"`
	WorkedMinutes     *int         `json:"worked_minutes,omitempty"`
	UndertimeMinutes  *int         `json:"undertime_minutes,omitempty"`
	AutoClosed        bool         `json:"auto_closed"`
	ScanEventID       int64        `json:"scan_event_id"`
	RecordID          *int64       `json:"dtr_record_id,omitempty"`
	ScanAttemptsToday int          `json:"scan_attempts_today"`
	RequiresReview    bool         `json:"requires_review"`
	RetryAfterSeconds *int         `json:"retry_after_seconds,omitempty"`
	RequestID         string       `json:"request_id,omitempty"`
}
