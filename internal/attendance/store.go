package attendance

import (
	"context"
	"errors"
)

// ErrDuplicateRecord is returned when a second daily record for the same
// (teacher, date) would be created.
var ErrDuplicateRecord = errors.New("attendance: daily record already exists")

// ErrNotFound is returned for lookups that match nothing.
var ErrNotFound = errors.New("attendance: not found")

// RecordFilter narrows daily-record listings.
type RecordFilter struct {
	TeacherID *int64
	Date      string // exact YYYY-MM-DD
	Month     string // YYYY-MM prefix
	Limit     int
	Offset    int
}

// EventFilter narrows scan-event listings.
type EventFilter struct {
	TeacherID      *int64
	Date           string
	Decision       DecisionCode
	RequiresReview *bool
	Limit          int
	Offset         int
}

// RecordStore persists daily attendance records.
type RecordStore interface {
	// Record returns the record for (teacherID, date), or ErrNotFound.
	Record(ctx context.Context, teacherID int64, date string) (*DailyRecord, error)
	// CreateRecord inserts rec and fills its ID. A concurrent insert for the
	// same (teacher, date) yields ErrDuplicateRecord.
	CreateRecord(ctx context.Context, rec *DailyRecord) error
	// UpdateRecord overwrites the mutable columns of an existing record.
	UpdateRecord(ctx context.Context, rec *DailyRecord) error
	// ListRecords returns records matching the filter, newest date first.
	ListRecords(ctx context.Context, f RecordFilter) ([]DailyRecord, error)
	// OpenRecords returns non-terminal records with time-in set and no
	// time-out, dated before the given date, plus same-date rows when
	// includeDate is true.
	OpenRecords(ctx context.Context, date string, includeDate bool) ([]DailyRecord, error)
	// DeleteAllRecords wipes the table. Administrative reset only.
	DeleteAllRecords(ctx context.Context) error
}

// EventStore persists the append-only scan audit log.
type EventStore interface {
	// AppendEvent inserts ev and fills its ID. When ev carries a request id
	// that was already written, the original row's ID is returned in ev.ID
	// and inserted is false.
	AppendEvent(ctx context.Context, ev *ScanEvent) (inserted bool, err error)
	// EventByRequestID returns the event recorded under an idempotency key,
	// or ErrNotFound.
	EventByRequestID(ctx context.Context, requestID string) (*ScanEvent, error)
	// ListEvents returns audit rows matching the filter, newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]ScanEvent, error)
	// CountEventsFor returns the number of audit rows for a teacher on a date.
	CountEventsFor(ctx context.Context, teacherID int64, date string) (int, error)
	// DeleteAllEvents wipes the table. Administrative reset only.
	DeleteAllEvents(ctx context.Context) error
}

// Directory is the person-directory collaborator the engine consults.
type Directory interface {
	// TeacherByID returns the teacher, or ErrNotFound.
	TeacherByID(ctx context.Context, id int64) (*Teacher, error)
	// TeacherIDsWithoutRecord lists teachers lacking a daily record for date.
	TeacherIDsWithoutRecord(ctx context.Context, date string) ([]int64, error)
}

// Store is the full persistence surface the engine and closer require.
type Store interface {
	RecordStore
	EventStore
	Directory
}
