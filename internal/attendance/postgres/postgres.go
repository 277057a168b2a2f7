// Package postgres persists attendance data in Postgres through the pgx
// stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arvinnon/vecbook/internal/attendance"
	"github.com/arvinnon/vecbook/internal/schedule"
)

// Store implements the attendance.Store interfaces plus the directory and
// admin queries the HTTP layer needs.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables and indexes on startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS teachers (
			id BIGSERIAL PRIMARY KEY,
			full_name TEXT NOT NULL,
			department TEXT NOT NULL DEFAULT '',
			employee_id TEXT UNIQUE,
			face_enrolled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS admin_users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_daily (
			id BIGSERIAL PRIMARY KEY,
			teacher_id BIGINT NOT NULL REFERENCES teachers(id),
			date TEXT NOT NULL,
			time_in TEXT,
			time_out TEXT,
			status TEXT NOT NULL DEFAULT 'Absent',
			remarks TEXT NOT NULL DEFAULT '',
			scan_attempts INT NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			scheduled_start TEXT NOT NULL,
			scheduled_end TEXT NOT NULL,
			grace_minutes INT NOT NULL DEFAULT 10,
			late_by_minutes INT NOT NULL DEFAULT 0,
			worked_minutes INT,
			undertime_minutes INT,
			auto_closed_at TIMESTAMPTZ,
			absence_marked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (teacher_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_events (
			id BIGSERIAL PRIMARY KEY,
			teacher_id BIGINT,
			recognized_label BIGINT,
			confidence DOUBLE PRECISION,
			decision_code TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			event_date TEXT NOT NULL,
			event_time TEXT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			source TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			request_id TEXT,
			requires_review BOOLEAN NOT NULL DEFAULT FALSE,
			error_code TEXT NOT NULL DEFAULT '',
			dtr_record_id BIGINT,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_scan_events_request_id
			ON scan_events (request_id) WHERE request_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ix_scan_events_teacher_date
			ON scan_events (teacher_id, event_date)`,
		`CREATE INDEX IF NOT EXISTS ix_attendance_daily_date
			ON attendance_daily (date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, teacher_id, date, time_in, time_out, status, remarks,
	scan_attempts, source, scheduled_start, scheduled_end, grace_minutes,
	late_by_minutes, worked_minutes, undertime_minutes, auto_closed_at,
	absence_marked_at, created_at, updated_at`

func (s *Store) Record(ctx context.Context, teacherID int64, date string) (*attendance.DailyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_daily
		WHERE teacher_id = $1 AND date = $2
	`, teacherID, date)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, attendance.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) CreateRecord(ctx context.Context, rec *attendance.DailyRecord) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO attendance_daily (
			teacher_id, date, time_in, time_out, status, remarks,
			scan_attempts, source, scheduled_start, scheduled_end,
			grace_minutes, late_by_minutes, worked_minutes,
			undertime_minutes, auto_closed_at, absence_marked_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (teacher_id, date) DO NOTHING
		RETURNING id, created_at, updated_at
	`,
		rec.TeacherID, rec.Date, clockPtr(rec.TimeIn), clockPtr(rec.TimeOut),
		string(rec.Status), rec.Remarks, rec.ScanAttempts, rec.Source,
		rec.ScheduledStart.String(), rec.ScheduledEnd.String(),
		rec.GraceMinutes, rec.LateByMinutes, rec.WorkedMinutes,
		rec.UndertimeMinutes, rec.AutoClosedAt, rec.AbsenceMarkedAt,
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attendance.ErrDuplicateRecord
		}
		return err
	}
	return nil
}

func (s *Store) UpdateRecord(ctx context.Context, rec *attendance.DailyRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attendance_daily
		SET time_in = $3,
			time_out = $4,
			status = $5,
			remarks = $6,
			scan_attempts = $7,
			source = $8,
			late_by_minutes = $9,
			worked_minutes = $10,
			undertime_minutes = $11,
			auto_closed_at = $12,
			absence_marked_at = $13,
			updated_at = NOW()
		WHERE teacher_id = $1 AND date = $2
	`,
		rec.TeacherID, rec.Date, clockPtr(rec.TimeIn), clockPtr(rec.TimeOut),
		string(rec.Status), rec.Remarks, rec.ScanAttempts, rec.Source,
		rec.LateByMinutes, rec.WorkedMinutes, rec.UndertimeMinutes,
		rec.AutoClosedAt, rec.AbsenceMarkedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return attendance.ErrNotFound
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context, f attendance.RecordFilter) ([]attendance.DailyRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_daily`
	var (
		clauses []string
		args    []any
	)
	if f.TeacherID != nil {
		args = append(args, *f.TeacherID)
		clauses = append(clauses, fmt.Sprintf("teacher_id = $%d", len(args)))
	}
	if f.Date != "" {
		args = append(args, f.Date)
		clauses = append(clauses, fmt.Sprintf("date = $%d", len(args)))
	}
	if f.Month != "" {
		args = append(args, f.Month+"%")
		clauses = append(clauses, fmt.Sprintf("date LIKE $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY date DESC, teacher_id ASC"
	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []attendance.DailyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) OpenRecords(ctx context.Context, date string, includeDate bool) ([]attendance.DailyRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM attendance_daily
		WHERE time_in IS NOT NULL
		  AND time_out IS NULL
		  AND status NOT IN ('Absent', 'Auto-Closed')
		  AND (date < $1 OR ($2 AND date = $1))
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, date, includeDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []attendance.DailyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAllRecords(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attendance_daily`)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, ev *attendance.ScanEvent) (bool, error) {
	capturedAt := ev.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO scan_events (
			teacher_id, recognized_label, confidence, decision_code, message,
			event_date, event_time, captured_at, source, session_id,
			request_id, requires_review, error_code, dtr_record_id, payload_json
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (request_id) WHERE request_id IS NOT NULL DO NOTHING
		RETURNING id
	`,
		ev.TeacherID, ev.RecognizedLabel, ev.Confidence, string(ev.Decision),
		ev.Message, ev.EventDate, ev.EventTime.String(), capturedAt, ev.Source,
		ev.SessionID, nullStr(ev.RequestID), ev.RequiresReview, ev.ErrorCode,
		ev.RecordID, ev.Payload,
	)
	if err := row.Scan(&ev.ID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return false, err
		}
		// Conflict on the request key: hand back the original row's id.
		prior, perr := s.EventByRequestID(ctx, ev.RequestID)
		if perr != nil {
			return false, perr
		}
		ev.ID = prior.ID
		return false, nil
	}
	return true, nil
}

const eventColumns = `id, teacher_id, recognized_label, confidence, decision_code,
	message, event_date, event_time, captured_at, source, session_id,
	request_id, requires_review, error_code, dtr_record_id, payload_json,
	created_at`

func (s *Store) EventByRequestID(ctx context.Context, requestID string) (*attendance.ScanEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM scan_events
		WHERE request_id = $1
		LIMIT 1
	`, requestID)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, attendance.ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

func (s *Store) ListEvents(ctx context.Context, f attendance.EventFilter) ([]attendance.ScanEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM scan_events`
	var (
		clauses []string
		args    []any
	)
	if f.TeacherID != nil {
		args = append(args, *f.TeacherID)
		clauses = append(clauses, fmt.Sprintf("teacher_id = $%d", len(args)))
	}
	if f.Date != "" {
		args = append(args, f.Date)
		clauses = append(clauses, fmt.Sprintf("event_date = $%d", len(args)))
	}
	if f.Decision != "" {
		args = append(args, string(f.Decision))
		clauses = append(clauses, fmt.Sprintf("decision_code = $%d", len(args)))
	}
	if f.RequiresReview != nil {
		args = append(args, *f.RequiresReview)
		clauses = append(clauses, fmt.Sprintf("requires_review = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []attendance.ScanEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *Store) CountEventsFor(ctx context.Context, teacherID int64, date string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM scan_events
		WHERE teacher_id = $1 AND event_date = $2
	`, teacherID, date).Scan(&n)
	return n, err
}

func (s *Store) DeleteAllEvents(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scan_events`)
	return err
}

func (s *Store) TeacherByID(ctx context.Context, id int64) (*attendance.Teacher, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, full_name, department, employee_id, face_enrolled, created_at
		FROM teachers WHERE id = $1
	`, id)
	return scanTeacher(row)
}

func (s *Store) ListTeachers(ctx context.Context) ([]attendance.Teacher, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, full_name, department, employee_id, face_enrolled, created_at
		FROM teachers
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []attendance.Teacher
	for rows.Next() {
		t, err := scanTeacher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) CreateTeacher(ctx context.Context, t *attendance.Teacher) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO teachers (full_name, department, employee_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, t.FullName, t.Department, t.EmployeeID)
	return row.Scan(&t.ID, &t.CreatedAt)
}

func (s *Store) TeacherIDsWithoutRecord(ctx context.Context, date string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id
		FROM teachers t
		LEFT JOIN attendance_daily ad
		  ON ad.teacher_id = t.id AND ad.date = $1
		WHERE ad.id IS NULL
		ORDER BY t.id ASC
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) CountTeachers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM teachers`).Scan(&n)
	return n, err
}

func (s *Store) AdminByUsername(ctx context.Context, username string) (*attendance.Admin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at
		FROM admin_users
		WHERE LOWER(username) = LOWER($1)
	`, username)
	var a attendance.Admin
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, attendance.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// CreateAdmin inserts an admin user unless the username is taken.
func (s *Store) CreateAdmin(ctx context.Context, username, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_users (username, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (username) DO NOTHING
	`, username, passwordHash)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*attendance.DailyRecord, error) {
	var (
		rec              attendance.DailyRecord
		timeIn, timeOut  sql.NullString
		status           string
		schedStart       string
		schedEnd         string
		worked, under    sql.NullInt64
		autoAt, absentAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.TeacherID, &rec.Date, &timeIn, &timeOut, &status,
		&rec.Remarks, &rec.ScanAttempts, &rec.Source, &schedStart, &schedEnd,
		&rec.GraceMinutes, &rec.LateByMinutes, &worked, &under, &autoAt,
		&absentAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = attendance.Status(status)
	if rec.TimeIn, err = nullClock(timeIn); err != nil {
		return nil, err
	}
	if rec.TimeOut, err = nullClock(timeOut); err != nil {
		return nil, err
	}
	if rec.ScheduledStart, err = schedule.ParseClock(schedStart); err != nil {
		return nil, err
	}
	if rec.ScheduledEnd, err = schedule.ParseClock(schedEnd); err != nil {
		return nil, err
	}
	if worked.Valid {
		v := int(worked.Int64)
		rec.WorkedMinutes = &v
	}
	if under.Valid {
		v := int(under.Int64)
		rec.UndertimeMinutes = &v
	}
	if autoAt.Valid {
		t := autoAt.Time
		rec.AutoClosedAt = &t
	}
	if absentAt.Valid {
		t := absentAt.Time
		rec.AbsenceMarkedAt = &t
	}
	return &rec, nil
}

func scanEvent(row rowScanner) (*attendance.ScanEvent, error) {
	var (
		ev        attendance.ScanEvent
		decision  string
		eventTime string
		requestID sql.NullString
	)
	err := row.Scan(
		&ev.ID, &ev.TeacherID, &ev.RecognizedLabel, &ev.Confidence, &decision,
		&ev.Message, &ev.EventDate, &eventTime, &ev.CapturedAt, &ev.Source,
		&ev.SessionID, &requestID, &ev.RequiresReview, &ev.ErrorCode,
		&ev.RecordID, &ev.Payload, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Decision = attendance.DecisionCode(decision)
	if ev.EventTime, err = schedule.ParseClock(eventTime); err != nil {
		return nil, err
	}
	ev.RequestID = requestID.String
	return &ev, nil
}

func scanTeacher(row rowScanner) (*attendance.Teacher, error) {
	var (
		t          attendance.Teacher
		department sql.NullString
		employee   sql.NullString
	)
	err := row.Scan(&t.ID, &t.FullName, &department, &employee, &t.FaceEnrolled, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, attendance.ErrNotFound
		}
		return nil, err
	}
	t.Department = department.String
	t.EmployeeID = employee.String
	return &t, nil
}

func clockPtr(c *schedule.Clock) any {
	if c == nil {
		return nil
	}
	return c.String()
}

func nullClock(s sql.NullString) (*schedule.Clock, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	c, err := schedule.ParseClock(s.String)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
