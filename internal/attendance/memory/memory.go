// Package memory provides an in-memory attendance store used by tests and
// the dev queue-less setup. It implements the same interfaces as the
// Postgres store.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arvinnon/vecbook/internal/attendance"
)

// Store holds everything in maps guarded by a single mutex.
type Store struct {
	mu sync.Mutex

	records    map[string]*attendance.DailyRecord // key teacherID:date
	events     []*attendance.ScanEvent
	byRequest  map[string]*attendance.ScanEvent
	teachers   map[int64]*attendance.Teacher
	admins     map[string]*attendance.Admin
	nextRecord int64
	nextEvent  int64
	nextUser   int64
}

func New() *Store {
	return &Store{
		records:   make(map[string]*attendance.DailyRecord),
		byRequest: make(map[string]*attendance.ScanEvent),
		teachers:  make(map[int64]*attendance.Teacher),
		admins:    make(map[string]*attendance.Admin),
	}
}

func key(teacherID int64, date string) string {
	return date + ":" + strconv.FormatInt(teacherID, 10)
}

// AddTeacher registers a teacher, assigning an id when zero.
func (s *Store) AddTeacher(t attendance.Teacher) attendance.Teacher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		s.nextUser++
		t.ID = s.nextUser
	} else if t.ID > s.nextUser {
		s.nextUser = t.ID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := t
	s.teachers[t.ID] = &cp
	return t
}

func (s *Store) TeacherByID(_ context.Context, id int64) (*attendance.Teacher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teachers[id]
	if !ok {
		return nil, attendance.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTeachers(_ context.Context) ([]attendance.Teacher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]attendance.Teacher, 0, len(s.teachers))
	for _, t := range s.teachers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TeacherIDsWithoutRecord(_ context.Context, date string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id := range s.teachers {
		if _, ok := s.records[key(id, date)]; !ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) Record(_ context.Context, teacherID int64, date string) (*attendance.DailyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key(teacherID, date)]
	if !ok {
		return nil, attendance.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) CreateRecord(_ context.Context, rec *attendance.DailyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.TeacherID, rec.Date)
	if _, exists := s.records[k]; exists {
		return attendance.ErrDuplicateRecord
	}
	s.nextRecord++
	rec.ID = s.nextRecord
	cp := *rec
	s.records[k] = &cp
	return nil
}

func (s *Store) UpdateRecord(_ context.Context, rec *attendance.DailyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.TeacherID, rec.Date)
	if _, exists := s.records[k]; !exists {
		return attendance.ErrNotFound
	}
	cp := *rec
	s.records[k] = &cp
	return nil
}

func (s *Store) ListRecords(_ context.Context, f attendance.RecordFilter) ([]attendance.DailyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []attendance.DailyRecord
	for _, rec := range s.records {
		if f.TeacherID != nil && rec.TeacherID != *f.TeacherID {
			continue
		}
		if f.Date != "" && rec.Date != f.Date {
			continue
		}
		if f.Month != "" && !strings.HasPrefix(rec.Date, f.Month) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].TeacherID < out[j].TeacherID
	})
	out = paginateRecords(out, f.Limit, f.Offset)
	return out, nil
}

func (s *Store) OpenRecords(_ context.Context, date string, includeDate bool) ([]attendance.DailyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []attendance.DailyRecord
	for _, rec := range s.records {
		if rec.TimeIn == nil || rec.TimeOut != nil || rec.Status.Terminal() {
			continue
		}
		if rec.Date < date || (includeDate && rec.Date == date) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteAllRecords(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*attendance.DailyRecord)
	return nil
}

func (s *Store) AppendEvent(_ context.Context, ev *attendance.ScanEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.RequestID != "" {
		if prior, ok := s.byRequest[ev.RequestID]; ok {
			ev.ID = prior.ID
			return false, nil
		}
	}
	s.nextEvent++
	ev.ID = s.nextEvent
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	cp := *ev
	s.events = append(s.events, &cp)
	if ev.RequestID != "" {
		s.byRequest[ev.RequestID] = &cp
	}
	return true, nil
}

func (s *Store) EventByRequestID(_ context.Context, requestID string) (*attendance.ScanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.byRequest[requestID]
	if !ok {
		return nil, attendance.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *Store) ListEvents(_ context.Context, f attendance.EventFilter) ([]attendance.ScanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []attendance.ScanEvent
	for _, ev := range s.events {
		if f.TeacherID != nil && (ev.TeacherID == nil || *ev.TeacherID != *f.TeacherID) {
			continue
		}
		if f.Date != "" && ev.EventDate != f.Date {
			continue
		}
		if f.Decision != "" && ev.Decision != f.Decision {
			continue
		}
		if f.RequiresReview != nil && ev.RequiresReview != *f.RequiresReview {
			continue
		}
		out = append(out, *ev)
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	out = paginateEvents(out, f.Limit, f.Offset)
	return out, nil
}

func (s *Store) CountEventsFor(_ context.Context, teacherID int64, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.TeacherID != nil && *ev.TeacherID == teacherID && ev.EventDate == date {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteAllEvents(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.byRequest = make(map[string]*attendance.ScanEvent)
	return nil
}

// AddAdmin registers an admin user.
func (s *Store) AddAdmin(a attendance.Admin) attendance.Admin {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		s.nextUser++
		a.ID = s.nextUser
	}
	cp := a
	s.admins[strings.ToLower(a.Username)] = &cp
	return a
}

func (s *Store) AdminByUsername(_ context.Context, username string) (*attendance.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admins[strings.ToLower(username)]
	if !ok {
		return nil, attendance.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func paginateRecords(in []attendance.DailyRecord, limit, offset int) []attendance.DailyRecord {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func paginateEvents(in []attendance.ScanEvent, limit, offset int) []attendance.ScanEvent {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
