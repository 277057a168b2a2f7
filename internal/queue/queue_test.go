package queue

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/arvinnon/vecbook/internal/attendance"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	if err := q.Publish(ctx, ReviewNotice{EventID: 7, Decision: "FACE_LOW_CONFIDENCE"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	out, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	select {
	case notice := <-out:
		if notice.EventID != 7 || notice.Decision != "FACE_LOW_CONFIDENCE" {
			t.Errorf("notice = %+v", notice)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notice")
	}
}

func TestNotifierPublishesEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(1)
	n := NewNotifier(q, log.New(io.Discard, "", 0))

	teacherID := int64(3)
	n.NotifyReview(ctx, attendance.ScanEvent{
		ID:        42,
		TeacherID: &teacherID,
		Decision:  attendance.DecisionDuplicate,
		EventDate: "2026-03-02",
		SessionID: "cam-1",
	})

	select {
	case notice := <-q.ch:
		if notice.EventID != 42 {
			t.Errorf("event id = %d, want 42", notice.EventID)
		}
		if notice.TeacherID == nil || *notice.TeacherID != 3 {
			t.Errorf("teacher id = %v, want 3", notice.TeacherID)
		}
		if notice.Decision != string(attendance.DecisionDuplicate) {
			t.Errorf("decision = %s", notice.Decision)
		}
	default:
		t.Fatal("nothing published")
	}
}
