// Package queue carries requires-review scan events from the API to the
// review worker.
package queue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arvinnon/vecbook/internal/attendance"
	"github.com/arvinnon/vecbook/internal/metrics"
)

// ReviewNotice is the wire form of a scan event flagged for human review.
type ReviewNotice struct {
	EventID    int64    `json:"event_id"`
	TeacherID  *int64   `json:"teacher_id,omitempty"`
	Decision   string   `json:"decision_code"`
	Message    string   `json:"message"`
	EventDate  string   `json:"event_date"`
	EventTime  string   `json:"event_time"`
	Source     string   `json:"source"`
	SessionID  string   `json:"session_id,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	EnqueuedAt string   `json:"enqueued_at"`
	FrameURL   string   `json:"frame_url,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Queue is the abstraction over the Redis and in-memory backends.
type Queue interface {
	Publish(ctx context.Context, notice ReviewNotice) error
	Consume(ctx context.Context) (<-chan ReviewNotice, error)
}

// InMemory is a channel-backed queue for dev and tests.
type InMemory struct {
	ch chan ReviewNotice
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan ReviewNotice, size)}
}

// Publish enqueues a notice.
func (q *InMemory) Publish(ctx context.Context, notice ReviewNotice) error {
	select {
	case q.ch <- notice:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan ReviewNotice, error) {
	out := make(chan ReviewNotice)
	go func() {
		defer close(out)
		for {
			select {
			case notice := <-q.ch:
				out <- notice
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a Redis list-backed queue using LPUSH/BRPOP semantics.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "vecbook:review"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a notice.
func (q *RedisQueue) Publish(ctx context.Context, notice ReviewNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, body).Err()
}

// Consume streams notices using BRPOP. Undecodable entries are dropped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan ReviewNotice, error) {
	out := make(chan ReviewNotice)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				var notice ReviewNotice
				if err := json.Unmarshal([]byte(res[1]), &notice); err == nil {
					out <- notice
				}
			}
		}
	}()
	return out, nil
}

// Notifier adapts a Queue to the decision engine's review hook. Publish
// failures are logged, never propagated into the scan path.
type Notifier struct {
	queue  Queue
	logger *log.Logger
}

func NewNotifier(q Queue, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{queue: q, logger: logger}
}

// NotifyReview publishes a notice built from the scan event.
func (n *Notifier) NotifyReview(ctx context.Context, ev attendance.ScanEvent) {
	notice := ReviewNotice{
		EventID:    ev.ID,
		TeacherID:  ev.TeacherID,
		Decision:   string(ev.Decision),
		Message:    ev.Message,
		EventDate:  ev.EventDate,
		EventTime:  ev.EventTime.String(),
		Source:     ev.Source,
		SessionID:  ev.SessionID,
		RequestID:  ev.RequestID,
		ErrorCode:  ev.ErrorCode,
		EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
		Confidence: ev.Confidence,
	}
	if err := n.queue.Publish(ctx, notice); err != nil {
		n.logger.Printf("review publish failed for event %d: %v", ev.ID, err)
		return
	}
	metrics.ReviewPublished.Inc()
}
