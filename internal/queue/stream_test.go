package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	q := NewStreamQueue(rdb, "polychat:ask", "workers", "w1", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	if _, err := q.Enqueue(ctx, AskJob{
		ChatID:         5,
		UserID:         7,
		ConversationID: "conv-1",
		PrincipalID:    "user:tg7",
		Prompt:         "2+2?",
		Models:         []string{"ModelA", "ModelB"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "polychat:ask", Values: map[string]any{"payload": "{not json"}}).Err(); err != nil {
		t.Fatalf("xadd malformed: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	job := msgs[0].Job
	if msgs[0].Err != nil || job.JobID == "" || job.EnqueuedAt.IsZero() {
		t.Fatalf("unexpected first message %#v", msgs[0])
	}
	if job.PrincipalID != "user:tg7" || len(job.Models) != 2 || job.Models[1] != "ModelB" {
		t.Fatalf("job fields lost: %#v", job)
	}
	if msgs[1].Err == nil {
		t.Fatalf("expected decode error for malformed payload")
	}

	for _, m := range msgs {
		if err := q.Ack(ctx, m.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	n, err := rdb.XLen(ctx, "polychat:ask").Result()
	if err != nil || n != 0 {
		t.Fatalf("expected empty stream after ack, got %d %v", n, err)
	}
}
