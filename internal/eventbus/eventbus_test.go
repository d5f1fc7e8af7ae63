package eventbus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestPublishSendsPgNotifyWithEnvelope(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("SELECT pg_notify").
		WithArgs("exec.intent.admitted.v1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	b := &Bus{cfg: Config{}.withDefaults(), db: db, subs: make(map[string]*subscription)}
	if err := b.Publish(context.Background(), "exec.intent.admitted.v1", map[string]string{"intentId": "in-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDispatchDropsOnFullBacklog(t *testing.T) {
	b := &Bus{cfg: Config{MaxBacklog: 1}, subs: make(map[string]*subscription)}
	sub := &subscription{topic: "exec.fill.v1", queue: make(chan Envelope, 1), done: make(chan struct{})}
	b.subs["exec.fill.v1"] = sub

	payload, _ := json.Marshal(Envelope{Topic: "exec.fill.v1", Payload: json.RawMessage(`{}`)})
	b.dispatch(&pq.Notification{Channel: "exec.fill.v1", Extra: string(payload)})
	if len(sub.queue) != 1 {
		t.Fatalf("queue depth = %d, want 1 after first dispatch", len(sub.queue))
	}
	if !sub.Overloaded() {
		t.Fatal("expected the subscription to already read as overloaded once its 1-deep queue is full")
	}

	b.dispatch(&pq.Notification{Channel: "exec.fill.v1", Extra: string(payload)})
	if got := b.Dropped("exec.fill.v1"); got != 1 {
		t.Fatalf("dropped = %d, want 1 after overflow", got)
	}
	if !sub.Overloaded() {
		t.Fatal("expected subscription to report overloaded once its queue is full")
	}
}

func TestDispatchIgnoresUnknownTopic(t *testing.T) {
	b := &Bus{cfg: Config{}.withDefaults(), subs: make(map[string]*subscription)}
	// Should not panic even though nothing subscribed to this channel.
	b.dispatch(&pq.Notification{Channel: "exec.mode.v1", Extra: "{}"})
}
