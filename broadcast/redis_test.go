package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestRedisRelayPublish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedisRelay(db, "", NewHub())
	e := Event{Type: BuyerDetected, SessionID: "s1", Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), Data: map[string]any{"username": "katie22"}}

	payload, err := r.encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	mock.ExpectPublish(DefaultChannel, payload).SetVal(1)
	if err := r.publish(context.Background(), e); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mock.ExpectPublish(DefaultChannel, payload).SetErr(errors.New("connection refused"))
	if err := r.publish(context.Background(), e); err == nil {
		t.Fatal("expected error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}

	var env map[string]any
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		t.Fatal(err)
	}
	if env["origin"] != r.origin || env["type"] != string(BuyerDetected) || env["sessionId"] != "s1" {
		t.Fatalf("unexpected wire form %s", payload)
	}
}

func TestRedisRelayHandle(t *testing.T) {
	db, _ := redismock.NewClientMock()
	hub := NewHub()
	sub := hub.Subscribe("s1", 4)
	r := NewRedisRelay(db, "chan", hub)

	own, _ := r.encode(Event{Type: NewMessage, SessionID: "s1"})
	r.handle(own)
	assertEmpty(t, sub)

	remote := NewRedisRelay(db, "chan", NewHub())
	other, _ := remote.encode(Event{Type: NewMessage, SessionID: "s1"})
	r.handle(other)
	if e := recv(t, sub); e.Type != NewMessage {
		t.Fatalf("unexpected event %+v", e)
	}

	r.handle("{not json")
	assertEmpty(t, sub)
}

func TestRedisRelayForwardDropsWhenFull(t *testing.T) {
	db, _ := redismock.NewClientMock()
	r := NewRedisRelay(db, "chan", NewHub())
	for i := 0; i < relayQueue+10; i++ {
		r.Forward(Event{Type: DebugStats})
	}
	if len(r.queue) != relayQueue {
		t.Fatalf("queue len = %d", len(r.queue))
	}
}
