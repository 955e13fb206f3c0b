package ledger

import (
	"context"
	"testing"
	"time"

	"blockattend/internal/queue"
)

type call struct {
	subject   string
	className string
	date      time.Time
	present   bool
}

type stubSubmitter struct {
	calls chan call
	err   error
}

func (s *stubSubmitter) MarkAttendance(_ context.Context, subject, className string, date time.Time, present bool) (string, error) {
	s.calls <- call{subject: subject, className: className, date: date, present: present}
	if s.err != nil {
		return "", s.err
	}
	return "0xabc", nil
}

func TestMirrorProcessesPublishedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewInMemory(4)
	stub := &stubSubmitter{calls: make(chan call, 1)}
	m := NewMirror(q, stub, time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	m.Publish(ctx, Event{
		RecordID:     "r1",
		Subject:      "CN",
		ClassName:    "5A",
		StudentEmail: "s@e.com",
		Date:         "2026-08-29",
		Present:      true,
	})

	select {
	case got := <-stub.calls:
		if got.subject != "CN" || got.className != "5A" || !got.present {
			t.Fatalf("unexpected submission: %+v", got)
		}
		want := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
		if !got.date.Equal(want) {
			t.Fatalf("date mismatch: got %s want %s", got.date, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("mirror never submitted the event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("mirror did not stop after cancel")
	}
}

func TestMirrorIgnoresForeignMessageTypes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewInMemory(4)
	stub := &stubSubmitter{calls: make(chan call, 2)}
	m := NewMirror(q, stub, time.Second)

	go func() { _ = m.Run(ctx) }()

	if err := q.Publish(ctx, queue.Message{Type: "other", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	m.Publish(ctx, Event{RecordID: "r2", Subject: "CN", ClassName: "5A", Date: "2026-08-29"})

	select {
	case got := <-stub.calls:
		if got.subject != "CN" {
			t.Fatalf("unexpected submission: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("mark event was not processed")
	}
	select {
	case extra := <-stub.calls:
		t.Fatalf("foreign message type reached the submitter: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMirrorNilClientDrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewInMemory(1)
	m := NewMirror(q, nil, time.Second)
	go func() { _ = m.Run(ctx) }()

	// Without a client the mirror must still drain events so publishers
	// never back up.
	for i := 0; i < 5; i++ {
		publishCtx, publishCancel := context.WithTimeout(ctx, time.Second)
		m.Publish(publishCtx, Event{RecordID: "r", Date: "2026-08-29"})
		publishCancel()
	}
}
