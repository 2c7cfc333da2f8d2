package event

import (
	"context"
	"testing"
)

type recorder struct {
	calls []Kind
}

func (r *recorder) HandleMessageUpsert(_ context.Context, _ string, e *MessageUpsert) error {
	r.calls = append(r.calls, e.Kind())
	return nil
}

func (r *recorder) HandleStatusUpdate(_ context.Context, _ string, e *StatusUpdate) error {
	r.calls = append(r.calls, e.Kind())
	return nil
}

func (r *recorder) HandleContactUpdate(_ context.Context, _ string, e *ContactUpdate) error {
	r.calls = append(r.calls, e.Kind())
	return nil
}

func (r *recorder) HandleChatUnread(_ context.Context, _ string, e *ChatUnread) error {
	r.calls = append(r.calls, e.Kind())
	return nil
}

func (r *recorder) HandlePresence(_ context.Context, _ string, e *PresenceUpdate) error {
	r.calls = append(r.calls, e.Kind())
	return nil
}

func (r *recorder) HandleConnection(_ context.Context, _ string, e *ConnectionState) error {
	r.calls = append(r.calls, e.Kind())
	return nil
}

func (r *recorder) HandleQRCode(_ context.Context, _ string, e *QRCodeUpdate) error {
	r.calls = append(r.calls, e.Kind())
	return nil
}

func TestAcceptDispatchesByType(t *testing.T) {
	events := []Event{
		&MessageUpsert{},
		&StatusUpdate{},
		&ContactUpdate{},
		&ChatUnread{},
		&PresenceUpdate{},
		&ConnectionState{},
		&QRCodeUpdate{},
	}
	want := []Kind{
		KindMessageUpsert, KindStatusUpdate, KindContactUpdate, KindChatUnread,
		KindPresence, KindConnection, KindQRCode,
	}

	r := &recorder{}
	for _, e := range events {
		if err := e.Accept(context.Background(), "acme", r); err != nil {
			t.Fatal(err)
		}
	}
	if len(r.calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(r.calls), len(want))
	}
	for i := range want {
		if r.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, r.calls[i], want[i])
		}
	}
}
