package history

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/WessleyAI/carsearch/engine/domain"
	"github.com/nats-io/nats.go"
)

type fakeConn struct {
	sent    []*nats.Msg
	err     error
	subject string
	cb      nats.MsgHandler
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject, f.cb = subject, cb
	return &nats.Subscription{Subject: subject}, nil
}

// deliver loops published messages back into the subscribed handler.
func (f *fakeConn) deliver() {
	for _, m := range f.sent {
		f.cb(m)
	}
}

type fakeStore struct {
	entries []domain.ConversationEntry
	err     error
}

func (s *fakeStore) AppendConversation(_ context.Context, e domain.ConversationEntry) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.entries = append(s.entries, e)
	return int64(len(s.entries)), nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPublisher_Record(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "")
	e := domain.ConversationEntry{UserID: 3, Title: "golf", Message: "golf", Answer: "ok", Timestamp: time.Now().UTC()}
	if err := p.Record(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if len(conn.sent) != 1 || conn.sent[0].Subject != DefaultSubject {
		t.Fatalf("expected one message on %s, got %+v", DefaultSubject, conn.sent)
	}
	var ev Event
	if err := json.Unmarshal(conn.sent[0].Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID.String() == "00000000-0000-0000-0000-000000000000" || ev.Entry.UserID != 3 || ev.Entry.Answer != "ok" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestPublisher_Errors(t *testing.T) {
	p := NewPublisher(&fakeConn{}, "custom")
	if err := p.Record(context.Background(), domain.ConversationEntry{}); !errors.Is(err, domain.ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}

	broken := NewPublisher(&fakeConn{err: errors.New("no responders")}, "custom")
	if err := broken.Record(context.Background(), domain.ConversationEntry{UserID: 1}); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestConsumer_RoundTrip(t *testing.T) {
	conn := &fakeConn{}
	store := &fakeStore{}
	if _, err := StartConsumer(conn, store, quiet()); err != nil {
		t.Fatal(err)
	}
	if conn.subject != DefaultSubject {
		t.Fatalf("subscribed to %q", conn.subject)
	}

	p := NewPublisher(conn, "")
	for _, id := range []int64{1, 2} {
		if err := p.Record(context.Background(), domain.ConversationEntry{UserID: id, Message: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	conn.deliver()

	if len(store.entries) != 2 || store.entries[1].UserID != 2 {
		t.Fatalf("expected both entries appended, got %+v", store.entries)
	}
}

func TestConsumer_DropsMalformed(t *testing.T) {
	conn := &fakeConn{}
	store := &fakeStore{}
	c := NewConsumer(store, quiet())
	handled := 0
	c.OnAppend = func(Event, error) { handled++ }
	if _, err := c.Subscribe(conn, "custom"); err != nil {
		t.Fatal(err)
	}

	conn.cb(&nats.Msg{Subject: "custom", Data: []byte("not json")})
	conn.cb(&nats.Msg{Subject: "custom", Data: []byte(`{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","entry":{"user_id":0}}`)})

	if len(store.entries) != 0 || handled != 0 {
		t.Fatalf("malformed events must be dropped, got %d entries", len(store.entries))
	}
}

func TestConsumer_AppendFailureReported(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	c := NewConsumer(store, quiet())
	var got error
	c.OnAppend = func(_ Event, err error) { got = err }
	c.Handle(context.Background(), Event{Entry: domain.ConversationEntry{UserID: 1}})
	if got == nil {
		t.Fatal("expected append error to reach OnAppend")
	}
}

func TestConsumer_SubscribeError(t *testing.T) {
	if _, err := StartConsumer(&fakeConn{err: errors.New("closed")}, &fakeStore{}, nil); err == nil {
		t.Fatal("expected subscribe error")
	}
}
