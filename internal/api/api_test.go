package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/wpprelay/internal/bus"
	"github.com/matheus3301/wpprelay/internal/gateway"
	"github.com/matheus3301/wpprelay/internal/notify"
	"github.com/matheus3301/wpprelay/internal/status"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.uber.org/zap"
)

type fakeGateway struct {
	mu       sync.Mutex
	read     []gateway.MessageKey
	unread   []string
	unreadEr error
}

func (f *fakeGateway) MarkAsRead(_ context.Context, _ string, keys []gateway.MessageKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, keys...)
	return nil
}

func (f *fakeGateway) MarkChatUnread(_ context.Context, _, remoteJID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread = append(f.unread, remoteJID)
	return f.unreadEr
}

type fixture struct {
	db         *store.DB
	bus        *bus.Bus
	gw         *fakeGateway
	dispatcher *notify.Dispatcher
	router     *mux.Router
	conv       *store.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.EnsureInstance(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	conv, err := db.CreateConversation(ctx, &store.Conversation{
		InstanceID:  "acme",
		RemoteJID:   "5541991188909@s.whatsapp.net",
		UnreadCount: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"M1", "M2", "M3"} {
		if _, _, err := db.UpsertMessage(ctx, &store.Message{
			InstanceID:     "acme",
			ConversationID: conv.ID,
			RemoteJID:      conv.RemoteJID,
			FromMe:         id == "M1",
			Type:           store.TypeText,
			Content:        id,
			ExternalID:     id,
			Timestamp:      int64(1000 + i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	logger := zap.NewNop()
	b := bus.New()
	gw := &fakeGateway{}
	d := notify.NewDispatcher(b, notify.NewRegistry(), gw, time.Second, logger)
	t.Cleanup(d.Wait)
	tracker := status.NewTracker(nil)
	tracker.Set("acme", status.Open, 0)

	r := mux.NewRouter()
	NewServer(NewActions(db, d, gw, logger), db, tracker, logger).Register(r)
	return &fixture{db: db, bus: b, gw: gw, dispatcher: d, router: r, conv: conv}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) subscribe(t *testing.T) <-chan bus.Event {
	t.Helper()
	ch, unsub := f.bus.Subscribe("acme/", 16)
	t.Cleanup(unsub)
	return ch
}

func kinds(ch <-chan bus.Event) []string {
	var out []string
	for {
		select {
		case evt := <-ch:
			out = append(out, evt.Kind)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Instances["acme"] != status.Open {
		t.Errorf("health = %+v", resp)
	}
}

func TestListConversationsAndMessages(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/instances/acme/conversations", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var convs struct {
		Conversations []notify.ConversationView `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &convs); err != nil {
		t.Fatal(err)
	}
	if len(convs.Conversations) != 1 || convs.Conversations[0].ID != f.conv.ID {
		t.Fatalf("conversations = %+v", convs.Conversations)
	}

	rec = f.do(t, http.MethodGet, "/instances/acme/conversations/"+f.conv.ID+"/messages?limit=2", "")
	var msgs struct {
		Messages []notify.MessageView `json:"messages"`
		HasMore  bool                 `json:"hasMore"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs.Messages) != 2 || msgs.Messages[0].ExternalID != "M3" || !msgs.HasMore {
		t.Errorf("messages = %+v hasMore=%v, want newest first", msgs.Messages, msgs.HasMore)
	}
}

func TestConversationOfOtherInstanceIsNotFound(t *testing.T) {
	f := newFixture(t)
	if err := f.db.EnsureInstance(context.Background(), "other"); err != nil {
		t.Fatal(err)
	}
	rec := f.do(t, http.MethodPost, "/instances/other/conversations/"+f.conv.ID+"/read", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestReadResetsUnreadAndSendsReceipts(t *testing.T) {
	f := newFixture(t)
	events := f.subscribe(t)

	rec := f.do(t, http.MethodPost, "/instances/acme/conversations/"+f.conv.ID+"/read", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var view notify.ConversationView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", view.UnreadCount)
	}
	if got := kinds(events); len(got) != 1 || got[0] != string(notify.ConversationRead) {
		t.Errorf("events = %v, want [conversation:read]", got)
	}

	f.dispatcher.Wait()
	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	if len(f.gw.read) != 2 {
		t.Fatalf("receipts = %+v, want M3 and M2", f.gw.read)
	}
	for _, k := range f.gw.read {
		if k.ID == "M1" {
			t.Error("read receipt sent for an outbound message")
		}
	}

	// Nothing left to read: no second event.
	f.do(t, http.MethodPost, "/instances/acme/conversations/"+f.conv.ID+"/read", "")
	if got := kinds(events); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
}

func TestUnreadMarksGatewayAndToleratesFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.unreadEr = errors.New("gateway down")
	if _, err := f.db.SetUnreadCount(context.Background(), f.conv.ID, 0); err != nil {
		t.Fatal(err)
	}
	events := f.subscribe(t)

	rec := f.do(t, http.MethodPost, "/instances/acme/conversations/"+f.conv.ID+"/unread", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view notify.ConversationView
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if view.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", view.UnreadCount)
	}
	if got := kinds(events); len(got) != 1 || got[0] != string(notify.ConversationUnread) {
		t.Errorf("events = %v", got)
	}
	if len(f.gw.unread) != 1 {
		t.Errorf("gateway unread calls = %d, want 1", len(f.gw.unread))
	}
}

func TestPinArchiveAreIdempotent(t *testing.T) {
	tests := []struct {
		action string
		want   notify.Kind
	}{
		{"pin", notify.ConversationPinned},
		{"archive", notify.ConversationArchived},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			f := newFixture(t)
			events := f.subscribe(t)
			path := "/instances/acme/conversations/" + f.conv.ID + "/" + tt.action

			f.do(t, http.MethodPost, path, "")
			f.do(t, http.MethodPost, path, "")
			if got := kinds(events); len(got) != 1 || got[0] != string(tt.want) {
				t.Errorf("events = %v, want one %s", got, tt.want)
			}

			f.do(t, http.MethodPost, "/instances/acme/conversations/"+f.conv.ID+"/un"+tt.action, "")
			if got := kinds(events); len(got) != 1 {
				t.Errorf("events after undo = %v, want one", got)
			}
		})
	}
}

func TestDeleteConversation(t *testing.T) {
	f := newFixture(t)
	events := f.subscribe(t)

	rec := f.do(t, http.MethodDelete, "/instances/acme/conversations/"+f.conv.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := kinds(events); len(got) != 1 || got[0] != string(notify.ConversationDeleted) {
		t.Errorf("events = %v", got)
	}
	msg, err := f.db.FindMessage(context.Background(), "acme", "M2")
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Error("messages survived conversation delete")
	}

	rec = f.do(t, http.MethodDelete, "/instances/acme/conversations/"+f.conv.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestSendQueuesOutbox(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/instances/acme/messages", `{"to":"+55 41 9118-8909","text":"hello"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	entry, err := f.db.GetOutbox(context.Background(), resp["clientMsgId"])
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("outbox entry not stored")
	}
	if entry.RemoteJID != "5541991188909@s.whatsapp.net" || entry.Body != "hello" || entry.Status != "queued" {
		t.Errorf("outbox = %+v", entry)
	}
}

func TestSendRejections(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad json", "/instances/acme/messages", `{`, http.StatusBadRequest},
		{"no text", "/instances/acme/messages", `{"to":"5541991188909"}`, http.StatusBadRequest},
		{"unaddressable", "/instances/acme/messages", `{"to":"nobody","text":"x"}`, http.StatusBadRequest},
		{"unknown instance", "/instances/ghost/messages", `{"to":"5541991188909","text":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if rec := f.do(t, http.MethodPost, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
