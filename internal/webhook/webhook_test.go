package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/matheus3301/wpprelay/internal/event"
	"github.com/matheus3301/wpprelay/internal/ingest"
	"github.com/matheus3301/wpprelay/internal/store"
)

type recorder struct {
	mu        sync.Mutex
	instances []string
	events    []event.Event
	err       error
	// errs, when set, is returned in delivery order instead of err.
	errs []error
}

func (r *recorder) record(instance string, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = append(r.instances, instance)
	r.events = append(r.events, e)
	if n := len(r.events); n <= len(r.errs) {
		return r.errs[n-1]
	}
	return r.err
}

func (r *recorder) HandleMessageUpsert(_ context.Context, instance string, e *event.MessageUpsert) error {
	return r.record(instance, e)
}
func (r *recorder) HandleStatusUpdate(_ context.Context, instance string, e *event.StatusUpdate) error {
	return r.record(instance, e)
}
func (r *recorder) HandleContactUpdate(_ context.Context, instance string, e *event.ContactUpdate) error {
	return r.record(instance, e)
}
func (r *recorder) HandleChatUnread(_ context.Context, instance string, e *event.ChatUnread) error {
	return r.record(instance, e)
}
func (r *recorder) HandlePresence(_ context.Context, instance string, e *event.PresenceUpdate) error {
	return r.record(instance, e)
}
func (r *recorder) HandleConnection(_ context.Context, instance string, e *event.ConnectionState) error {
	return r.record(instance, e)
}
func (r *recorder) HandleQRCode(_ context.Context, instance string, e *event.QRCodeUpdate) error {
	return r.record(instance, e)
}

func newServer(t *testing.T, target event.Handler, opts Options) *httptest.Server {
	t.Helper()
	h, err := NewHandler(target, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := mux.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (int, Response) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

const upsertBody = `{
	"event": "messages.upsert",
	"instance": "acme",
	"data": {
		"key": {"remoteJid": "554191188909@s.whatsapp.net", "fromMe": false, "id": "3EB0A1"},
		"pushName": "Ana",
		"message": {"conversation": "Oi"},
		"messageType": "conversation",
		"messageTimestamp": 1700000000,
		"status": "DELIVERY_ACK"
	}
}`

func TestWebhookMessageUpsert(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, rec, Options{})

	code, resp := post(t, srv.URL+"/webhook/acme", upsertBody)
	if code != http.StatusOK || resp.Status != "ok" || resp.Processed != 1 {
		t.Fatalf("response = %d %+v", code, resp)
	}
	if len(rec.events) != 1 {
		t.Fatalf("events = %d, want 1", len(rec.events))
	}
	m, ok := rec.events[0].(*event.MessageUpsert)
	if !ok {
		t.Fatalf("event = %T", rec.events[0])
	}
	if m.ExternalID != "3EB0A1" || m.RemoteJID != "554191188909@s.whatsapp.net" || m.PushName != "Ana" {
		t.Errorf("message = %+v", m)
	}
	if m.Type != store.TypeText || m.Content != "Oi" {
		t.Errorf("content = %s %q", m.Type, m.Content)
	}
	if m.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d, want milliseconds", m.Timestamp)
	}
	if m.Status != store.StatusDelivered {
		t.Errorf("status = %s, want DELIVERED", m.Status)
	}
}

func TestWebhookInstanceFromBody(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, rec, Options{})

	if code, _ := post(t, srv.URL+"/webhook", upsertBody); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if rec.instances[0] != "acme" {
		t.Errorf("instance = %q, want acme", rec.instances[0])
	}
}

func TestWebhookRejections(t *testing.T) {
	srv := newServer(t, &recorder{}, Options{MaxBodyBytes: 4096})

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"not json", "/webhook/acme", `{"event":`, http.StatusBadRequest},
		{"missing data", "/webhook/acme", `{"event":"messages.upsert"}`, http.StatusUnprocessableEntity},
		{"data not object", "/webhook/acme", `{"event":"messages.upsert","data":"x"}`, http.StatusUnprocessableEntity},
		{"empty event", "/webhook/acme", `{"event":"","data":{}}`, http.StatusUnprocessableEntity},
		{"missing key id", "/webhook/acme", `{"event":"messages.upsert","data":{"key":{"remoteJid":"1@s.whatsapp.net"}}}`, http.StatusUnprocessableEntity},
		{"missing instance", "/webhook", `{"event":"messages.upsert","data":{"key":{"id":"a","remoteJid":"1@s.whatsapp.net"}}}`, http.StatusUnprocessableEntity},
		{"too large", "/webhook/acme", `{"event":"x","data":{"pad":"` + strings.Repeat("a", 5000) + `"}}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := post(t, srv.URL+tt.path, tt.body)
			if code != tt.code {
				t.Errorf("code = %d, want %d (%+v)", code, tt.code, resp)
			}
		})
	}
}

func TestWebhookUnknownEventIgnored(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, rec, Options{})

	code, resp := post(t, srv.URL+"/webhook/acme", `{"event":"LABELS_EDIT","data":{}}`)
	if code != http.StatusOK || resp.Status != "ignored" || resp.Event != "labels.edit" {
		t.Errorf("response = %d %+v", code, resp)
	}
	if len(rec.events) != 0 {
		t.Errorf("events = %d, want 0", len(rec.events))
	}
}

func TestWebhookErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		retry  bool
		code   int
		status string
	}{
		{"unknown instance", fmt.Errorf("wrap: %w", ingest.ErrUnknownInstance), true, http.StatusOK, "ignored"},
		{"invalid event", ingest.ErrInvalidEvent, false, http.StatusUnprocessableEntity, "rejected"},
		{"store failure acknowledged", errors.New("disk full"), false, http.StatusOK, "error"},
		{"store failure retried", errors.New("disk full"), true, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, &recorder{err: tt.err}, Options{RetryOnFailure: tt.retry})
			code, resp := post(t, srv.URL+"/webhook/acme", upsertBody)
			if code != tt.code || resp.Status != tt.status {
				t.Errorf("response = %d %q, want %d %q", code, resp.Status, tt.code, tt.status)
			}
		})
	}
}

func TestWebhookFailureOutranksInvalidEvent(t *testing.T) {
	body := `{"event":"messages.upsert","instance":"acme","data":[
		{"key":{"remoteJid":"554191188909@s.whatsapp.net","id":"A1"},"message":{"conversation":"one"},"messageTimestamp":1700000000},
		{"key":{"remoteJid":"554191188909@s.whatsapp.net","id":"A2"},"message":{"conversation":"two"},"messageTimestamp":1700000001}
	]}`
	tests := []struct {
		name   string
		errs   []error
		retry  bool
		code   int
		status string
	}{
		{"invalid then failed retried", []error{ingest.ErrInvalidEvent, errors.New("disk full")}, true, http.StatusServiceUnavailable, "error"},
		{"failed then invalid retried", []error{errors.New("disk full"), ingest.ErrInvalidEvent}, true, http.StatusServiceUnavailable, "error"},
		{"invalid then failed acknowledged", []error{ingest.ErrInvalidEvent, errors.New("disk full")}, false, http.StatusOK, "error"},
		{"invalid then ok", []error{ingest.ErrInvalidEvent, nil}, true, http.StatusUnprocessableEntity, "rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{errs: tt.errs}
			srv := newServer(t, rec, Options{RetryOnFailure: tt.retry})
			code, resp := post(t, srv.URL+"/webhook/acme", body)
			if code != tt.code || resp.Status != tt.status {
				t.Errorf("response = %d %q, want %d %q", code, resp.Status, tt.code, tt.status)
			}
			if len(rec.events) != 2 {
				t.Errorf("delivered %d events, want 2", len(rec.events))
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	for _, in := range []string{"MESSAGES_UPSERT", "messages-upsert", " Messages.Upsert "} {
		if got := NormalizeName(in); got != "messages.upsert" {
			t.Errorf("NormalizeName(%q) = %q", in, got)
		}
	}
}

func decode(t *testing.T, body string) *Batch {
	t.Helper()
	d, err := NewDecoder()
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return b
}

func TestDecodeMediaMessage(t *testing.T) {
	b := decode(t, `{"event":"messages.upsert","data":{
		"key":{"remoteJid":"120363025246125486@g.us","id":"IMG1","participant":"5541991188909@s.whatsapp.net","participantAlt":"88@lid"},
		"message":{"imageMessage":{"url":"https://mmg.whatsapp.net/x.enc","mimetype":"image/jpeg","caption":"look","fileLength":"2048","mediaKey":"AAEC"}},
		"messageTimestamp":"1700000000"}}`)

	m := b.Events[0].(*event.MessageUpsert)
	if m.Type != store.TypeImage || m.Content != "look" {
		t.Errorf("content = %s %q", m.Type, m.Content)
	}
	if m.Media == nil || m.Media.URL != "https://mmg.whatsapp.net/x.enc" || m.Media.Mimetype != "image/jpeg" {
		t.Fatalf("media = %+v", m.Media)
	}
	if m.Media.FileLength != 2048 || len(m.Media.MediaKey) != 3 {
		t.Errorf("media fields = %d %v", m.Media.FileLength, m.Media.MediaKey)
	}
	if m.Participant != "5541991188909@s.whatsapp.net" || m.Timestamp != 1700000000000 {
		t.Errorf("participant/ts = %q %d", m.Participant, m.Timestamp)
	}
}

func TestDecodeContentFallsBackToRawKeys(t *testing.T) {
	// A byte-map mediaKey and a long fileLength are not protobuf JSON.
	b := decode(t, `{"event":"messages.upsert","data":{
		"key":{"remoteJid":"5541991188909@s.whatsapp.net","id":"DOC1"},
		"message":{"documentMessage":{"url":"https://mmg/doc","mimetype":"application/pdf","fileName":"report.pdf",
			"mediaKey":{"0":1,"1":2},"fileLength":{"low":10,"high":0,"unsigned":true}}},
		"messageTimestamp":{"low":1700000000,"high":0}}}`)

	m := b.Events[0].(*event.MessageUpsert)
	if m.Type != store.TypeDocument || m.Content != "report.pdf" {
		t.Errorf("content = %s %q", m.Type, m.Content)
	}
	if string(m.Media.MediaKey) != "\x01\x02" || m.Media.FileLength != 10 {
		t.Errorf("media = %+v", m.Media)
	}
	if m.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", m.Timestamp)
	}
}

func TestDecodeUnsupportedContent(t *testing.T) {
	b := decode(t, `{"event":"messages.upsert","data":{
		"key":{"remoteJid":"5541991188909@s.whatsapp.net","id":"R1"},
		"message":{"reactionMessage":{"text":"👍"}},"messageType":"reactionMessage"}}`)

	m := b.Events[0].(*event.MessageUpsert)
	if m.Type != store.TypeUnknown || m.Content != "[unsupported message]" {
		t.Errorf("content = %s %q", m.Type, m.Content)
	}
}

func TestDecodeHistory(t *testing.T) {
	b := decode(t, `{"event":"MESSAGES_SET","data":{"messages":[
		{"key":{"remoteJid":"5541991188909@s.whatsapp.net","id":"H1"},"message":{"conversation":"a"}},
		{"key":{"remoteJid":"5541991188909@s.whatsapp.net","id":"H2"},"message":{"conversation":"b"}}]}}`)

	if len(b.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(b.Events))
	}
	for _, e := range b.Events {
		if !e.(*event.MessageUpsert).Historical {
			t.Error("history message not flagged")
		}
	}
}

func TestDecodeStatusUpdates(t *testing.T) {
	b := decode(t, `{"event":"messages.update","data":[
		{"keyId":"M1","remoteJid":"5541991188909@s.whatsapp.net","fromMe":true,"status":"READ"},
		{"key":{"id":"M2","remoteJid":"5541991188909@s.whatsapp.net","fromMe":true},"update":{"status":3}},
		{"keyId":"M3","remoteJid":"5541991188909@s.whatsapp.net","status":"SERVER_ACK"},
		{"keyId":"M4","remoteJid":"5541991188909@s.whatsapp.net","status":"ERROR"},
		{"keyId":"M5","remoteJid":"5541991188909@s.whatsapp.net","update":{"message":{}}}]}`)

	want := []struct {
		id     string
		status store.Status
	}{
		{"M1", store.StatusRead},
		{"M2", store.StatusDelivered},
		{"M3", store.StatusSent},
		{"M4", store.StatusFailed},
	}
	if len(b.Events) != len(want) {
		t.Fatalf("events = %d, want %d", len(b.Events), len(want))
	}
	for i, w := range want {
		s := b.Events[i].(*event.StatusUpdate)
		if s.ExternalID != w.id || s.Status != w.status {
			t.Errorf("event %d = %s/%s, want %s/%s", i, s.ExternalID, s.Status, w.id, w.status)
		}
	}
	if !b.Events[1].(*event.StatusUpdate).FromMe {
		t.Error("fromMe from key lost")
	}
}

func TestDecodeContactsChatsPresence(t *testing.T) {
	contacts := decode(t, `{"event":"contacts.upsert","data":[
		{"remoteJid":"5541991188909@s.whatsapp.net","pushName":"Ana","profilePicUrl":"https://pps/ana"},
		{"id":"14155552671@s.whatsapp.net","notify":"Bob"}]}`)
	if len(contacts.Events) != 2 {
		t.Fatalf("contacts = %d", len(contacts.Events))
	}
	if c := contacts.Events[1].(*event.ContactUpdate); c.RemoteJID != "14155552671@s.whatsapp.net" || c.Name != "Bob" {
		t.Errorf("contact = %+v", c)
	}

	chats := decode(t, `{"event":"chats.update","data":[
		{"remoteJid":"5541991188909@s.whatsapp.net","unreadMessages":0},
		{"remoteJid":"14155552671@s.whatsapp.net","conversationTimestamp":1}]}`)
	if len(chats.Events) != 1 || chats.Events[0].(*event.ChatUnread).UnreadCount != 0 {
		t.Errorf("chats = %+v", chats.Events)
	}

	presence := decode(t, `{"event":"presence.update","data":{"id":"5541991188909@s.whatsapp.net",
		"presences":{"5541991188909@s.whatsapp.net":{"lastKnownPresence":"composing"}}}}`)
	if p := presence.Events[0].(*event.PresenceUpdate); p.Presence != "composing" {
		t.Errorf("presence = %+v", p)
	}
}

func TestDecodeConnectionAndQRCode(t *testing.T) {
	conn := decode(t, `{"event":"CONNECTION_UPDATE","data":{"instance":"acme","state":"open","statusReason":200}}`)
	if c := conn.Events[0].(*event.ConnectionState); c.State != "open" || c.StatusCode != 200 {
		t.Errorf("connection = %+v", c)
	}

	qr := decode(t, `{"event":"qrcode.updated","data":{"qrcode":{"code":"2@abc","base64":"data:image/png;base64,AAA"}}}`)
	if q := qr.Events[0].(*event.QRCodeUpdate); q.Code != "2@abc" || q.Base64 == "" {
		t.Errorf("qrcode = %+v", q)
	}
}

func TestMillis(t *testing.T) {
	tests := []struct{ in, want int64 }{
		{0, 0},
		{1700000000, 1700000000000},
		{1700000000123, 1700000000123},
	}
	for _, tt := range tests {
		if got := millis(tt.in); got != tt.want {
			t.Errorf("millis(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
