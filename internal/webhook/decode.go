// Package webhook receives gateway events over HTTP and feeds them to the
// ingestion handler.
package webhook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/matheus3301/wpprelay/internal/event"
	"github.com/matheus3301/wpprelay/internal/store"
	"github.com/matheus3301/wpprelay/internal/wa"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/encoding/protojson"
)

var (
	// ErrMalformed is returned for bodies that are not JSON.
	ErrMalformed = errors.New("malformed payload")
	// ErrValidation is returned for payloads that do not have the expected
	// shape. Redelivering them cannot succeed.
	ErrValidation = errors.New("invalid payload")
)

// Batch is one decoded webhook delivery.
type Batch struct {
	// Name is the normalized event name, e.g. "messages.upsert".
	Name     string
	Instance string
	Events   []event.Event
	// Known is false for event names the relay does not handle.
	Known bool
}

// Decoder validates and decodes gateway webhook bodies.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the envelope schema.
func NewDecoder() (*Decoder, error) {
	schema, err := compileEnvelope()
	if err != nil {
		return nil, err
	}
	return &Decoder{schema: schema}, nil
}

type envelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

// NormalizeName folds the spellings gateways use for one event name:
// "MESSAGES_UPSERT", "messages-upsert" and "messages.upsert" are equal.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", ".", "-", ".").Replace(name)
}

// Decode validates body against the envelope schema and decodes its data
// into events.
func (d *Decoder) Decode(body []byte) (*Batch, error) {
	if err := d.validate(body); err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	b := &Batch{Name: NormalizeName(env.Event), Instance: env.Instance, Known: true}
	var err error
	switch b.Name {
	case "messages.upsert", "send.message":
		b.Events, err = decodeMessages(env.Data, false)
	case "messages.set":
		b.Events, err = decodeHistory(env.Data)
	case "messages.update":
		b.Events, err = decodeStatuses(env.Data)
	case "contacts.update", "contacts.upsert":
		b.Events, err = decodeContacts(env.Data)
	case "chats.update", "chats.upsert":
		b.Events, err = decodeChats(env.Data)
	case "presence.update":
		b.Events, err = decodePresence(env.Data)
	case "connection.update":
		b.Events, err = decodeConnection(env.Data)
	case "qrcode.updated":
		b.Events, err = decodeQRCode(env.Data)
	default:
		b.Known = false
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// items calls fn for data itself, or for each element when data is an array.
func items(data json.RawMessage, fn func(json.RawMessage) error) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return fn(data)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, item := range list {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

type wireKey struct {
	RemoteJID      string `json:"remoteJid"`
	RemoteJIDAlt   string `json:"remoteJidAlt"`
	FromMe         bool   `json:"fromMe"`
	ID             string `json:"id"`
	Participant    string `json:"participant"`
	ParticipantAlt string `json:"participantAlt"`
}

type wireMessage struct {
	Key              wireKey         `json:"key"`
	PushName         string          `json:"pushName"`
	Message          json.RawMessage `json:"message"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp flexInt         `json:"messageTimestamp"`
	Status           flexStatus      `json:"status"`
}

func decodeMessages(data json.RawMessage, historical bool) ([]event.Event, error) {
	var out []event.Event
	err := items(data, func(raw json.RawMessage) error {
		var m wireMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("%w: message: %v", ErrValidation, err)
		}
		if m.Key.ID == "" || m.Key.RemoteJID == "" {
			return fmt.Errorf("%w: message key needs id and remoteJid", ErrValidation)
		}
		content := decodeContent(m.Message, m.MessageType)
		out = append(out, &event.MessageUpsert{
			ExternalID:     m.Key.ID,
			RemoteJID:      m.Key.RemoteJID,
			RemoteJIDAlt:   m.Key.RemoteJIDAlt,
			Participant:    m.Key.Participant,
			ParticipantAlt: m.Key.ParticipantAlt,
			FromMe:         m.Key.FromMe,
			PushName:       m.PushName,
			Type:           content.Type,
			Content:        content.Text,
			Media:          content.Media,
			Status:         store.Status(m.Status),
			Timestamp:      millis(int64(m.MessageTimestamp)),
			Historical:     historical,
		})
		return nil
	})
	return out, err
}

// decodeHistory accepts either a bare message list or {"messages": [...]}.
func decodeHistory(data json.RawMessage) ([]event.Event, error) {
	if msgs := gjson.GetBytes(data, "messages"); msgs.IsArray() {
		data = json.RawMessage(msgs.Raw)
	}
	return decodeMessages(data, true)
}

type wireStatus struct {
	KeyID        string     `json:"keyId"`
	RemoteJID    string     `json:"remoteJid"`
	RemoteJIDAlt string     `json:"remoteJidAlt"`
	FromMe       bool       `json:"fromMe"`
	Status       flexStatus `json:"status"`
	DateTime     flexInt    `json:"dateTime"`
	Key          *wireKey   `json:"key"`
	Update       struct {
		Status flexStatus `json:"status"`
	} `json:"update"`
}

func decodeStatuses(data json.RawMessage) ([]event.Event, error) {
	var out []event.Event
	err := items(data, func(raw json.RawMessage) error {
		var s wireStatus
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: status: %v", ErrValidation, err)
		}
		e := &event.StatusUpdate{
			ExternalID:   s.KeyID,
			RemoteJID:    s.RemoteJID,
			RemoteJIDAlt: s.RemoteJIDAlt,
			FromMe:       s.FromMe,
			Status:       store.Status(s.Status),
			Timestamp:    millis(int64(s.DateTime)),
		}
		if s.Key != nil {
			e.ExternalID = cmpOr(e.ExternalID, s.Key.ID)
			e.RemoteJID = cmpOr(e.RemoteJID, s.Key.RemoteJID)
			e.RemoteJIDAlt = cmpOr(e.RemoteJIDAlt, s.Key.RemoteJIDAlt)
			e.FromMe = e.FromMe || s.Key.FromMe
		}
		if e.Status == "" {
			e.Status = store.Status(s.Update.Status)
		}
		if e.ExternalID == "" {
			return fmt.Errorf("%w: status update needs a message id", ErrValidation)
		}
		// Edits and reactions also arrive as updates; only receipts count.
		if e.Status == "" {
			return nil
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

type wireContact struct {
	RemoteJID     string `json:"remoteJid"`
	ID            string `json:"id"`
	PushName      string `json:"pushName"`
	Name          string `json:"name"`
	Notify        string `json:"notify"`
	ProfilePicURL string `json:"profilePicUrl"`
	ImgURL        string `json:"imgUrl"`
}

func decodeContacts(data json.RawMessage) ([]event.Event, error) {
	var out []event.Event
	err := items(data, func(raw json.RawMessage) error {
		var c wireContact
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("%w: contact: %v", ErrValidation, err)
		}
		jid := cmpOr(c.RemoteJID, c.ID)
		if jid == "" {
			return nil
		}
		out = append(out, &event.ContactUpdate{
			RemoteJID:  jid,
			Name:       cmpOr(c.PushName, c.Name, c.Notify),
			PictureURL: cmpOr(c.ProfilePicURL, c.ImgURL),
		})
		return nil
	})
	return out, err
}

type wireChat struct {
	RemoteJID      string `json:"remoteJid"`
	ID             string `json:"id"`
	UnreadMessages *int   `json:"unreadMessages"`
	UnreadCount    *int   `json:"unreadCount"`
}

func decodeChats(data json.RawMessage) ([]event.Event, error) {
	var out []event.Event
	err := items(data, func(raw json.RawMessage) error {
		var c wireChat
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("%w: chat: %v", ErrValidation, err)
		}
		jid := cmpOr(c.RemoteJID, c.ID)
		count := c.UnreadMessages
		if count == nil {
			count = c.UnreadCount
		}
		// Chat updates without a counter carry nothing the relay stores.
		if jid == "" || count == nil {
			return nil
		}
		out = append(out, &event.ChatUnread{RemoteJID: jid, UnreadCount: *count})
		return nil
	})
	return out, err
}

func decodePresence(data json.RawMessage) ([]event.Event, error) {
	var out []event.Event
	err := items(data, func(raw json.RawMessage) error {
		if !gjson.ValidBytes(raw) {
			return fmt.Errorf("%w: presence is not valid JSON", ErrValidation)
		}
		gjson.GetBytes(raw, "presences").ForEach(func(jid, p gjson.Result) bool {
			out = append(out, &event.PresenceUpdate{
				RemoteJID: jid.String(),
				Presence:  p.Get("lastKnownPresence").String(),
				LastSeen:  millis(p.Get("lastSeen").Int()),
			})
			return true
		})
		return nil
	})
	return out, err
}

type wireConnection struct {
	State        string  `json:"state"`
	StatusReason flexInt `json:"statusReason"`
}

func decodeConnection(data json.RawMessage) ([]event.Event, error) {
	var c wireConnection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: connection: %v", ErrValidation, err)
	}
	if c.State == "" {
		return nil, fmt.Errorf("%w: connection update needs a state", ErrValidation)
	}
	return []event.Event{&event.ConnectionState{State: c.State, StatusCode: int(c.StatusReason)}}, nil
}

func decodeQRCode(data json.RawMessage) ([]event.Event, error) {
	qr := gjson.GetBytes(data, "qrcode")
	if !qr.Exists() {
		qr = gjson.ParseBytes(data)
	}
	code, image := qr.Get("code").String(), qr.Get("base64").String()
	if code == "" && image == "" {
		return nil, fmt.Errorf("%w: qrcode update needs a code", ErrValidation)
	}
	return []event.Event{&event.QRCodeUpdate{Code: code, Base64: image}}, nil
}

var protoDecoder = protojson.UnmarshalOptions{DiscardUnknown: true, AllowPartial: true}

// decodeContent classifies a message body sent as WhatsApp protobuf JSON.
// Gateways do not always serialize binary fields the way protojson expects,
// so bodies it rejects are classified from their raw keys instead.
func decodeContent(raw json.RawMessage, messageType string) wa.Content {
	if len(raw) > 0 && string(raw) != "null" {
		var msg waE2E.Message
		if err := protoDecoder.Unmarshal(raw, &msg); err == nil {
			if c := wa.ParseContent(&msg); c.Type != store.TypeUnknown {
				return c
			}
		}
	}
	return classifyRaw(gjson.ParseBytes(raw), messageType)
}

var mediaKeys = []struct {
	key string
	typ store.MessageType
}{
	{"imageMessage", store.TypeImage},
	{"videoMessage", store.TypeVideo},
	{"audioMessage", store.TypeAudio},
	{"documentMessage", store.TypeDocument},
	{"stickerMessage", store.TypeSticker},
}

func classifyRaw(msg gjson.Result, messageType string) wa.Content {
	for _, wrapper := range []string{"ephemeralMessage.message", "viewOnceMessage.message",
		"viewOnceMessageV2.message", "documentWithCaptionMessage.message"} {
		if inner := msg.Get(wrapper); inner.IsObject() {
			msg = inner
		}
	}

	if text := msg.Get("conversation"); text.Exists() {
		return wa.Content{Type: store.TypeText, Text: text.String()}
	}
	if text := msg.Get("extendedTextMessage.text"); text.Exists() {
		return wa.Content{Type: store.TypeText, Text: text.String()}
	}
	for _, mk := range mediaKeys {
		m := msg.Get(mk.key)
		if !m.IsObject() {
			continue
		}
		c := wa.Content{
			Type: mk.typ,
			Text: cmpOr(m.Get("caption").String(), m.Get("fileName").String()),
			Media: &event.Media{
				URL:           m.Get("url").String(),
				Mimetype:      m.Get("mimetype").String(),
				DirectPath:    m.Get("directPath").String(),
				MediaKey:      bytesField(m.Get("mediaKey")),
				FileSHA256:    bytesField(m.Get("fileSha256")),
				FileEncSHA256: bytesField(m.Get("fileEncSha256")),
				FileLength:    uint64(flexResult(m.Get("fileLength"))),
				FileName:      m.Get("fileName").String(),
			},
		}
		if c.Text == "" {
			c.Text = wa.Placeholder(c.Type)
		}
		return c
	}
	if loc := msg.Get("locationMessage"); loc.IsObject() {
		text := wa.Placeholder(store.TypeLocation)
		if name := loc.Get("name").String(); name != "" {
			text += " " + name
		}
		return wa.Content{Type: store.TypeLocation, Text: text}
	}
	if ct := msg.Get("contactMessage"); ct.IsObject() {
		return wa.Content{Type: store.TypeContact,
			Text: strings.TrimSpace(wa.Placeholder(store.TypeContact) + " " + ct.Get("displayName").String())}
	}

	t := typeFromName(messageType)
	return wa.Content{Type: t, Text: wa.Placeholder(t)}
}

// typeFromName maps a gateway messageType label, used when the body itself
// is missing.
func typeFromName(name string) store.MessageType {
	switch name {
	case "conversation", "extendedTextMessage":
		return store.TypeText
	case "locationMessage", "liveLocationMessage":
		return store.TypeLocation
	case "contactMessage", "contactsArrayMessage":
		return store.TypeContact
	}
	for _, mk := range mediaKeys {
		if mk.key == name {
			return mk.typ
		}
	}
	return store.TypeUnknown
}

// bytesField decodes a binary field serialized as base64 or as a
// {"0":n,"1":n,...} byte map.
func bytesField(r gjson.Result) []byte {
	switch {
	case r.Type == gjson.String:
		b, err := base64.StdEncoding.DecodeString(r.String())
		if err != nil {
			return nil
		}
		return b
	case r.IsObject():
		m := r.Map()
		out := make([]byte, len(m))
		for i := range out {
			v, ok := m[strconv.Itoa(i)]
			if !ok {
				return nil
			}
			out[i] = byte(v.Int())
		}
		return out
	}
	return nil
}

// flexResult reads an integer sent as a number, a string or a
// {"low":n,"high":n} long.
func flexResult(r gjson.Result) int64 {
	if r.IsObject() {
		return r.Get("high").Int()<<32 | int64(uint32(r.Get("low").Int()))
	}
	return r.Int()
}

// flexInt unmarshals the integer encodings gateways use for timestamps.
// Values that are not integers decode as zero.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	r := gjson.ParseBytes(b)
	if r.Type == gjson.String {
		if _, err := strconv.ParseInt(strings.TrimSpace(r.String()), 10, 64); err != nil {
			*f = 0
			return nil
		}
	}
	*f = flexInt(flexResult(r))
	return nil
}

// flexStatus unmarshals a delivery status sent by name or by number.
type flexStatus store.Status

var statusNames = map[string]store.Status{
	"ERROR":        store.StatusFailed,
	"FAILED":       store.StatusFailed,
	"PENDING":      store.StatusPending,
	"SERVER_ACK":   store.StatusSent,
	"SENT":         store.StatusSent,
	"DELIVERY_ACK": store.StatusDelivered,
	"DELIVERED":    store.StatusDelivered,
	"READ":         store.StatusRead,
	"PLAYED":       store.StatusPlayed,
}

var statusNumbers = []store.Status{
	store.StatusFailed, store.StatusPending, store.StatusSent,
	store.StatusDelivered, store.StatusRead, store.StatusPlayed,
}

func (f *flexStatus) UnmarshalJSON(b []byte) error {
	r := gjson.ParseBytes(b)
	switch r.Type {
	case gjson.String:
		*f = flexStatus(statusNames[strings.ToUpper(strings.TrimSpace(r.String()))])
	case gjson.Number:
		if n := r.Int(); n >= 0 && int(n) < len(statusNumbers) {
			*f = flexStatus(statusNumbers[n])
		}
	}
	return nil
}

// millis converts a unix timestamp in seconds or milliseconds to
// milliseconds.
func millis(ts int64) int64 {
	if ts > 0 && ts < 1e12 {
		return ts * 1000
	}
	return ts
}

func cmpOr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
