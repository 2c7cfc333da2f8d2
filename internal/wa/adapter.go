package wa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matheus3301/wpprelay/internal/gateway"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client of one instance.
type Adapter struct {
	instance  string
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
}

// NewAdapter opens the device store at dbPath and creates a client for
// instance.
func NewAdapter(ctx context.Context, instance, dbPath string, logger *zap.Logger) (*Adapter, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("wpprelay", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	return &Adapter{
		instance:  instance,
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		logger:    logger.With(zap.String("instance", instance)),
	}, nil
}

// Instance returns the instance name the adapter serves.
func (a *Adapter) Instance() string { return a.instance }

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// PhoneNumber returns the paired phone number, or "".
func (a *Adapter) PhoneNumber() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// ResolveLID resolves an ephemeral JID to its phone-number JID using the
// device store. Other JIDs, and LIDs without a mapping, are returned as is.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}

// SendText sends a text message and returns the server message id.
func (a *Adapter) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// SendMedia uploads a file and sends it as a media message.
func (a *Adapter) SendMedia(ctx context.Context, req gateway.SendMediaRequest) (string, error) {
	jid, err := types.ParseJID(req.To)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	data := req.Data
	if len(data) == 0 {
		if data, err = fetch(ctx, req.URL); err != nil {
			return "", err
		}
	}

	var msg *waE2E.Message
	switch req.Type {
	case store.TypeImage:
		up, err := a.client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return "", fmt.Errorf("upload image: %w", err)
		}
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
			Mimetype: proto.String(req.Mimetype), Caption: proto.String(req.Caption),
		}}
	case store.TypeVideo:
		up, err := a.client.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return "", fmt.Errorf("upload video: %w", err)
		}
		msg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
			Mimetype: proto.String(req.Mimetype), Caption: proto.String(req.Caption),
		}}
	case store.TypeAudio:
		up, err := a.client.Upload(ctx, data, whatsmeow.MediaAudio)
		if err != nil {
			return "", fmt.Errorf("upload audio: %w", err)
		}
		msg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
			Mimetype: proto.String(req.Mimetype),
		}}
	default:
		up, err := a.client.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return "", fmt.Errorf("upload document: %w", err)
		}
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
			Mimetype: proto.String(req.Mimetype), FileName: proto.String(req.FileName), Caption: proto.String(req.Caption),
		}}
	}

	resp, err := a.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send media: %w", err)
	}
	return resp.ID, nil
}

// MarkAsRead sends read receipts, grouped by chat and sender.
func (a *Adapter) MarkAsRead(ctx context.Context, keys []gateway.MessageKey) error {
	type target struct{ chat, sender string }
	groups := make(map[target][]types.MessageID)
	for _, k := range keys {
		t := target{chat: k.RemoteJID, sender: k.Participant}
		groups[t] = append(groups[t], k.ID)
	}
	for t, ids := range groups {
		chat, err := types.ParseJID(t.chat)
		if err != nil {
			return fmt.Errorf("parse JID: %w", err)
		}
		var sender types.JID
		if t.sender != "" {
			if sender, err = types.ParseJID(t.sender); err != nil {
				return fmt.Errorf("parse sender JID: %w", err)
			}
		}
		if err := a.client.MarkRead(ctx, ids, time.Now(), chat, sender); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	return nil
}

// MarkChatUnread flags a chat as unread on every linked device.
func (a *Adapter) MarkChatUnread(ctx context.Context, remoteJID string) error {
	jid, err := types.ParseJID(remoteJID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	if err := a.client.SendAppState(ctx, appstate.BuildMarkChatAsRead(jid, false, time.Time{}, nil)); err != nil {
		return fmt.Errorf("mark chat unread: %w", err)
	}
	return nil
}

// FetchContactInfo returns the best known name and the profile picture of
// an individual.
func (a *Adapter) FetchContactInfo(ctx context.Context, remoteJID string) (*gateway.ContactInfo, error) {
	jid, err := types.ParseJID(remoteJID)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}
	info := &gateway.ContactInfo{JID: remoteJID}
	if c, err := a.client.Store.Contacts.GetContact(ctx, jid); err == nil && c.Found {
		info.Name = firstNonEmpty(c.FullName, c.PushName, c.BusinessName)
	}
	info.PictureURL = a.pictureURL(ctx, jid)
	return info, nil
}

// FetchGroupInfo returns the subject and picture of a group.
func (a *Adapter) FetchGroupInfo(ctx context.Context, remoteJID string) (*gateway.GroupInfo, error) {
	jid, err := types.ParseJID(remoteJID)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}
	g, err := a.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get group info: %w", err)
	}
	return &gateway.GroupInfo{JID: remoteJID, Subject: g.Name, PictureURL: a.pictureURL(ctx, jid)}, nil
}

func (a *Adapter) pictureURL(ctx context.Context, jid types.JID) string {
	pic, err := a.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil || pic == nil {
		return ""
	}
	return pic.URL
}

// DownloadMedia downloads and decrypts the media of a received message.
func (a *Adapter) DownloadMedia(ctx context.Context, req gateway.MediaRequest) ([]byte, error) {
	m := req.Media
	var msg whatsmeow.DownloadableMessage
	switch req.Type {
	case store.TypeImage:
		msg = &waE2E.ImageMessage{URL: proto.String(m.URL), DirectPath: proto.String(m.DirectPath), MediaKey: m.MediaKey,
			FileEncSHA256: m.FileEncSHA256, FileSHA256: m.FileSHA256, FileLength: proto.Uint64(m.FileLength)}
	case store.TypeVideo:
		msg = &waE2E.VideoMessage{URL: proto.String(m.URL), DirectPath: proto.String(m.DirectPath), MediaKey: m.MediaKey,
			FileEncSHA256: m.FileEncSHA256, FileSHA256: m.FileSHA256, FileLength: proto.Uint64(m.FileLength)}
	case store.TypeAudio:
		msg = &waE2E.AudioMessage{URL: proto.String(m.URL), DirectPath: proto.String(m.DirectPath), MediaKey: m.MediaKey,
			FileEncSHA256: m.FileEncSHA256, FileSHA256: m.FileSHA256, FileLength: proto.Uint64(m.FileLength)}
	case store.TypeSticker:
		msg = &waE2E.StickerMessage{URL: proto.String(m.URL), DirectPath: proto.String(m.DirectPath), MediaKey: m.MediaKey,
			FileEncSHA256: m.FileEncSHA256, FileSHA256: m.FileSHA256, FileLength: proto.Uint64(m.FileLength)}
	case store.TypeDocument:
		msg = &waE2E.DocumentMessage{URL: proto.String(m.URL), DirectPath: proto.String(m.DirectPath), MediaKey: m.MediaKey,
			FileEncSHA256: m.FileEncSHA256, FileSHA256: m.FileSHA256, FileLength: proto.Uint64(m.FileLength)}
	default:
		return nil, fmt.Errorf("message type %s has no media", req.Type)
	}
	data, err := a.client.Download(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("media needs data or a url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
