package wa

import (
	"fmt"
	"strings"

	"github.com/matheus3301/wpprelay/internal/event"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// Content is the classified body of a WhatsApp message.
type Content struct {
	Type store.MessageType
	// Text is the message text, the media caption, or a placeholder.
	Text  string
	Media *event.Media
}

// Placeholder returns the text stored for a message with no text of its own.
func Placeholder(t store.MessageType) string {
	switch t {
	case store.TypeImage:
		return "[image]"
	case store.TypeVideo:
		return "[video]"
	case store.TypeAudio:
		return "[audio]"
	case store.TypeDocument:
		return "[document]"
	case store.TypeSticker:
		return "[sticker]"
	case store.TypeLocation:
		return "[location]"
	case store.TypeContact:
		return "[contact]"
	case store.TypeText:
		return ""
	default:
		return "[unsupported message]"
	}
}

// ParseContent classifies msg. Unrecognized content is TypeUnknown with a
// placeholder text; it is never dropped.
func ParseContent(msg *waE2E.Message) Content {
	msg = unwrap(msg)
	c := Content{Type: detectMessageType(msg), Text: extractTextBody(msg)}

	switch c.Type {
	case store.TypeImage:
		m := msg.GetImageMessage()
		c.Text = m.GetCaption()
		c.Media = mediaOf(m, m.GetMimetype(), "")
	case store.TypeVideo:
		m := msg.GetVideoMessage()
		c.Text = m.GetCaption()
		c.Media = mediaOf(m, m.GetMimetype(), "")
	case store.TypeAudio:
		m := msg.GetAudioMessage()
		c.Media = mediaOf(m, m.GetMimetype(), "")
	case store.TypeDocument:
		m := msg.GetDocumentMessage()
		c.Text = m.GetCaption()
		if c.Text == "" {
			c.Text = m.GetFileName()
		}
		c.Media = mediaOf(m, m.GetMimetype(), m.GetFileName())
	case store.TypeSticker:
		m := msg.GetStickerMessage()
		c.Media = mediaOf(m, m.GetMimetype(), "")
	case store.TypeLocation:
		loc := msg.GetLocationMessage()
		if name := loc.GetName(); name != "" {
			c.Text = Placeholder(store.TypeLocation) + " " + name
		} else if loc != nil {
			c.Text = fmt.Sprintf("%s %.6f,%.6f", Placeholder(store.TypeLocation), loc.GetDegreesLatitude(), loc.GetDegreesLongitude())
		}
	case store.TypeContact:
		if cm := msg.GetContactMessage(); cm != nil {
			c.Text = strings.TrimSpace(Placeholder(store.TypeContact) + " " + cm.GetDisplayName())
		} else if ca := msg.GetContactsArrayMessage(); ca != nil {
			c.Text = strings.TrimSpace(Placeholder(store.TypeContact) + " " + ca.GetDisplayName())
		}
	}

	if c.Text == "" {
		c.Text = Placeholder(c.Type)
	}
	return c
}

// downloadable is implemented by every whatsmeow media message.
type downloadable interface {
	GetURL() string
	GetDirectPath() string
	GetMediaKey() []byte
	GetFileSHA256() []byte
	GetFileEncSHA256() []byte
	GetFileLength() uint64
}

func mediaOf(m downloadable, mime, fileName string) *event.Media {
	if m == nil {
		return nil
	}
	return &event.Media{
		URL:           m.GetURL(),
		Mimetype:      mime,
		DirectPath:    m.GetDirectPath(),
		MediaKey:      m.GetMediaKey(),
		FileSHA256:    m.GetFileSHA256(),
		FileEncSHA256: m.GetFileEncSHA256(),
		FileLength:    m.GetFileLength(),
		FileName:      fileName,
	}
}

// unwrap strips the containers WhatsApp nests real content in.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for range 4 {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) store.MessageType {
	if msg == nil {
		return store.TypeUnknown
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return store.TypeText
	case msg.GetImageMessage() != nil:
		return store.TypeImage
	case msg.GetVideoMessage() != nil:
		return store.TypeVideo
	case msg.GetAudioMessage() != nil:
		return store.TypeAudio
	case msg.GetDocumentMessage() != nil:
		return store.TypeDocument
	case msg.GetStickerMessage() != nil:
		return store.TypeSticker
	case msg.GetContactMessage() != nil || msg.GetContactsArrayMessage() != nil:
		return store.TypeContact
	case msg.GetLocationMessage() != nil || msg.GetLiveLocationMessage() != nil:
		return store.TypeLocation
	default:
		return store.TypeUnknown
	}
}
