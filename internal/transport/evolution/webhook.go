package evolution

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"wacrm/internal/transport"
)

const EventMessagesUpsert = "messages.upsert"

var ErrUnsupportedEvent = errors.New("evolution: unsupported webhook event")

// WebhookEvent is the envelope Evolution posts to webhook subscribers.
// Data is a single message or an array of them depending on gateway version.
type WebhookEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type upsertMessage struct {
	Key struct {
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName         string          `json:"pushName"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp json.Number     `json:"messageTimestamp"`
	Message          *messageContent `json:"message"`
}

type captioned struct {
	Caption string `json:"caption"`
}

type messageContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *captioned `json:"imageMessage"`
	VideoMessage    *captioned `json:"videoMessage"`
	DocumentMessage *captioned `json:"documentMessage"`
	AudioMessage    *struct{}  `json:"audioMessage"`
}

// ParseWebhook extracts inbound fragments from a messages.upsert payload.
//
// Messages sent by this instance (fromMe) and status broadcasts are skipped,
// as are messages without any text. Other events return ErrUnsupportedEvent.
func ParseWebhook(body []byte) ([]transport.InboundMessage, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	if normalizeEvent(ev.Event) != EventMessagesUpsert {
		return nil, ErrUnsupportedEvent
	}

	var batch []upsertMessage
	data := []byte(strings.TrimSpace(string(ev.Data)))
	switch {
	case len(data) == 0:
		return nil, nil
	case data[0] == '[':
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, err
		}
	default:
		var one upsertMessage
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, err
		}
		batch = append(batch, one)
	}

	out := make([]transport.InboundMessage, 0, len(batch))
	for _, m := range batch {
		if m.Key.FromMe || m.Message == nil {
			continue
		}
		jid := m.Key.RemoteJid
		if jid == "" || strings.HasPrefix(jid, "status@") {
			continue
		}
		text, kind := m.Message.extract()
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, transport.InboundMessage{
			SenderID: strings.TrimSuffix(jid, individualSuffix),
			Content:  text,
			Kind:     kind,
			At:       parseTimestamp(m.MessageTimestamp),
		})
	}
	return out, nil
}

// Evolution emits both "messages.upsert" and "MESSAGES_UPSERT".
func normalizeEvent(e string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(e)), "_", ".")
}

func (m *messageContent) extract() (string, transport.ContentKind) {
	switch {
	case m.Conversation != "":
		return m.Conversation, transport.ContentText
	case m.ExtendedTextMessage != nil:
		return m.ExtendedTextMessage.Text, transport.ContentText
	case m.ImageMessage != nil:
		return m.ImageMessage.Caption, transport.ContentImage
	case m.VideoMessage != nil:
		return m.VideoMessage.Caption, transport.ContentVideo
	case m.DocumentMessage != nil:
		return m.DocumentMessage.Caption, transport.ContentDocument
	case m.AudioMessage != nil:
		return "", transport.ContentAudio
	}
	return "", transport.ContentText
}

func parseTimestamp(n json.Number) time.Time {
	sec, err := n.Int64()
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
