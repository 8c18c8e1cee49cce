package message

import (
	"strings"
	"time"
)

// Type is the forwardable content class of a message.
type Type string

const (
	TypeText     Type = "text"
	TypePhoto    Type = "photo"
	TypeVideo    Type = "video"
	TypeAudio    Type = "audio"
	TypeDocument Type = "document"
)

// AllTypes lists every forwardable type in display order.
var AllTypes = []Type{TypeText, TypePhoto, TypeVideo, TypeAudio, TypeDocument}

// ParseType maps a config value to a Type. "file" is accepted for document.
func ParseType(s string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return TypeText, true
	case "photo", "image":
		return TypePhoto, true
	case "video":
		return TypeVideo, true
	case "audio", "voice":
		return TypeAudio, true
	case "document", "file":
		return TypeDocument, true
	default:
		return "", false
	}
}

type Media struct {
	Kind     Type   `json:"kind"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// Entity is a parsed text entity. Kind is "hashtag" or "mention";
// Value carries the tag text or the mentioned user id.
type Entity struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Message is a channel post as returned by a Source.
type Message struct {
	ID        int64      `json:"id"`
	Channel   string     `json:"channel"`
	Date      time.Time  `json:"date"`
	Text      string     `json:"text,omitempty"`
	Media     *Media     `json:"media,omitempty"`
	GroupedID string     `json:"grouped_id,omitempty"` // native album id
	Buttons   [][]Button `json:"buttons,omitempty"`
	Entities  []Entity   `json:"entities,omitempty"`
}

// Type classifies the message. Documents with an audio MIME type count as audio.
func (m Message) Type() Type {
	if m.Media == nil {
		return TypeText
	}
	if m.Media.Kind == TypeDocument && IsAudioMIME(m.Media.MimeType) {
		return TypeAudio
	}
	if m.Media.Kind == "" {
		return TypeDocument
	}
	return m.Media.Kind
}

// HasMedia reports whether the message carries an attachment.
func (m Message) HasMedia() bool { return m.Media != nil }

// Size is the attachment size in bytes, 0 for text.
func (m Message) Size() int64 {
	if m.Media == nil {
		return 0
	}
	return m.Media.Size
}

// ButtonText joins all inline button captions with a single space.
func (m Message) ButtonText() string {
	var parts []string
	for _, row := range m.Buttons {
		for _, b := range row {
			if t := strings.TrimSpace(b.Text); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

// IsAudioMIME reports whether mime is audio/* or application/ogg.
func IsAudioMIME(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	return strings.HasPrefix(mime, "audio/") || mime == "application/ogg"
}

// Envelope carries a message through capture with its assigned group id.
// GroupID is empty for stand-alone messages.
type Envelope struct {
	Message
	GroupID string
}

// Wrap builds envelopes for msgs, seeding GroupID from native albums.
func Wrap(msgs []Message) []Envelope {
	out := make([]Envelope, len(msgs))
	for i, m := range msgs {
		out[i] = Envelope{Message: m}
		if m.GroupedID != "" {
			out[i].GroupID = AlbumGroupID(m.GroupedID)
		}
	}
	return out
}

// AlbumGroupID namespaces a source album id so it never collides with merge ids.
func AlbumGroupID(groupedID string) string { return "album:" + groupedID }
