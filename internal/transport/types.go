package transport

import "context"

// MediaKind is the attachment type of an outbound message.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Valid reports whether k is a kind the transport can deliver.
func (k MediaKind) Valid() bool { return k == MediaPhoto || k == MediaVideo }

// Media references an attachment. File is a transport handle: a Telegram
// file_id or an http(s) URL.
type Media struct {
	Kind MediaKind `json:"kind" yaml:"kind"`
	File string    `json:"file" yaml:"file"`
}

// Content is one logical outbound message.
//
// When Media is set, Text is used as the caption (empty means no caption).
// Otherwise Text is the message body.
type Content struct {
	Text  string
	Media *Media
}

// Button is a single inline action. Data is delivered back to the bot when pressed.
type Button struct {
	Text string
	Data string
}

// Keyboard is a list of rows, rendered top to bottom.
type Keyboard [][]Button

// Column lays out buttons as a vertical list, one button per row.
func Column(buttons ...Button) Keyboard {
	kb := make(Keyboard, 0, len(buttons))
	for _, b := range buttons {
		kb = append(kb, []Button{b})
	}
	return kb
}

// Deliverer sends content to one user of one tenant bot.
type Deliverer interface {
	Deliver(ctx context.Context, botID, userID int64, c Content, kb Keyboard) error
}
