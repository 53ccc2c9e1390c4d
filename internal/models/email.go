package models

import "time"

// Message is the canonical form of an ingested mail cached per alias.
type Message struct {
	ID          string       `json:"id"`
	Alias       string       `json:"alias"`
	Folder      string       `json:"folder"`
	From        string       `json:"from"`
	FromName    string       `json:"from_name"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	BodyHTML    string       `json:"body_html"`
	BodyText    string       `json:"body_text"`
	ReceivedAt  time.Time    `json:"received_at"`
	InsertedAt  time.Time    `json:"inserted_at"`
	Degraded    bool         `json:"degraded,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment holds attachment metadata only. Content is never kept.
type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
}

// EventType distinguishes subscriber events.
type EventType string

const (
	EventSnapshot   EventType = "snapshot"
	EventNewMessage EventType = "new_message"
)

// Event is what a subscriber receives for an alias.
type Event struct {
	Type    EventType `json:"type"`
	Alias   string    `json:"alias"`
	Payload any       `json:"payload"`
}
