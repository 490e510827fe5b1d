package messages

import (
	"strings"
	"time"
)

// Message is the canonical stored chat message. ID and CreatedAt are assigned only at save time.
type Message struct {
	ID         string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	SenderID   string    `gorm:"column:sender_id;size:64;not null;index:idx_messages_pair,priority:1;index:idx_messages_sender_time,priority:1" json:"senderId"`
	ReceiverID string    `gorm:"column:receiver_id;size:64;not null;index:idx_messages_pair,priority:2;index:idx_messages_receiver_time,priority:1" json:"receiverId"`
	Text       string    `gorm:"column:text;type:text;not null;default:''" json:"text,omitempty"`
	ImageURL   string    `gorm:"column:image_url;size:1024;not null;default:''" json:"imageUrl,omitempty"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_messages_sender_time,priority:2;index:idx_messages_receiver_time,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Counterpart returns the participant of the message that is not userID.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether userID sent or received the message.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Submission is the input to the submission pipeline. Image is a data uri or remote url.
type Submission struct {
	SenderID   string
	ReceiverID string
	Text       string
	Image      string
}

func (s Submission) normalized() Submission {
	return Submission{
		SenderID:   strings.TrimSpace(s.SenderID),
		ReceiverID: strings.TrimSpace(s.ReceiverID),
		Text:       strings.TrimSpace(s.Text),
		Image:      strings.TrimSpace(s.Image),
	}
}
