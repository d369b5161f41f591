package chat

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

type Chat struct {
	ID         string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID     string     `gorm:"type:varchar(36);index;not null" json:"user_id"`
	Title      string     `gorm:"type:varchar(255);not null" json:"title"`
	Visibility Visibility `gorm:"type:varchar(16);not null;default:private" json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (Chat) TableName() string { return "chats" }

// Message rows are immutable once written; chat history ordering is by
// created_at then id.
type Message struct {
	ID          string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	ChatID      string         `gorm:"type:varchar(36);index;not null" json:"chat_id"`
	Role        string         `gorm:"type:varchar(16);index;not null" json:"role"`
	Parts       datatypes.JSON `gorm:"not null" json:"parts"`
	Attachments datatypes.JSON `json:"attachments"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// StreamRecord marks that a generation was initiated for a chat. Records are
// append-only; the most recently created one is the resumption candidate.
// Existence does not imply the generation succeeded.
type StreamRecord struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ChatID    string    `gorm:"type:varchar(36);index;not null" json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (StreamRecord) TableName() string { return "chat_streams" }

// Part is one element of a message's content list.
type Part struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCall   json.RawMessage `json:"toolCall,omitempty"`
	ToolResult json.RawMessage `json:"toolResult,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	URL        string          `json:"url,omitempty"`
}

const (
	PartText       = "text"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
	PartReasoning  = "reasoning"
	PartAttachment = "attachment-reference"
)

func TextParts(text string) datatypes.JSON {
	b, _ := json.Marshal([]Part{{Type: PartText, Text: text}})
	return datatypes.JSON(b)
}

// TextFromParts flattens a part list to the plain text the model provider
// consumes. Non-text parts are skipped.
func TextFromParts(parts datatypes.JSON) string {
	var decoded []Part
	if err := json.Unmarshal(parts, &decoded); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range decoded {
		if p.Type == PartText && p.Text != "" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
