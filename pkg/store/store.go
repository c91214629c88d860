// Package store persists the message and task records produced by turns.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Record statuses.
const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
	StatusPending    = "pending"
)

// Message is one persisted conversation message.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SessionID      string            `json:"session_id"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	ToolName       string            `json:"tool_name,omitempty"`
	ToolCallID     string            `json:"tool_call_id,omitempty"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Task is a planned unit of work. Subtasks point at their parent task.
type Task struct {
	ID             string    `json:"id"`
	ParentID       string    `json:"parent_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Description    string    `json:"description"`
	Position       int       `json:"position"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation identifies the conversation a record belongs to and carries
// the ordered list of messages that form its active context.
type Conversation struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id,omitempty"`
	ActiveMessageIDs []string  `json:"active_message_ids"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store is the persistence surface used by the turn pipeline.
type Store interface {
	// SaveMessage stores msg, assigning an ID and timestamp when missing.
	SaveMessage(ctx context.Context, msg *Message) error
	// SaveMessages stores all messages atomically.
	SaveMessages(ctx context.Context, msgs []*Message) error
	// UpdateConversationContext appends message IDs to the conversation's
	// active message list, creating the conversation if needed.
	UpdateConversationContext(ctx context.Context, conv Conversation, messageIDs ...string) error
	// CreateTask creates a top-level task.
	CreateTask(ctx context.Context, description string, conv Conversation) (*Task, error)
	// CreateSubtask creates a child of parentID positioned after its siblings.
	CreateSubtask(ctx context.Context, description, parentID string, conv Conversation) (*Task, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	ListTasks(ctx context.Context, conversationID string) ([]*Task, error)
	Close() error
}

func prepareMessage(msg *Message, now time.Time) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if msg.Role == "" {
		return errors.New("message role is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Status == "" {
		msg.Status = StatusComplete
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	return nil
}

func newTask(description, parentID string, conv Conversation, now time.Time) (*Task, error) {
	if conv.ID == "" {
		return nil, errors.New("conversation id is required")
	}
	if description == "" {
		return nil, errors.New("task description is required")
	}
	return &Task{
		ID:             uuid.New().String(),
		ParentID:       parentID,
		ConversationID: conv.ID,
		Description:    description,
		Status:         StatusPending,
		CreatedAt:      now,
	}, nil
}
