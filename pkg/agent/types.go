package agent

import (
	"github.com/harun/cadence/pkg/llm"
	"github.com/harun/cadence/pkg/store"
)

// State is a workflow stage.
type State int

const (
	StateClassify State = iota
	StateDecompose
	StateExecute
	StatePolish
	StateDone
)

func (s State) String() string {
	switch s {
	case StateClassify:
		return "classify"
	case StateDecompose:
		return "decompose"
	case StateExecute:
		return "execute"
	case StatePolish:
		return "polish"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Result keys in WorkflowContext.Results.
const (
	ResultClassification = "classification"
	ResultDecomposition  = "decomposition"
	ResultTranscript     = "transcript"
	ResultAnswer         = "answer"
)

// InboundMessage is one user utterance.
type InboundMessage struct {
	SessionID      string   `json:"session_id"`
	UserID         string   `json:"user_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Text           string   `json:"text"`
	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

// Defaults are the generation settings applied to every turn.
type Defaults struct {
	Provider      string
	Model         string
	Temperature   float64
	TopP          float64
	ContextWindow int
	MaxTokens     int
	Tools         []string
}

// ConversationContext is the per-turn view of the conversation. Only
// UserMessage changes after creation, when decomposition renders the plan
// into it.
type ConversationContext struct {
	SessionID      string
	UserID         string
	ConversationID string
	TurnID         string
	UserMessage    string
	Provider       string
	Model          string
	Temperature    float64
	TopP           float64
	ContextWindow  int
	MaxTokens      int
	Tools          []string
}

// request builds a provider request with the conversation's settings.
func (c *ConversationContext) request(system string, messages ...llm.Message) llm.Request {
	return llm.Request{
		Model:         c.Model,
		System:        system,
		Messages:      messages,
		Temperature:   c.Temperature,
		TopP:          c.TopP,
		MaxTokens:     c.MaxTokens,
		ContextWindow: c.ContextWindow,
	}
}

func (c *ConversationContext) conversation() store.Conversation {
	return store.Conversation{ID: c.ConversationID, SessionID: c.SessionID, UserID: c.UserID}
}

func (c *ConversationContext) message(role, content string) *store.Message {
	return &store.Message{
		ConversationID: c.ConversationID,
		SessionID:      c.SessionID,
		Role:           role,
		Content:        content,
		Metadata:       map[string]string{"turn_id": c.TurnID},
	}
}

// SubtaskDescriptor links one planned subtask to its task record.
type SubtaskDescriptor struct {
	Description  string `json:"description"`
	TaskID       string `json:"task_id"`
	ParentTaskID string `json:"parent_task_id"`
	Position     int    `json:"position"`
}

// WorkflowContext is the mutable state of one turn. It is owned by the
// goroutine running the turn.
type WorkflowContext struct {
	Conv             *ConversationContext
	State            State
	Results          map[string]interface{}
	UserMessage      *store.Message
	AssistantMessage *store.Message
	Subtasks         []SubtaskDescriptor
	// Break short-circuits the remaining stages.
	Break bool
}

func newWorkflow(conv *ConversationContext) *WorkflowContext {
	return &WorkflowContext{
		Conv:    conv,
		State:   StateClassify,
		Results: make(map[string]interface{}),
	}
}
