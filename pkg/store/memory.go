package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/cadence/internal/observability"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu            sync.RWMutex
	messages      map[string]*Message
	order         []string
	tasks         map[string]*Task
	conversations map[string]*Conversation
	now           func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]*Message),
		tasks:         make(map[string]*Task),
		conversations: make(map[string]*Conversation),
		now:           time.Now,
	}
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg *Message) error {
	return s.SaveMessages(ctx, []*Message{msg})
}

func (s *MemoryStore) SaveMessages(ctx context.Context, msgs []*Message) error {
	start := time.Now()
	now := s.now()
	for _, msg := range msgs {
		if err := prepareMessage(msg, now); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for _, msg := range msgs {
		if _, ok := s.messages[msg.ID]; !ok {
			s.order = append(s.order, msg.ID)
		}
		cp := *msg
		s.messages[msg.ID] = &cp
	}
	s.mu.Unlock()

	observability.RecordStoreWrite("save_messages", time.Since(start))
	return nil
}

func (s *MemoryStore) UpdateConversationContext(ctx context.Context, conv Conversation, messageIDs ...string) error {
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[conv.ID]
	if !ok {
		existing = &Conversation{ID: conv.ID, SessionID: conv.SessionID, UserID: conv.UserID}
		s.conversations[conv.ID] = existing
	}
	for _, id := range messageIDs {
		if _, ok := s.messages[id]; !ok {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
	}
	existing.ActiveMessageIDs = append(existing.ActiveMessageIDs, messageIDs...)
	existing.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, description string, conv Conversation) (*Task, error) {
	return s.createTask(description, "", conv)
}

func (s *MemoryStore) CreateSubtask(ctx context.Context, description, parentID string, conv Conversation) (*Task, error) {
	if parentID == "" {
		return nil, errors.New("parent task id is required")
	}
	return s.createTask(description, parentID, conv)
}

func (s *MemoryStore) createTask(description, parentID string, conv Conversation) (*Task, error) {
	start := time.Now()
	task, err := newTask(description, parentID, conv, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if parentID != "" {
		if _, ok := s.tasks[parentID]; !ok {
			return nil, fmt.Errorf("parent task %s: %w", parentID, ErrNotFound)
		}
		for _, t := range s.tasks {
			if t.ParentID == parentID {
				task.Position++
			}
		}
	}

	cp := *task
	s.tasks[task.ID] = &cp
	observability.RecordStoreWrite("create_task", time.Since(start))
	return task, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	cp := *conv
	cp.ActiveMessageIDs = append([]string(nil), conv.ActiveMessageIDs...)
	return &cp, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, id := range s.order {
		if msg := s.messages[id]; msg.ConversationID == conversationID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, conversationID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.ConversationID == conversationID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// sortTasks orders parents before children and children by position.
func sortTasks(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if (a.ParentID == "") != (b.ParentID == "") {
			return a.ParentID == ""
		}
		if a.ParentID == "" {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		return a.Position < b.Position
	})
}
