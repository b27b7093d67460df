// Package store provides the persistence backends for conversation state
// and scheduled jobs: an in-memory one for development and tests, and a
// Google Cloud Datastore one for production.
package store

import (
	"context"
	"sync"

	"github.com/gobridge/herald/bot"
)

// Memory keeps conversations and jobs in process memory. It satisfies both
// bot.ConversationStore and bot.JobStore and is safe for concurrent use.
// State does not survive a restart; use it for dev mode and tests.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]bot.Conversation
	jobs          map[string]bot.JobRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]bot.Conversation),
		jobs:          make(map[string]bot.JobRecord),
	}
}

func conversationName(behaviorID string, key bot.ConversationKey) string {
	return behaviorID + "|" + key.String()
}

// LoadConversation implements bot.ConversationStore.
func (m *Memory) LoadConversation(_ context.Context, behaviorID string, key bot.ConversationKey) (*bot.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[conversationName(behaviorID, key)]
	if !ok {
		return nil, bot.ErrNotFound
	}
	out := c
	return &out, nil
}

// SaveConversation implements bot.ConversationStore.
func (m *Memory) SaveConversation(_ context.Context, c *bot.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conversationName(c.BehaviorID, c.Key)] = *c
	return nil
}

// DeleteConversation implements bot.ConversationStore.
func (m *Memory) DeleteConversation(_ context.Context, behaviorID string, key bot.ConversationKey) error {
	name := conversationName(behaviorID, key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[name]; !ok {
		return bot.ErrNotFound
	}
	delete(m.conversations, name)
	return nil
}

// LoadJobs implements bot.JobStore.
func (m *Memory) LoadJobs(_ context.Context) ([]bot.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bot.JobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec)
	}
	return out, nil
}

// SaveJob implements bot.JobStore.
func (m *Memory) SaveJob(_ context.Context, rec bot.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[rec.ActionID] = rec
	return nil
}
