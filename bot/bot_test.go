package bot

import (
	"context"
	"sync"
	"testing"
	"time"
)

// sent is one recorded outbound message.
type sent struct {
	channel ChannelID
	text    string
}

// recorder is a Responder that records sends on a channel.
type recorder struct {
	ch chan sent
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan sent, 16)}
}

func (r *recorder) Send(_ context.Context, channel ChannelID, text string) error {
	r.ch <- sent{channel: channel, text: text}
	return nil
}

func (r *recorder) wait(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound message")
		return sent{}
	}
}

func (r *recorder) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case s := <-r.ch:
		t.Fatalf("expected no outbound message, got %q in %s", s.text, s.channel)
	case <-time.After(100 * time.Millisecond):
	}
}

// memConversations is a test ConversationStore.
type memConversations struct {
	mu sync.Mutex
	m  map[string]Conversation
}

func newMemConversations() *memConversations {
	return &memConversations{m: make(map[string]Conversation)}
}

func (s *memConversations) LoadConversation(_ context.Context, behaviorID string, key ConversationKey) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[conversationID(behaviorID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := c
	return &out, nil
}

func (s *memConversations) SaveConversation(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[conversationID(c.BehaviorID, c.Key)] = *c
	return nil
}

func (s *memConversations) DeleteConversation(_ context.Context, behaviorID string, key ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := conversationID(behaviorID, key)
	if _, ok := s.m[id]; !ok {
		return ErrNotFound
	}
	delete(s.m, id)
	return nil
}

func (s *memConversations) has(behaviorID string, key ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[conversationID(behaviorID, key)]
	return ok
}

// memJobs is a test JobStore.
type memJobs struct {
	mu sync.Mutex
	m  map[string]JobRecord
}

func newMemJobs() *memJobs {
	return &memJobs{m: make(map[string]JobRecord)}
}

func (s *memJobs) LoadJobs(_ context.Context) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, 0, len(s.m))
	for _, rec := range s.m {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memJobs) SaveJob(_ context.Context, rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[rec.ActionID] = rec
	return nil
}

func discardLogs(string, ...interface{}) {}

func testEngine(t *testing.T, cfg Config) (*Engine, *recorder) {
	t.Helper()
	r := newRecorder()
	e := New(cfg, r, newMemConversations(), newMemJobs(), nil, discardLogs)
	return e, r
}

func msg(channel ChannelID, sender UserID, text string, users ...UserID) Message {
	m := Message{Text: text, Sender: sender, Channel: channel}
	for _, u := range users {
		m.Entities = append(m.Entities, Entity{Kind: EntityUser, User: u})
	}
	return m
}

func TestEngineRouting(t *testing.T) {
	t.Run("ping gets exactly one pong", func(t *testing.T) {
		e, r := testEngine(t, Config{})
		e.RegisterCommand(&Command{
			Usage:      `ping`,
			Permission: All(),
			Run: func(context.Context, *Services, *Args, UserID) (string, error) {
				return "pong", nil
			},
		})

		e.HandleMessage(msg("c1", "u1", "ping"))

		if got := r.wait(t); got.text != "pong" || got.channel != "c1" {
			t.Errorf("expected pong in c1, got %q in %s", got.text, got.channel)
		}
		r.expectSilence(t)
	})

	t.Run("unmatched message gets the fallback", func(t *testing.T) {
		e, r := testEngine(t, Config{FallbackResponse: "no idea what that means"})

		e.HandleMessage(msg("c1", "u1", "flibbertigibbet"))

		if got := r.wait(t); got.text != "no idea what that means" {
			t.Errorf("expected fallback, got %q", got.text)
		}
	})

	t.Run("unmatched message without fallback is dropped", func(t *testing.T) {
		e, r := testEngine(t, Config{})
		e.HandleMessage(msg("c1", "u1", "flibbertigibbet"))
		r.expectSilence(t)
	})

	t.Run("messages without a sender are ignored", func(t *testing.T) {
		e, r := testEngine(t, Config{FallbackResponse: "fallback"})
		e.HandleMessage(msg("c1", "", "ping"))
		r.expectSilence(t)
	})

	t.Run("command errors are reported to the user", func(t *testing.T) {
		e, r := testEngine(t, Config{})
		e.RegisterCommand(&Command{
			Usage:      `explode`,
			Permission: All(),
			Run: func(context.Context, *Services, *Args, UserID) (string, error) {
				return "", context.DeadlineExceeded
			},
		})

		e.HandleMessage(msg("c1", "u1", "explode"))

		if got := r.wait(t); got.text != "that didn't work: context deadline exceeded" {
			t.Errorf("unexpected error report: %q", got.text)
		}
	})
}

func TestEnginePermissions(t *testing.T) {
	adminCmd := func(ran chan<- UserID, p Permission) *Command {
		return &Command{
			Usage:      `restart the deploy`,
			Permission: p,
			Run: func(_ context.Context, _ *Services, _ *Args, sender UserID) (string, error) {
				ran <- sender
				return "done", nil
			},
		}
	}

	t.Run("denied senders never reach the command body", func(t *testing.T) {
		e, r := testEngine(t, Config{Admins: []UserID{"u1"}})
		ran := make(chan UserID, 1)
		e.RegisterCommand(adminCmd(ran, e.AdminOnly()))

		e.HandleMessage(msg("c1", "u2", "restart the deploy"))

		if got := r.wait(t); got.text != notAuthorized {
			t.Errorf("expected denial, got %q", got.text)
		}
		select {
		case <-ran:
			t.Error("command body ran for a denied sender")
		default:
		}
	})

	t.Run("admins pass", func(t *testing.T) {
		e, r := testEngine(t, Config{Admins: []UserID{"u1"}})
		ran := make(chan UserID, 1)
		e.RegisterCommand(adminCmd(ran, e.AdminOnly()))

		e.HandleMessage(msg("c1", "u1", "restart the deploy"))

		if got := r.wait(t); got.text != "done" {
			t.Errorf("expected done, got %q", got.text)
		}
		if sender := <-ran; sender != "u1" {
			t.Errorf("expected sender u1, got %s", sender)
		}
	})
}

func TestEngineImpersonation(t *testing.T) {
	setup := func(t *testing.T) (*Engine, *recorder, chan UserID) {
		e, r := testEngine(t, Config{Admins: []UserID{"admin"}})
		ran := make(chan UserID, 1)
		e.RegisterCommand(&Command{
			Usage:      `restart the deploy`,
			Permission: e.AdminOnly(),
			Run: func(_ context.Context, _ *Services, _ *Args, sender UserID) (string, error) {
				ran <- sender
				return "done", nil
			},
		})
		return e, r, ran
	}

	t.Run("non-admins cannot impersonate", func(t *testing.T) {
		e, r, _ := setup(t)
		e.HandleMessage(msg("c1", "mallory", "impersonate <@victim>", "victim"))
		if got := r.wait(t); got.text != notAuthorized {
			t.Errorf("expected denial, got %q", got.text)
		}
	})

	t.Run("impersonation applies the acting user's permissions", func(t *testing.T) {
		e, r, ran := setup(t)

		e.HandleMessage(msg("c1", "admin", "impersonate <@u2>", "u2"))
		if got := r.wait(t); got.text != "now acting as u2" {
			t.Fatalf("expected grant confirmation, got %q", got.text)
		}

		// The admin now acts as u2, who is not an admin.
		e.HandleMessage(msg("c1", "admin", "restart the deploy"))
		if got := r.wait(t); got.text != notAuthorized {
			t.Errorf("expected denial while impersonating, got %q", got.text)
		}

		e.HandleMessage(msg("c1", "admin", "stop impersonating"))
		if got := r.wait(t); got.text != "impersonation dropped" {
			t.Fatalf("expected revoke confirmation, got %q", got.text)
		}

		e.HandleMessage(msg("c1", "admin", "restart the deploy"))
		if got := r.wait(t); got.text != "done" {
			t.Errorf("expected done after revoke, got %q", got.text)
		}
		if sender := <-ran; sender != "admin" {
			t.Errorf("expected effective sender admin, got %s", sender)
		}
	})
}
