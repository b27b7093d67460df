package store

import (
	"context"
	"testing"
	"time"

	"github.com/gobridge/herald/bot"
)

func TestMemoryConversations(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := bot.ConversationKey{Channel: "c1", Sender: "u1"}

	t.Run("load of a missing record is ErrNotFound", func(t *testing.T) {
		if _, err := m.LoadConversation(ctx, "b", key); err != bot.ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("save then load round trips", func(t *testing.T) {
		conv := &bot.Conversation{
			BehaviorID: "b",
			Key:        key,
			State:      bot.State{}.With("stage", "confirm"),
			Expect:     &bot.Expectation{Pattern: `(yes|no)`, ExpiresAt: time.Now().Add(time.Hour)},
		}
		if err := m.SaveConversation(ctx, conv); err != nil {
			t.Fatal(err)
		}

		got, err := m.LoadConversation(ctx, "b", key)
		if err != nil {
			t.Fatal(err)
		}
		if got.State.Get("stage") != "confirm" {
			t.Errorf("unexpected state: %+v", got.State)
		}
		if got.Expect == nil || got.Expect.Pattern != `(yes|no)` {
			t.Errorf("unexpected expectation: %+v", got.Expect)
		}
	})

	t.Run("delete removes the record", func(t *testing.T) {
		if err := m.DeleteConversation(ctx, "b", key); err != nil {
			t.Fatal(err)
		}
		if _, err := m.LoadConversation(ctx, "b", key); err != bot.ErrNotFound {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := m.DeleteConversation(ctx, "b", key); err != bot.ErrNotFound {
			t.Errorf("expected ErrNotFound on double delete, got %v", err)
		}
	})
}

func TestMemoryJobs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	recs, err := m.LoadJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no jobs, got %d", len(recs))
	}

	rec := bot.JobRecord{ActionID: "digest", Kind: "every_day", Hour: 9, NextFire: time.Now().Add(time.Hour)}
	if err := m.SaveJob(ctx, rec); err != nil {
		t.Fatal(err)
	}
	// A second save for the same action replaces the record.
	rec.Hour = 10
	if err := m.SaveJob(ctx, rec); err != nil {
		t.Fatal(err)
	}

	recs, err = m.LoadJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one job, got %d", len(recs))
	}
	if recs[0].Hour != 10 {
		t.Errorf("expected the replaced record, got hour %d", recs[0].Hour)
	}
}
