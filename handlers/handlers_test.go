package handlers

import (
	"context"
	"strings"
	"testing"

	"github.com/gobridge/herald/bot"
)

func discardLogs(string, ...interface{}) {}

func TestXKCD(t *testing.T) {
	cmd := XKCD(discardLogs)
	ctx := context.Background()

	t.Run("links a comic by number", func(t *testing.T) {
		out, err := cmd.Run(ctx, nil, &bot.Args{Values: []string{"303"}}, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if out != "<https://xkcd.com/303/>" {
			t.Errorf("unexpected link: %q", out)
		}
	})

	t.Run("resolves known aliases", func(t *testing.T) {
		out, err := cmd.Run(ctx, nil, &bot.Args{Values: []string{"standards"}}, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if out != "<https://xkcd.com/927/>" {
			t.Errorf("unexpected link: %q", out)
		}
	})

	t.Run("rejects unknown words", func(t *testing.T) {
		if _, err := cmd.Run(ctx, nil, &bot.Args{Values: []string{"nonsense"}}, "u1"); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestLinkToGoDoc(t *testing.T) {
	cmd := LinkToGoDoc(`d/(\S+)`, "https://godoc.org/")
	out, err := cmd.Run(context.Background(), nil, &bot.Args{Values: []string{"net/http"}}, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if out != "<https://godoc.org/net/http>" {
		t.Errorf("unexpected link: %q", out)
	}
}

func TestSearchForLibrary(t *testing.T) {
	cmd := SearchForLibrary()
	ctx := context.Background()

	t.Run("escapes the search term", func(t *testing.T) {
		out, err := cmd.Run(ctx, nil, &bot.Args{Values: []string{"fuzzy matching"}}, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "fuzzy+matching") {
			t.Errorf("expected an escaped search term, got %q", out)
		}
	})

	t.Run("rejects oversized terms", func(t *testing.T) {
		if _, err := cmd.Run(ctx, nil, &bot.Args{Values: []string{strings.Repeat("x", 200)}}, "u1"); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestSubscribe(t *testing.T) {
	b := Subscribe{}
	ctx := context.Background()

	t.Run("ignores unrelated messages", func(t *testing.T) {
		tr, err := b.Create(ctx, nil, bot.Message{Text: "hello"})
		if err != nil {
			t.Fatal(err)
		}
		if tr != nil {
			t.Error("expected no transition")
		}
	})

	t.Run("asks for confirmation", func(t *testing.T) {
		tr, err := b.Create(ctx, nil, bot.Message{Text: "subscribe to the digest"})
		if err != nil {
			t.Fatal(err)
		}
		if tr == nil {
			t.Fatal("expected a transition")
		}
		if tr.State.Final {
			t.Error("expected a non-final state")
		}
		if tr.Effect == nil || tr.Effect.Expect == nil {
			t.Fatal("expected a pending expectation")
		}
		if tr.Effect.Expect.Pattern != `(yes|no)` {
			t.Errorf("unexpected pattern: %q", tr.Effect.Expect.Pattern)
		}
		if tr.Effect.Expect.ExpiresAt.IsZero() {
			t.Error("expected the confirmation to expire")
		}
	})

	t.Run("yes schedules the daily digest", func(t *testing.T) {
		st := bot.State{}.With("stage", "confirm")
		tr, err := b.Update(ctx, nil, st, bot.Message{Text: "yes"})
		if err != nil {
			t.Fatal(err)
		}
		if !tr.State.Final {
			t.Error("expected a final state")
		}
		if tr.Effect == nil || tr.Effect.Job == nil {
			t.Fatal("expected a job effect")
		}
		if tr.Effect.Job.ActionID != DigestActionID {
			t.Errorf("unexpected action id: %q", tr.Effect.Job.ActionID)
		}
		if tr.Effect.Job.Interval != bot.EveryDay(9, 0) {
			t.Errorf("unexpected interval: %v", tr.Effect.Job.Interval)
		}
	})

	t.Run("no ends the conversation without a job", func(t *testing.T) {
		st := bot.State{}.With("stage", "confirm")
		tr, err := b.Update(ctx, nil, st, bot.Message{Text: "NO"})
		if err != nil {
			t.Fatal(err)
		}
		if !tr.State.Final {
			t.Error("expected a final state")
		}
		if tr.Effect != nil {
			t.Error("expected no effect")
		}
	})
}
