package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gobridge/herald/bot"
)

// DigestActionID names the daily digest job. The subscribe behavior
// schedules it and the host registers the matching action at startup.
const DigestActionID = "digest"

var subscribeUsage = bot.MustParseUsage(`subscribe to (the )?digest`)

// subscribeTimeout bounds how long the yes/no confirmation stays pending.
const subscribeTimeout = time.Hour

// Subscribe is a two-turn behavior: it asks for confirmation and, on "yes",
// schedules the daily digest job for the channel the conversation happened
// in. The pending question survives a restart because the expectation is
// persisted with the conversation.
type Subscribe struct{}

func (Subscribe) ID() string { return "subscribe-digest" }

func (Subscribe) Create(ctx context.Context, svc *bot.Services, m bot.Message) (*bot.Transition, error) {
	if subscribeUsage.Match(m) == nil {
		return nil, nil
	}
	return &bot.Transition{
		State:  bot.State{}.With("stage", "confirm"),
		Output: "I'll post a daily digest of Go links in this channel at 09:00. Sound good? (yes/no)",
		Effect: &bot.Effect{
			Expect: &bot.Expectation{
				Pattern:   `(yes|no)`,
				ExpiresAt: time.Now().Add(subscribeTimeout),
			},
		},
	}, nil
}

func (Subscribe) Update(ctx context.Context, svc *bot.Services, st bot.State, m bot.Message) (*bot.Transition, error) {
	answer := normalizeAnswer(m.Text)
	if answer != "yes" {
		return &bot.Transition{
			State:  bot.State{Final: true},
			Output: "okay, no digest then",
		}, nil
	}
	return &bot.Transition{
		State:  bot.State{Final: true},
		Output: "done, you'll get the digest every day at 09:00",
		Effect: &bot.Effect{
			Job: &bot.Job{
				ActionID: DigestActionID,
				Interval: bot.EveryDay(9, 0),
			},
		},
	}, nil
}

func normalizeAnswer(text string) string {
	if strings.EqualFold(strings.TrimSpace(text), "yes") {
		return "yes"
	}
	return "no"
}

// Digest is the action behind the digest job. It posts a fixed reading list;
// the interesting part is the scheduling around it.
func Digest() *bot.Action {
	return &bot.Action{
		ID: DigestActionID,
		Execute: func(ctx context.Context, svc *bot.Services, payload string) (string, error) {
			return "Your daily Go digest:\n" +
				"- <https://go.dev/blog/> -> the Go blog\n" +
				"- <https://golangweekly.com/> -> Golang Weekly\n" +
				"- <https://www.reddit.com/r/golang/> -> r/golang", nil
		},
	}
}
