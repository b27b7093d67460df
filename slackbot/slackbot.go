// Package slackbot adapts the Slack RTM API to the engine's Message and
// Responder contracts.
package slackbot

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/nlopes/slack"

	"github.com/gobridge/herald/bot"
)

// mentionRE is the Slack wire form of a user mention.
var mentionRE = regexp.MustCompile(`<@([A-Z0-9]+)>`)

// Handler receives decoded inbound messages.
type Handler interface {
	HandleMessage(m bot.Message)
}

// Client owns the Slack connection. It implements bot.Responder and feeds
// inbound messages to a Handler.
type Client struct {
	api  *slack.Client
	logf bot.Logger

	selfID string
}

// New creates a Client from a bot token.
func New(token string, logf bot.Logger) *Client {
	return &Client{
		api:  slack.New(token),
		logf: logf,
	}
}

// Send implements bot.Responder.
func (c *Client) Send(ctx context.Context, channel bot.ChannelID, text string) error {
	_, _, err := c.api.PostMessageContext(ctx, string(channel),
		slack.MsgOptionAsUser(true),
		slack.MsgOptionText(text, false),
	)
	return err
}

// Run connects to Slack and pumps inbound events into h until ctx is done.
// Events arrive from a single RTM channel, so HandleMessage sees messages
// in arrival order.
func (c *Client) Run(ctx context.Context, h Handler) error {
	rtm := c.api.NewRTM()
	go rtm.ManageConnection()
	defer rtm.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-rtm.IncomingEvents:
			if !ok {
				return nil
			}
			switch data := ev.Data.(type) {
			case *slack.ConnectedEvent:
				c.selfID = data.Info.User.ID
				c.logf("connected to slack as %s", c.selfID)
			case *slack.MessageEvent:
				if m, ok := c.decode(data); ok {
					h.HandleMessage(m)
				}
			case *slack.RTMError:
				c.logf("rtm error: %s", data.Error())
			case *slack.InvalidAuthEvent:
				return errInvalidAuth
			}
		}
	}
}

var errInvalidAuth = errors.New("invalid slack credentials")

// decode converts a Slack message event into an engine message. Messages
// from bots, including our own echoes, are dropped.
func (c *Client) decode(ev *slack.MessageEvent) (bot.Message, bool) {
	if ev.BotID != "" || ev.User == "" || ev.SubType == "bot_message" {
		return bot.Message{}, false
	}
	if c.selfID != "" && ev.User == c.selfID {
		return bot.Message{}, false
	}

	text, entities := parseMentions(ev.Text)
	return bot.Message{
		Text:     text,
		Sender:   bot.UserID(strings.ToLower(ev.User)),
		Entities: entities,
		Channel:  bot.ChannelID(ev.Channel),
	}, true
}

// parseMentions extracts mentioned users as entities, in text order, and
// lower-cases the mention ids so the matcher's case-insensitive grammar
// sees a stable form.
func parseMentions(text string) (string, []bot.Entity) {
	var entities []bot.Entity
	out := mentionRE.ReplaceAllStringFunc(text, func(m string) string {
		id := strings.ToLower(mentionRE.FindStringSubmatch(m)[1])
		entities = append(entities, bot.Entity{Kind: bot.EntityUser, User: bot.UserID(id)})
		return "<@" + id + ">"
	})
	return out, entities
}
