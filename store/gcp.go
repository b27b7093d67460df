package store

import (
	"context"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	"github.com/gobridge/herald/bot"
)

// GCPStore persists conversations and jobs in a Google Cloud Platform
// Datastore. It implements bot.ConversationStore and bot.JobStore.
type GCPStore struct {
	ds               *datastore.Client
	conversationKind string
	jobKind          string
}

// NewGCPStore constructs a new *GCPStore.
func NewGCPStore(ds *datastore.Client) *GCPStore {
	return &GCPStore{
		ds:               ds,
		conversationKind: "Conversation",
		jobKind:          "Job",
	}
}

// storedConversation is the datastore shape of a conversation. The
// expectation is flattened so that a record without one stays a single
// entity with noindex payload fields.
type storedConversation struct {
	BehaviorID    string    `datastore:"BehaviorID"`
	Channel       string    `datastore:"Channel"`
	Sender        string    `datastore:"Sender"`
	StateKeys     []string  `datastore:"StateKeys,noindex"`
	StateValues   []string  `datastore:"StateValues,noindex"`
	Final         bool      `datastore:"Final,noindex"`
	ExpectPattern string    `datastore:"ExpectPattern,noindex"`
	ExpectExpires time.Time `datastore:"ExpectExpires,noindex"`
	HasExpect     bool      `datastore:"HasExpect,noindex"`
}

func (s *GCPStore) conversationKey(behaviorID string, key bot.ConversationKey) *datastore.Key {
	return datastore.NameKey(s.conversationKind, conversationName(behaviorID, key), nil)
}

// LoadConversation implements bot.ConversationStore.
func (s *GCPStore) LoadConversation(ctx context.Context, behaviorID string, key bot.ConversationKey) (*bot.Conversation, error) {
	var sc storedConversation
	err := s.ds.Get(ctx, s.conversationKey(behaviorID, key), &sc)
	if err == datastore.ErrNoSuchEntity {
		return nil, bot.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c := &bot.Conversation{
		BehaviorID: sc.BehaviorID,
		Key: bot.ConversationKey{
			Channel: bot.ChannelID(sc.Channel),
			Sender:  bot.UserID(sc.Sender),
		},
		State: bot.State{Final: sc.Final},
	}
	if len(sc.StateKeys) > 0 {
		c.State.Data = make(map[string]string, len(sc.StateKeys))
		for i, k := range sc.StateKeys {
			c.State.Data[k] = sc.StateValues[i]
		}
	}
	if sc.HasExpect {
		c.Expect = &bot.Expectation{
			Pattern:   sc.ExpectPattern,
			ExpiresAt: sc.ExpectExpires,
		}
	}
	return c, nil
}

// SaveConversation implements bot.ConversationStore.
func (s *GCPStore) SaveConversation(ctx context.Context, c *bot.Conversation) error {
	sc := storedConversation{
		BehaviorID: c.BehaviorID,
		Channel:    string(c.Key.Channel),
		Sender:     string(c.Key.Sender),
		Final:      c.State.Final,
	}
	for k, v := range c.State.Data {
		sc.StateKeys = append(sc.StateKeys, k)
		sc.StateValues = append(sc.StateValues, v)
	}
	if c.Expect != nil {
		sc.HasExpect = true
		sc.ExpectPattern = c.Expect.Pattern
		sc.ExpectExpires = c.Expect.ExpiresAt
	}
	_, err := s.ds.Put(ctx, s.conversationKey(c.BehaviorID, c.Key), &sc)
	return err
}

// DeleteConversation implements bot.ConversationStore.
func (s *GCPStore) DeleteConversation(ctx context.Context, behaviorID string, key bot.ConversationKey) error {
	err := s.ds.Delete(ctx, s.conversationKey(behaviorID, key))
	if err == datastore.ErrNoSuchEntity {
		return bot.ErrNotFound
	}
	return err
}

func (s *GCPStore) jobKey(actionID string) *datastore.Key {
	return datastore.NameKey(s.jobKind, actionID, nil)
}

// LoadJobs implements bot.JobStore.
func (s *GCPStore) LoadJobs(ctx context.Context) ([]bot.JobRecord, error) {
	q := datastore.NewQuery(s.jobKind)

	var out []bot.JobRecord
	it := s.ds.Run(ctx, q)
	for {
		var rec bot.JobRecord
		_, err := it.Next(&rec)
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

// SaveJob implements bot.JobStore.
func (s *GCPStore) SaveJob(ctx context.Context, rec bot.JobRecord) error {
	_, err := s.ds.Put(ctx, s.jobKey(rec.ActionID), &rec)
	return err
}
