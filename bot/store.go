package bot

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound should be returned by store implementations when no record
// exists for the requested key.
var ErrNotFound = errors.New("not found")

// ConversationStore persists per-conversation behavior state. Implementations
// must support at-least-once durability for transitions already applied.
type ConversationStore interface {
	LoadConversation(ctx context.Context, behaviorID string, key ConversationKey) (*Conversation, error)
	SaveConversation(ctx context.Context, c *Conversation) error
	DeleteConversation(ctx context.Context, behaviorID string, key ConversationKey) error
}

// JobStore persists scheduled jobs so fire times survive restarts.
type JobStore interface {
	LoadJobs(ctx context.Context) ([]JobRecord, error)
	SaveJob(ctx context.Context, rec JobRecord) error
}

// JobRecord is the serialized form of a scheduled job.
type JobRecord struct {
	ActionID string    `json:"action_id" datastore:"ActionID"`
	Kind     string    `json:"kind" datastore:"Kind,noindex"`
	Seconds  int64     `json:"seconds" datastore:"Seconds,noindex"`
	Hour     int       `json:"hour" datastore:"Hour,noindex"`
	Minute   int       `json:"minute" datastore:"Minute,noindex"`
	NextFire time.Time `json:"next_fire" datastore:"NextFire"`
	Payload  string    `json:"payload,omitempty" datastore:"Payload,noindex"`
	Channel  string    `json:"channel,omitempty" datastore:"Channel,noindex"`
}

const (
	storeAttempts = 3
	storeBackoff  = 100 * time.Millisecond
)

// withRetry runs a store operation with a bounded doubling backoff. When all
// attempts fail the error is logged and returned: callers apply the
// in-memory transition regardless, trading durability for responsiveness.
func withRetry(logf Logger, op string, fn func() error) error {
	delay := storeBackoff
	var err error
	for attempt := 0; attempt < storeAttempts; attempt++ {
		err = fn()
		if err == nil || err == ErrNotFound {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	logf("store: %s failed after %d attempts: %v", op, storeAttempts, err)
	return err
}
