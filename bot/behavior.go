package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// State is the serializable per-conversation state of a behavior. Final
// marks a terminal state: the conversation record is removed after the
// transition that produced it.
type State struct {
	Data  map[string]string `json:"data,omitempty"`
	Final bool              `json:"final"`
}

// Get reads a state value, tolerating a nil data map.
func (s State) Get(key string) string {
	return s.Data[key]
}

// With returns a copy of the state with key set. The receiver is unchanged.
func (s State) With(key, value string) State {
	data := make(map[string]string, len(s.Data)+1)
	for k, v := range s.Data {
		data[k] = v
	}
	data[key] = value
	return State{Data: data, Final: s.Final}
}

// Transition is the result of a behavior's Create or Update.
type Transition struct {
	State  State
	Output string
	Effect *Effect
}

// Effect is a side effect requested by a transition: routing the next
// matching message back into the behavior, scheduling a background job, or
// both.
type Effect struct {
	Expect *Expectation
	Job    *Job
}

// Expectation routes the next matching message back to a behavior rather
// than through command matching. It is a persisted, serializable record, so
// pending conversations survive a restart.
type Expectation struct {
	// Pattern is an anchored, case-insensitive regular expression; a
	// pattern that does not compile is treated as a literal and compared
	// for case-insensitive equality.
	Pattern string `json:"pattern"`
	// ExpiresAt bounds how long the expectation may be resumed. Zero means
	// never.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// matches reports whether text satisfies the expectation at time now.
func (e *Expectation) matches(text string, now time.Time) bool {
	if e == nil {
		return false
	}
	if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
		return false
	}
	text = strings.TrimSpace(text)
	re, err := regexp.Compile(`(?i)^` + e.Pattern + `$`)
	if err != nil {
		return strings.EqualFold(text, e.Pattern)
	}
	return re.MatchString(text)
}

// Behavior is a multi-turn conversational handler. Behaviors are stateless;
// all mutable data lives in per-conversation records owned by the engine.
type Behavior interface {
	// ID names the behavior. It keys conversation records and must be
	// stable across restarts.
	ID() string
	// Create is offered every message that no active conversation claimed.
	// Returning nil means "not for me" and the message falls through to
	// command and action routing.
	Create(ctx context.Context, svc *Services, m Message) (*Transition, error)
	// Update is called when an active conversation's expectation matches
	// the message.
	Update(ctx context.Context, svc *Services, st State, m Message) (*Transition, error)
}

// ConversationKey scopes a conversation to one sender in one channel.
type ConversationKey struct {
	Channel ChannelID `json:"channel"`
	Sender  UserID    `json:"sender"`
}

func (k ConversationKey) String() string {
	return string(k.Channel) + "/" + string(k.Sender)
}

// Conversation is a live instance of a behavior's state for one key.
type Conversation struct {
	BehaviorID string          `json:"behavior_id"`
	Key        ConversationKey `json:"key"`
	State      State           `json:"state"`
	Expect     *Expectation    `json:"expect,omitempty"`
}

// behaviorSet owns all conversation records. It must only be entered
// through the engine's per-key serial executor, so transitions for one
// conversation key apply in arrival order.
type behaviorSet struct {
	logf  Logger
	store ConversationStore
	now   func() time.Time

	// scheduleJob hands a job effect to the scheduler, with the channel
	// the conversation lives in as the job's reply target.
	scheduleJob func(job Job, replyTo ChannelID)

	behaviors []Behavior

	mu     sync.Mutex
	cache  map[string]*Conversation
	absent map[string]bool
}

func newBehaviorSet(store ConversationStore, logf Logger) *behaviorSet {
	return &behaviorSet{
		logf:   logf,
		store:  store,
		now:    time.Now,
		cache:  make(map[string]*Conversation),
		absent: make(map[string]bool),
	}
}

func (bs *behaviorSet) register(b Behavior) error {
	if b.ID() == "" {
		return fmt.Errorf("behavior has empty ID")
	}
	for _, prev := range bs.behaviors {
		if prev.ID() == b.ID() {
			return fmt.Errorf("behavior %q registered twice", b.ID())
		}
	}
	bs.behaviors = append(bs.behaviors, b)
	return nil
}

func conversationID(behaviorID string, key ConversationKey) string {
	return behaviorID + "|" + key.String()
}

// absentLimit bounds the negative cache. When it fills up the whole map is
// dropped; losing it costs one extra store read per key, not correctness.
const absentLimit = 4096

// markAbsent records that no conversation exists for id. Callers must hold
// bs.mu.
func (bs *behaviorSet) markAbsent(id string) {
	if len(bs.absent) >= absentLimit {
		bs.absent = make(map[string]bool)
	}
	bs.absent[id] = true
}

// get returns the active conversation for (behavior, key), consulting the
// write-through cache first and the store on cold start.
func (bs *behaviorSet) get(ctx context.Context, behaviorID string, key ConversationKey) *Conversation {
	id := conversationID(behaviorID, key)

	bs.mu.Lock()
	if c, ok := bs.cache[id]; ok {
		bs.mu.Unlock()
		return c
	}
	if bs.absent[id] {
		bs.mu.Unlock()
		return nil
	}
	bs.mu.Unlock()

	var loaded *Conversation
	err := withRetry(bs.logf, "load conversation "+id, func() error {
		var err error
		loaded, err = bs.store.LoadConversation(ctx, behaviorID, key)
		return err
	})

	bs.mu.Lock()
	defer bs.mu.Unlock()
	switch err {
	case nil:
		bs.cache[id] = loaded
		return loaded
	case ErrNotFound:
		bs.markAbsent(id)
		return nil
	default:
		// Best effort: treat as absent for this message, durability is the
		// store's problem to harden.
		return nil
	}
}

// process routes one message through the behavior state machine. It reports
// whether the message was consumed. Callers must invoke it on the serial
// executor for m's conversation key.
func (bs *behaviorSet) process(ctx context.Context, svc *Services, m Message) bool {
	key := ConversationKey{Channel: m.Channel, Sender: m.Sender}
	now := bs.now()

	// Active-conversation continuation takes priority over starting a new
	// conversation, even for the same behavior.
	for _, b := range bs.behaviors {
		conv := bs.get(ctx, b.ID(), key)
		if conv == nil || !conv.Expect.matches(m.Text, now) {
			continue
		}
		t, err := b.Update(ctx, svc, conv.State, m)
		if err != nil {
			bs.logf("behavior %s update: %v", b.ID(), err)
			svc.send(ctx, m.Channel, "something went wrong: "+err.Error())
			return true
		}
		if t == nil {
			// An update that returns no transition leaves the conversation
			// as it was.
			return true
		}
		bs.apply(ctx, svc, b.ID(), key, m.Channel, t)
		return true
	}

	// No continuation matched: offer the message to each behavior's Create,
	// first non-nil transition wins. Behaviors that already hold an active
	// conversation for this key do not get to start a second one.
	for _, b := range bs.behaviors {
		if bs.get(ctx, b.ID(), key) != nil {
			continue
		}
		t, err := b.Create(ctx, svc, m)
		if err != nil {
			bs.logf("behavior %s create: %v", b.ID(), err)
			svc.send(ctx, m.Channel, "something went wrong: "+err.Error())
			return true
		}
		if t == nil {
			continue
		}
		bs.apply(ctx, svc, b.ID(), key, m.Channel, t)
		return true
	}

	return false
}

// apply persists the transition's state, emits its output, and registers
// its effects.
func (bs *behaviorSet) apply(ctx context.Context, svc *Services, behaviorID string, key ConversationKey, channel ChannelID, t *Transition) {
	if t.Output != "" {
		svc.send(ctx, channel, t.Output)
	}

	if t.Effect != nil && t.Effect.Job != nil {
		if bs.scheduleJob != nil {
			bs.scheduleJob(*t.Effect.Job, channel)
		} else {
			bs.logf("behavior %s requested job %q but no scheduler is attached", behaviorID, t.Effect.Job.ActionID)
		}
	}

	id := conversationID(behaviorID, key)

	if t.State.Final {
		bs.mu.Lock()
		delete(bs.cache, id)
		bs.markAbsent(id)
		bs.mu.Unlock()

		err := withRetry(bs.logf, "delete conversation "+id, func() error {
			err := bs.store.DeleteConversation(ctx, behaviorID, key)
			if err == ErrNotFound {
				return nil
			}
			return err
		})
		_ = err // already logged; the in-memory removal stands regardless
		return
	}

	conv := &Conversation{
		BehaviorID: behaviorID,
		Key:        key,
		State:      t.State,
	}
	if t.Effect != nil {
		conv.Expect = t.Effect.Expect
	}

	bs.mu.Lock()
	bs.cache[id] = conv
	delete(bs.absent, id)
	bs.mu.Unlock()

	err := withRetry(bs.logf, "save conversation "+id, func() error {
		return bs.store.SaveConversation(ctx, conv)
	})
	_ = err // best effort: the in-memory transition is already applied
}

// keyedExecutor serializes work per key while letting work for different
// keys proceed concurrently. Enqueueing from a single loop preserves arrival
// order within a key. The engine keys it by conversation, the scheduler by
// action id.
type keyedExecutor struct {
	mu     sync.Mutex
	queues map[string][]func()
	busy   map[string]bool
}

func newKeyedExecutor() *keyedExecutor {
	return &keyedExecutor{
		queues: make(map[string][]func()),
		busy:   make(map[string]bool),
	}
}

// do enqueues fn on key's serial queue, starting a drainer if none runs.
func (k *keyedExecutor) do(key string, fn func()) {
	k.mu.Lock()
	k.queues[key] = append(k.queues[key], fn)
	if k.busy[key] {
		k.mu.Unlock()
		return
	}
	k.busy[key] = true
	k.mu.Unlock()

	go k.drain(key)
}

func (k *keyedExecutor) drain(key string) {
	for {
		k.mu.Lock()
		q := k.queues[key]
		if len(q) == 0 {
			k.busy[key] = false
			delete(k.queues, key)
			k.mu.Unlock()
			return
		}
		fn := q[0]
		k.queues[key] = q[1:]
		k.mu.Unlock()

		fn()
	}
}
