package bot

import (
	"context"
	"net/http"
	"sync"

	"cloud.google.com/go/trace"
)

// notAuthorized is the fixed denial response. It deliberately reveals
// nothing about why the sender was denied.
const notAuthorized = "you are not authorized to do that"

// Services is the capability bag passed unmodified into every command,
// behavior and action.
type Services struct {
	// Responder posts messages to the chat platform.
	Responder Responder
	// Logf is the engine's logger.
	Logf Logger
	// HTTP is a shared client for handlers that call out.
	HTTP *http.Client

	devMode bool

	mu   sync.RWMutex
	vals map[string]interface{}
}

// Set stores an arbitrary value under key.
func (s *Services) Set(key string, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vals == nil {
		s.vals = make(map[string]interface{})
	}
	s.vals[key] = v
}

// Value returns the value stored under key, or nil.
func (s *Services) Value(key string) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vals[key]
}

// send posts text to a channel. In dev mode it only logs what would have
// been sent.
func (s *Services) send(ctx context.Context, channel ChannelID, text string) {
	if text == "" {
		return
	}
	if s.devMode {
		s.Logf("should reply to channel %s with %q", channel, text)
		return
	}
	if err := s.Responder.Send(ctx, channel, text); err != nil {
		s.Logf("%s\n", err)
	}
}

// Config carries process-wide engine settings.
type Config struct {
	// Admins is the allow-list used as the default OnlyUsers set for
	// privileged bindings, including the built-in impersonation commands.
	Admins []UserID
	// OutputChannel receives scheduled action output and failure reports.
	OutputChannel ChannelID
	// FallbackResponse, when non-empty, answers messages nothing matched.
	FallbackResponse string
	// DevMode logs would-be outputs instead of sending them.
	DevMode bool
}

// Engine routes inbound messages to commands, behaviors and actions. It is
// an explicitly constructed value: hosts own it, tests may run several
// isolated instances side by side.
type Engine struct {
	cfg  Config
	logf Logger
	svc  *Services

	traceClient *trace.Client

	imps      *impersonations
	commands  *commandSet
	behaviors *behaviorSet
	sched     *scheduler
	exec      *keyedExecutor

	adminOnly Permission

	impersonateUsage *Usage
	stopUsage        *Usage
}

// New creates an Engine wired to the given responder and stores. traceClient
// may be nil; spans are skipped then.
func New(cfg Config, r Responder, conversations ConversationStore, jobs JobStore, traceClient *trace.Client, logf Logger) *Engine {
	svc := &Services{
		Responder: r,
		Logf:      logf,
		HTTP:      http.DefaultClient,
		devMode:   cfg.DevMode,
	}

	e := &Engine{
		cfg:         cfg,
		logf:        logf,
		svc:         svc,
		traceClient: traceClient,
		imps:        newImpersonations(logf),
		commands:    newCommandSet(logf),
		behaviors:   newBehaviorSet(conversations, logf),
		sched:       newScheduler(jobs, cfg.OutputChannel, svc, logf),
		exec:        newKeyedExecutor(),
		adminOnly:   OnlyUsers(cfg.Admins...),

		impersonateUsage: MustParseUsage(`impersonate <@user>`),
		stopUsage:        MustParseUsage(`stop impersonating`),
	}
	e.behaviors.scheduleJob = e.sched.scheduleJob
	e.sched.newSpan = e.newSpan
	return e
}

// Services exposes the capability bag, mainly so hosts can seed it before
// registration.
func (e *Engine) Services() *Services { return e.svc }

// RegisterCommand adds a command. Ambiguous or malformed grammars are a
// configuration error and panic: registration happens at startup, never at
// runtime.
func (e *Engine) RegisterCommand(c *Command) {
	if err := e.commands.register(c); err != nil {
		panic(err)
	}
}

// RegisterBehavior adds a multi-turn behavior.
func (e *Engine) RegisterBehavior(b Behavior) {
	if err := e.behaviors.register(b); err != nil {
		panic(err)
	}
}

// RegisterActions makes actions known by id without scheduling them.
func (e *Engine) RegisterActions(actions ...*Action) {
	if err := e.sched.registerActions(actions...); err != nil {
		panic(err)
	}
}

// BindAction routes a trigger phrase to an immediate, permission-gated run
// of the action.
func (e *Engine) BindAction(a *Action, trigger string, p Permission) {
	if err := e.sched.bind(a, trigger, p); err != nil {
		panic(err)
	}
}

// AdminOnly is the permission backed by the configured admin allow-list.
func (e *Engine) AdminOnly() Permission { return e.adminOnly }

// ScheduleAction fires the action on the given interval, persisted across
// restarts.
func (e *Engine) ScheduleAction(a *Action, iv Interval) {
	if err := e.sched.schedule(a, iv, "", ""); err != nil {
		panic(err)
	}
}

// Help returns the help lines of all registered commands.
func (e *Engine) Help() []string {
	lines := e.commands.help()
	lines = append(lines,
		`- "impersonate @user" -> act as another user (admins only)`,
		`- "stop impersonating" -> drop an active impersonation`,
	)
	return lines
}

// Start restores persisted jobs and drives the scheduler until ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	return e.sched.start(ctx)
}

// HandleMessage accepts one inbound message from the transport. Messages
// are processed in arrival order per conversation key; handlers for
// different keys run concurrently.
func (e *Engine) HandleMessage(m Message) {
	if m.Sender == "" {
		return
	}
	if e.cfg.DevMode {
		e.logf("got message: %q from %s in %s", m.Text, m.Sender, m.Channel)
	}

	key := ConversationKey{Channel: m.Channel, Sender: m.Sender}
	e.exec.do(key.String(), func() {
		defer func() {
			if r := recover(); r != nil {
				e.logf("recovered from handler panic: %v", r)
			}
		}()

		span := e.newSpan("engine.HandleMessage")
		span.SetLabel("channel", string(m.Channel))
		defer span.Finish()
		ctx := trace.NewContext(context.Background(), span)

		e.route(ctx, m)
	})
}

// route tries, in order: active-conversation continuation and behavior
// creation, the built-in impersonation commands, registered commands, bound
// action triggers, and finally the configured fallback.
func (e *Engine) route(ctx context.Context, m Message) {
	if e.behaviors.process(ctx, e.svc, m) {
		return
	}

	if e.routeImpersonation(ctx, m) {
		return
	}

	if cmd, args := e.commands.route(m); cmd != nil {
		e.dispatch(ctx, cmd, args, m)
		return
	}

	if b, _ := e.sched.trigger(m); b != nil {
		effective := e.imps.effective(m.Sender)
		if !b.permission.Allows(effective) {
			e.svc.send(ctx, m.Channel, notAuthorized)
			return
		}
		e.sched.runTriggered(ctx, b, m)
		return
	}

	if e.cfg.FallbackResponse != "" {
		e.svc.send(ctx, m.Channel, e.cfg.FallbackResponse)
	}
}

// routeImpersonation handles the engine's own audited impersonation
// commands. Only the admin allow-list may establish a grant, evaluated
// against the effective sender like any other permission check.
func (e *Engine) routeImpersonation(ctx context.Context, m Message) bool {
	if args := e.impersonateUsage.Match(m); args != nil {
		if !e.adminOnly.Allows(e.imps.effective(m.Sender)) {
			e.svc.send(ctx, m.Channel, notAuthorized)
			return true
		}
		acting := args.Users[0]
		e.imps.grant(ImpersonatorID{Real: m.Sender, Acting: acting})
		e.svc.send(ctx, m.Channel, "now acting as "+string(acting))
		return true
	}

	if e.stopUsage.Match(m) != nil {
		e.imps.revoke(m.Sender)
		e.svc.send(ctx, m.Channel, "impersonation dropped")
		return true
	}

	return false
}

// dispatch runs a matched command: permission first, body second, and every
// error path produces a user-visible message.
func (e *Engine) dispatch(ctx context.Context, cmd *Command, args *Args, m Message) {
	effective := e.imps.effective(m.Sender)
	if !cmd.Permission.Allows(effective) {
		e.svc.send(ctx, m.Channel, notAuthorized)
		return
	}

	// The body runs outside the per-key queue so a slow command does not
	// hold up the sender's later messages.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logf("command %q panicked: %v", cmd.Usage, r)
				e.svc.send(ctx, m.Channel, "something went wrong running that command")
			}
		}()

		span := e.newSpan("engine.dispatch")
		span.SetLabel("usage", cmd.Usage)
		defer span.Finish()

		out, err := cmd.Run(trace.NewContext(ctx, span), e.svc, args, effective)
		if err != nil {
			e.logf("command %q: %v", cmd.Usage, err)
			e.svc.send(ctx, m.Channel, "that didn't work: "+err.Error())
			return
		}
		e.svc.send(ctx, m.Channel, out)
	}()
}

func (e *Engine) newSpan(name string) *trace.Span {
	if e.traceClient == nil {
		return nil
	}
	return e.traceClient.NewSpan(name)
}
