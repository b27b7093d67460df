package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/trace"
)

// ActionFunc runs an action. The returned string, when non-empty, is posted
// to the run's reply channel; errors are reported there as well. payload
// carries job-specific data for scheduled runs and is empty for triggered
// ones.
type ActionFunc func(ctx context.Context, svc *Services, payload string) (string, error)

// Action is a background or triggerable unit of work. It may be bound to a
// trigger phrase, scheduled on an interval, or both.
type Action struct {
	// ID names the action. Scheduled fire times are persisted under it.
	ID string
	// StartingMessage is posted as immediate feedback when the action is
	// run from a trigger, before the eventual result message.
	StartingMessage string
	// Execute is the action body. It runs to completion; there is no
	// mid-run cancellation beyond the engine shutting down.
	Execute ActionFunc
}

type intervalKind int

const (
	intervalEvery intervalKind = iota
	intervalEveryDay
	intervalOnce
)

const (
	recordKindEvery    = "every"
	recordKindEveryDay = "every_day"
	recordKindOnce     = "once"
)

// Interval is a recurring-fire policy.
type Interval struct {
	kind   intervalKind
	every  time.Duration
	hour   int
	minute int
}

// Every fires repeatedly, waiting d after each run's completion. A slow run
// therefore delays the next fire instead of causing back-to-back re-runs.
func Every(d time.Duration) Interval {
	return Interval{kind: intervalEvery, every: d}
}

// EveryDay fires at the given wall-clock time, computing each next fire as
// the first occurrence strictly after the previous run completed.
func EveryDay(hour, minute int) Interval {
	return Interval{kind: intervalEveryDay, hour: hour, minute: minute}
}

// Once fires a single time, d after scheduling.
func Once(d time.Duration) Interval {
	return Interval{kind: intervalOnce, every: d}
}

func (iv Interval) validate() error {
	switch iv.kind {
	case intervalEvery:
		if iv.every <= 0 {
			return fmt.Errorf("interval must be positive, got %v", iv.every)
		}
	case intervalEveryDay:
		if iv.hour < 0 || iv.hour > 23 || iv.minute < 0 || iv.minute > 59 {
			return fmt.Errorf("invalid wall-clock time %02d:%02d", iv.hour, iv.minute)
		}
	case intervalOnce:
		if iv.every < 0 {
			return fmt.Errorf("delay must not be negative, got %v", iv.every)
		}
	}
	return nil
}

func (iv Interval) String() string {
	switch iv.kind {
	case intervalEveryDay:
		return fmt.Sprintf("every day at %02d:%02d", iv.hour, iv.minute)
	case intervalOnce:
		return fmt.Sprintf("once after %v", iv.every)
	default:
		return fmt.Sprintf("every %v", iv.every)
	}
}

// firstFire computes the initial fire instant from the wall clock.
func (iv Interval) firstFire(now time.Time) time.Time {
	switch iv.kind {
	case intervalEveryDay:
		return iv.next(now)
	default:
		return now.Add(iv.every)
	}
}

// next computes the fire instant following a run that completed at the
// given time. A zero result means the job does not recur.
func (iv Interval) next(completed time.Time) time.Time {
	switch iv.kind {
	case intervalEvery:
		return completed.Add(iv.every)
	case intervalEveryDay:
		n := time.Date(completed.Year(), completed.Month(), completed.Day(),
			iv.hour, iv.minute, 0, 0, completed.Location())
		if !n.After(completed) {
			n = n.AddDate(0, 0, 1)
		}
		return n
	default:
		return time.Time{}
	}
}

func (iv Interval) record() (kind string, seconds int64, hour, minute int) {
	switch iv.kind {
	case intervalEveryDay:
		return recordKindEveryDay, 0, iv.hour, iv.minute
	case intervalOnce:
		return recordKindOnce, int64(iv.every / time.Second), 0, 0
	default:
		return recordKindEvery, int64(iv.every / time.Second), 0, 0
	}
}

func intervalFromRecord(rec JobRecord) (Interval, error) {
	switch rec.Kind {
	case recordKindEvery:
		return Every(time.Duration(rec.Seconds) * time.Second), nil
	case recordKindEveryDay:
		return EveryDay(rec.Hour, rec.Minute), nil
	case recordKindOnce:
		return Once(time.Duration(rec.Seconds) * time.Second), nil
	default:
		return Interval{}, fmt.Errorf("unknown interval kind %q", rec.Kind)
	}
}

// Job is a schedulable unit: an action id, a fire policy and an opaque
// payload handed back to the action on each scheduled run.
type Job struct {
	ActionID string
	Interval Interval
	Payload  string
}

// scheduledJob is the scheduler's live record of one job.
type scheduledJob struct {
	actionID string
	interval Interval
	payload  string
	replyTo  ChannelID
	nextFire time.Time
}

// binding routes a trigger phrase to an immediate action run.
type binding struct {
	action     *Action
	usage      *Usage
	permission Permission
}

// deferredRun remembers that a firing arrived while a run was in flight.
// Exactly one firing is kept; it is neither dropped nor run in parallel.
type deferredRun struct {
	replyTo   ChannelID
	scheduled bool
	payload   string
}

// scheduler runs registered actions on triggers and timers, serializing
// runs per action id.
type scheduler struct {
	logf  Logger
	svc   *Services
	store JobStore
	out   ChannelID
	now   func() time.Time

	mu       sync.Mutex
	actions  map[string]*Action
	bindings []*binding
	jobs     map[string]*scheduledJob
	running  map[string]bool
	deferred map[string]deferredRun
	wake     chan struct{}

	// saves serializes store writes per action id so a slow write cannot
	// be overtaken by a newer one.
	saves *keyedExecutor

	newSpan func(name string) *trace.Span

	runCtx context.Context
}

func newScheduler(store JobStore, out ChannelID, svc *Services, logf Logger) *scheduler {
	return &scheduler{
		logf:     logf,
		svc:      svc,
		store:    store,
		out:      out,
		now:      time.Now,
		actions:  make(map[string]*Action),
		jobs:     make(map[string]*scheduledJob),
		running:  make(map[string]bool),
		deferred: make(map[string]deferredRun),
		wake:     make(chan struct{}, 1),
		saves:    newKeyedExecutor(),
		newSpan:  func(string) *trace.Span { return nil },
		runCtx:   context.Background(),
	}
}

// registerActions makes actions known by id; it does not yet schedule them.
func (s *scheduler) registerActions(actions ...*Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range actions {
		if a.ID == "" || a.Execute == nil {
			return fmt.Errorf("action needs an ID and an Execute body")
		}
		if _, ok := s.actions[a.ID]; ok {
			return fmt.Errorf("action %q registered twice", a.ID)
		}
		s.actions[a.ID] = a
	}
	return nil
}

// bind adds a trigger phrase that runs the action immediately on match.
func (s *scheduler) bind(a *Action, trigger string, p Permission) error {
	u, err := ParseUsage(trigger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; !ok {
		s.actions[a.ID] = a
	}
	for _, b := range s.bindings {
		if ambiguous(b.usage, u) {
			return fmt.Errorf("trigger %q is ambiguous with %q", trigger, b.usage.Grammar)
		}
	}
	s.bindings = append(s.bindings, &binding{action: a, usage: u, permission: p})
	return nil
}

// schedule records that the action should fire on the given interval. The
// concrete first-fire instant is resolved against the persisted job state
// when the scheduler starts.
func (s *scheduler) schedule(a *Action, iv Interval, payload string, replyTo ChannelID) error {
	if err := iv.validate(); err != nil {
		return fmt.Errorf("scheduling %q: %v", a.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; !ok {
		s.actions[a.ID] = a
	}
	if replyTo == "" {
		replyTo = s.out
	}
	s.jobs[a.ID] = &scheduledJob{
		actionID: a.ID,
		interval: iv,
		payload:  payload,
		replyTo:  replyTo,
	}
	s.wakeLoop()
	return nil
}

// scheduleJob is the behavior-effect entry point: the job replies into the
// channel of the conversation that requested it.
func (s *scheduler) scheduleJob(job Job, replyTo ChannelID) {
	s.mu.Lock()
	a, ok := s.actions[job.ActionID]
	s.mu.Unlock()
	if !ok {
		s.logf("job requested for unknown action %q", job.ActionID)
		return
	}
	if err := s.schedule(a, job.Interval, job.Payload, replyTo); err != nil {
		s.logf("scheduling job %q: %v", job.ActionID, err)
		return
	}
	s.resolveAndPersist()
}

// trigger returns the first binding whose trigger matches the message.
func (s *scheduler) trigger(m Message) (*binding, *Args) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		if args := b.usage.Match(m); args != nil {
			return b, args
		}
	}
	return nil, nil
}

// runTriggered starts a bound action after the caller has already passed
// its permission check. StartingMessage goes out first, as immediate
// feedback; the result follows when the run completes.
func (s *scheduler) runTriggered(ctx context.Context, b *binding, m Message) {
	if b.action.StartingMessage != "" {
		s.svc.send(ctx, m.Channel, b.action.StartingMessage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launch(b.action.ID, deferredRun{replyTo: m.Channel})
}

// launch starts or defers a run. Callers must hold s.mu.
func (s *scheduler) launch(actionID string, run deferredRun) {
	if s.running[actionID] {
		// Keep exactly one pending firing; a scheduled one wins so the
		// reschedule-on-completion still happens.
		if prev, ok := s.deferred[actionID]; !ok || !prev.scheduled {
			s.deferred[actionID] = run
		}
		return
	}
	s.running[actionID] = true
	go s.run(actionID, run)
}

// run executes the action, reports its outcome, reschedules timer-fired
// jobs relative to completion, and drains at most one deferred firing.
func (s *scheduler) run(actionID string, r deferredRun) {
	for {
		s.mu.Lock()
		action := s.actions[actionID]
		s.mu.Unlock()

		span := s.newSpan("scheduler.run")
		span.SetLabel("action", actionID)
		out, err := action.Execute(trace.NewContext(s.runCtx, span), s.svc, r.payload)
		span.Finish()
		switch {
		case err != nil:
			s.logf("action %s failed: %v", actionID, err)
			s.svc.send(s.runCtx, r.replyTo, fmt.Sprintf("action %s failed: %v", actionID, err))
		case out != "":
			s.svc.send(s.runCtx, r.replyTo, out)
		}

		s.mu.Lock()
		if r.scheduled {
			s.reschedule(actionID)
		}
		next, ok := s.deferred[actionID]
		if !ok {
			s.running[actionID] = false
			// A job scheduled while this run was in flight could not be
			// given a fire instant; give it one now.
			if job, ok := s.jobs[actionID]; ok && job.nextFire.IsZero() {
				job.nextFire = job.interval.firstFire(s.now())
				s.persist(job)
				s.wakeLoop()
			}
			s.mu.Unlock()
			return
		}
		delete(s.deferred, actionID)
		s.mu.Unlock()
		r = next
	}
}

// reschedule computes the job's next fire from the completion instant.
// Callers must hold s.mu. Failure or success of the run does not matter;
// fire times are clock-driven.
func (s *scheduler) reschedule(actionID string) {
	job, ok := s.jobs[actionID]
	if !ok {
		return
	}
	job.nextFire = job.interval.next(s.now())
	if job.nextFire.IsZero() {
		delete(s.jobs, actionID)
	}
	s.persist(job)
	s.wakeLoop()
}

// persist writes one job record. Callers must hold s.mu.
func (s *scheduler) persist(job *scheduledJob) {
	kind, seconds, hour, minute := job.interval.record()
	rec := JobRecord{
		ActionID: job.actionID,
		Kind:     kind,
		Seconds:  seconds,
		Hour:     hour,
		Minute:   minute,
		NextFire: job.nextFire,
		Payload:  job.payload,
		Channel:  string(job.replyTo),
	}
	s.saves.do(rec.ActionID, func() {
		err := withRetry(s.logf, "save job "+rec.ActionID, func() error {
			return s.store.SaveJob(context.Background(), rec)
		})
		_ = err // logged; the in-memory schedule stands
	})
}

// resolveAndPersist assigns fire instants to jobs that do not have one yet.
// Persisted instants win over fresh ones, so a restart does not reset a
// pending fire; instants already in the past produce exactly one catch-up
// run once the loop sees them.
func (s *scheduler) resolveAndPersist() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if !job.nextFire.IsZero() || s.running[job.actionID] {
			continue
		}
		job.nextFire = job.interval.firstFire(now)
		s.persist(job)
	}
	s.wakeLoop()
}

// restore merges persisted job records into the schedule. Next-fire times
// come from the records, recomputed against nothing: wall-clock state, not
// process uptime, decides when jobs fire.
func (s *scheduler) restore(ctx context.Context) {
	var recs []JobRecord
	err := withRetry(s.logf, "load jobs", func() error {
		var err error
		recs, err = s.store.LoadJobs(ctx)
		return err
	})
	if err != nil && err != ErrNotFound {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if rec.NextFire.IsZero() {
			continue // completed one-shot
		}
		if job, ok := s.jobs[rec.ActionID]; ok {
			// Startup re-declared this job. The code-declared interval,
			// payload and reply channel win; only the fire instant
			// survives the restart, so redeploying with a new interval
			// actually changes the schedule.
			job.nextFire = rec.NextFire
			continue
		}
		iv, err := intervalFromRecord(rec)
		if err != nil {
			s.logf("job %s: %v", rec.ActionID, err)
			continue
		}
		if _, ok := s.actions[rec.ActionID]; !ok {
			s.logf("persisted job %s has no registered action, skipping", rec.ActionID)
			continue
		}
		replyTo := ChannelID(rec.Channel)
		if replyTo == "" {
			replyTo = s.out
		}
		s.jobs[rec.ActionID] = &scheduledJob{
			actionID: rec.ActionID,
			interval: iv,
			payload:  rec.Payload,
			replyTo:  replyTo,
			nextFire: rec.NextFire,
		}
	}
}

// start restores persisted jobs and runs the timer loop until ctx is done.
func (s *scheduler) start(ctx context.Context) error {
	s.runCtx = ctx
	s.restore(ctx)
	s.resolveAndPersist()

	for {
		timer := time.NewTimer(s.untilNextFire())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue()
		}
	}
}

// untilNextFire computes how long the loop may sleep.
func (s *scheduler) untilNextFire() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, job := range s.jobs {
		if job.nextFire.IsZero() {
			continue
		}
		if earliest.IsZero() || job.nextFire.Before(earliest) {
			earliest = job.nextFire
		}
	}
	if earliest.IsZero() {
		return time.Hour
	}
	d := earliest.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// fireDue launches every job whose fire instant has arrived. The instant is
// cleared while the run is in flight; completion recomputes it.
func (s *scheduler) fireDue() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.nextFire.IsZero() || job.nextFire.After(now) {
			continue
		}
		job.nextFire = time.Time{}
		s.launch(job.actionID, deferredRun{
			replyTo:   job.replyTo,
			scheduled: true,
			payload:   job.payload,
		})
	}
}

func (s *scheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
