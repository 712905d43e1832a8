package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"github.com/stake-plus/member-proposals/src/logging"
)

// Announcement is the public channel message that tracks a proposal.
type Announcement struct {
	ProposalID string
	Text       string
	// Open is true while the proposal accepts subscriptions and vetoes.
	Open bool
}

// Announcer posts and edits the public announcement of a proposal.
// UpdateAnnouncement may recreate the message and return a different ref.
type Announcer interface {
	Announce(ctx context.Context, a Announcement) (string, error)
	UpdateAnnouncement(ctx context.Context, ref string, a Announcement) (string, error)
}

// Options wires an Engine. Store, Scheduler, Notifier and VotingWindow are required.
type Options struct {
	Store        Store
	Scheduler    Scheduler
	Notifier     Notifier
	Announcer    Announcer
	Events       EventSink
	Metrics      *Metrics
	VotingWindow time.Duration
	Now          func() time.Time
	RetryPolicy  func() backoff.BackOff
}

type entryState int

const (
	statePending entryState = iota
	stateActive
	stateDone
)

// entry is the per-proposal guard. Every read or write of proposal, state or
// timer happens under mu; the terminal transition is applied by whoever holds
// mu while state is still stateActive.
type entry struct {
	mu       sync.Mutex
	state    entryState
	outcome  Status
	proposal Proposal
	timer    CancelHandle
	retry    backoff.BackOff
}

// Engine is the proposal state machine. It owns the in-memory index of active
// proposals and drives the store, timers and notifications.
type Engine struct {
	store     Store
	timers    Scheduler
	notifier  Notifier
	announcer Announcer
	events    EventSink
	metrics   *Metrics
	window    time.Duration
	now       func() time.Time
	newRetry  func() backoff.BackOff
	log       zerolog.Logger

	index cmap.ConcurrentMap[string, *entry]

	globalMu sync.RWMutex
	global   map[UserID]struct{}

	recovered atomic.Bool
	ready     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine validates opts and returns an engine that has not yet recovered.
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("lifecycle: store is required")
	case opts.Scheduler == nil:
		return nil, fmt.Errorf("lifecycle: scheduler is required")
	case opts.Notifier == nil:
		return nil, fmt.Errorf("lifecycle: notifier is required")
	case opts.VotingWindow <= 0:
		return nil, fmt.Errorf("lifecycle: voting window must be positive, got %s", opts.VotingWindow)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = defaultRetryPolicy
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     opts.Store,
		timers:    opts.Scheduler,
		notifier:  opts.Notifier,
		announcer: opts.Announcer,
		events:    opts.Events,
		metrics:   opts.Metrics,
		window:    opts.VotingWindow,
		now:       opts.Now,
		newRetry:  opts.RetryPolicy,
		log:       logging.For("lifecycle"),
		index:     cmap.New[*entry](),
		global:    make(map[UserID]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func defaultRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

// VotingWindow returns the configured window.
func (e *Engine) VotingWindow() time.Duration { return e.window }

// Ready reports whether recovery has completed.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Close cancels all pending timers. In-flight callbacks observe the closed
// engine and return without side effects.
func (e *Engine) Close() {
	e.cancel()
	for item := range e.index.IterBuffered() {
		ent := item.Val
		ent.mu.Lock()
		if ent.timer != nil {
			ent.timer.Cancel()
		}
		ent.mu.Unlock()
	}
}

// Create starts the voting window for a new proposal.
func (e *Engine) Create(ctx context.Context, name string, requestedBy UserID) (Proposal, error) {
	display := strings.Join(strings.Fields(name), " ")
	id := NormalizeName(display)
	if id == "" {
		return Proposal{}, ErrInvalidName
	}

	ent := &entry{state: statePending}
	ent.mu.Lock()
	if !e.index.SetIfAbsent(id, ent) {
		ent.mu.Unlock()
		return Proposal{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	if err := e.activate(ctx, ent, id, display); err != nil {
		ent.state = stateDone
		e.removeEntry(id, ent)
		ent.mu.Unlock()
		return Proposal{}, err
	}
	p := ent.proposal.Clone()
	ent.mu.Unlock()

	e.metrics.Created.Inc()
	e.metrics.Active.Inc()
	e.log.Info().
		Str("proposal_id", id).
		Str("requested_by", requestedBy.String()).
		Time("deadline", p.Deadline).
		Msg("proposal created")

	e.announceNew(ctx, ent, p)
	e.notifier.Notify(ctx, e.GlobalSubscribers(), createdMessage(p))
	e.publish(ctx, Event{Kind: EventCreated, ProposalID: id, Name: p.Name, Actor: requestedBy, Deadline: p.Deadline})

	return p, nil
}

// activate persists the proposal and arms its timer. Caller holds ent.mu.
func (e *Engine) activate(ctx context.Context, ent *entry, id, display string) error {
	exists, err := e.store.ProposalExists(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: check %s: %w", ErrStoreUnavailable, id, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	createdAt := e.now().UTC().Truncate(time.Second)
	p := Proposal{
		ID:        id,
		Name:      display,
		CreatedAt: createdAt,
		Deadline:  createdAt.Add(e.window),
	}
	if err := e.store.InsertProposal(ctx, &p); err != nil {
		return fmt.Errorf("%w: insert %s: %w", ErrStoreUnavailable, id, err)
	}

	ent.proposal = p
	ent.timer = e.timers.Schedule(e.window, func() { e.expire(ent) })
	ent.state = stateActive
	return nil
}

// Veto ends the proposal now, or records a veto that applies at the deadline.
func (e *Engine) Veto(ctx context.Context, id string, requestedBy UserID, when VetoTiming) error {
	if when == VetoAtDeadline {
		return e.deferVeto(ctx, id, requestedBy)
	}
	return e.terminate(ctx, id, requestedBy, StatusVetoed)
}

// Delete removes the proposal on behalf of an administrator. Authorization is
// the caller's responsibility.
func (e *Engine) Delete(ctx context.Context, id string, requestedBy UserID) error {
	return e.terminate(ctx, id, requestedBy, StatusDeleted)
}

func (e *Engine) terminate(ctx context.Context, id string, actor UserID, status Status) error {
	key := NormalizeName(id)
	ent, ok := e.index.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	ent.mu.Lock()
	if ent.state != stateActive {
		ent.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := e.store.DeleteProposal(ctx, key); err != nil {
		ent.mu.Unlock()
		return fmt.Errorf("%w: delete %s: %w", ErrStoreUnavailable, key, err)
	}
	ent.state = stateDone
	ent.outcome = status
	if ent.timer != nil {
		ent.timer.Cancel()
	}
	e.removeEntry(key, ent)
	p := ent.proposal.Clone()
	ent.mu.Unlock()

	e.finish(ctx, p, status, actor)
	return nil
}

func (e *Engine) deferVeto(ctx context.Context, id string, actor UserID) error {
	key := NormalizeName(id)
	ent, ok := e.index.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	ent.mu.Lock()
	if ent.state != stateActive {
		ent.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if ent.proposal.VetoAtDeadline {
		ent.mu.Unlock()
		return nil
	}
	if err := e.store.SetVetoAtDeadline(ctx, key); err != nil {
		ent.mu.Unlock()
		return fmt.Errorf("%w: defer veto %s: %w", ErrStoreUnavailable, key, err)
	}
	ent.proposal.VetoAtDeadline = true
	p := ent.proposal.Clone()
	ent.mu.Unlock()

	e.log.Info().Str("proposal_id", key).Str("requested_by", actor.String()).Msg("veto recorded for deadline")
	e.publish(ctx, Event{Kind: EventDeferredVeto, ProposalID: key, Name: p.Name, Actor: actor, Deadline: p.Deadline})
	return nil
}

// OnExpiry finalizes the proposal if it is still active. It is what the
// scheduler runs when a voting window closes.
func (e *Engine) OnExpiry(id string) {
	if ent, ok := e.index.Get(NormalizeName(id)); ok {
		e.expire(ent)
	}
}

func (e *Engine) expire(ent *entry) {
	if e.ctx.Err() != nil {
		return
	}

	ent.mu.Lock()
	if ent.state != stateActive {
		ent.mu.Unlock()
		return
	}
	id := ent.proposal.ID
	if early := ent.proposal.Deadline.Sub(e.now()); early > 0 {
		ent.timer = e.timers.Schedule(early, func() { e.expire(ent) })
		ent.mu.Unlock()
		return
	}

	status := StatusPassed
	if ent.proposal.VetoAtDeadline {
		status = StatusVetoed
	}

	if err := e.store.DeleteProposal(e.ctx, id); err != nil {
		if ent.retry == nil {
			ent.retry = e.newRetry()
		}
		delay := ent.retry.NextBackOff()
		if delay == backoff.Stop {
			delay = e.window
		}
		ent.timer = e.timers.Schedule(delay, func() { e.expire(ent) })
		ent.mu.Unlock()

		e.metrics.FinalizeRetries.Inc()
		e.log.Error().Err(err).Str("proposal_id", id).Dur("retry_in", delay).Msg("finalize failed, proposal kept active")
		return
	}

	ent.state = stateDone
	ent.outcome = status
	e.removeEntry(id, ent)
	p := ent.proposal.Clone()
	ent.mu.Unlock()

	e.finish(e.ctx, p, status, 0)
}

// finish runs the side effects of a terminal transition. It must be called
// exactly once per proposal and without holding the entry lock.
func (e *Engine) finish(ctx context.Context, p Proposal, status Status, actor UserID) {
	e.metrics.Active.Dec()
	e.metrics.Transitions.WithLabelValues(string(status)).Inc()

	ev := e.log.Info().Str("proposal_id", p.ID).Str("status", string(status))
	if actor != 0 {
		ev = ev.Str("requested_by", actor.String())
	}
	ev.Msg("proposal finalized")

	report := e.notifier.Notify(ctx, p.Subscribers, statusMessage(p, status))
	if len(report.Failed) > 0 {
		e.log.Warn().Str("proposal_id", p.ID).Int("failed", len(report.Failed)).Msg("some subscribers were not notified")
	}

	if p.MessageRef != "" && e.announcer != nil {
		a := Announcement{ProposalID: p.ID, Text: finalAnnouncementText(p, status)}
		if _, err := e.announcer.UpdateAnnouncement(ctx, p.MessageRef, a); err != nil {
			e.log.Warn().Err(err).Str("proposal_id", p.ID).Msg("announcement not updated")
		}
	}

	e.publish(ctx, Event{Kind: eventForStatus(status), ProposalID: p.ID, Name: p.Name, Actor: actor, Deadline: p.Deadline})
}

// SubscribeResult reports the outcome of Subscribe.
type SubscribeResult struct {
	AlreadySubscribed bool
	Proposal          Proposal
}

// Subscribe adds user to the proposal's subscriber set. Subscribing twice is
// not an error.
func (e *Engine) Subscribe(ctx context.Context, id string, user UserID) (SubscribeResult, error) {
	key := NormalizeName(id)
	ent, ok := e.index.Get(key)
	if !ok {
		return SubscribeResult{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.state != stateActive {
		return SubscribeResult{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if ent.proposal.HasSubscriber(user) {
		return SubscribeResult{AlreadySubscribed: true, Proposal: ent.proposal.Clone()}, nil
	}

	ent.proposal.Subscribers = append(ent.proposal.Subscribers, user)
	if err := e.store.AddSubscriber(ctx, key, user); err != nil {
		ent.proposal.Subscribers = ent.proposal.Subscribers[:len(ent.proposal.Subscribers)-1]
		return SubscribeResult{}, fmt.Errorf("%w: subscribe %s to %s: %w", ErrStoreUnavailable, user, key, err)
	}
	return SubscribeResult{Proposal: ent.proposal.Clone()}, nil
}

// SubscribeGlobal adds user to the list notified about every new proposal.
// It reports false when the user was already subscribed.
func (e *Engine) SubscribeGlobal(ctx context.Context, user UserID) (bool, error) {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	if _, ok := e.global[user]; ok {
		return false, nil
	}
	if err := e.store.SetGlobalSubscription(ctx, user, true); err != nil {
		return false, fmt.Errorf("%w: subscribe %s globally: %w", ErrStoreUnavailable, user, err)
	}
	e.global[user] = struct{}{}
	return true, nil
}

// UnsubscribeGlobal removes user from the global list. It reports false when
// the user was not subscribed.
func (e *Engine) UnsubscribeGlobal(ctx context.Context, user UserID) (bool, error) {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	if _, ok := e.global[user]; !ok {
		return false, nil
	}
	if err := e.store.SetGlobalSubscription(ctx, user, false); err != nil {
		return false, fmt.Errorf("%w: unsubscribe %s globally: %w", ErrStoreUnavailable, user, err)
	}
	delete(e.global, user)
	return true, nil
}

// GlobalSubscribers returns the users subscribed to every new proposal.
func (e *Engine) GlobalSubscribers() []UserID {
	e.globalMu.RLock()
	defer e.globalMu.RUnlock()
	users := make([]UserID, 0, len(e.global))
	for u := range e.global {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// ListActive returns a snapshot of active proposals ordered by deadline, then id.
func (e *Engine) ListActive() []Proposal {
	out := make([]Proposal, 0, e.index.Count())
	for item := range e.index.IterBuffered() {
		ent := item.Val
		ent.mu.Lock()
		if ent.state == stateActive {
			out = append(out, ent.proposal.Clone())
		}
		ent.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a snapshot of one active proposal.
func (e *Engine) Get(id string) (Proposal, error) {
	key := NormalizeName(id)
	ent, ok := e.index.Get(key)
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.state != stateActive {
		return Proposal{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return ent.proposal.Clone(), nil
}

// removeEntry drops id from the index only if it still points at ent.
func (e *Engine) removeEntry(id string, ent *entry) {
	e.index.RemoveCb(id, func(_ string, v *entry, exists bool) bool {
		return exists && v == ent
	})
}

// announceNew posts the announcement for a freshly created proposal. A
// failure leaves the proposal without a ref; recovery reposts it.
func (e *Engine) announceNew(ctx context.Context, ent *entry, p Proposal) {
	if e.announcer == nil {
		return
	}
	ref, err := e.announcer.Announce(ctx, Announcement{ProposalID: p.ID, Text: announcementText(p), Open: true})
	if err != nil {
		e.log.Error().Err(err).Str("proposal_id", p.ID).Msg("announcement failed, will be reposted on next recovery")
		return
	}
	e.saveRef(ctx, ent, ref)
}

// saveRef records a new announcement ref. If the proposal ended while the
// announcement was being posted, the message is closed right away instead.
func (e *Engine) saveRef(ctx context.Context, ent *entry, ref string) {
	ent.mu.Lock()
	if ent.state != stateActive {
		p, outcome := ent.proposal.Clone(), ent.outcome
		ent.mu.Unlock()
		if outcome == "" {
			return
		}
		a := Announcement{ProposalID: p.ID, Text: finalAnnouncementText(p, outcome)}
		if _, err := e.announcer.UpdateAnnouncement(ctx, ref, a); err != nil {
			e.log.Warn().Err(err).Str("proposal_id", p.ID).Msg("late announcement not closed")
		}
		return
	}
	defer ent.mu.Unlock()

	if ent.proposal.MessageRef == ref {
		return
	}
	if err := e.store.UpdateMessageRef(ctx, ent.proposal.ID, ref); err != nil {
		e.log.Error().Err(err).Str("proposal_id", ent.proposal.ID).Str("message_ref", ref).Msg("announcement ref not persisted")
	}
	ent.proposal.MessageRef = ref
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("proposal_id", ev.ProposalID).Str("event", string(ev.Kind)).Msg("event not published")
	}
}
