package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store down")

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// manualClock is a clock and scheduler driven by Advance.
type manualClock struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	at       time.Time
	seq      int
	fn       func()
	canceled bool
	fired    bool
	clock    *manualClock
}

func (t *manualTask) Cancel() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.canceled {
		return false
	}
	t.canceled = true
	return true
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *manualClock) Schedule(d time.Duration, fn func()) CancelHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	task := &manualTask{at: c.now.Add(d), seq: c.seq, fn: fn, clock: c}
	c.tasks = append(c.tasks, task)
	return task
}

// Advance moves the clock forward by d and runs every task that comes due,
// including tasks scheduled by the callbacks themselves.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.tasks, func(i, j int) bool {
			if !c.tasks[i].at.Equal(c.tasks[j].at) {
				return c.tasks[i].at.Before(c.tasks[j].at)
			}
			return c.tasks[i].seq < c.tasks[j].seq
		})
		var next *manualTask
		for _, task := range c.tasks {
			if !task.fired && !task.canceled && !task.at.After(target) {
				next = task
				break
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, task := range c.tasks {
		if !task.fired && !task.canceled {
			n++
		}
	}
	return n
}

// memStore is an in-memory Store with failure injection.
type memStore struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	global    map[UserID]bool

	insertErr    error
	listErr      error
	globalErr    error
	subscribeErr error
	loadErr      map[string]error
	deleteFails  int
	deleteCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		proposals: make(map[string]*Proposal),
		global:    make(map[UserID]bool),
		loadErr:   make(map[string]error),
	}
}

func (s *memStore) put(p Proposal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p.Clone()
	s.proposals[p.ID] = &cp
}

func (s *memStore) get(id string) (Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return p.Clone(), true
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.proposals)
}

func (s *memStore) ListProposalIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]string, 0, len(s.proposals))
	for id := range s.proposals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) LoadProposal(_ context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadErr[id]; err != nil {
		return nil, err
	}
	p, ok := s.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := p.Clone()
	return &cp, nil
}

func (s *memStore) ProposalExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.proposals[id]
	return ok, nil
}

func (s *memStore) InsertProposal(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	cp := p.Clone()
	s.proposals[p.ID] = &cp
	return nil
}

func (s *memStore) UpdateDeadline(_ context.Context, id string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.proposals[id]; ok {
		p.Deadline = deadline
	}
	return nil
}

func (s *memStore) UpdateMessageRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.proposals[id]; ok {
		p.MessageRef = ref
	}
	return nil
}

func (s *memStore) SetVetoAtDeadline(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.proposals[id]; ok {
		p.VetoAtDeadline = true
	}
	return nil
}

func (s *memStore) DeleteProposal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	if s.deleteFails > 0 {
		s.deleteFails--
		return errStoreDown
	}
	delete(s.proposals, id)
	return nil
}

func (s *memStore) AddSubscriber(_ context.Context, id string, user UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	p, ok := s.proposals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !p.HasSubscriber(user) {
		p.Subscribers = append(p.Subscribers, user)
	}
	return nil
}

func (s *memStore) GlobalSubscribers(context.Context) ([]UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalErr != nil {
		return nil, s.globalErr
	}
	var users []UserID
	for u, on := range s.global {
		if on {
			users = append(users, u)
		}
	}
	slices.Sort(users)
	return users, nil
}

func (s *memStore) SetGlobalSubscription(_ context.Context, user UserID, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalErr != nil {
		return s.globalErr
	}
	s.global[user] = subscribed
	return nil
}

type notification struct {
	users   []UserID
	message string
}

// recordingNotifier captures every fan-out instead of delivering it.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) Notify(_ context.Context, users []UserID, message string) DeliveryReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{users: slices.Clone(users), message: message})
	return DeliveryReport{Delivered: len(users)}
}

// containing returns the notifications whose message contains substr.
func (n *recordingNotifier) containing(substr string) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, c := range n.calls {
		if strings.Contains(c.message, substr) {
			out = append(out, c)
		}
	}
	return out
}

type announcerCall struct {
	ref string
	a   Announcement
}

// fakeAnnouncer hands out refs "chan:1", "chan:2" and records edits.
type fakeAnnouncer struct {
	mu          sync.Mutex
	next        int
	announced   []Announcement
	updates     []announcerCall
	announceErr error
}

func (f *fakeAnnouncer) Announce(_ context.Context, a Announcement) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.announceErr != nil {
		return "", f.announceErr
	}
	f.next++
	f.announced = append(f.announced, a)
	return fmt.Sprintf("chan:%d", f.next), nil
}

func (f *fakeAnnouncer) UpdateAnnouncement(_ context.Context, ref string, a Announcement) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, announcerCall{ref: ref, a: a})
	return ref, nil
}

func (f *fakeAnnouncer) snapshot() ([]Announcement, []announcerCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.announced), slices.Clone(f.updates)
}

// eventLog is an EventSink that keeps everything it receives.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) kinds(id string) []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, ev := range l.events {
		if ev.ProposalID == id {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type harness struct {
	engine    *Engine
	clock     *manualClock
	store     *memStore
	notifier  *recordingNotifier
	announcer *fakeAnnouncer
	events    *eventLog
	metrics   *Metrics
}

type harnessOption func(*Options)

func withWindow(d time.Duration) harnessOption {
	return func(o *Options) { o.VotingWindow = d }
}

func withConstantRetry(d time.Duration) harnessOption {
	return func(o *Options) {
		o.RetryPolicy = func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	return newHarnessWith(t, newMemStore(), newManualClock(t0), opts...)
}

func newHarnessWith(t *testing.T, store *memStore, clock *manualClock, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		clock:     clock,
		store:     store,
		notifier:  &recordingNotifier{},
		announcer: &fakeAnnouncer{},
		events:    &eventLog{},
		metrics:   NewMetrics(nil),
	}
	o := Options{
		Store:        h.store,
		Scheduler:    h.clock,
		Notifier:     h.notifier,
		Announcer:    h.announcer,
		Events:       h.events,
		Metrics:      h.metrics,
		VotingWindow: 48 * time.Hour,
		Now:          h.clock.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	e, err := NewEngine(o)
	require.NoError(t, err)
	h.engine = e
	t.Cleanup(e.Close)
	return h
}

// recovered returns a harness whose engine already ran recovery.
func recovered(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := newHarness(t, opts...)
	_, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	return h
}
