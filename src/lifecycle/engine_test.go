package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineValidatesOptions(t *testing.T) {
	_, err := NewEngine(Options{Scheduler: WallClock{}, Notifier: &recordingNotifier{}, VotingWindow: time.Hour})
	require.Error(t, err)

	_, err = NewEngine(Options{Store: newMemStore(), Scheduler: WallClock{}, Notifier: &recordingNotifier{}})
	require.Error(t, err)
}

func TestCreateSetsDeadlineAndLists(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()
	h.clock.Set(t0.Add(300 * time.Millisecond))

	p, err := h.engine.Create(ctx, "  Alice   Smith ", 7)
	require.NoError(t, err)
	assert.Equal(t, "alice smith", p.ID)
	assert.Equal(t, "Alice Smith", p.Name)
	assert.Equal(t, t0, p.CreatedAt)
	assert.Equal(t, t0.Add(48*time.Hour), p.Deadline)

	active := h.engine.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "alice smith", active[0].ID)
	assert.Equal(t, t0.Add(48*time.Hour), active[0].Deadline)

	stored, ok := h.store.get("alice smith")
	require.True(t, ok)
	assert.Equal(t, "chan:1", stored.MessageRef)
	assert.Equal(t, []EventKind{EventCreated}, h.events.kinds("alice smith"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Active))
}

func TestCreateNotifiesGlobalSubscribers(t *testing.T) {
	store := newMemStore()
	store.global[11] = true
	store.global[12] = true
	h := newHarnessWith(t, store, newManualClock(t0))
	_, err := h.engine.Recover(context.Background())
	require.NoError(t, err)

	_, err = h.engine.Create(context.Background(), "Carol", 1)
	require.NoError(t, err)

	calls := h.notifier.containing("New member proposal for Carol")
	require.Len(t, calls, 1)
	assert.Equal(t, []UserID{11, 12}, calls[0].users)
	assert.Contains(t, calls[0].message, "id: carol")
}

func TestCreateRejectsCaseVariantDuplicate(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()

	_, err := h.engine.Create(ctx, "Bob", 1)
	require.NoError(t, err)

	_, err = h.engine.Create(ctx, "  BOB ", 2)
	require.ErrorIs(t, err, ErrAlreadyExists)

	assert.Equal(t, 1, h.store.count())
	assert.Len(t, h.engine.ListActive(), 1)
	announced, _ := h.announcer.snapshot()
	assert.Len(t, announced, 1)
	assert.Len(t, h.notifier.containing("New member proposal"), 1)
}

func TestCreateRejectsRowOnlyInStore(t *testing.T) {
	h := recovered(t)
	h.store.put(Proposal{ID: "dave", Name: "Dave", CreatedAt: t0, Deadline: t0.Add(time.Hour)})

	_, err := h.engine.Create(context.Background(), "Dave", 1)
	require.ErrorIs(t, err, ErrAlreadyExists)

	_, err = h.engine.Get("dave")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestCreateRejectsEmptyName(t *testing.T) {
	h := recovered(t)
	_, err := h.engine.Create(context.Background(), "   ", 1)
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestCreateStoreFailureHasNoSideEffects(t *testing.T) {
	h := recovered(t)
	h.store.insertErr = errStoreDown

	_, err := h.engine.Create(context.Background(), "Erin", 1)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, errStoreDown)

	announced, _ := h.announcer.snapshot()
	assert.Empty(t, announced)
	assert.Empty(t, h.engine.ListActive())
	assert.Equal(t, 0, h.clock.Pending())

	h.store.insertErr = nil
	_, err = h.engine.Create(context.Background(), "Erin", 1)
	require.NoError(t, err)
}

func TestCreateSurvivesAnnouncementFailure(t *testing.T) {
	h := recovered(t)
	h.announcer.announceErr = errors.New("discord down")

	p, err := h.engine.Create(context.Background(), "Frank", 1)
	require.NoError(t, err)

	stored, ok := h.store.get(p.ID)
	require.True(t, ok)
	assert.Empty(t, stored.MessageRef)
}

func TestVetoEndsProposal(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()

	_, err := h.engine.Create(ctx, "Grace", 1)
	require.NoError(t, err)
	_, err = h.engine.Subscribe(ctx, "grace", 42)
	require.NoError(t, err)

	require.NoError(t, h.engine.Veto(ctx, "GRACE", 2, VetoImmediate))

	assert.Empty(t, h.engine.ListActive())
	assert.Equal(t, 0, h.store.count())
	calls := h.notifier.containing("has been vetoed")
	require.Len(t, calls, 1)
	assert.Equal(t, []UserID{42}, calls[0].users)

	_, updates := h.announcer.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, "chan:1", updates[0].ref)
	assert.False(t, updates[0].a.Open)
	assert.Contains(t, updates[0].a.Text, "vetoed")

	// the cancelled timer must not pass it later
	h.clock.Advance(72 * time.Hour)
	assert.Empty(t, h.notifier.containing("has passed"))
	assert.Equal(t, []EventKind{EventCreated, EventVetoed}, h.events.kinds("grace"))
}

func TestVetoUnknownProposal(t *testing.T) {
	h := recovered(t)
	err := h.engine.Veto(context.Background(), "nobody", 1, VetoImmediate)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpiryThenVetoIsNotFound(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()
	_, err := h.engine.Create(ctx, "Heidi", 1)
	require.NoError(t, err)

	h.clock.Advance(48 * time.Hour)

	err = h.engine.Veto(ctx, "heidi", 2, VetoImmediate)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []EventKind{EventCreated, EventPassed}, h.events.kinds("heidi"))
}

func TestVetoAndExpiryRaceHasSingleWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := recovered(t)
		ctx := context.Background()
		_, err := h.engine.Create(ctx, "Ivan", 1)
		require.NoError(t, err)
		h.clock.Set(t0.Add(48 * time.Hour))

		var (
			wg      sync.WaitGroup
			vetoErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			vetoErr = h.engine.Veto(ctx, "ivan", 2, VetoImmediate)
		}()
		go func() {
			defer wg.Done()
			h.engine.OnExpiry("ivan")
		}()
		wg.Wait()

		kinds := h.events.kinds("ivan")
		require.Len(t, kinds, 2)
		if vetoErr == nil {
			assert.Equal(t, EventVetoed, kinds[1])
		} else {
			require.ErrorIs(t, vetoErr, ErrNotFound)
			assert.Equal(t, EventPassed, kinds[1])
		}
		assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Active))
	}
}

func TestDeferredVetoResolvesAtDeadline(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()
	_, err := h.engine.Create(ctx, "Judy", 1)
	require.NoError(t, err)
	_, err = h.engine.Subscribe(ctx, "judy", 5)
	require.NoError(t, err)

	require.NoError(t, h.engine.Veto(ctx, "judy", 2, VetoAtDeadline))
	require.NoError(t, h.engine.Veto(ctx, "judy", 3, VetoAtDeadline))

	p, err := h.engine.Get("judy")
	require.NoError(t, err)
	assert.True(t, p.VetoAtDeadline)
	stored, _ := h.store.get("judy")
	assert.True(t, stored.VetoAtDeadline)

	h.clock.Advance(48 * time.Hour)

	assert.Empty(t, h.engine.ListActive())
	assert.Len(t, h.notifier.containing("has been vetoed"), 1)
	assert.Empty(t, h.notifier.containing("has passed"))
	assert.Equal(t, []EventKind{EventCreated, EventDeferredVeto, EventVetoed}, h.events.kinds("judy"))
}

func TestDeleteByAdmin(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()
	_, err := h.engine.Create(ctx, "Ken", 1)
	require.NoError(t, err)
	_, err = h.engine.Subscribe(ctx, "ken", 9)
	require.NoError(t, err)

	require.NoError(t, h.engine.Delete(ctx, "ken", 100))

	calls := h.notifier.containing("has been deleted by admin")
	require.Len(t, calls, 1)
	assert.Equal(t, []UserID{9}, calls[0].users)
	assert.Equal(t, 0, h.store.count())
	require.ErrorIs(t, h.engine.Delete(ctx, "ken", 100), ErrNotFound)
}

func TestExpiryRetriesAfterStoreFailure(t *testing.T) {
	h := recovered(t, withConstantRetry(time.Minute))
	ctx := context.Background()
	_, err := h.engine.Create(ctx, "Leo", 1)
	require.NoError(t, err)
	h.store.deleteFails = 2

	h.clock.Advance(48 * time.Hour)
	_, err = h.engine.Get("leo")
	require.NoError(t, err, "proposal must stay active after a failed finalize")
	assert.Empty(t, h.notifier.containing("has passed"))

	h.clock.Advance(time.Minute)
	_, err = h.engine.Get("leo")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, err = h.engine.Get("leo")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, h.notifier.containing("has passed"), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.FinalizeRetries))
	assert.Equal(t, 3, h.store.deleteCalls)
}

func TestEarlyExpiryReschedules(t *testing.T) {
	h := recovered(t)
	_, err := h.engine.Create(context.Background(), "Mia", 1)
	require.NoError(t, err)

	h.clock.Set(t0.Add(time.Hour))
	h.engine.OnExpiry("mia")
	_, err = h.engine.Get("mia")
	require.NoError(t, err)

	h.clock.Advance(47 * time.Hour)
	_, err = h.engine.Get("mia")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, h.notifier.containing("has passed"), 1)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()
	_, err := h.engine.Create(ctx, "Nina", 1)
	require.NoError(t, err)

	res, err := h.engine.Subscribe(ctx, "nina", 77)
	require.NoError(t, err)
	assert.False(t, res.AlreadySubscribed)

	res, err = h.engine.Subscribe(ctx, " NINA", 77)
	require.NoError(t, err)
	assert.True(t, res.AlreadySubscribed)
	assert.Equal(t, []UserID{77}, res.Proposal.Subscribers)

	stored, _ := h.store.get("nina")
	assert.Equal(t, []UserID{77}, stored.Subscribers)
}

func TestSubscribeStoreFailureRollsBack(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()
	_, err := h.engine.Create(ctx, "Oscar", 1)
	require.NoError(t, err)
	h.store.subscribeErr = errStoreDown

	_, err = h.engine.Subscribe(ctx, "oscar", 5)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	p, err := h.engine.Get("oscar")
	require.NoError(t, err)
	assert.Empty(t, p.Subscribers)
}

func TestSubscribeUnknownProposal(t *testing.T) {
	h := recovered(t)
	_, err := h.engine.Subscribe(context.Background(), "ghost", 5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGlobalSubscription(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()

	changed, err := h.engine.SubscribeGlobal(ctx, 3)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = h.engine.SubscribeGlobal(ctx, 3)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []UserID{3}, h.engine.GlobalSubscribers())

	changed, err = h.engine.UnsubscribeGlobal(ctx, 3)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = h.engine.UnsubscribeGlobal(ctx, 3)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, h.engine.GlobalSubscribers())
	assert.False(t, h.store.global[3])
}

func TestGlobalSubscriptionStoreFailure(t *testing.T) {
	h := recovered(t)
	h.store.globalErr = errStoreDown

	_, err := h.engine.SubscribeGlobal(context.Background(), 3)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Empty(t, h.engine.GlobalSubscribers())
}

func TestListActiveOrdersByDeadline(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()

	_, err := h.engine.Create(ctx, "Zed", 1)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.engine.Create(ctx, "Bea", 1)
	require.NoError(t, err)
	_, err = h.engine.Create(ctx, "Amy", 1)
	require.NoError(t, err)

	var ids []string
	for _, p := range h.engine.ListActive() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"zed", "amy", "bea"}, ids)
}

func TestListActiveReturnsCopies(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()
	_, err := h.engine.Create(ctx, "Pia", 1)
	require.NoError(t, err)
	_, err = h.engine.Subscribe(ctx, "pia", 1)
	require.NoError(t, err)

	list := h.engine.ListActive()
	list[0].Subscribers[0] = 999

	p, err := h.engine.Get("pia")
	require.NoError(t, err)
	assert.Equal(t, []UserID{1}, p.Subscribers)
}

func TestCloseStopsTimers(t *testing.T) {
	h := recovered(t)
	_, err := h.engine.Create(context.Background(), "Quinn", 1)
	require.NoError(t, err)

	h.engine.Close()
	h.clock.Advance(72 * time.Hour)

	assert.Equal(t, 1, h.store.count())
	assert.Empty(t, h.notifier.containing("has passed"))
}

func TestFullVotingWindowPasses(t *testing.T) {
	h := recovered(t, withWindow(172800*time.Second))
	ctx := context.Background()

	_, err := h.engine.Create(ctx, "Rita", 1)
	require.NoError(t, err)
	_, err = h.engine.Subscribe(ctx, "rita", 21)
	require.NoError(t, err)

	h.clock.Advance(172799 * time.Second)
	_, err = h.engine.Get("rita")
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	_, err = h.engine.Get("rita")
	require.ErrorIs(t, err, ErrNotFound)

	calls := h.notifier.containing("The proposal for Rita has passed.")
	require.Len(t, calls, 1)
	assert.Equal(t, []UserID{21}, calls[0].users)
	assert.Equal(t, 0, h.store.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Transitions.WithLabelValues(string(StatusPassed))))
}

func TestLateAnnouncementIsClosed(t *testing.T) {
	h := recovered(t)
	ctx := context.Background()
	_, err := h.engine.Create(ctx, "Sam", 1)
	require.NoError(t, err)

	ent, ok := h.engine.index.Get("sam")
	require.True(t, ok)
	require.NoError(t, h.engine.Veto(ctx, "sam", 2, VetoImmediate))

	h.engine.saveRef(ctx, ent, "chan:late")

	_, updates := h.announcer.snapshot()
	last := updates[len(updates)-1]
	assert.Equal(t, "chan:late", last.ref)
	assert.False(t, last.a.Open)
	assert.Contains(t, last.a.Text, string(StatusVetoed))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "john doe", NormalizeName("  John \t  DOE "))
	assert.Equal(t, "", NormalizeName(" \n "))
}
