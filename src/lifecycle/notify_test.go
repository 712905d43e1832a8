package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessenger struct {
	mu     sync.Mutex
	failOn map[UserID]error
	sent   map[UserID]int
}

func (m *fakeMessenger) SendDirect(_ context.Context, user UserID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[user]; err != nil {
		return err
	}
	if m.sent == nil {
		m.sent = make(map[UserID]int)
	}
	m.sent[user]++
	return nil
}

func TestDispatcherPartialFailure(t *testing.T) {
	blocked := errors.New("dms closed")
	messenger := &fakeMessenger{failOn: map[UserID]error{2: blocked}}
	metrics := NewMetrics(nil)
	d, err := NewDispatcher(messenger, 2, metrics)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	report := d.Notify(context.Background(), []UserID{1, 2, 3}, "hello")

	assert.Equal(t, 2, report.Delivered)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0], ErrDeliveryFailed)
	assert.ErrorIs(t, report.Failed[0], blocked)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Deliveries.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Deliveries.WithLabelValues("delivered")))
}

func TestDispatcherDeduplicatesRecipients(t *testing.T) {
	messenger := &fakeMessenger{}
	d, err := NewDispatcher(messenger, 0, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	report := d.Notify(context.Background(), []UserID{7, 7, 8, 7}, "hi")

	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, map[UserID]int{7: 1, 8: 1}, messenger.sent)
}

func TestDispatcherEmptyRecipients(t *testing.T) {
	d, err := NewDispatcher(&fakeMessenger{}, 1, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	assert.Equal(t, DeliveryReport{}, d.Notify(context.Background(), nil, "x"))
}

func TestDispatcherRequiresMessenger(t *testing.T) {
	_, err := NewDispatcher(nil, 1, nil)
	require.Error(t, err)
}

func TestDispatcherAfterCloseDeliversInline(t *testing.T) {
	messenger := &fakeMessenger{}
	d, err := NewDispatcher(messenger, 1, nil)
	require.NoError(t, err)
	d.Close()

	report := d.Notify(context.Background(), []UserID{1}, "x")
	assert.Equal(t, 1, report.Delivered)
}
