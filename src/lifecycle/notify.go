package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/stake-plus/member-proposals/src/logging"
)

// Messenger delivers a text message to a single user.
type Messenger interface {
	SendDirect(ctx context.Context, user UserID, message string) error
}

// Notifier fans a message out to a set of users.
type Notifier interface {
	Notify(ctx context.Context, users []UserID, message string) DeliveryReport
}

// DeliveryReport summarizes one fan-out. Every entry in Failed wraps
// ErrDeliveryFailed.
type DeliveryReport struct {
	Delivered int
	Failed    []error
}

// Dispatcher delivers notifications on a bounded worker pool. Each recipient
// gets a single attempt; failures are logged and never returned to the caller
// as an error.
type Dispatcher struct {
	messenger Messenger
	pool      *ants.Pool
	metrics   *Metrics
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher with the given number of workers.
func NewDispatcher(messenger Messenger, workers int, metrics *Metrics) (*Dispatcher, error) {
	if messenger == nil {
		return nil, fmt.Errorf("dispatcher: messenger is required")
	}
	if workers <= 0 {
		workers = 8
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: create pool: %w", err)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		messenger: messenger,
		pool:      pool,
		metrics:   metrics,
		log:       logging.For("dispatcher"),
	}, nil
}

// Close releases the worker pool.
func (d *Dispatcher) Close() {
	d.pool.Release()
}

// Notify implements Notifier.
func (d *Dispatcher) Notify(ctx context.Context, users []UserID, message string) DeliveryReport {
	var (
		report DeliveryReport
		mu     sync.Mutex
		wg     sync.WaitGroup
	)

	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Failed = append(report.Failed, err)
			return
		}
		report.Delivered++
	}

	seen := make(map[UserID]struct{}, len(users))
	for _, user := range users {
		if _, dup := seen[user]; dup {
			continue
		}
		seen[user] = struct{}{}

		user := user
		wg.Add(1)
		task := func() {
			defer wg.Done()
			record(d.deliver(ctx, user, message))
		}
		if err := d.pool.Submit(task); err != nil {
			d.log.Debug().Err(err).Msg("pool unavailable, delivering inline")
			task()
		}
	}
	wg.Wait()

	return report
}

func (d *Dispatcher) deliver(ctx context.Context, user UserID, message string) error {
	if err := d.messenger.SendDirect(ctx, user, message); err != nil {
		d.metrics.Deliveries.WithLabelValues("failed").Inc()
		d.log.Warn().
			Err(err).
			Str("user_id", user.String()).
			Bool("rate_limited", logging.IsRateLimit(err)).
			Bool("unreachable", logging.IsUnreachable(err)).
			Msg("notification not delivered")
		return fmt.Errorf("%w: user %s: %w", ErrDeliveryFailed, user, err)
	}
	d.metrics.Deliveries.WithLabelValues("delivered").Inc()
	return nil
}
