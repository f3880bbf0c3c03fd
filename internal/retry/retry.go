// Package retry periodically replays the durable pending store against
// the upstream dispatcher, and exposes a one-shot drain used by
// cmd/retry-pending for out-of-band operator invocation.
package retry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/accessbridge/bridge/internal/dispatch"
	"github.com/accessbridge/bridge/internal/metrics"
	"github.com/accessbridge/bridge/internal/pending"
	"github.com/accessbridge/bridge/internal/tenant"
)

// Loop periodically drains the pending store through the dispatcher.
type Loop struct {
	store      *pending.Store
	dispatcher *dispatch.Dispatcher
	resolver   *tenant.Resolver
	metrics    *metrics.Metrics
	interval   time.Duration
	logger     *log.Logger
}

// NewLoop constructs a retry Loop.
func NewLoop(store *pending.Store, dispatcher *dispatch.Dispatcher, resolver *tenant.Resolver, m *metrics.Metrics, interval time.Duration, logger *log.Logger) *Loop {
	return &Loop{
		store:      store,
		dispatcher: dispatcher,
		resolver:   resolver,
		metrics:    m,
		interval:   interval,
		logger:     logger,
	}
}

// Run ticks every interval until ctx is canceled, draining the pending
// store on each tick.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, failed := l.DrainOnce()
			if ok > 0 || failed > 0 {
				l.logger.Printf("retry loop: replayed %d ok, %d still failing", ok, failed)
			}
			if removed, err := l.store.CleanupOld(); err != nil {
				l.logger.Printf("retry loop: cleanup error: %v", err)
			} else if removed > 0 {
				l.logger.Printf("retry loop: removed %d expired pending files", removed)
			}
		}
	}
}

// DrainOnce loads every pending record and tries to redeliver it,
// sequentially, capping upstream burst per §4.M. A record is removed from
// the store only on a 2xx; every other outcome — transient failure,
// permanent rejection, or an unresolved tenant — leaves it in place for
// the next iteration (or operator inspection), since deleting on anything
// but confirmed delivery would violate the pending store's at-least-once
// guarantee. It returns the count of successful and still-failing
// replays.
func (l *Loop) DrainOnce() (ok int, failed int) {
	records, err := l.store.LoadAll()
	if err != nil {
		l.logger.Printf("retry loop: load pending failed: %v", err)
		return 0, 0
	}

	for _, rec := range records {
		t, found := l.resolver.ByName(rec.Tenant)
		if !found {
			l.logger.Printf("retry loop: tenant %s for pending %s no longer resolves, skipping", rec.Tenant, rec.PendingID)
			failed++
			continue
		}

		err := l.dispatcher.Dispatch(t, rec.Event)
		if err == nil {
			if rmErr := l.store.Remove(rec); rmErr != nil {
				l.logger.Printf("retry loop: delivered %s but failed to remove: %v", rec.PendingID, rmErr)
			}
			l.metrics.RecordRetryOutcome(true)
			ok++
			continue
		}

		if errors.Is(err, dispatch.ErrPermanent) {
			l.logger.Printf("retry loop: pending %s still permanently rejected, leaving for operator inspection: %v", rec.PendingID, err)
		}
		l.metrics.RecordRetryOutcome(false)
		failed++
	}

	if count, err := l.store.Count(); err == nil {
		l.metrics.SetPending(count)
	}

	return ok, failed
}
