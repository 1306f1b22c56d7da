// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/duskwatch/blackbox/types"
)

// Subscription is one live subscriber's bounded view of the bus. Events
// arrive in send order; if the subscriber falls behind, further sends
// replace the oldest queued event and Recv reports how many were dropped
// since the last receive.
type Subscription struct {
	bus *Bus
	ch  chan types.Event

	mu     sync.Mutex
	lagged int64

	closed uint32
}

func newSubscription(b *Bus, capacity int) *Subscription {
	return &Subscription{
		bus: b,
		ch:  make(chan types.Event, capacity),
	}
}

// offer delivers ev to the subscriber, dropping the oldest queued event if
// the channel is full.
func (s *Subscription) offer(ev types.Event, m *busMetrics) {
	for {
		select {
		case s.ch <- ev:
			m.delivered.Inc()
			return
		default:
			select {
			case <-s.ch:
				atomic.AddInt64(&s.lagged, 1)
				m.dropped.Inc()
			default:
				// Raced with a concurrent receive that just drained the
				// slot; try the send again.
			}
		}
	}
}

// Recv blocks until the next event or lag signal is available, or ctx is
// done. lagged is non-zero exactly when one or more events were dropped
// from this subscriber's queue since the previous Recv.
func (s *Subscription) Recv(ctx context.Context) (ev types.Event, lagged int, err error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return nil, 0, types.ErrClosed
		}
		n := atomic.SwapInt64(&s.lagged, 0)
		if n > 0 {
			s.bus.metrics.lagEvents.Inc()
		}
		return ev, int(n), nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Close disconnects the subscriber and lets the bus reclaim its queue.
func (s *Subscription) Close() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	s.bus.unsubscribe(s)
	close(s.ch)
}

// closeFromBus is called by Bus.Close to tear down subscriptions that
// never called Close themselves.
func (s *Subscription) closeFromBus() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	close(s.ch)
}
