// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package bus implements the fan-out from the recorder's single synchronous
// append path to many asynchronous, bounded subscribers. Slow subscribers
// lag; they never backpressure the producer.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/duskwatch/blackbox/types"
)

// DefaultCapacity is the default bounded queue depth per subscriber.
const DefaultCapacity = 1000

type busOpt func(*Bus)

// WithCapacity overrides the per-subscriber queue depth.
func WithCapacity(n int) busOpt {
	return func(b *Bus) { b.capacity = n }
}

// WithLogger sets the logger used for bridge diagnostics.
func WithLogger(l log.Logger) busOpt {
	return func(b *Bus) { b.logger = l }
}

// WithRegisterer sets the Prometheus registerer used for bus metrics.
func WithRegisterer(reg prometheus.Registerer) busOpt {
	return func(b *Bus) { b.reg = reg }
}

// Bus fans out Events from a single producer to many Subscriptions. The
// producer side (Publish) never blocks on subscriber delivery: it hands off
// to an unbounded intermediate queue that a dedicated bridge goroutine
// drains, in FIFO order, into each subscriber's bounded channel.
type Bus struct {
	capacity int
	logger   log.Logger
	reg      prometheus.Registerer
	metrics  *busMetrics

	queue *unboundedQueue

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	group *errgroup.Group

	closed uint32
}

type busMetrics struct {
	published     prometheus.Counter
	delivered     prometheus.Counter
	dropped       prometheus.Counter
	lagEvents     prometheus.Counter
	subscriberGauge prometheus.Gauge
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	return &busMetrics{
		published: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_bus_published_total",
			Help: "Events handed to the bus by the producer.",
		}),
		delivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_bus_delivered_total",
			Help: "Events placed into a subscriber queue.",
		}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_bus_dropped_total",
			Help: "Events dropped from a full subscriber queue (oldest-drop).",
		}),
		lagEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_bus_lag_signals_total",
			Help: "Lag notifications delivered to subscribers.",
		}),
		subscriberGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blackbox_bus_subscribers",
			Help: "Current number of live subscribers.",
		}),
	}
}

// New creates a Bus and starts its bridge goroutine.
func New(opts ...busOpt) *Bus {
	b := &Bus{
		capacity: DefaultCapacity,
		logger:   log.NewNopLogger(),
		reg:      prometheus.NewRegistry(),
		subs:     make(map[*Subscription]struct{}),
		queue:    newUnboundedQueue(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = newBusMetrics(b.reg)

	g := &errgroup.Group{}
	b.group = g
	g.Go(func() error {
		b.runBridge()
		return nil
	})
	return b
}

// Publish offers ev to the bus. It never blocks: it is a fast, in-memory
// push onto the unbounded bridge queue. A closed bus silently drops the
// event. A send failure here is always silent.
func (b *Bus) Publish(ev types.Event) {
	if atomic.LoadUint32(&b.closed) == 1 {
		return
	}
	b.metrics.published.Inc()
	b.queue.push(ev)
}

func (b *Bus) runBridge() {
	for {
		ev, ok := b.queue.pop()
		if !ok {
			return
		}
		b.broadcast(ev)
	}
}

func (b *Bus) broadcast(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.offer(ev, b.metrics)
	}
}

// Subscribe registers a new live subscriber and returns its handle. The
// handle's Close must be called when the subscriber disconnects so the bus
// can reclaim its queue.
func (b *Bus) Subscribe() *Subscription {
	sub := newSubscription(b, b.capacity)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	b.metrics.subscriberGauge.Inc()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, existed := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if existed {
		b.metrics.subscriberGauge.Dec()
	}
}

// Close shuts down the bridge and unblocks every subscriber. It is safe to
// call multiple times.
func (b *Bus) Close() error {
	if !atomic.CompareAndSwapUint32(&b.closed, 0, 1) {
		return nil
	}
	b.queue.close()
	err := b.group.Wait()

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.closeFromBus()
	}
	level.Debug(b.logger).Log("msg", "bus closed")
	return err
}
