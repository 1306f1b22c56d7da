// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskwatch/blackbox/types"
)

func testEvent(n int64) types.Event {
	return types.SystemMetrics{TS: time.Unix(0, n).UTC(), CPUPercent: float32(n)}
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	for i := int64(0); i < 10; i++ {
		b.Publish(testEvent(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := int64(0); i < 10; i++ {
		ev, lagged, err := sub.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, lagged)
		require.Equal(t, i, ev.Timestamp().UnixNano())
	}
}

func TestMultipleSubscribersEachGetEveryEvent(t *testing.T) {
	b := New()
	defer b.Close()

	subA := b.Subscribe()
	defer subA.Close()
	subB := b.Subscribe()
	defer subB.Close()

	b.Publish(testEvent(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evA, _, err := subA.Recv(ctx)
	require.NoError(t, err)
	evB, _, err := subB.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), evA.Timestamp().UnixNano())
	require.Equal(t, int64(1), evB.Timestamp().UnixNano())
}

// TestSlowSubscriberLagsButProducerNeverBlocks exercises spec.md §8
// scenario 5: one subscriber reads slowly, the producer emits many events,
// and the subscriber observes a lag signal with n > 0 without ever
// blocking Publish.
func TestSlowSubscriberLagsButProducerNeverBlocks(t *testing.T) {
	b := New(WithCapacity(8))
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	const total = 2000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Publish(testEvent(int64(i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a slow subscriber")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sawLag bool
	for i := 0; i < total; i++ {
		_, lagged, err := sub.Recv(ctx)
		if err != nil {
			break
		}
		if lagged > 0 {
			sawLag = true
		}
	}
	require.True(t, sawLag, "expected at least one lag signal with n > 0")
}

func TestCloseUnblocksSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	go func() {
		defer wg.Done()
		_, _, recvErr = sub.Recv(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	wg.Wait()
	require.ErrorIs(t, recvErr, types.ErrClosed)
}

func TestSubscriptionCloseReclaimsQueue(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe()
	sub.Close()

	b.mu.Lock()
	_, exists := b.subs[sub]
	b.mu.Unlock()
	require.False(t, exists)
}
