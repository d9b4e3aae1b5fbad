package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drainOne(t *testing.T, sub *Subscriber) MediaPacket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pkt, ok := sub.Next(ctx)
	require.True(t, ok)
	return pkt
}

// S2 — late joiner gets IDR: a subscriber joining after a keyframe and a
// P-frame have been published first receives the cached configuration,
// then the cached keyframe, then live packets.
func TestBus_LateJoinerGetsIDR(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	config := MediaPacket{Kind: PacketConfiguration, Payload: []byte("sps-pps")}
	keyframe := MediaPacket{Kind: PacketData, Keyframe: true, PTS: 1, Payload: []byte("idr")}
	pFrame := MediaPacket{Kind: PacketData, PTS: 2, Payload: []byte("p1")}

	bus.Publish(config)
	bus.Publish(keyframe)
	bus.Publish(pFrame)

	late := bus.Subscribe()
	defer bus.Unsubscribe(late)

	got := drainOne(t, late)
	require.Equal(t, config, got)

	got = drainOne(t, late)
	require.Equal(t, keyframe, got)

	live := MediaPacket{Kind: PacketData, PTS: 3, Payload: []byte("p2")}
	bus.Publish(live)

	got = drainOne(t, late)
	require.Equal(t, live, got)
}

// S6 — lagging subscriber: a paused subscriber is flooded with twice the
// queue bound plus one packet; non-keyframe packets drop first, then the
// subscriber is evicted as LaggingOut, while a healthy subscriber loses
// nothing.
func TestBus_LaggingSubscriberEvictedAlone(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	lagger := bus.Subscribe()
	healthy := bus.Subscribe()

	drainHealthy := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		healthy.Next(ctx)
		cancel()
	}

	// Fill the lagger's queue with non-keyframe P-frames (it never calls
	// Next, simulating a paused transport sender).
	queueCap := DefaultSubscriberQueueSize
	for i := 0; i < queueCap; i++ {
		bus.Publish(MediaPacket{Kind: PacketData, PTS: uint64(i), Payload: []byte{byte(i)}})
		drainHealthy()
	}

	// A flood of keyframes: each publish drops the oldest droppable
	// (non-keyframe) entry to make room, so after `queueCap` of them the
	// lagger's queue is entirely keyframes with nothing left to drop.
	for i := 0; i < queueCap; i++ {
		bus.Publish(MediaPacket{Kind: PacketData, Keyframe: true, PTS: uint64(queueCap + i), Payload: []byte{byte(i)}})
		drainHealthy()
	}

	// This one can no longer be absorbed: no non-keyframe left to evict.
	bus.Publish(MediaPacket{Kind: PacketData, Keyframe: true, PTS: 99999, Payload: []byte("final")})
	drainHealthy()

	select {
	case <-lagger.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected lagger to be closed")
	}
	require.Equal(t, Kind(KindLaggingOut), lagger.CloseCause().(*Error).Kind)

	select {
	case <-healthy.Closed():
		t.Fatal("healthy subscriber should not be closed")
	default:
	}
}

func TestBus_CloseSignalsAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Close()

	for _, sub := range []*Subscriber{a, b} {
		select {
		case <-sub.Closed():
		case <-time.After(time.Second):
			t.Fatal("expected subscriber to be closed")
		}
	}
}
