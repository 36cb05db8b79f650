package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSub struct {
	id string
	ch chan Event
}

func newChanSub(id string, buf int) *chanSub { return &chanSub{id: id, ch: make(chan Event, buf)} }

func (c *chanSub) SubscriberID() string { return c.id }

func (c *chanSub) Deliver(e Event) bool {
	select {
	case c.ch <- e:
		return true
	default:
		return false
	}
}

func quietBus() *Bus { return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func TestPublishReachesOnlyChannelSubscribers(t *testing.T) {
	b := quietBus()
	rideSub := newChanSub("a", 4)
	userSub := newChanSub("b", 4)
	b.Subscribe(RideChannel("r1"), rideSub)
	b.Subscribe(UserChannel("u1"), userSub)

	n := b.Publish(context.Background(), RideChannel("r1"), RideUpdate, map[string]string{"status": "START"})
	assert.Equal(t, 1, n)
	require.Len(t, rideSub.ch, 1)
	assert.Len(t, userSub.ch, 0)

	e := <-rideSub.ch
	assert.Equal(t, RideUpdate, e.Name)
	assert.Equal(t, "ride:r1", e.Channel)
}

func TestUnsubscribeAllOnDisconnect(t *testing.T) {
	b := quietBus()
	s := newChanSub("conn-1", 4)
	b.Subscribe(RideChannel("r1"), s)
	b.Subscribe(UserChannel("u1"), s)
	b.Subscribe(DriverChannel("d1"), s)

	b.UnsubscribeAll("conn-1")

	assert.Equal(t, 0, b.Subscribers(RideChannel("r1")))
	assert.Equal(t, 0, b.Subscribers(UserChannel("u1")))
	assert.Equal(t, 0, b.Publish(context.Background(), DriverChannel("d1"), DriverLocationUpdate, nil))
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := quietBus()
	slow := newChanSub("slow", 0)
	fast := newChanSub("fast", 1)
	b.Subscribe(RideChannel("r1"), slow)
	b.Subscribe(RideChannel("r1"), fast)

	assert.Equal(t, 1, b.Publish(context.Background(), RideChannel("r1"), RideUpdate, nil))
	assert.Len(t, fast.ch, 1)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) PublishEvent(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestSinkReceivesEventsWithoutSubscribers(t *testing.T) {
	sink := &recordingSink{}
	b := quietBus().WithSink(sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Publish(ctx, RideChannel("r1"), RideAccepted, nil)
	assert.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
}
