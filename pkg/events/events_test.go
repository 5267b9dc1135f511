package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case e, ok := <-sub:
		require.True(t, ok, "subscriber closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: EventJobStarted, JobID: "job-1"})

	e := receive(t, sub)
	assert.Equal(t, EventJobStarted, e.Type)
	assert.Equal(t, "job-1", e.JobID)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestOrderPreserved(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: EventQueuePosition, Metadata: map[string]string{"package": "nano"}})
	b.Publish(&Event{Type: EventPackagePhase, Metadata: map[string]string{"phase": "building"}})
	b.Publish(&Event{Type: EventPackageStatus, Metadata: map[string]string{"status": "built"}})

	assert.Equal(t, EventQueuePosition, receive(t, sub).Type)
	assert.Equal(t, EventPackagePhase, receive(t, sub).Type)
	assert.Equal(t, EventPackageStatus, receive(t, sub).Type)
}

func TestSubscribeFiltered(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	statusOnly := b.Subscribe(EventPackageStatus)
	all := b.Subscribe()

	b.Publish(&Event{Type: EventPackagePhase})
	b.Publish(&Event{Type: EventPackageStatus})

	assert.Equal(t, EventPackagePhase, receive(t, all).Type)
	assert.Equal(t, EventPackageStatus, receive(t, all).Type)
	assert.Equal(t, EventPackageStatus, receive(t, statusOnly).Type)
	assert.Empty(t, statusOnly)
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
	_, ok := <-sub
	assert.False(t, ok)

	// Second unsubscribe must not panic on a closed channel
	b.Unsubscribe(sub)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	fast := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventPackagePhase})
			<-fast
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked by a full subscriber")
	}
	assert.Len(t, slow, cap(slow))
}

func TestStopClosesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	sub := b.Subscribe()

	b.Stop()
	b.Stop()

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("broker loop did not exit")
	}
	_, ok := <-sub
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())

	// Publishing after stop returns immediately
	b.Publish(&Event{Type: EventJobFinished})
}
