package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
)

func TestSubscribeReceivesInOrder(t *testing.T) {
	f := NewFanout(8, nil, logger.Default())
	sub := f.Subscribe("t1")
	defer sub.Close()

	f.PublishInteraction("t1", &models.Interaction{ID: "i1"})
	f.PublishInteraction("t1", &models.Interaction{ID: "i2"})
	f.PublishStatus("t1", models.StatusRunning, models.StatusFinished)

	ev := <-sub.C
	assert.Equal(t, TypeInteraction, ev.Type)
	assert.Equal(t, "i1", ev.Interaction.ID)

	ev = <-sub.C
	assert.Equal(t, "i2", ev.Interaction.ID)

	ev = <-sub.C
	assert.Equal(t, TypeStatusChange, ev.Type)
	assert.Equal(t, models.StatusRunning, ev.Previous)
	assert.Equal(t, models.StatusFinished, ev.Status)
}

func TestSubscribersAreTaskScoped(t *testing.T) {
	f := NewFanout(8, nil, logger.Default())
	sub := f.Subscribe("t1")
	defer sub.Close()

	f.PublishInteraction("other-task", &models.Interaction{ID: "x"})

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLaggedSubscriberIsDropped(t *testing.T) {
	f := NewFanout(2, nil, logger.Default())
	slow := f.Subscribe("t1")
	fast := f.Subscribe("t1")

	// Fill the slow subscriber's buffer without reading, then overflow.
	for i := 0; i < 3; i++ {
		f.PublishInteraction("t1", &models.Interaction{ID: "i"})
		// Keep the fast subscriber drained.
		<-fast.C
	}

	// The slow subscriber's channel must be closed after the overflow.
	drained := 0
	for range slow.C {
		drained++
	}
	assert.Equal(t, 2, drained)

	// The fast subscriber is unaffected.
	f.PublishInteraction("t1", &models.Interaction{ID: "after"})
	ev := <-fast.C
	assert.Equal(t, "after", ev.Interaction.ID)
}

func TestCloseTaskDeliversTerminalEvent(t *testing.T) {
	f := NewFanout(8, nil, logger.Default())
	sub := f.Subscribe("t1")

	f.CloseTask("t1")

	ev, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, TypeTaskDeleted, ev.Type)

	_, ok = <-sub.C
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := NewFanout(8, nil, logger.Default())
	sub := f.Subscribe("t1")
	sub.Close()
	sub.Close()
	f.CloseTask("t1")
}

func TestPublishNeverBlocks(t *testing.T) {
	f := NewFanout(1, nil, logger.Default())
	_ = f.Subscribe("t1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			f.PublishInteraction("t1", &models.Interaction{ID: "i"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

// recordingBridge captures mirrored events.
type recordingBridge struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingBridge) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestBridgeMirrorsPublications(t *testing.T) {
	bridge := &recordingBridge{}
	f := NewFanout(8, bridge, logger.Default())

	f.PublishInteraction("t1", &models.Interaction{ID: "i1"})
	f.PublishStatus("t1", models.StatusPending, models.StatusRunning)
	f.CloseTask("t1")

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	require.Len(t, bridge.events, 3)
	assert.Equal(t, TypeInteraction, bridge.events[0].Type)
	assert.Equal(t, TypeStatusChange, bridge.events[1].Type)
	assert.Equal(t, TypeTaskDeleted, bridge.events[2].Type)
}
