// Package events provides the per-task publish/subscribe hub that pushes
// persisted interactions and status changes to live subscribers.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
)

// Event types delivered to subscribers.
const (
	TypeInteraction  = "interaction"
	TypeStatusChange = "status_change"
	TypeTaskDeleted  = "task_deleted"
)

// Event is one fan-out publication.
type Event struct {
	Type        string              `json:"type"`
	TaskID      string              `json:"task_id"`
	Timestamp   time.Time           `json:"timestamp"`
	Status      models.Status       `json:"status,omitempty"`
	Previous    models.Status       `json:"previous_status,omitempty"`
	Interaction *models.Interaction `json:"interaction,omitempty"`
}

// DefaultBufferSize is the per-subscriber buffer; a subscriber that
// falls further behind is dropped so it can never stall the executor.
const DefaultBufferSize = 64

// Bridge mirrors publications to an external system. Optional.
type Bridge interface {
	Publish(event Event)
}

// Subscription is a live event stream for one task, starting at the
// moment of subscription. No back-fill: hydrate via the transcript
// query before subscribing.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	fanout *Fanout
	taskID string
	id     int64
	once   sync.Once
}

// Close detaches the subscription and releases its buffer.
func (s *Subscription) Close() {
	s.fanout.unsubscribe(s.taskID, s.id, false)
}

// Fanout is the per-task pub/sub hub.
type Fanout struct {
	mu         sync.Mutex
	subs       map[string]map[int64]*Subscription
	nextID     int64
	bufferSize int
	log        *logger.Logger
	bridge     Bridge
}

// NewFanout creates a hub. bridge may be nil; bufferSize <= 0 selects
// the default.
func NewFanout(bufferSize int, bridge Bridge, log *logger.Logger) *Fanout {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Fanout{
		subs:       make(map[string]map[int64]*Subscription),
		bufferSize: bufferSize,
		log:        log.WithFields(zap.String("component", "events")),
		bridge:     bridge,
	}
}

// Subscribe attaches a new subscriber to a task's event stream.
func (f *Fanout) Subscribe(taskID string) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	ch := make(chan Event, f.bufferSize)
	sub := &Subscription{C: ch, ch: ch, fanout: f, taskID: taskID, id: f.nextID}
	if f.subs[taskID] == nil {
		f.subs[taskID] = make(map[int64]*Subscription)
	}
	f.subs[taskID][sub.id] = sub
	return sub
}

func (f *Fanout) unsubscribe(taskID string, id int64, lagged bool) {
	f.mu.Lock()
	sub, ok := f.subs[taskID][id]
	if ok {
		delete(f.subs[taskID], id)
		if len(f.subs[taskID]) == 0 {
			delete(f.subs, taskID)
		}
	}
	f.mu.Unlock()

	if !ok {
		return
	}
	sub.once.Do(func() { close(sub.ch) })
	if lagged {
		f.log.Warn("dropping lagged subscriber",
			zap.String("task_id", taskID), zap.Int64("subscriber", id))
	}
}

// PublishInteraction broadcasts a freshly persisted interaction.
func (f *Fanout) PublishInteraction(taskID string, interaction *models.Interaction) {
	f.publish(Event{
		Type:        TypeInteraction,
		TaskID:      taskID,
		Timestamp:   time.Now().UTC(),
		Interaction: interaction,
	})
}

// PublishStatus broadcasts a status transition.
func (f *Fanout) PublishStatus(taskID string, from, to models.Status) {
	f.publish(Event{
		Type:      TypeStatusChange,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Previous:  from,
		Status:    to,
	})
}

// CloseTask delivers a terminal task_deleted event and detaches every
// subscriber of the task.
func (f *Fanout) CloseTask(taskID string) {
	event := Event{Type: TypeTaskDeleted, TaskID: taskID, Timestamp: time.Now().UTC()}
	if f.bridge != nil {
		f.bridge.Publish(event)
	}

	f.mu.Lock()
	subs := f.subs[taskID]
	delete(f.subs, taskID)
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
		}
		sub.once.Do(func() { close(sub.ch) })
	}
}

// publish delivers without ever blocking: a subscriber with a full
// buffer is dropped.
func (f *Fanout) publish(event Event) {
	if f.bridge != nil {
		f.bridge.Publish(event)
	}

	f.mu.Lock()
	var lagged []*Subscription
	for _, sub := range f.subs[event.TaskID] {
		select {
		case sub.ch <- event:
		default:
			lagged = append(lagged, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range lagged {
		f.unsubscribe(sub.taskID, sub.id, true)
	}
}
