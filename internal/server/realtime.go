package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/pimsync/internal/scheduler"
)

const (
	progressEventProcessed = "event-processed"
	progressEventHeartbeat = "heartbeat"
	progressSourceBackend  = "pimsync"
)

// ProgressDispatcher fans scheduler progress out to stream subscribers. Slow subscribers
// lose messages rather than stall a pass.
type ProgressDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan scheduler.Progress
	nextID      int64
	bufferSize  int
}

func NewProgressDispatcher() *ProgressDispatcher {
	return &ProgressDispatcher{
		subscribers: make(map[int64]chan scheduler.Progress),
		bufferSize:  64,
	}
}

// Subscribe registers a stream that lives until ctx is done or the returned cleanup runs.
func (d *ProgressDispatcher) Subscribe(ctx context.Context) (<-chan scheduler.Progress, func()) {
	stream := make(chan scheduler.Progress, d.bufferSize)
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// EventProcessed implements scheduler.Observer.
func (d *ProgressDispatcher) EventProcessed(progress scheduler.Progress) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers {
		select {
		case stream <- progress:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams.
func (d *ProgressDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
