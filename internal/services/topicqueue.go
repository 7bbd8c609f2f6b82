package services

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nvoss/loomchat-backend/internal/platform/logger"
)

// TopicQueue serializes response work per topic: tasks for one topic
// run strictly FIFO, one at a time, while different topics proceed
// concurrently. A lane spins up on first use and retires once drained.
type TopicQueue struct {
	log *logger.Logger

	mu    sync.Mutex
	lanes map[uuid.UUID]*topicLane

	wg sync.WaitGroup
}

type topicLane struct {
	pending []func(context.Context)
	running bool
}

func NewTopicQueue(log *logger.Logger) *TopicQueue {
	return &TopicQueue{
		log:   log.With("service", "TopicQueue"),
		lanes: make(map[uuid.UUID]*topicLane),
	}
}

// Enqueue adds task to the topic's lane. The task runs on a queue
// goroutine with the supplied base context.
func (q *TopicQueue) Enqueue(ctx context.Context, topicID uuid.UUID, task func(context.Context)) {
	if task == nil {
		return
	}
	q.mu.Lock()
	lane, ok := q.lanes[topicID]
	if !ok {
		lane = &topicLane{}
		q.lanes[topicID] = lane
	}
	lane.pending = append(lane.pending, task)
	if lane.running {
		q.mu.Unlock()
		return
	}
	lane.running = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.drain(ctx, topicID, lane)
}

func (q *TopicQueue) drain(ctx context.Context, topicID uuid.UUID, lane *topicLane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(lane.pending) == 0 {
			lane.running = false
			delete(q.lanes, topicID)
			q.mu.Unlock()
			return
		}
		task := lane.pending[0]
		lane.pending = lane.pending[1:]
		q.mu.Unlock()

		q.run(ctx, topicID, task)
	}
}

func (q *TopicQueue) run(ctx context.Context, topicID uuid.UUID, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Topic task panicked", "topic_id", topicID, "panic", r)
		}
	}()
	task(ctx)
}

// Wait blocks until every lane has drained. Used on shutdown and in
// tests.
func (q *TopicQueue) Wait() {
	q.wg.Wait()
}
