package modelgw

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// AbortRegistry tracks the cancel function of each in-flight generation
// keyed by assistant message id, so a pause request can reach the
// goroutine driving the stream.
type AbortRegistry struct {
	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{cancels: make(map[uuid.UUID]context.CancelFunc)}
}

// Register derives a cancellable context for messageID and remembers its
// cancel function, replacing any previous registration.
func (r *AbortRegistry) Register(ctx context.Context, messageID uuid.UUID) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if prev, ok := r.cancels[messageID]; ok {
		prev()
	}
	r.cancels[messageID] = cancel
	r.mu.Unlock()
	return ctx
}

// Abort cancels the generation for messageID if one is in flight.
func (r *AbortRegistry) Abort(messageID uuid.UUID) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[messageID]
	if ok {
		delete(r.cancels, messageID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Release drops the registration without cancelling; the generation
// finished on its own.
func (r *AbortRegistry) Release(messageID uuid.UUID) {
	r.mu.Lock()
	cancel, ok := r.cancels[messageID]
	if ok {
		delete(r.cancels, messageID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}
