package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	chatrepo "github.com/nvoss/loomchat-backend/internal/data/repos/chat"
	"github.com/nvoss/loomchat-backend/internal/pkg/schedcache"
	"github.com/nvoss/loomchat-backend/internal/platform/dbctx"
	"github.com/nvoss/loomchat-backend/internal/platform/logger"
)

const (
	defaultWriteWindow  = 150 * time.Millisecond
	defaultNotifyWindow = 50 * time.Millisecond
	defaultThrottleMax  = 100
	defaultThrottleTTL  = 5 * time.Minute
)

// BlockWriter coalesces the high-frequency field updates of streaming
// blocks into at most one database write per window per block. The
// per-block throttle state lives in a bounded TTL cache so an abandoned
// stream cannot leak schedulers. Updates merge latest-wins while
// pending; terminal transitions go through Discard plus a synchronous
// write by the caller, and Discard guarantees no stale flush lands
// afterwards.
//
// Delta notifications to the presentation layer ride their own window,
// independent of the persistence window, so UI cadence is not tied to
// storage cadence.
type BlockWriter struct {
	log          *logger.Logger
	blocks       chatrepo.BlockRepo
	notify       ChatNotifier
	window       time.Duration
	notifyWindow time.Duration

	throttles *schedcache.Cache[uuid.UUID, *blockThrottle]
}

type blockThrottle struct {
	mu      sync.Mutex
	topicID uuid.UUID

	pending   map[string]interface{}
	timer     *time.Timer
	lastFlush time.Time

	notifyPending map[string]interface{}
	notifyTimer   *time.Timer
	lastNotify    time.Time

	// retired marks the throttle dead: its timers are stopped and no
	// further write or notification may start on its behalf.
	retired bool

	// writeMu is held across the repo write so Discard can wait out a
	// flush already in flight before the caller writes terminal state.
	writeMu sync.Mutex
}

type BlockWriterOption func(*BlockWriter)

func WithWriteWindow(d time.Duration) BlockWriterOption {
	return func(w *BlockWriter) {
		if d > 0 {
			w.window = d
		}
	}
}

func WithNotifyWindow(d time.Duration) BlockWriterOption {
	return func(w *BlockWriter) {
		if d > 0 {
			w.notifyWindow = d
		}
	}
}

func WithThrottleCapacity(max int) BlockWriterOption {
	return func(w *BlockWriter) {
		if max > 0 {
			w.throttles = newThrottleCache(max)
		}
	}
}

func newThrottleCache(max int) *schedcache.Cache[uuid.UUID, *blockThrottle] {
	// Evicted throttles are retired so an armed timer of an evicted
	// entry can never fire a write behind a later terminal transition.
	return schedcache.New(max, defaultThrottleTTL,
		schedcache.WithOnEvict[uuid.UUID, *blockThrottle](func(_ uuid.UUID, th *blockThrottle) {
			retireThrottle(th)
		}))
}

func NewBlockWriter(log *logger.Logger, blocks chatrepo.BlockRepo, notify ChatNotifier, opts ...BlockWriterOption) *BlockWriter {
	w := &BlockWriter{
		log:          log.With("service", "BlockWriter"),
		blocks:       blocks,
		notify:       notify,
		window:       defaultWriteWindow,
		notifyWindow: defaultNotifyWindow,
		throttles:    newThrottleCache(defaultThrottleMax),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Schedule merges updates into the block's pending write and pending
// notification. The first update inside a quiet window goes out
// immediately; later ones ride the trailing timer of their respective
// window.
func (w *BlockWriter) Schedule(ctx context.Context, topicID, blockID uuid.UUID, updates map[string]interface{}) {
	if len(updates) == 0 {
		return
	}
	th, _ := w.throttles.GetOrCreate(blockID, func() *blockThrottle {
		return &blockThrottle{topicID: topicID}
	})

	th.mu.Lock()
	if th.retired {
		th.mu.Unlock()
		return
	}
	if th.pending == nil {
		th.pending = make(map[string]interface{}, len(updates))
	}
	if th.notifyPending == nil {
		th.notifyPending = make(map[string]interface{}, len(updates))
	}
	for k, v := range updates {
		th.pending[k] = v
		th.notifyPending[k] = v
	}

	now := time.Now()
	writeNow := false
	if th.timer == nil {
		since := now.Sub(th.lastFlush)
		if since >= w.window {
			writeNow = true
		} else {
			th.timer = time.AfterFunc(w.window-since, func() {
				w.flush(context.Background(), blockID, th)
			})
		}
	}
	notifyNow := false
	if th.notifyTimer == nil {
		since := now.Sub(th.lastNotify)
		if since >= w.notifyWindow {
			notifyNow = true
		} else {
			th.notifyTimer = time.AfterFunc(w.notifyWindow-since, func() {
				w.notifyFlush(blockID, th)
			})
		}
	}
	th.mu.Unlock()

	if writeNow {
		w.flush(ctx, blockID, th)
	}
	if notifyNow {
		w.notifyFlush(blockID, th)
	}
}

// Flush writes any pending update for blockID synchronously and sends
// the pending notification, cancelling the trailing timers.
func (w *BlockWriter) Flush(ctx context.Context, blockID uuid.UUID) {
	th, ok := w.throttles.Get(blockID)
	if !ok {
		return
	}
	w.flush(ctx, blockID, th)
	w.notifyFlush(blockID, th)
}

// Discard drops the pending update and notification without sending
// either, and waits out a write already in flight. After Discard
// returns, nothing stale can land on top of a terminal write issued by
// the caller.
func (w *BlockWriter) Discard(blockID uuid.UUID) {
	th, ok := w.throttles.Delete(blockID)
	if !ok {
		return
	}
	retireThrottle(th)
}

func retireThrottle(th *blockThrottle) {
	th.mu.Lock()
	th.retired = true
	if th.timer != nil {
		th.timer.Stop()
		th.timer = nil
	}
	if th.notifyTimer != nil {
		th.notifyTimer.Stop()
		th.notifyTimer = nil
	}
	th.pending = nil
	th.notifyPending = nil
	th.mu.Unlock()

	// Drain an in-flight repo write before returning.
	th.writeMu.Lock()
	th.writeMu.Unlock()
}

func (w *BlockWriter) flush(ctx context.Context, blockID uuid.UUID, th *blockThrottle) {
	th.mu.Lock()
	if th.timer != nil {
		th.timer.Stop()
		th.timer = nil
	}
	if th.retired || len(th.pending) == 0 {
		th.mu.Unlock()
		return
	}
	updates := th.pending
	th.pending = nil
	th.lastFlush = time.Now()
	th.mu.Unlock()

	th.writeMu.Lock()
	defer th.writeMu.Unlock()

	// A Discard may have won the race between taking pending and
	// acquiring the write lock.
	th.mu.Lock()
	retired := th.retired
	th.mu.Unlock()
	if retired {
		return
	}
	if err := w.blocks.UpdateFields(dbctx.Context{Ctx: ctx}, blockID, updates); err != nil {
		w.log.Warn("Throttled block write failed", "block_id", blockID, "error", err)
	}
}

func (w *BlockWriter) notifyFlush(blockID uuid.UUID, th *blockThrottle) {
	th.mu.Lock()
	if th.notifyTimer != nil {
		th.notifyTimer.Stop()
		th.notifyTimer = nil
	}
	if th.retired || len(th.notifyPending) == 0 {
		th.mu.Unlock()
		return
	}
	updates := th.notifyPending
	th.notifyPending = nil
	th.lastNotify = time.Now()
	topicID := th.topicID
	th.mu.Unlock()

	if w.notify != nil {
		w.notify.BlockDelta(topicID, blockID, updates)
	}
}
