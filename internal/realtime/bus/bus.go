package bus

import (
	"context"

	"github.com/nvoss/loomchat-backend/internal/realtime"
)

// Bus fans realtime messages out across processes so any instance can
// serve a client's SSE stream regardless of where the response runs.
type Bus interface {
	Publish(ctx context.Context, msg realtime.Message) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.Message)) error
	Close() error
}
