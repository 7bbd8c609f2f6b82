package services

import (
	"context"

	"github.com/nvoss/loomchat-backend/internal/realtime"
	"github.com/nvoss/loomchat-backend/internal/realtime/bus"
)

type SSEEmitter interface {
	Emit(ctx context.Context, msg realtime.Message)
}

type HubEmitter struct{ Hub *realtime.Hub }

func (e *HubEmitter) Emit(_ context.Context, msg realtime.Message) {
	e.Hub.Broadcast(msg)
}

type RedisEmitter struct{ Bus bus.Bus }

func (e *RedisEmitter) Emit(ctx context.Context, msg realtime.Message) {
	_ = e.Bus.Publish(ctx, msg)
}
