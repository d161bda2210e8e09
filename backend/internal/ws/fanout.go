package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"survey-realtime-service/backend/internal/telemetry"
)

// Connection 传输层暴露给 Fanout 的最小连接能力
type Connection interface {
	ID() string
	IsOpen() bool
	Send(payload []byte) error
}

// Transport 连接枚举，Hub 是唯一的生产实现
type Transport interface {
	ForEachOpenConnection(fn func(Connection))
	ForEachInRoom(room string, fn func(Connection))
}

// Fanout 序列化一次，把同一份字节投递给多个连接。
// 尽力而为：非 open 连接直接跳过，不重试；队列满的连接由 Conn 自己断开，这里只计数
type Fanout struct {
	transport Transport
	logger    *slog.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
	skipped   atomic.Int64

	deliveredCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
}

type FanoutStats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Skipped   int64 `json:"skipped"`
}

func NewFanout(transport Transport, meter metric.Meter) *Fanout {
	return &Fanout{
		transport:        transport,
		logger:           slog.Default().With("component", "fanout"),
		deliveredCounter: telemetry.Counter(meter, "realtime.fanout.delivered", "messages enqueued to client connections"),
		droppedCounter:   telemetry.Counter(meter, "realtime.fanout.dropped", "messages dropped because a client queue was full"),
	}
}

// Broadcast 投递给所有在线连接，返回成功入队的连接数
func (f *Fanout) Broadcast(msg interface{}) (int, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal broadcast: %w", err)
	}
	n := 0
	f.transport.ForEachOpenConnection(func(c Connection) {
		if f.deliver(c, b) {
			n++
		}
	})
	return n, nil
}

// BroadcastRoom 只投递给订阅了 room 的连接
func (f *Fanout) BroadcastRoom(room string, msg interface{}) (int, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal broadcast to %s: %w", room, err)
	}
	n := 0
	f.transport.ForEachInRoom(room, func(c Connection) {
		if f.deliver(c, b) {
			n++
		}
	})
	return n, nil
}

// Unicast 投递给单个连接；连接已关闭时静默跳过
func (f *Fanout) Unicast(c Connection, msg interface{}) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal unicast: %w", err)
	}
	f.deliver(c, b)
	return nil
}

func (f *Fanout) deliver(c Connection, payload []byte) bool {
	if !c.IsOpen() {
		f.skipped.Add(1)
		return false
	}
	err := c.Send(payload)
	switch {
	case err == nil:
		f.delivered.Add(1)
		f.deliveredCounter.Add(context.Background(), 1)
		return true
	case errors.Is(err, ErrSendBufferFull):
		f.dropped.Add(1)
		f.droppedCounter.Add(context.Background(), 1)
		f.logger.Warn("slow consumer disconnected", "conn", c.ID())
	default:
		f.skipped.Add(1)
	}
	return false
}

func (f *Fanout) Stats() FanoutStats {
	return FanoutStats{
		Delivered: f.delivered.Load(),
		Dropped:   f.dropped.Load(),
		Skipped:   f.skipped.Load(),
	}
}
