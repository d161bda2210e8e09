package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

var ErrDispatcherClosed = errors.New("audit dispatcher closed")

// errAuditDisabled 没有配置 producer 或 topic，事件直接丢弃
var errAuditDisabled = errors.New("audit producer not configured")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Enqueue 只负责入队，不阻塞 HTTP 主流程
// - Kafka 短暂不可用时靠队列吸收
// - 队列满等到 ctx 超时后丢弃，审计不要求每条都送达
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan AuditEvent

	kafkaSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	sent      atomic.Int64
	dropped   atomic.Int64
	discarded atomic.Int64

	logger *slog.Logger
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type DispatcherStats struct {
	Queued   int   `json:"queued"`
	InFlight int   `json:"inFlight"`
	Sent     int64 `json:"sent"`
	Dropped  int64 `json:"dropped"`
	// 未配置 kafka 时丢弃的事件
	Discarded int64 `json:"discarded"`
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff < opt.BaseBackoff {
		opt.MaxBackoff = opt.BaseBackoff
	}
	if kafkaSem == nil {
		kafkaSem = NewSemaphoreControl(opt.Workers)
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan AuditEvent, opt.QueueSize),
		kafkaSem:    kafkaSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      slog.Default().With("component", "audit"),
	}

	d.start()
	return d
}

// Enqueue 队列满时等待直到 ctx 结束
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt AuditEvent) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		d.dropped.Add(1)
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等待队列中已有事件发完（或重试耗尽）
func (d *KafkaDispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()

	d.wg.Wait()
}

func (d *KafkaDispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:    len(d.queue),
		InFlight:  d.kafkaSem.InFlight(),
		Sent:      d.sent.Load(),
		Dropped:   d.dropped.Load(),
		Discarded: d.discarded.Load(),
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt AuditEvent) {
	if d.producer == nil || d.topic == "" {
		d.discarded.Add(1)
		return
	}
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		// worker 允许一直等待（不会影响主链路）；退避期间不占名额
		_ = d.kafkaSem.Acquire(context.Background())
		err := d.sendOnce(evt)
		_ = d.kafkaSem.Release()

		if err == nil {
			d.sent.Add(1)
			return
		}

		if attempt == d.maxRetry {
			d.dropped.Add(1)
			d.logger.Error("kafka send failed, drop event",
				"event", evt.EventID, "type", evt.EventType, "session", evt.SessionID, "worker", workerID, "error", err)
			return
		}

		// 退避，每次 x2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt AuditEvent) error {
	if d.producer == nil || d.topic == "" {
		return errAuditDisabled
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.partitionKey()),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
