package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"survey-realtime-service/backend/internal/telemetry"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 100
)

var ErrAlreadyRunning = errors.New("detector already running")

type Options struct {
	Interval  time.Duration
	BatchSize int
	// 可选：持久化水位线；nil 时每次启动都从 max(id) 冷启动
	Watermarks WatermarkStore
	Logger     *slog.Logger
	Meter      metric.Meter
	Now        func() time.Time
}

// Detector 轮询 survey_responses，把新行变成 ChangeEvent 交给缓存层和广播层。
// tick 之间严格串行；水位线只在整批交付之后前移。
type Detector struct {
	source      ResponseSource
	cache       CacheCoordinator
	broadcaster Broadcaster
	watermarks  WatermarkStore

	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	watermark atomic.Uint64
	// tickMu 保证同一时刻只有一个 tick 在跑
	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	statsMu sync.Mutex
	stats   Stats

	eventsCounter metric.Int64Counter
	errorsCounter metric.Int64Counter
}

// Stats 运行时计数，给 /collab/stats 用
type Stats struct {
	Watermark     uint64    `json:"watermark"`
	Ticks         int64     `json:"ticks"`
	FailedTicks   int64     `json:"failedTicks"`
	EventsEmitted int64     `json:"eventsEmitted"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorAt   time.Time `json:"lastErrorAt,omitempty"`
	LastTickAt    time.Time `json:"lastTickAt,omitempty"`
}

func New(source ResponseSource, cache CacheCoordinator, broadcaster Broadcaster, opt Options) *Detector {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = DefaultBatchSize
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default().With("component", "detector")
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Detector{
		source:        source,
		cache:         cache,
		broadcaster:   broadcaster,
		watermarks:    opt.Watermarks,
		interval:      opt.Interval,
		batchSize:     opt.BatchSize,
		logger:        opt.Logger,
		now:           opt.Now,
		eventsCounter: telemetry.Counter(opt.Meter, "realtime.detector.events", "change events handed to downstream consumers"),
		errorsCounter: telemetry.Counter(opt.Meter, "realtime.detector.tick_errors", "poll ticks that failed and were retried"),
	}
}

// Watermark 当前已交付的最大行 id
func (d *Detector) Watermark() uint64 {
	return d.watermark.Load()
}

// Seed 初始化水位线：持久化 checkpoint → max(id) → 0
func (d *Detector) Seed(ctx context.Context) uint64 {
	if d.watermarks != nil {
		lastID, found, err := d.watermarks.Load(ctx)
		switch {
		case err != nil:
			d.logger.WarnContext(ctx, "load checkpoint failed, falling back to max id", "error", err)
		case found:
			d.watermark.Store(lastID)
			d.logger.InfoContext(ctx, "watermark restored from checkpoint", "watermark", lastID)
			return lastID
		}
	}

	maxID, err := d.source.MaxResponseID(ctx)
	if err != nil {
		// 冷启动失败：从 0 开始，后续会把已有的行都当作新行
		d.logger.ErrorContext(ctx, "seed watermark failed, starting from 0", "error", err)
		d.watermark.Store(0)
		return 0
	}
	d.watermark.Store(maxID)
	d.logger.InfoContext(ctx, "watermark seeded from max response id", "watermark", maxID)
	// 冷启动的水位线立即落盘，否则首条新行到达前重启会跳过停机期间插入的行
	d.persist(ctx, maxID)
	return maxID
}

// Start 初始化水位线并开始轮询。ctx 取消或调用 Stop 都会结束轮询
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	d.Seed(ctx)
	go d.loop(ctx, stopCh, doneCh)
	return nil
}

// Running 轮询循环是否仍在运行
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stop 停止后续 tick；正在跑的 tick 不会被取消，Stop 会等它结束
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	doneCh := d.doneCh
	d.mu.Unlock()

	<-doneCh
}

func (d *Detector) loop(ctx context.Context, stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	// ctx 取消导致的退出也要复位 running，之后可以再次 Start
	defer func() {
		d.mu.Lock()
		if d.stopCh == stopCh {
			d.running = false
		}
		d.mu.Unlock()
	}()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// tick 内部不跟随 Start 的 ctx 取消
	tickCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			_, _ = d.PollOnce(tickCtx)
		}
	}
}

// PollOnce 执行一次 tick，返回交付的事件数。
// 任何错误（包括 panic）都只终止本次 tick，水位线不动，下次 tick 重扫。
func (d *Detector) PollOnce(ctx context.Context) (n int, err error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector tick panic: %v", r)
		}
		if err != nil {
			n = 0
			d.recordFailure(ctx, err)
		}
	}()

	from := d.watermark.Load()
	rows, err := d.source.ResponsesAfter(ctx, from, d.batchSize)
	if err != nil {
		return 0, err
	}

	maxID := from
	for _, row := range rows {
		evt := NewChangeEvent(row, d.now())

		if err := d.cache.CacheEntity(ctx, row); err != nil {
			return 0, fmt.Errorf("cache entity %d: %w", row.ID, err)
		}
		if _, err := d.broadcaster.Broadcast(evt.Notification()); err != nil {
			return 0, fmt.Errorf("broadcast entity %d: %w", row.ID, err)
		}
		if err := d.cache.InvalidateByCompany(ctx, evt.CompanyID); err != nil {
			return 0, fmt.Errorf("invalidate company %d: %w", evt.CompanyID, err)
		}
		if err := d.cache.InvalidateBySurvey(ctx, evt.SurveyID); err != nil {
			return 0, fmt.Errorf("invalidate survey %d: %w", evt.SurveyID, err)
		}
		if row.ID > maxID {
			maxID = row.ID
		}
	}

	d.advance(ctx, maxID)
	d.recordSuccess(len(rows))
	if len(rows) > 0 {
		d.eventsCounter.Add(ctx, int64(len(rows)))
		d.logger.DebugContext(ctx, "tick delivered", "events", len(rows), "from", from, "watermark", d.watermark.Load())
	}
	return len(rows), nil
}

// advance 单调前移，并尽力持久化
func (d *Detector) advance(ctx context.Context, to uint64) {
	for {
		cur := d.watermark.Load()
		if to <= cur {
			return
		}
		if d.watermark.CompareAndSwap(cur, to) {
			break
		}
	}
	d.persist(ctx, to)
}

func (d *Detector) persist(ctx context.Context, to uint64) {
	if d.watermarks == nil {
		return
	}
	if err := d.watermarks.Save(ctx, to); err != nil {
		// 内存水位已经前移，下次成功保存时会追上
		d.logger.WarnContext(ctx, "persist watermark failed", "watermark", to, "error", err)
	}
}

func (d *Detector) recordSuccess(events int) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.Ticks++
	d.stats.EventsEmitted += int64(events)
	d.stats.LastTickAt = d.now()
}

func (d *Detector) recordFailure(ctx context.Context, err error) {
	d.errorsCounter.Add(ctx, 1)
	d.logger.ErrorContext(ctx, "detector tick failed", "watermark", d.watermark.Load(), "error", err)

	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.Ticks++
	d.stats.FailedTicks++
	d.stats.LastError = err.Error()
	d.stats.LastErrorAt = d.now()
	d.stats.LastTickAt = d.stats.LastErrorAt
}

func (d *Detector) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s := d.stats
	s.Watermark = d.watermark.Load()
	return s
}
