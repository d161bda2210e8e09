package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDispatcherOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   8,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}
}

func TestKafkaDispatcherSendsAuditEvent(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt AuditEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != AuditChangeRecorded || evt.SessionID != 3 {
			return errors.New("unexpected event")
		}
		return nil
	})

	d := NewKafkaDispatcher(sp, "collab-audit", NewSemaphoreControl(2), testDispatcherOptions())
	evt, err := NewAuditEvent(AuditChangeRecorded, 3, 1, map[string]string{"entityId": "q1"})
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(context.Background(), evt))

	d.Close()
	require.NoError(t, sp.Close())
	st := d.Stats()
	assert.Equal(t, int64(1), st.Sent)
	assert.Equal(t, int64(0), st.Dropped)
}

func TestKafkaDispatcherRetriesThenSucceeds(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(sp, "collab-audit", nil, testDispatcherOptions())
	evt, _ := NewAuditEvent(AuditCommentPosted, 1, 1, nil)
	require.NoError(t, d.Enqueue(context.Background(), evt))

	d.Close()
	require.NoError(t, sp.Close())
	assert.Equal(t, int64(1), d.Stats().Sent)
}

func TestKafkaDispatcherDropsAfterMaxRetry(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	d := NewKafkaDispatcher(sp, "collab-audit", nil, testDispatcherOptions())
	evt, _ := NewAuditEvent(AuditCommentResolved, 1, 1, nil)
	require.NoError(t, d.Enqueue(context.Background(), evt))

	d.Close()
	require.NoError(t, sp.Close())
	st := d.Stats()
	assert.Equal(t, int64(0), st.Sent)
	assert.Equal(t, int64(1), st.Dropped)
}

func TestKafkaDispatcherClosed(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, testDispatcherOptions())
	d.Close()
	d.Close()

	evt, _ := NewAuditEvent(AuditSessionClosed, 1, 1, nil)
	assert.ErrorIs(t, d.Enqueue(context.Background(), evt), ErrDispatcherClosed)
}

func TestKafkaDispatcherWithoutProducerCountsDiscarded(t *testing.T) {
	d := NewKafkaDispatcher(nil, "collab-audit", nil, testDispatcherOptions())
	for i := 0; i < 3; i++ {
		evt, _ := NewAuditEvent(AuditChangeRecorded, 1, 1, nil)
		require.NoError(t, d.Enqueue(context.Background(), evt))
	}
	d.Close()

	st := d.Stats()
	assert.Equal(t, int64(0), st.Sent)
	assert.Equal(t, int64(0), st.Dropped)
	assert.Equal(t, int64(3), st.Discarded)
}

// slowProducer 记录同时在途的 SendMessage 数
type slowProducer struct {
	sarama.SyncProducer

	mu      sync.Mutex
	current int
	peak    int
	sent    atomic.Int64
}

func (p *slowProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	p.current++
	if p.current > p.peak {
		p.peak = p.current
	}
	p.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	p.mu.Lock()
	p.current--
	p.mu.Unlock()
	p.sent.Add(1)
	return 0, 0, nil
}

func TestKafkaDispatcherSemaphoreBoundsInFlight(t *testing.T) {
	sp := &slowProducer{}
	opt := testDispatcherOptions()
	opt.Workers = 4
	opt.QueueSize = 32

	d := NewKafkaDispatcher(sp, "collab-audit", NewSemaphoreControl(2), opt)
	for i := 0; i < 20; i++ {
		evt, _ := NewAuditEvent(AuditCommentPosted, uint64(i), 1, nil)
		require.NoError(t, d.Enqueue(context.Background(), evt))
	}
	d.Close()

	assert.Equal(t, int64(20), sp.sent.Load())
	assert.Equal(t, int64(20), d.Stats().Sent)
	assert.LessOrEqual(t, sp.peak, 2)
	assert.Equal(t, 0, d.Stats().InFlight)
}

func TestKafkaDispatcherDefaultSemaphoreMatchesWorkers(t *testing.T) {
	opt := testDispatcherOptions()
	opt.Workers = 3
	d := NewKafkaDispatcher(nil, "", nil, opt)
	defer d.Close()
	assert.Equal(t, 3, d.kafkaSem.Cap())
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, 1, s.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Acquire(ctx), ErrAcquireTimeout)

	require.NoError(t, s.Release())
	assert.ErrorIs(t, s.Release(), ErrNotAcquired)
}
