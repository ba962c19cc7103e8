package worker

import (
	"context"
	"log/slog"
	"time"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/storage"
)

const (
	logChanSize   = 2000
	logBatchSize  = 500
	logFlushEvery = time.Second
	logDrainTime  = 30 * time.Second
)

// QueueGauge reports the current queue depth to metrics. May be nil.
type QueueGauge interface {
	Set(float64)
}

// TeeSink receives each record with its bounded response preview once the
// batch holding the record has been written to the store. May be nil.
type TeeSink interface {
	Fire(rec routex.RequestLog, preview []byte)
}

type queuedLog struct {
	rec     routex.RequestLog
	preview []byte
}

// LogFlusher buffers request logs and batch-inserts them, handing each
// flushed record to the tee sink afterwards. Records are dropped when the
// channel is full (back-pressure on a slow store); dropped records are
// never teed.
type LogFlusher struct {
	ch    chan queuedLog
	store storage.LogStore
	gauge QueueGauge
	tees  TeeSink
}

// NewLogFlusher creates a LogFlusher backed by store.
func NewLogFlusher(store storage.LogStore, gauge QueueGauge, tees TeeSink) *LogFlusher {
	return &LogFlusher{
		ch:    make(chan queuedLog, logChanSize),
		store: store,
		gauge: gauge,
		tees:  tees,
	}
}

// Name returns the worker identifier.
func (f *LogFlusher) Name() string { return "log_flusher" }

// Enqueue adds a record to the flush queue. It never blocks; a false
// return means the record was dropped.
func (f *LogFlusher) Enqueue(rec routex.RequestLog, preview []byte) bool {
	select {
	case f.ch <- queuedLog{rec: rec, preview: preview}:
		if f.gauge != nil {
			f.gauge.Set(float64(len(f.ch)))
		}
		return true
	default:
		return false
	}
}

// Run flushes batches until ctx is cancelled, then drains what remains.
func (f *LogFlusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(logFlushEvery)
	defer ticker.Stop()

	buf := make([]queuedLog, 0, logBatchSize)

	for {
		select {
		case q := <-f.ch:
			buf = append(buf, q)
			if len(buf) >= logBatchSize {
				f.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				f.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			f.drain(buf)
			return nil
		}
	}
}

// flush persists the batch, then fires tee delivery for it. Tees run only
// after the insert so a sink never sees a record before its log row exists.
func (f *LogFlusher) flush(ctx context.Context, buf []queuedLog) {
	recs := make([]routex.RequestLog, len(buf))
	for i, q := range buf {
		recs[i] = q.rec
	}
	if err := f.store.InsertLogs(ctx, recs); err != nil {
		slog.Warn("request log flush failed", "count", len(recs), "error", err)
	}
	if f.gauge != nil {
		f.gauge.Set(float64(len(f.ch)))
	}
	if f.tees != nil {
		for _, q := range buf {
			f.tees.Fire(q.rec, q.preview)
		}
	}
}

func (f *LogFlusher) drain(buf []queuedLog) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()

	for {
		select {
		case q := <-f.ch:
			buf = append(buf, q)
			if len(buf) >= logBatchSize {
				f.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				f.flush(ctx, buf)
			}
			return
		}
	}
}
