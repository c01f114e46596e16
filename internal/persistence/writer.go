package persistence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/crypto-trading/perpvenue/internal/monitor"
)

const (
	journalBatchSize     = 64
	journalFlushInterval = 500 * time.Millisecond
)

// AsyncWriter journals raw feed events off the hot path. A full buffer
// drops the entry; the feed never blocks on storage.
type AsyncWriter struct {
	writeCh chan JournalEntry
	store   Store
	metrics *monitor.Metrics
	logger  *slog.Logger
	now     func() time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewAsyncWriter(store Store, bufferSize int, metrics *monitor.Metrics, logger *slog.Logger) *AsyncWriter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &AsyncWriter{
		writeCh: make(chan JournalEntry, bufferSize),
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Record marshals payload and enqueues it under kind.
func (w *AsyncWriter) Record(kind, venueOrderID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		w.logger.Warn("journal payload not serializable", "kind", kind, "error", err)
		return
	}
	w.Write(JournalEntry{Kind: kind, VenueOrderID: venueOrderID, Payload: data, ReceivedAt: w.now()})
}

func (w *AsyncWriter) Write(entry JournalEntry) {
	select {
	case w.writeCh <- entry:
	default:
		w.metrics.JournalDrop()
		w.logger.Warn("journal channel full, dropping event",
			"kind", entry.Kind,
			"venue_order_id", entry.VenueOrderID)
	}
}

func (w *AsyncWriter) Run() {
	w.wg.Add(1)
	go w.processWrites()
}

func (w *AsyncWriter) processWrites() {
	defer w.wg.Done()

	ticker := time.NewTicker(journalFlushInterval)
	defer ticker.Stop()

	batch := make([]JournalEntry, 0, journalBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.store.AppendEvents(ctx, batch); err != nil {
			w.logger.Error("failed to write journal batch", "entries", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.writeCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= journalBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stop flushes pending entries and waits for the writer to exit.
func (w *AsyncWriter) Stop() {
	w.stopOnce.Do(func() {
		close(w.writeCh)
	})
	w.wg.Wait()
}
