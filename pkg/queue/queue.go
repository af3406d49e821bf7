/*
 * Copyright 2025 GrowBridge Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package queue buffers telemetry in a bounded in-memory queue with
// periodic checkpointing to durable storage for crash recovery.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
)

const (
	defaultCapacity      = 10000
	defaultFlushInterval = 5 * time.Minute
)

// Config controls queue sizing and persistence.
type Config struct {
	// Capacity bounds the in-memory buffer. Defaults to 10000.
	Capacity int `json:"capacity" yaml:"capacity"`
	// Path is the checkpoint database file. Empty disables persistence.
	Path string `json:"path" yaml:"path"`
	// FlushInterval is the checkpoint period. Defaults to 5 minutes.
	FlushInterval models.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// Queue is a bounded telemetry buffer. Put never blocks: a full queue
// rejects the item and the caller treats that as "not delivered". Batches
// are variable-size: GetBatch waits only for the first item and drains
// whatever else is already available.
type Queue struct {
	items     chan models.DataPoint
	store     *Store
	interval  time.Duration
	logger    logger.Logger
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a queue and opens its checkpoint store. The store handle is
// exclusively owned by the queue.
func New(cfg Config, log logger.Logger) (*Queue, error) {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	interval := cfg.FlushInterval.Duration()
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	q := &Queue{
		items:    make(chan models.DataPoint, capacity),
		interval: interval,
		logger:   log,
		done:     make(chan struct{}),
	}

	if cfg.Path != "" {
		store, err := OpenStore(cfg.Path)
		if err != nil {
			return nil, err
		}

		q.store = store
	}

	return q, nil
}

// Start reloads any checkpointed items into memory and begins the
// periodic flush loop.
func (q *Queue) Start(ctx context.Context) error {
	if q.store == nil {
		q.logger.Info().Msg("Queue persistence disabled")
		return nil
	}

	items, err := q.store.LoadAndClear(ctx)
	if err != nil {
		// Recovery failure must not block normal queue operation.
		q.logger.Error().Err(err).Msg("Failed to reload checkpointed items")
	}

	loaded := 0

	for _, item := range items {
		if !q.Put(item) {
			q.logger.Warn().Int("loaded", loaded).Int("total", len(items)).
				Msg("Queue full during reload, remaining checkpointed items dropped")

			break
		}

		loaded++
	}

	if loaded > 0 {
		q.logger.Info().Int("count", loaded).Msg("Reloaded items from checkpoint store")
	}

	q.wg.Add(1)

	go q.flushLoop(ctx)

	return nil
}

// Stop halts the flush loop, checkpoints everything still buffered, and
// closes the store.
func (q *Queue) Stop(ctx context.Context) error {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()

	if q.store == nil {
		return nil
	}

	if err := q.Flush(ctx); err != nil {
		q.logger.Error().Err(err).Msg("Final checkpoint failed")
	}

	return q.store.Close()
}

// Put enqueues a data point, stamping a timestamp if absent. Returns false
// when the buffer is full.
func (q *Queue) Put(item models.DataPoint) bool {
	if item.Timestamp() == 0 {
		item.SetTimestamp(models.NowMillis())
	}

	select {
	case q.items <- item:
		return true
	default:
		q.logger.Warn().Msg("Queue is full, item not added")
		return false
	}
}

// GetBatch returns up to maxItems data points. It waits up to timeout for
// the first item (timeout <= 0 means no wait), then drains additional
// already-available items without waiting.
func (q *Queue) GetBatch(ctx context.Context, maxItems int, timeout time.Duration) []models.DataPoint {
	if maxItems <= 0 {
		return nil
	}

	var items []models.DataPoint

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case item := <-q.items:
			items = append(items, item)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	} else {
		select {
		case item := <-q.items:
			items = append(items, item)
		default:
			return nil
		}
	}

	for len(items) < maxItems {
		select {
		case item := <-q.items:
			items = append(items, item)
		default:
			return items
		}
	}

	return items
}

// MarkProcessed acknowledges successfully transmitted items. They were
// removed from the buffer by GetBatch; this only records the outcome.
func (q *Queue) MarkProcessed(items []models.DataPoint) {
	q.logger.Debug().Int("count", len(items)).Msg("Marked items as processed")
}

// Requeue resubmits items after a failed transmission. Items that no
// longer fit are dropped: bounded memory wins over guaranteed delivery
// during sustained outages.
func (q *Queue) Requeue(items []models.DataPoint) {
	requeued := 0

	for _, item := range items {
		if q.Put(item) {
			requeued++
		}
	}

	if requeued < len(items) {
		q.logger.Warn().
			Int("requeued", requeued).
			Int("dropped", len(items)-requeued).
			Msg("Queue full during requeue, items dropped")
	} else {
		q.logger.Info().Int("count", requeued).Msg("Requeued data points")
	}
}

// Size returns the number of buffered items.
func (q *Queue) Size() int {
	return len(q.items)
}

// IsEmpty reports whether the buffer is empty.
func (q *Queue) IsEmpty() bool {
	return len(q.items) == 0
}

// Flush checkpoints all currently buffered items to the store. The drain
// and write form one atomic step: on write failure the drained items are
// returned to the buffer.
func (q *Queue) Flush(ctx context.Context) error {
	if q.store == nil {
		return nil
	}

	var drained []models.DataPoint

drain:
	for {
		select {
		case item := <-q.items:
			drained = append(drained, item)
		default:
			break drain
		}
	}

	if len(drained) == 0 {
		return nil
	}

	if err := q.store.Append(ctx, drained); err != nil {
		// The buffer was just drained, so everything fits back.
		for _, item := range drained {
			q.Put(item)
		}

		return err
	}

	q.logger.Info().Int("count", len(drained)).Msg("Flushed items to checkpoint store")

	return nil
}

func (q *Queue) flushLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			if err := q.Flush(ctx); err != nil {
				q.logger.Error().Err(err).Msg("Periodic checkpoint failed, will retry next interval")
			}
		}
	}
}
