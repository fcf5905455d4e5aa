// Package batch implements the coalescing write buffer: a keyed,
// last-write-wins map drained by a background flusher. Enqueuers pass a
// backpressure semaphore of 2*MaxBatchSize permits, each held only while
// its enqueue runs, so it caps concurrent enqueues rather than buffered
// keys; reaching MaxBatchSize keys signals an eager flush, and the number
// of buffered keys has no hard cap. An enqueue
// of an already-buffered key overwrites the pending operation rather than
// queueing a second one, so a flush carries at most one operation per key.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-cache/tlc/l2"
	"github.com/lattice-cache/tlc/ratelimit"
	"github.com/lattice-cache/tlc/tlcerr"
)

type opKind int

const (
	opSet opKind = iota
	opDelete
)

type pending struct {
	kind  opKind
	value []byte
	ttl   time.Duration
	seq   uint64
}

// Writer is a keyed coalescing buffer draining to L2 on a timer, a
// fullness signal, or shutdown.
type Writer struct {
	backend l2.Backend
	limiter ratelimit.Limiter
	log     zerolog.Logger

	maxBatchSize int
	flushEvery   time.Duration

	sem chan struct{} // backpressure semaphore, sized 2*maxBatchSize

	mu      sync.Mutex
	buffer  map[string]pending
	nextSeq uint64

	signalCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Options configures a Writer.
type Options struct {
	Backend      l2.Backend
	MaxBatchSize int           // reference default: 100
	FlushEvery   time.Duration // reference default: 50ms
	Limiter      ratelimit.Limiter
	Logger       zerolog.Logger
}

// New builds a Writer and starts its background flusher.
func New(opts Options) *Writer {
	maxBatch := opts.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 100
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 50 * time.Millisecond
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.Disabled{}
	}
	w := &Writer{
		backend:      opts.Backend,
		limiter:      limiter,
		log:          opts.Logger,
		maxBatchSize: maxBatch,
		flushEvery:   flushEvery,
		sem:          make(chan struct{}, 2*maxBatch),
		buffer:       make(map[string]pending),
		signalCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go w.run()
	return w
}

// EnqueueSet buffers a set for key, overwriting any pending operation for
// the same key (last-write-wins). Blocks up to 5s acquiring a backpressure
// permit; on timeout returns a backpressure error.
func (w *Writer) EnqueueSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return w.enqueue(ctx, key, pending{kind: opSet, value: value, ttl: ttl})
}

// EnqueueDelete buffers a delete for key, overwriting any pending operation
// for the same key.
func (w *Writer) EnqueueDelete(ctx context.Context, key string) error {
	return w.enqueue(ctx, key, pending{kind: opDelete})
}

func (w *Writer) enqueue(ctx context.Context, key string, p pending) error {
	select {
	case <-w.stopCh:
		return tlcerr.New(tlcerr.KindBackpressure, "batch writer is shut down")
	default:
	}

	acquireCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	select {
	case w.sem <- struct{}{}:
	case <-acquireCtx.Done():
		return tlcerr.New(tlcerr.KindBackpressure, "timed out acquiring batch writer permit")
	}
	defer func() { <-w.sem }()

	w.mu.Lock()
	w.nextSeq++
	p.seq = w.nextSeq
	w.buffer[key] = p
	size := len(w.buffer)
	w.mu.Unlock()

	if size >= w.maxBatchSize {
		w.log.Warn().Int("buffer_size", size).Int("max_batch_size", w.maxBatchSize).
			Msg("batch buffer reached soft threshold, signalling eager flush")
		w.signal()
	}
	return nil
}

func (w *Writer) signal() {
	select {
	case w.signalCh <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.signalCh:
			w.flush()
		case <-w.stopCh:
			w.flush()
			return
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make(map[string]pending, w.maxBatchSize)
	for key, p := range w.buffer {
		batch[key] = p
		if len(batch) >= w.maxBatchSize {
			break
		}
	}
	w.mu.Unlock()

	if !w.limiter.Allow("batch-flush") {
		return
	}

	sets := make(map[string]l2.BatchItem)
	var deletes []string
	for key, p := range batch {
		if p.kind == opSet {
			sets[key] = l2.BatchItem{Value: p.value, TTL: p.ttl}
		} else {
			deletes = append(deletes, key)
		}
	}

	ctx := context.Background()
	var err error
	if len(sets) > 0 {
		err = w.backend.BatchSet(ctx, sets)
	}
	if err == nil && len(deletes) > 0 {
		err = w.backend.BatchDelete(ctx, deletes)
	}

	if err != nil {
		// All-or-nothing retention: leave every entry of the batch in the
		// buffer for the next tick rather than reconciling per-command
		// pipeline results.
		w.log.Warn().Err(err).Int("batch_size", len(batch)).Msg("batch flush failed, retaining entries")
		return
	}

	w.mu.Lock()
	for key, p := range batch {
		// Only remove the entry if nothing re-enqueued it while the flush was
		// in flight; a higher seq means a newer write must still go out.
		if current, ok := w.buffer[key]; ok && current.seq == p.seq {
			delete(w.buffer, key)
		}
	}
	w.mu.Unlock()
}

// Size reports the current buffer occupancy.
func (w *Writer) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Shutdown signals the flusher to drain once more and exit, then waits for
// it to finish.
func (w *Writer) Shutdown() {
	close(w.stopCh)
	<-w.doneCh
}
