// Package queue implements the bounded prefetching patch queue that
// decouples slow whole-volume loading, transformation and sampling from
// fast per-patch consumption during training.
//
// A fixed pool of workers loads subjects, draws patches with the configured
// sampler and appends them to a capacity-bounded buffer; a single consumer
// pops patches one at a time. One mutex and two condition variables guard
// append, pop and length checks as atomic operations. The queue is a
// restartable, effectively infinite sequence: when an epoch's subjects are
// exhausted and the buffer drains, Next returns ErrEndOfEpoch once and the
// following call begins a new epoch.
//
// With at most one worker (and patch shuffling off) all patches of a subject
// are delivered together before the next subject's. With more workers,
// subjects are still claimed one at a time but their patches interleave in
// the buffer; only the per-epoch patch multiset is guaranteed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"volpatch/pkg/sampler"
	"volpatch/pkg/subject"
)

var (
	// ErrEndOfEpoch signals that every subject of the current epoch has
	// been consumed. The next call to Next starts a new epoch.
	ErrEndOfEpoch = errors.New("queue: end of epoch")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue: closed")
)

// Config holds the construction-time queue parameters. All fields are
// validated eagerly by New and never re-checked per call.
type Config struct {
	// MaxLength bounds the number of buffered patches.
	MaxLength int

	// SamplesPerVolume is the number of patches drawn from each subject
	// before moving to the next. Must not exceed MaxLength.
	SamplesPerVolume int

	// NumWorkers is the number of parallel subject-loading workers. Zero
	// selects a synchronous fallback that fills the buffer inside Next.
	// More than one worker interleaves the patches of different subjects;
	// per-subject grouping only holds with zero or one worker.
	NumWorkers int

	// ShuffleSubjects draws subjects in a fresh random order each epoch.
	ShuffleSubjects bool

	// ShufflePatches pops a random resident patch instead of the oldest.
	// Only the set of patches currently buffered is randomized, not the
	// full stream.
	ShufflePatches bool

	// Seed fixes the shuffle RNG; zero seeds from the clock.
	Seed uint64

	// Logger receives skip reports for failed subjects. Defaults to the
	// standard logger.
	Logger *log.Logger
}

// Item is one buffered patch: the cropped subject, where it came from in
// its volume, and the index of the source subject. Each item is owned
// exclusively by the queue between production and its single consumption.
type Item struct {
	Patch        *subject.Subject
	Location     sampler.Location
	SubjectIndex int
}

// Queue is a bounded producer/consumer patch buffer over a subject source
// and a sampler. Next must be called from a single consumer goroutine;
// outer-level batch parallelism belongs to the caller.
type Queue struct {
	src    subject.Source
	smp    sampler.Sampler
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	buf      []*Item
	rng      *rand.Rand
	closed   bool

	started       bool
	producersDone bool
	order         []int
	cursor        int
	cancel        context.CancelFunc
	workers       *errgroup.Group
	epochs        int
	skipped       int
}

// New validates the configuration and creates an idle queue. No subject is
// loaded until the first call to Next.
func New(src subject.Source, smp sampler.Sampler, cfg Config) (*Queue, error) {
	if src == nil || smp == nil {
		return nil, fmt.Errorf("queue: source and sampler are required")
	}
	if cfg.SamplesPerVolume < 1 {
		return nil, fmt.Errorf("queue: samples per volume must be at least 1, got %d", cfg.SamplesPerVolume)
	}
	if cfg.MaxLength < cfg.SamplesPerVolume {
		return nil, fmt.Errorf("queue: max length %d is smaller than samples per volume %d",
			cfg.MaxLength, cfg.SamplesPerVolume)
	}
	if cfg.NumWorkers < 0 {
		return nil, fmt.Errorf("queue: number of workers must not be negative, got %d", cfg.NumWorkers)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	q := &Queue{
		src:    src,
		smp:    smp,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q, nil
}

// Next returns the next patch. It blocks while the buffer is empty and
// producers are still running, returns ErrEndOfEpoch exactly once when an
// epoch is exhausted, and ErrClosed after Close.
func (q *Queue) Next() (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if !q.started {
		q.startEpochLocked()
	}

	if q.cfg.NumWorkers == 0 {
		q.fillLocked()
		if len(q.buf) == 0 {
			q.finishEpochLocked()
			return nil, ErrEndOfEpoch
		}
		return q.popLocked(), nil
	}

	for len(q.buf) == 0 && !q.producersDone && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, ErrClosed
	}
	if len(q.buf) == 0 {
		q.finishEpochLocked()
		return nil, ErrEndOfEpoch
	}
	item := q.popLocked()
	q.notFull.Signal()
	return item, nil
}

// Len returns the number of patches currently buffered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Epochs returns the number of completed epochs.
func (q *Queue) Epochs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epochs
}

// Skipped returns the total number of subjects skipped due to load or
// sampling failures.
func (q *Queue) Skipped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.skipped
}

// Close cooperatively shuts down the worker pool and releases any blocked
// producers. Further calls to Next return ErrClosed. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	workers := q.workers
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if workers != nil {
		// Workers only ever return nil; Wait is for teardown ordering.
		_ = workers.Wait()
	}
	return nil
}

// startEpochLocked prepares the subject order for a new epoch and, in
// worker mode, launches the producer pool.
func (q *Queue) startEpochLocked() {
	n := q.src.Len()
	if q.cfg.ShuffleSubjects {
		q.order = q.rng.Perm(n)
	} else {
		q.order = make([]int, n)
		for i := range q.order {
			q.order[i] = i
		}
	}
	q.cursor = 0
	q.producersDone = false
	q.started = true

	if q.cfg.NumWorkers == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	for w := 0; w < q.cfg.NumWorkers; w++ {
		group.Go(func() error {
			q.produce(ctx)
			return nil
		})
	}
	q.workers = group
	go func() {
		_ = group.Wait()
		q.mu.Lock()
		q.producersDone = true
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	}()
}

// finishEpochLocked records the epoch boundary and resets the cursor so the
// next call to Next starts over, reshuffling if configured.
func (q *Queue) finishEpochLocked() {
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.started = false
	q.producersDone = false
	q.workers = nil
	q.epochs++
}

// popLocked removes one patch: the oldest, or a uniformly random resident
// patch when patch shuffling is on.
func (q *Queue) popLocked() *Item {
	i := 0
	if q.cfg.ShufflePatches && len(q.buf) > 1 {
		i = q.rng.Intn(len(q.buf))
	}
	item := q.buf[i]
	q.buf = append(q.buf[:i], q.buf[i+1:]...)
	return item
}

// nextSubject claims the next subject index of the epoch, or -1 when the
// epoch's cursor is exhausted.
func (q *Queue) nextSubject() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor >= len(q.order) {
		return -1
	}
	idx := q.order[q.cursor]
	q.cursor++
	return idx
}

// produce is the worker loop: claim a subject, load and sample it, and
// append its patches until the epoch or the queue ends. Per-subject
// failures are logged and skipped, never propagated to the consumer.
func (q *Queue) produce(ctx context.Context) {
	for ctx.Err() == nil {
		idx := q.nextSubject()
		if idx < 0 {
			return
		}
		items, err := q.samplePatches(idx)
		if err != nil {
			q.skip(idx, err)
			continue
		}
		for _, item := range items {
			if !q.append(ctx, item) {
				return
			}
		}
	}
}

// samplePatches loads one subject and draws its patches.
func (q *Queue) samplePatches(idx int) ([]*Item, error) {
	subj, err := q.src.Get(idx)
	if err != nil {
		return nil, fmt.Errorf("loading: %w", err)
	}
	locs, err := q.smp.Sample(subj, q.cfg.SamplesPerVolume)
	if err != nil {
		return nil, fmt.Errorf("sampling: %w", err)
	}
	items := make([]*Item, 0, len(locs))
	for _, loc := range locs {
		patch, err := sampler.ExtractPatch(subj, loc)
		if err != nil {
			return nil, fmt.Errorf("extracting %v: %w", loc, err)
		}
		items = append(items, &Item{Patch: patch, Location: loc, SubjectIndex: idx})
	}
	return items, nil
}

// append blocks until the buffer has room, then inserts the item. It
// returns false when the queue is shut down before the item fits.
func (q *Queue) append(ctx context.Context, item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) >= q.cfg.MaxLength {
		if q.closed || ctx.Err() != nil {
			return false
		}
		q.notFull.Wait()
	}
	if q.closed || ctx.Err() != nil {
		return false
	}
	q.buf = append(q.buf, item)
	q.notEmpty.Signal()
	return true
}

// skip records a recoverable per-subject failure.
func (q *Queue) skip(idx int, err error) {
	q.mu.Lock()
	q.skipped++
	q.mu.Unlock()
	q.logger.Printf("queue: skipping subject %d: %v", idx, err)
}

// fillLocked is the synchronous fallback for NumWorkers == 0: load subjects
// inline while a full sample batch still fits in the buffer.
func (q *Queue) fillLocked() {
	for q.cursor < len(q.order) && len(q.buf)+q.cfg.SamplesPerVolume <= q.cfg.MaxLength {
		idx := q.order[q.cursor]
		q.cursor++
		items, err := q.samplePatches(idx)
		if err != nil {
			q.skipped++
			q.logger.Printf("queue: skipping subject %d: %v", idx, err)
			continue
		}
		q.buf = append(q.buf, items...)
	}
}

// DiscardLogger returns a logger that drops all output, for callers that
// handle skip accounting through Skipped instead.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
