package shard

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/storage"
)

// ErrDeleterStopped resolves completions submitted after Stop.
var ErrDeleterStopped = errors.New("range deleter stopped")

// Completion is a one-shot future for a scheduled range deletion.
type Completion struct {
	done    chan struct{}
	once    sync.Once
	err     error
	deleted int
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(n int, err error) {
	c.once.Do(func() {
		c.deleted = n
		c.err = err
		close(c.done)
	})
}

// Done is closed once the deletion finished.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Err returns the deletion result. Only meaningful after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Deleted is the number of documents removed.
func (c *Completion) Deleted() int {
	select {
	case <-c.done:
		return c.deleted
	default:
		return 0
	}
}

// Wait blocks until the deletion finished or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type deleteTask struct {
	store storage.Store
	ns    chunk.Namespace
	rng   chunk.ChunkRange
	c     *Completion
}

// RangeDeleter removes documents in the background, one range at a time.
type RangeDeleter struct {
	logger  *zap.Logger
	queue   chan deleteTask
	stopped chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
}

// NewRangeDeleter starts the deleter goroutine.
func NewRangeDeleter(logger *zap.Logger, queueSize int) *RangeDeleter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &RangeDeleter{
		logger:  logger.Named("range-deleter"),
		queue:   make(chan deleteTask, queueSize),
		stopped: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Submit schedules deletion of rng in store.
func (d *RangeDeleter) Submit(store storage.Store, ns chunk.Namespace, rng chunk.ChunkRange) *Completion {
	t := deleteTask{store: store, ns: ns, rng: rng, c: newCompletion()}
	select {
	case <-d.stopped:
		t.c.resolve(0, ErrDeleterStopped)
		return t.c
	default:
	}
	select {
	case d.queue <- t:
	case <-d.stopped:
		t.c.resolve(0, ErrDeleterStopped)
	}
	return t.c
}

func (d *RangeDeleter) run() {
	defer d.wg.Done()
	for {
		select {
		case t := <-d.queue:
			d.process(t)
		case <-d.stopped:
			for {
				select {
				case t := <-d.queue:
					t.c.resolve(0, ErrDeleterStopped)
				default:
					return
				}
			}
		}
	}
}

func (d *RangeDeleter) process(t deleteTask) {
	n, err := t.store.DeleteRange(t.rng.Min.Encode(), t.rng.Max.Encode())
	if err != nil {
		d.logger.Warn("range deletion failed",
			zap.Stringer("ns", t.ns), zap.Stringer("range", t.rng), zap.Error(err))
		t.c.resolve(0, errors.Wrapf(err, "deleting %s in %s", t.rng, t.ns))
		return
	}
	if n > 0 {
		d.logger.Info("deleted range",
			zap.Stringer("ns", t.ns), zap.Stringer("range", t.rng), zap.Int("docs", n))
	}
	t.c.resolve(n, nil)
}

// Stop ends the worker; queued tasks resolve with ErrDeleterStopped.
func (d *RangeDeleter) Stop() {
	d.stop.Do(func() { close(d.stopped) })
	d.wg.Wait()
}
