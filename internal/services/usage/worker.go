package usage

import (
	"context"
	"sync"

	"github.com/Egham-7/adaptive-governor/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// RecordFunc handles one completion report.
type RecordFunc func(ctx context.Context, report models.CompletionReport) error

// Worker records completion reports on a pool of goroutines so HTTP callers
// can report fire-and-forget.
type Worker struct {
	record   RecordFunc
	tasks    chan models.CompletionReport
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopped  bool
}

// NewWorker creates a new usage recording worker with the specified pool size
func NewWorker(record RecordFunc, poolSize, bufferSize int) *Worker {
	if poolSize <= 0 {
		poolSize = 1
	}
	w := &Worker{
		record: record,
		tasks:  make(chan models.CompletionReport, bufferSize),
	}

	for range poolSize {
		w.wg.Add(1)
		go w.run()
	}

	return w
}

// Submit queues a report. When the buffer is full, or the worker is
// stopped, the report is recorded on the caller's goroutine instead of
// being dropped.
func (w *Worker) Submit(report models.CompletionReport) {
	w.mu.RLock()
	if !w.stopped {
		select {
		case w.tasks <- report:
			w.mu.RUnlock()
			return
		default:
		}
	}
	w.mu.RUnlock()

	fiberlog.Warnf("[%s] usage worker unavailable, recording synchronously", report.RequestID)
	w.handle(report)
}

func (w *Worker) run() {
	defer w.wg.Done()

	for report := range w.tasks {
		w.handle(report)
	}
}

func (w *Worker) handle(report models.CompletionReport) {
	if err := w.record(context.Background(), report); err != nil {
		fiberlog.Errorf("[%s] failed to record completion: %v", report.RequestID, err)
	}
}

// Stop drains queued reports and waits for the pool to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		close(w.tasks)
		w.mu.Unlock()
		w.wg.Wait()
	})
}
