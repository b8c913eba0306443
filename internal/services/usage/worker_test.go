package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRecordsEverySubmission(t *testing.T) {
	var recorded atomic.Int32
	w := NewWorker(func(context.Context, models.CompletionReport) error {
		recorded.Add(1)
		return nil
	}, 4, 16)

	for range 100 {
		w.Submit(models.CompletionReport{Provider: "openai"})
	}
	w.Stop()

	assert.Equal(t, int32(100), recorded.Load())
}

func TestWorkerFullBufferRecordsSynchronously(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var order []string

	w := NewWorker(func(_ context.Context, r models.CompletionReport) error {
		if r.RequestID == "first" {
			<-block
		}
		mu.Lock()
		order = append(order, r.RequestID)
		mu.Unlock()
		return nil
	}, 1, 1)

	w.Submit(models.CompletionReport{RequestID: "first"})
	// wait for the single worker to pick up "first" so the buffer is empty again
	require.Eventually(t, func() bool { return len(w.tasks) == 0 }, time.Second, 5*time.Millisecond)
	w.Submit(models.CompletionReport{RequestID: "queued"})
	w.Submit(models.CompletionReport{RequestID: "overflow"})

	mu.Lock()
	assert.Equal(t, []string{"overflow"}, order)
	mu.Unlock()

	close(block)
	w.Stop()

	assert.ElementsMatch(t, []string{"first", "queued", "overflow"}, order)
}

func TestWorkerAfterStopRecordsInline(t *testing.T) {
	var recorded atomic.Int32
	w := NewWorker(func(context.Context, models.CompletionReport) error {
		recorded.Add(1)
		return errors.New("logged, not returned")
	}, 1, 1)
	w.Stop()
	w.Stop()

	w.Submit(models.CompletionReport{RequestID: "late"})
	assert.Equal(t, int32(1), recorded.Load())
}

func TestMetricsRefresher(t *testing.T) {
	svc, st, _ := newTestService(t, Options{})
	logCall(t, svc, "openai", "gpt-4o", 100, true)

	r, err := NewMetricsRefresher(svc, "@every 5m")
	require.NoError(t, err)
	r.refresh()

	_, found, err := st.Get(context.Background(), RealtimeCacheKey)
	require.NoError(t, err)
	assert.True(t, found)

	r.Start()
	r.Stop()

	_, err = NewMetricsRefresher(svc, "every now and then")
	assert.Error(t, err)
}
