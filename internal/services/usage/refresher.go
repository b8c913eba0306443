package usage

import (
	"context"
	"fmt"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

// MetricsRefresher periodically recomputes the realtime view so dashboard
// reads rarely land on a cold cache.
type MetricsRefresher struct {
	service *Service
	cron    *cron.Cron
	timeout time.Duration
}

// NewMetricsRefresher runs a refresh on a cron schedule, e.g. "@every 5m".
func NewMetricsRefresher(service *Service, schedule string) (*MetricsRefresher, error) {
	r := &MetricsRefresher{
		service: service,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: 30 * time.Second,
	}
	if _, err := r.cron.AddFunc(schedule, r.refresh); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *MetricsRefresher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	m, err := r.service.RefreshRealTimeMetrics(ctx)
	if err != nil {
		fiberlog.Errorf("[usage] realtime metrics refresh failed: %v", err)
		return
	}
	fiberlog.Debugf("[usage] realtime metrics refreshed: %d requests in last 24h", m.Totals.TotalRequests)
}

func (r *MetricsRefresher) Start() {
	fiberlog.Info("Realtime metrics refresher started")
	r.cron.Start()
}

// Stop waits for a running refresh to finish.
func (r *MetricsRefresher) Stop() {
	<-r.cron.Stop().Done()
	fiberlog.Info("Realtime metrics refresher stopped")
}
