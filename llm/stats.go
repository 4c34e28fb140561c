package llm

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	durationStatsTimeout = 300 * time.Millisecond
	durationStatsWindow  = 200
	slowCallThreshold    = 20 * time.Second
)

// durationRecorder keeps a rolling window of call durations per service in
// redis so slow analysis calls can be flagged. Nil client disables recording.
type durationRecorder struct {
	client *redis.Client
}

func newDurationRecorder(client *redis.Client) *durationRecorder {
	if client == nil {
		return nil
	}
	return &durationRecorder{client: client}
}

// startTimer returns a stop function that records the elapsed time for the
// given service. The timer runs whether the call succeeds or fails.
func (r *durationRecorder) startTimer(service string) func() {
	started := time.Now()
	return func() {
		elapsed := time.Since(started)
		if elapsed > slowCallThreshold {
			log.Printf("llm: slow %s call took %s", service, elapsed.Round(time.Millisecond))
		}
		r.record(service, elapsed)
	}
}

func (r *durationRecorder) record(service string, elapsed time.Duration) {
	if r == nil || r.client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), durationStatsTimeout)
	defer cancel()

	key := "llm:durations:" + service
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, key, elapsed.Milliseconds())
	pipe.LTrim(ctx, key, 0, durationStatsWindow-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("llm: record %s duration failed: %v", service, err)
	}
}

// recentDurations returns the most recent recorded durations for a service,
// newest first.
func (r *durationRecorder) recentDurations(ctx context.Context, service string, limit int) ([]string, error) {
	if r == nil || r.client == nil {
		return nil, nil
	}
	if limit <= 0 || limit > durationStatsWindow {
		limit = durationStatsWindow
	}

	ctx, cancel := context.WithTimeout(ctx, durationStatsTimeout)
	defer cancel()

	values, err := r.client.LRange(ctx, "llm:durations:"+service, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("llm: read %s durations: %w", service, err)
	}
	return values, nil
}
