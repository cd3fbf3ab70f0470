// Package census periodically counts threads parked on an approval and
// publishes the count as a gauge. Parked threads never expire, so the gauge
// is how operators notice approvals nobody is answering.
package census

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/hitl/internal/checkpoint"
	metrics "github.com/aixgo-dev/hitl/pkg/observability"
)

// Lister is the part of a checkpoint store the census reads.
type Lister interface {
	List(ctx context.Context) ([]checkpoint.Summary, error)
}

// Census runs the count on a cron schedule.
type Census struct {
	store   Lister
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger
}

// New schedules the census. spec is a robfig/cron expression such as
// "@every 1m" or "*/5 * * * *".
func New(store Lister, spec string, logger *slog.Logger) (*Census, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Census{
		store:   store,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: 30 * time.Second,
		logger:  logger,
	}
	if _, err := c.cron.AddFunc(spec, c.tick); err != nil {
		return nil, fmt.Errorf("invalid census schedule %q: %w", spec, err)
	}
	return c, nil
}

// Start runs one count immediately, then follows the schedule.
func (c *Census) Start() {
	c.tick()
	c.cron.Start()
}

// Stop halts the schedule and waits for a running count to finish.
func (c *Census) Stop() {
	<-c.cron.Stop().Done()
}

func (c *Census) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	n, err := Count(ctx, c.store)
	if err != nil {
		c.logger.Warn("census failed", "error", err)
		return
	}
	metrics.SetThreadsAwaiting(n)
	c.logger.Debug("census", "awaiting_approval", n)
}

// Count returns how many threads are awaiting approval.
func Count(ctx context.Context, store Lister) (int, error) {
	list, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range list {
		if s.State == checkpoint.StateAwaitingApproval {
			n++
		}
	}
	return n, nil
}
