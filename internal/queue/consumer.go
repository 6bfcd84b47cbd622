package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/domain"
)

// Handler processes one job. Its error is logged and the job is removed, unless
// the error came from the consumer shutting down.
type Handler func(ctx context.Context, job domain.BuildJob) error

// DroppedHandler is told about jobs abandoned after repeated consumer crashes.
type DroppedHandler func(ctx context.Context, job domain.BuildJob)

// Consumer processes jobs one at a time.
type Consumer struct {
	queue     *Queue
	handler   Handler
	onDropped DroppedHandler
	logger    *slog.Logger
}

// NewConsumer wires a handler to the queue.
func NewConsumer(q *Queue, handler Handler, onDropped DroppedHandler) *Consumer {
	return &Consumer{queue: q, handler: handler, onDropped: onDropped, logger: q.logger}
}

// Run consumes until ctx is cancelled. A job whose handler was cut short by the
// cancellation stays in the active list; its lock expires without a heartbeat
// and the stall checker moves it back to wait.
func (c *Consumer) Run(ctx context.Context) error {
	go c.stallLoop(ctx)

	token := uuid.NewString()
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := c.queue.claim(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("claim job", "error", err)
			c.queue.waitForWork(ctx)
			continue
		}
		if job == nil {
			c.queue.waitForWork(ctx)
			continue
		}
		c.process(ctx, job)
	}
}

func (c *Consumer) process(ctx context.Context, job *claimed) {
	log := c.logger.With("build_id", job.id)
	interrupted := false
	defer func() {
		if interrupted {
			log.Warn("job interrupted by shutdown, left for redelivery")
			return
		}
		// complete with a fresh context so shutdown does not strand a finished job
		doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.queue.complete(doneCtx, job.id); err != nil {
			log.Error("complete job", "error", err)
		}
	}()

	if job.payload == "" {
		log.Warn("claimed job without payload")
		return
	}
	var payload domain.BuildJob
	if err := json.Unmarshal([]byte(job.payload), &payload); err != nil {
		log.Error("decode job", "error", err)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, job, log)

	start := time.Now()
	if err := c.handler(ctx, payload); err != nil {
		if ctx.Err() != nil {
			interrupted = true
			return
		}
		log.Warn("job finished with error", "error", err, "duration", time.Since(start))
		return
	}
	log.Info("job finished", "duration", time.Since(start))
}

func (c *Consumer) heartbeat(ctx context.Context, job *claimed, log *slog.Logger) {
	ticker := time.NewTicker(c.queue.opts.LockDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := c.queue.extend(ctx, job)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Warn("extend job lock", "error", err)
				}
				continue
			}
			if !ok {
				log.Warn("job lock lost")
				return
			}
		}
	}
}

func (c *Consumer) stallLoop(ctx context.Context) {
	ticker := time.NewTicker(c.queue.opts.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, dropped, err := c.queue.RecoverStalled(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("recover stalled jobs", "error", err)
				}
				continue
			}
			if requeued > 0 {
				c.logger.Warn("requeued stalled jobs", "count", requeued)
			}
			for _, job := range dropped {
				c.logger.Error("dropping job after repeated stalls", "build_id", job.BuildID)
				if c.onDropped != nil {
					c.onDropped(ctx, job)
				}
			}
		}
	}
}
