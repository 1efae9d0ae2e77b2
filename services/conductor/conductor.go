// Package conductor runs the orchestration service: it consumes the dispatch
// topic, hands every job to the invoker and periodically reconciles swarms
// whose fan-out stalled mid-crash.
package conductor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/imaginary-cherry/mageflow/internal/engine"
	"github.com/imaginary-cherry/mageflow/internal/invoker"
	"github.com/imaginary-cherry/mageflow/internal/kafka"
)

// Conductor consumes dispatch messages and executes them.
type Conductor struct {
	consumer kafka.Consumer
	inv      *invoker.Invoker
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New constructs a Conductor.
func New(consumer kafka.Consumer, inv *invoker.Invoker, logger *slog.Logger) *Conductor {
	return &Conductor{consumer: consumer, inv: inv, logger: logger}
}

// Run starts consuming and processing messages. Blocks until ctx is
// cancelled.
func (c *Conductor) Run(ctx context.Context) error {
	c.wg.Add(1)
	defer c.wg.Done()
	return c.consumer.Subscribe(ctx, c.processMessage)
}

// Wait blocks until the consume loop has fully stopped. The loop only
// returns between deliveries, so this includes any job that was mid-flight
// when the context was cancelled.
func (c *Conductor) Wait() { c.wg.Wait() }

// processMessage is the Kafka HandlerFunc. A malformed payload is discarded;
// a job error skips the commit so the at-least-once pipeline redelivers,
// which every handler downstream is built to tolerate.
func (c *Conductor) processMessage(ctx context.Context, msg kafka.Message) error {
	job, err := engine.DecodeJob(msg.Value)
	if err != nil {
		c.logger.Error("malformed dispatch message, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		return nil
	}

	return c.inv.Run(ctx, job)
}
