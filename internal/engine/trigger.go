package engine

import (
	"context"

	"github.com/imaginary-cherry/mageflow/internal/kafka"
)

// Trigger hands a job to the execution engine. Trigger returns once the
// engine has durably accepted the job; it does not wait for execution.
type Trigger interface {
	Trigger(ctx context.Context, job *Job) error
}

type kafkaTrigger struct {
	producer kafka.Producer
	topic    string
}

// NewKafkaTrigger dispatches jobs onto the Kafka dispatch topic.
func NewKafkaTrigger(producer kafka.Producer) Trigger {
	return &kafkaTrigger{producer: producer, topic: TopicDispatch}
}

func (t *kafkaTrigger) Trigger(ctx context.Context, job *Job) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	return t.producer.Publish(ctx, t.topic, job.SignatureKey, data)
}
