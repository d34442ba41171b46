package jobqueue

import (
	"context"
)

type Acknowledgement struct {
	Status AckStatus
}

type AckStatus = string

var (
	success AckStatus = "success"
	failed  AckStatus = "failed"
)

var (
	Success = Acknowledgement{success}
	Failure = Acknowledgement{failed}
)

func (a Acknowledgement) String() string {
	return a.Status
}

// Acknowledger turns the outcome of a handler into a store mutation.
type Acknowledger interface {
	Acknowledge(ctx context.Context, job Job, ack Acknowledgement) error
}

type queueAcknowledgement struct {
	queue Queue
}

func newAcknowledgement(queue Queue) Acknowledger {
	return &queueAcknowledgement{
		queue: queue,
	}
}

func (a *queueAcknowledgement) Acknowledge(ctx context.Context, job Job, ack Acknowledgement) error {
	if ack == Success {
		return a.queue.Complete(ctx, job.ID)
	}
	return a.queue.Fail(ctx, job.ID)
}
