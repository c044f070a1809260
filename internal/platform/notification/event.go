// Package notification carries queue token events from the API to a
// background worker that turns them into patient messages.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

// TypeTokenEvent is the asynq task type for every token lifecycle event.
const TypeTokenEvent = "queue:token_event"

// QueueName is the asynq queue the events are enqueued on.
const QueueName = "notifications"

type EventKind string

const (
	EventTokenBooked    EventKind = "token.booked"
	EventTokenCalled    EventKind = "token.called"
	EventTokenCompleted EventKind = "token.completed"
	EventTokenCancelled EventKind = "token.cancelled"
)

// TokenEvent is the task payload. It is self-contained so the worker never
// reads the database.
type TokenEvent struct {
	Kind         EventKind `json:"kind"`
	TokenID      string    `json:"token_id"`
	DoctorID     string    `json:"doctor_id"`
	ChamberID    string    `json:"chamber_id"`
	ChamberName  string    `json:"chamber_name,omitempty"`
	PatientName  string    `json:"patient_name"`
	PatientPhone string    `json:"patient_phone"`
	TokenNumber  int       `json:"token_number"`
	QueueDate    string    `json:"queue_date"`
	StartTime    string    `json:"start_time,omitempty"`
	WaitingAhead int       `json:"waiting_ahead"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Data flattens the event into template placeholders.
func (e TokenEvent) Data() map[string]string {
	chamber := e.ChamberName
	if chamber == "" {
		chamber = "the chamber"
	}
	return map[string]string{
		"patient_name":  e.PatientName,
		"token_number":  strconv.Itoa(e.TokenNumber),
		"chamber_name":  chamber,
		"date":          e.QueueDate,
		"start_time":    e.StartTime,
		"waiting_ahead": strconv.Itoa(e.WaitingAhead),
	}
}

// Publisher hands token events to whatever delivers them.
type Publisher interface {
	Publish(ctx context.Context, evt TokenEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, TokenEvent) error { return nil }

// Enqueuer is the part of *asynq.Client the publisher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqPublisher enqueues token events as asynq tasks.
type AsynqPublisher struct {
	client Enqueuer
	opts   []asynq.Option
}

func NewAsynqPublisher(client Enqueuer) *AsynqPublisher {
	return &AsynqPublisher{
		client: client,
		opts: []asynq.Option{
			asynq.Queue(QueueName),
			asynq.MaxRetry(5),
			asynq.Timeout(30 * time.Second),
		},
	}
}

func NewTokenEventTask(evt TokenEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal token event: %w", err)
	}
	return asynq.NewTask(TypeTokenEvent, payload), nil
}

func (p *AsynqPublisher) Publish(ctx context.Context, evt TokenEvent) error {
	task, err := NewTokenEventTask(evt)
	if err != nil {
		return err
	}
	if _, err := p.client.EnqueueContext(ctx, task, p.opts...); err != nil {
		return fmt.Errorf("enqueue %s for token %s: %w", evt.Kind, evt.TokenID, err)
	}
	return nil
}
