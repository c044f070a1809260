package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// SMSSender delivers a text message. Real gateways live outside this module.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// LogSender writes messages to the log instead of a gateway.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Logger.Info().Str("to", to).Str("body", body).Msg("sms")
	return nil
}

// Handler consumes token event tasks.
type Handler struct {
	templates *TemplateEngine
	sms       SMSSender
	logger    zerolog.Logger
}

func NewHandler(templates *TemplateEngine, sms SMSSender, logger zerolog.Logger) *Handler {
	return &Handler{templates: templates, sms: sms, logger: logger}
}

func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeTokenEvent, h.HandleTokenEvent)
}

func (h *Handler) HandleTokenEvent(ctx context.Context, t *asynq.Task) error {
	var evt TokenEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("decode token event: %v: %w", err, asynq.SkipRetry)
	}
	if evt.PatientPhone == "" {
		h.logger.Debug().Str("token_id", evt.TokenID).Msg("token event without phone, skipped")
		return nil
	}

	body, err := h.templates.Render(evt.Kind, evt.Data())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := h.sms.SendSMS(ctx, evt.PatientPhone, body); err != nil {
		return fmt.Errorf("send %s to %s: %w", evt.Kind, evt.PatientPhone, err)
	}

	h.logger.Info().
		Str("kind", string(evt.Kind)).
		Str("token_id", evt.TokenID).
		Int("token_number", evt.TokenNumber).
		Msg("notification sent")
	return nil
}

// NewServer builds the asynq worker server for the notifications queue.
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, logger zerolog.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		Logger:      asynqLogger{logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("type", task.Type()).Msg("task failed")
		}),
	})
}

// asynqLogger adapts zerolog to asynq.Logger.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
