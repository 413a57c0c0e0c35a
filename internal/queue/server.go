package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	"media-ingest/internal/logging"
	"media-ingest/internal/metrics"
)

// SkipRetry marks an error as terminal: the task is acked and not retried.
// Used for logical failures (target deleted, corrupt input) where a retry
// storm would only repeat the failure.
var SkipRetry = asynq.SkipRetry

// Handler processes one task payload. Returning nil acks the message;
// returning an error wrapped with SkipRetry acks without retrying; any
// other error retries with exponential backoff until the attempt bound,
// then routes the message to the dead-letter archive.
type Handler func(ctx context.Context, payload []byte) error

// Server hosts the competing consumers for all work queues in one process.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux

	running bool
}

// ServerConfig tunes the consumer side of the bus.
type ServerConfig struct {
	RedisAddr string
	// Prefetch bounds in-flight tasks per process; backpressure beyond it
	// is queue growth in Redis.
	Prefetch int
}

// NewServer creates the consumer server. Queues are weighted so control
// messages (scans) are not starved by the much larger derivative queues.
func NewServer(cfg ServerConfig) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		asynq.Config{
			Concurrency: cfg.Prefetch,
			Queues: map[string]int{
				QueueLibraryScan:    3,
				QueueCollectionScan: 3,
				QueueThumbnailGen:   2,
				QueueCacheGen:       2,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Exponential backoff: 10s, 20s, 40s, ... capped at 10m.
				d := time.Duration(1<<uint(n)) * 5 * time.Second
				if d > 10*time.Minute {
					d = 10 * time.Minute
				}
				return d
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				if errors.Is(err, SkipRetry) {
					return
				}
				logging.Warn("Task %s failed (will retry): %v", task.Type(), err)
			}),
			Logger: asynqLogger{},
		},
	)
	return &Server{srv: srv, mux: asynq.NewServeMux()}
}

// Register binds a handler to a task type. Must be called before Start.
func (s *Server) Register(taskType, queueName string, h Handler) {
	s.mux.HandleFunc(taskType, func(ctx context.Context, task *asynq.Task) error {
		start := time.Now()
		err := h(ctx, task.Payload())
		metrics.QueueTaskDuration.WithLabelValues(queueName).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			metrics.QueueTasksProcessed.WithLabelValues(queueName, "ok").Inc()
		case errors.Is(err, SkipRetry):
			metrics.QueueTasksProcessed.WithLabelValues(queueName, "skip").Inc()
		default:
			metrics.QueueTasksProcessed.WithLabelValues(queueName, "error").Inc()
		}
		return err
	})
}

// Start launches the consumer loops. Non-blocking.
func (s *Server) Start() error {
	if err := s.srv.Start(s.mux); err != nil {
		return err
	}
	s.running = true
	return nil
}

// Running reports whether the server has started; used by the readiness probe.
func (s *Server) Running() bool {
	return s.running
}

// Shutdown drains in-flight tasks and stops the consumer loops. Unfinished
// tasks are returned to their queues for redelivery elsewhere.
func (s *Server) Shutdown() {
	s.running = false
	s.srv.Shutdown()
}

// asynqLogger routes asynq's internal logging through the app logger.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logging.Debug("asynq: %v", args) }
func (asynqLogger) Info(args ...interface{})  { logging.Debug("asynq: %v", args) }
func (asynqLogger) Warn(args ...interface{})  { logging.Warn("asynq: %v", args) }
func (asynqLogger) Error(args ...interface{}) { logging.Error("asynq: %v", args) }
func (asynqLogger) Fatal(args ...interface{}) { logging.Error("asynq: %v", args) }
