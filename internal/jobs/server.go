package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/lock"
)

// ServerConfig tunes the asynq server.
type ServerConfig struct {
	RedisURL    string
	Concurrency int
	RetryBase   time.Duration
	Jitter      float64
}

// NewClient returns an asynq client for the Redis at url.
func NewClient(url string) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("parse jobs redis url: %w", err)
	}
	return asynq.NewClient(opt), nil
}

// NewServer returns an asynq server consuming the providers queue.
func NewServer(cfg ServerConfig, logger zerolog.Logger) (*asynq.Server, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse jobs redis url: %w", err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 5 * time.Second
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:    concurrency,
		Queues:         map[string]int{QueueProviders: 1},
		RetryDelayFunc: RetryDelay(base, cfg.Jitter),
		// contention on the invoice lock is expected and not a failure
		IsFailure: func(err error) bool { return !errors.Is(err, lock.ErrLocked) },
		Logger:    asynqLogger{logger: logger},
		LogLevel:  asynq.WarnLevel,
	}), nil
}

type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
