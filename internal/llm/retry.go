package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/executor"
)

// Retrying bounds every inference with a timeout and retries transient
// failures with the executor's backoff schedule.
type Retrying struct {
	model       Model
	timeout     time.Duration
	maxAttempts int
	backoff     executor.Backoff
	sleep       func(ctx context.Context, d time.Duration) error
	log         *zap.Logger
}

func NewRetrying(model Model, cfg config.ModelConfig, backoff executor.Backoff, log *zap.Logger) *Retrying {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Retrying{
		model:       model,
		timeout:     cfg.Timeout.Duration,
		maxAttempts: cfg.MaxAttempts,
		backoff:     backoff.WithDefaults(),
		sleep:       executor.Sleep,
		log:         log,
	}
	if r.timeout <= 0 {
		r.timeout = time.Minute
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 1
	}
	return r
}

func (r *Retrying) Infer(ctx context.Context, req Request) (Response, error) {
	delay := r.backoff.Initial
	for attempt := 1; ; attempt++ {
		res, err := r.once(ctx, req)
		if err == nil {
			return res, nil
		}
		if !transient(ctx, err) || attempt >= r.maxAttempts {
			return Response{}, err
		}
		r.log.Warn("model inference failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("next_delay", delay), zap.Error(err))
		if err := r.sleep(ctx, delay); err != nil {
			return Response{}, err
		}
		delay = r.backoff.Next(delay)
	}
}

func (r *Retrying) once(ctx context.Context, req Request) (Response, error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.model.Infer(actx, req)
}

func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
