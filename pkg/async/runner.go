package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/opnet-plugins/pkg/observability"
)

// DefaultTimeout bounds a task when the runner is built without one
const DefaultTimeout = time.Minute

// Runner starts background tasks and waits for them on shutdown
type Runner struct {
	logger  *logrus.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewRunner creates a runner whose tasks each get timeout to finish
func NewRunner(logger *logrus.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{logger: observability.OrDefault(logger), timeout: timeout}
}

// Go runs fn in a goroutine. A panic is recovered and logged with its stack; an
// error is logged. Neither reaches the caller.
func (r *Runner) Go(parent context.Context, task string, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.run(parent, fn); err != nil {
			r.logger.WithField("task", task).WithError(err).Error("background task failed")
		}
	}()
}

func (r *Runner) run(parent context.Context, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Wait blocks until every task started with Go has returned
func (r *Runner) Wait() {
	r.wg.Wait()
}
