package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Env is shared by every component. It can be read from any goroutine.
type Env struct {
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
	Cfg     *Config
}

// Loop is a component event loop. All of a component's state is owned by its
// loop goroutine and must only be touched from dispatched functions.
type Loop struct {
	Name     string
	env      *Env
	dispatch chan func() error
	done     chan struct{}
}

func NewLoop(env *Env, name string) *Loop {
	return &Loop{
		Name:     name,
		env:      env,
		dispatch: make(chan func() error, 256),
		done:     make(chan struct{}),
	}
}

// Run processes dispatched functions until the environment is cancelled.
// It must be called exactly once, on its own goroutine.
func (l *Loop) Run() {
	defer close(l.done)
	log := l.env.Log.With("loop", l.Name)
	log.Debug("loop started")
	for {
		select {
		case fun := <-l.dispatch:
			if fun == nil {
				return
			}
			start := time.Now()
			err := fun()
			if err != nil {
				log.Error("error occurred during dispatch", "error", err)
				l.env.Cancel(fmt.Errorf("%s: %w", l.Name, err))
				return
			}
			elapsed := time.Since(start)
			if elapsed > time.Millisecond*50 {
				log.Warn("dispatch took a long time!", "elapsed", elapsed, "len", len(l.dispatch))
			}
		case <-l.env.Context.Done():
			return
		}
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Dispatch runs fun on the loop goroutine without waiting for it to complete.
func (l *Loop) Dispatch(fun func() error) {
	select {
	case l.dispatch <- fun:
	case <-l.env.Context.Done():
	case <-l.done:
	}
}

// DispatchWait runs fun on the loop goroutine and waits for its result.
func DispatchWait[T any](l *Loop, fun func() (T, error)) (T, error) {
	ret := make(chan result[T], 1)
	l.Dispatch(func() error {
		v, err := fun()
		ret <- result[T]{v, err}
		// API-level errors must not take the loop down.
		return nil
	})
	var zero T
	select {
	case res := <-ret:
		return res.v, res.err
	case <-l.env.Context.Done():
		return zero, context.Cause(l.env.Context)
	case <-l.done:
		return zero, context.Canceled
	}
}

type result[T any] struct {
	v   T
	err error
}

// ScheduleTask dispatches fun after delay, unless the loop stopped first.
func (l *Loop) ScheduleTask(fun func() error, delay time.Duration) *time.Timer {
	return time.AfterFunc(delay, func() {
		l.Dispatch(fun)
	})
}

// RepeatTask dispatches fun every interval until the environment is cancelled.
func (l *Loop) RepeatTask(fun func() error, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				l.Dispatch(fun)
			case <-l.env.Context.Done():
				return
			case <-l.done:
				return
			}
		}
	}()
}
