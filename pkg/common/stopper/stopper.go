// Copyright 2022 Basalt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stopper runs named background tasks that share one shutdown
// signal. Transport loops and the memory monitor run under a stopper so
// that closing a service reliably tears down its goroutines.
package stopper

import (
	"context"
	"sync"

	"github.com/basaltdb/basalt/pkg/logutil"
	"go.uber.org/zap"
)

// Option configures a Stopper.
type Option func(*Stopper)

// WithLogger sets the logger used to report task lifecycle.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stopper) {
		s.logger = logger
	}
}

// Stopper manages a set of background tasks bound to one cancel signal.
type Stopper struct {
	name   string
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu struct {
		sync.Mutex
		stopped bool
	}
}

// NewStopper creates a stopper with the given name.
func NewStopper(name string, opts ...Option) *Stopper {
	s := &Stopper{name: name}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logutil.Adjust(s.logger).With(zap.String("stopper", name))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// RunTask starts task on its own goroutine. The task must return when the
// passed context is done. Returns an error if the stopper already stopped.
func (s *Stopper) RunTask(task func(ctx context.Context)) error {
	s.mu.Lock()
	if s.mu.stopped {
		s.mu.Unlock()
		return context.Canceled
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		task(s.ctx)
	}()
	return nil
}

// Stop cancels all tasks and waits for them to exit. Idempotent.
func (s *Stopper) Stop() {
	s.mu.Lock()
	if s.mu.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Debug("all tasks stopped")
}
