/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/shmseg/internal/logging"
)

// lockManager wraps one cross-process lock. Interrupted waits are retried
// without delay up to budget attempts; anything else that keeps the lock
// state unknown is fatal, because every other process trusts it.
type lockManager struct {
	name    string
	handle  LockHandle
	budget  int
	fatal   func(error)
	log     *logging.Logger
	metrics *sessionMetrics
}

func (s *Session) newLockManager(h LockHandle) *lockManager {
	return &lockManager{
		name:    s.name,
		handle:  h,
		budget:  s.cfg.LockRetryBudget,
		fatal:   s.cfg.Fatal,
		log:     s.log,
		metrics: s.metrics,
	}
}

// acquire blocks until the lock is held. It does not return otherwise.
func (m *lockManager) acquire() {
	start := time.Now()
	if err := m.retry("acquire", m.handle.P); err != nil {
		m.die("acquire", err)
	}
	m.metrics.waited(time.Since(start))
}

// release gives the lock back. A release that cannot complete leaves the
// segment locked for every process, so it never returns on failure.
func (m *lockManager) release() {
	if err := m.retry("release", m.handle.V); err != nil {
		m.die("release", err)
	}
}

func (m *lockManager) retry(op string, call func() error) error {
	attempts := 0
	operation := func() error {
		attempts++
		err := call()
		if err == nil || errors.Is(err, ErrInterrupted) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, _ time.Duration) {
		m.metrics.interrupted(op)
		m.log.Warnf("%s lock %s failed, attempt %d/%d: %v", m.name, op, attempts, m.budget, err)
	}
	policy := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(m.budget-1))
	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil && errors.Is(err, ErrInterrupted) {
		return fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, attempts, err)
	}
	return err
}

func (m *lockManager) die(op string, err error) {
	e := &Error{Kind: KindLockExhaustion, Op: "lock " + op, Name: m.name, Err: err}
	m.log.Errorf("%v", e)
	m.fatal(e)
	// Fatal must not return; never let the caller continue without the lock.
	panic(e)
}

func (m *lockManager) close() error {
	return m.handle.Close()
}
